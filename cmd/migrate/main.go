package main

import (
	"CrossMargin/internal/config"
	"CrossMargin/internal/observability"
	"CrossMargin/internal/persistence"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config path] <up|down|pending>")
		fmt.Fprintln(os.Stderr, "  up      - apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down    - roll back the last migration")
		fmt.Fprintln(os.Stderr, "  pending - list migrations not yet applied")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "The DSN and migrations directory come from the config file or")
		fmt.Fprintln(os.Stderr, "CM_DATABASE_DSN and CM_DATABASE_MIGRATIONS_DIR.")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.Database.MigrationsDir, logger)

	switch flag.Arg(0) {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "pending":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("list pending")
		}
		for _, v := range pending {
			fmt.Println(v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
