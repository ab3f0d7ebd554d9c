package main

import (
	"CrossMargin/internal/cachestore"
	"CrossMargin/internal/config"
	"CrossMargin/internal/core"
	"CrossMargin/internal/ingestion"
	"CrossMargin/internal/observability"
	"CrossMargin/internal/persistence"
	"CrossMargin/internal/projection"
	"CrossMargin/internal/query"
	"CrossMargin/internal/server"
	"CrossMargin/internal/state"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	level := observability.ParseLogLevel(cfg.Log.Level)
	logger := observability.NewLoggerWithLevel("main", level)
	logger.Info().Msg("CrossMargin starting")

	// ingress stops first; workers keep draining until the core is quiet
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.Database.MigrationsDir, logger).Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", func() error {
		pingCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		return db.PingContext(pingCtx)
	})

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}

	var group *state.Group
	if snap == nil {
		group, err = cfg.Group.BuildGroup()
		if err != nil {
			logger.Fatal().Err(err).Msg("build genesis group")
		}
		logger.Info().Int("tokens", len(cfg.Group.Tokens)).Int("markets", len(cfg.Group.Markets)).Msg("no snapshot, cold start from genesis config")
	}

	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)

	coreLogger := observability.NewLoggerWithLevel("core", level)
	dc := core.NewDeterministicCore(group, 0, persistChan, projectionChan, core.Options{
		IdempotencyCapacity: cfg.Core.IdempotencyCapacity,
		DBChecker:           dbChecker,
		Metrics:             metrics,
		Logger:              &coreLogger,
	})

	if snap != nil {
		if err := dc.RestoreFromSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Int64("sequence", snap.Sequence).Msg("restore snapshot")
		}
		if len(snap.IdempotencyKeys) == 0 {
			keys, err := dbChecker.RecentKeys(ctx, snap.Sequence, cfg.Core.IdempotencyCapacity)
			if err != nil {
				logger.Fatal().Err(err).Msg("warm idempotency keys")
			}
			dc.WarmLRU(keys)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	}

	replayed, err := replay(ctx, snapMgr, dc, metrics, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	logger.Info().Int64("replayed", replayed).Int64("next_sequence", dc.GetSequence()).Msg("replay complete")

	var persisted atomic.Int64
	persisted.Store(dc.GetSequence() - 1)

	// --- Fan-out after commit ---
	publishChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	mirrorChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)

	var rdb *redis.Client
	var store *cachestore.Store
	if cfg.Redis.Addr != "" {
		rdb, err = cachestore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect")
		}
		defer rdb.Close()
		store = cachestore.New(rdb, cfg.Redis.Prefix, metrics, observability.NewLoggerWithLevel("cachestore", level))
		healthChecker.AddCheck("redis", func() error {
			pingCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
			defer c()
			return rdb.Ping(pingCtx).Err()
		})
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis cache mirror enabled")
	}

	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.Enabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLoggerWithLevel("nats", level))
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure NATS streams")
		}
		healthChecker.AddCheck("nats", func() error {
			if st := nc.Status(); st != nats.CONNECTED {
				return fmt.Errorf("nats status %s", st)
			}
			return nil
		})
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout, metrics, observability.NewLoggerWithLevel("persistence", level))
	persistWorker.OnFlushed(func(batch []core.CoreOutput) {
		for _, out := range batch {
			if js != nil {
				select {
				case publishChan <- out:
				default:
					metrics.PublishDrops.Inc()
				}
			}
			if store != nil {
				select {
				case mirrorChan <- out:
				default:
					metrics.CacheMirrorWrites.WithLabelValues("dropped").Inc()
				}
			}
		}
		persisted.Store(batch[len(batch)-1].Envelope.Sequence)
	})

	fundingHistory := projection.NewFundingHistoryProjection(cfg.Core.FundingHistoryCapacity)
	projWorker := projection.NewProjectionWorker(db, projectionChan, fundingHistory, metrics, observability.NewLoggerWithLevel("projection", level))

	// --- Ingress ---
	rawChan := make(chan ingestion.RawEvent, cfg.Core.IngestChanSize)
	subChan := make(chan ingestion.Submission, cfg.Core.IngestChanSize)

	var natsSubscriber *ingestion.NATSSubscriber
	if js != nil {
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawChan, observability.NewLoggerWithLevel("ingestion", level))
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
	}

	snaps := newSnapshotter(snapMgr, &persisted, metrics, observability.NewLoggerWithLevel("snapshot", level))
	loop := newCoreLoop(dc, ingestion.NewParser(dc.Group().Oracle), snaps, cfg.Core.SnapshotInterval, metrics, coreLogger)

	deps := &server.Deps{
		Submitter:     ingestion.NewSubmitService(subChan),
		Queries:       query.NewQueryService(db, fundingHistory),
		HealthChecker: healthChecker,
		Limiter:       server.NewClientLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		Metrics:       metrics,
		StartTime:     time.Now(),
		AdminToken:    cfg.Server.AdminToken,
		Admin: &adminService{
			db:     db,
			mgr:    snapMgr,
			loop:   loop,
			snaps:  snaps,
			logger: observability.NewLoggerWithLevel("admin", level),
		},
	}
	if store != nil {
		deps.Cache = store
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, deps, observability.NewLoggerWithLevel("grpc", level))
	httpServer, err := server.NewHTTPServer(cfg.Server.HTTPAddr, deps, observability.NewLoggerWithLevel("http", level))
	if err != nil {
		logger.Fatal().Err(err).Msg("build HTTP routes")
	}

	// --- Goroutines ---
	errChan := make(chan error, 10)
	var workers sync.WaitGroup
	goWorker := func(name string, run func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goWorker("persistence", func() error { return persistWorker.Run(workerCtx) })
	goWorker("projection", func() error { return projWorker.Run(workerCtx) })
	goWorker("snapshotter", func() error { return snaps.Run(workerCtx) })
	if js != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLoggerWithLevel("publisher", level))
		goWorker("publisher", func() error { return publisher.Run(workerCtx) })
	}
	if store != nil {
		goWorker("cachestore", func() error { return store.Run(workerCtx, mirrorChan) })
	}

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		loop.Run(ctx, rawChan, subChan)
	}()

	go func() {
		if err := grpcServer.Serve(ctx); err != nil {
			errChan <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := serveMetrics(ctx, cfg.Server.MetricsAddr, logger); err != nil {
			errChan <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"ingest":     func() (int, int) { return len(rawChan), cap(rawChan) },
		"submit":     func() (int, int) { return len(subChan), cap(subChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"mirror":     func() (int, int) { return len(mirrorChan), cap(mirrorChan) },
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", dc.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("CrossMargin ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()
	<-coreDone

	// The core is stopped: close its outputs so the writer drains them.
	close(persistChan)
	close(projectionChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	final, err := dc.CreateSnapshotState()
	if err == nil && final.Sequence >= 0 && final.Sequence > loop.lastSnap {
		err = snaps.save(shutdownCtx, final)
	}
	if err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	cancelWorkers()
	workers.Wait()
	logger.Info().Int64("last_sequence", dc.GetSequence()-1).Msg("CrossMargin shutdown complete")
}

// replay applies the log from the core's next sequence to the head and
// checks every recomputed state hash against the logged one.
func replay(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	dc *core.DeterministicCore,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	start := time.Now()
	var total int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, dc.GetSequence(), replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", dc.GetSequence(), err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := dc.Replay(row.Sequence, row.Payload); err != nil {
				return total, err
			}
			got := dc.GetStateHash()
			if !bytes.Equal(got[:], row.StateHash) {
				return total, fmt.Errorf("state hash mismatch at sequence %d: logged %x, replayed %x", row.Sequence, row.StateHash, got)
			}
			total++
		}
		logger.Debug().Int64("through", rows[len(rows)-1].Sequence).Msg("replay batch applied")
	}
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return total, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sampleChannels publishes channel depth gauges once a second.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.ChannelSize.WithLabelValues(name).Set(float64(size))
				metrics.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
				if capacity > 0 {
					metrics.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
				}
			}
		}
	}
}
