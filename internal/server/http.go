// Package server exposes the core over gRPC and HTTP/JSON. The HTTP surface
// is a grpc-gateway ServeMux with hand-registered routes.
package server

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/cachestore"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/observability"
	"CrossMargin/internal/query"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// maxInstructionBytes bounds a submitted instruction body.
const maxInstructionBytes = 1 << 20

type Submitter interface {
	SubmitJSON(ctx context.Context, origin string, data []byte) (instruction.Instruction, error)
}

type Queries interface {
	GetBalances(ctx context.Context, account uuid.UUID, token *int) ([]query.BalanceResponse, error)
	GetFills(ctx context.Context, market int, account *uuid.UUID, limit int, beforeSeqNum *int64) ([]query.FillResponse, error)
	GetFundingHistory(ctx context.Context, market int, limit int, beforeSequence *int64) ([]query.FundingHistoryResponse, error)
	GetLiquidationHistory(ctx context.Context, account uuid.UUID, limit int, beforeSequence *int64) ([]query.LiquidationResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// CacheMirror is the read side of the Redis mirror.
type CacheMirror interface {
	Price(ctx context.Context, token int) (cachestore.PriceEntry, bool, error)
	Flagged(ctx context.Context, limit int64) ([]cachestore.FlaggedAccount, error)
}

type Admin interface {
	LatestSequence(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) error
	TakeSnapshot(ctx context.Context) (int64, error)
}

// Deps are the services behind both surfaces. Cache and Admin may be nil;
// their routes then answer 503.
type Deps struct {
	Submitter     Submitter
	Queries       Queries
	Cache         CacheMirror
	Admin         Admin
	HealthChecker *observability.HealthChecker
	Limiter       *ClientLimiter
	Metrics       *observability.Metrics
	StartTime     time.Time
	// AdminToken guards /v1/admin routes; empty disables them.
	AdminToken string
}

type HTTPServer struct {
	httpServer *http.Server
	deps       *Deps
	logger     zerolog.Logger
}

func NewHTTPServer(addr string, deps *Deps, logger zerolog.Logger) (*HTTPServer, error) {
	s := &HTTPServer{deps: deps, logger: logger}
	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, for tests.
func (s *HTTPServer) Handler() http.Handler { return s.httpServer.Handler }

func (s *HTTPServer) routes() (http.Handler, error) {
	gw := runtime.NewServeMux()
	for _, r := range []struct {
		method, pattern, endpoint string
		h                         runtime.HandlerFunc
	}{
		{"POST", "/v1/instructions", "submit", s.handleSubmit},
		{"GET", "/v1/accounts/{account}/balances", "balances", s.handleBalances},
		{"GET", "/v1/accounts/{account}/liquidations", "liquidations", s.handleLiquidations},
		{"GET", "/v1/markets/{market}/fills", "fills", s.handleFills},
		{"GET", "/v1/markets/{market}/funding", "funding", s.handleFunding},
		{"GET", "/v1/cache/prices/{token}", "cache_price", s.handleCachePrice},
		{"GET", "/v1/cache/liquidatable", "cache_liquidatable", s.handleLiquidatable},
		{"GET", "/v1/admin/event-log", "admin_event_log", s.admin(s.handleEventLog)},
		{"GET", "/v1/admin/integrity", "admin_integrity", s.admin(s.handleIntegrity)},
		{"POST", "/v1/admin/projections/rebuild", "admin_rebuild", s.admin(s.handleRebuild)},
		{"POST", "/v1/admin/snapshots", "admin_snapshot", s.admin(s.handleSnapshot)},
	} {
		if err := gw.HandlePath(r.method, r.pattern, s.instrument(r.endpoint, r.h)); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux, nil
}

// statusRecorder captures the status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *HTTPServer) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if rec.status >= 400 {
				m.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}

func (s *HTTPServer) admin(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if s.deps.AdminToken == "" || s.deps.Admin == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "UNAVAILABLE", Message: "admin api disabled"})
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			writeError(w, apperrors.New(apperrors.CodeUnauthorized, "admin token required"))
			return
		}
		h(w, r, params)
	}
}

// Start blocks until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- handlers ---

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(clientKey(r)) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimited.WithLabelValues("submit").Inc()
		}
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "RATE_LIMITED", Message: "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInstructionBytes+1))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidParam, err, "read body"))
		return
	}
	if len(body) > maxInstructionBytes {
		writeError(w, apperrors.New(apperrors.CodeInvalidParam, "instruction larger than %d bytes", maxInstructionBytes))
		return
	}

	ins, err := s.deps.Submitter.SubmitJSON(r.Context(), "http", body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{Accepted: true, Kind: string(ins.Kind())})
}

func (s *HTTPServer) handleBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := uuid.Parse(params["account"])
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidParam, err, "account"))
		return
	}
	token, err := optionalInt(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	balances, err := s.deps.Queries.GetBalances(r.Context(), account, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (s *HTTPServer) handleLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := uuid.Parse(params["account"])
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidParam, err, "account"))
		return
	}
	limit, before, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.deps.Queries.GetLiquidationHistory(r.Context(), account, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": history})
}

func (s *HTTPServer) handleFills(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := strconv.Atoi(params["market"])
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidParam, err, "market"))
		return
	}
	var account *uuid.UUID
	if v := r.URL.Query().Get("account"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeInvalidParam, err, "account"))
			return
		}
		account = &id
	}
	limit, before, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	fills, err := s.deps.Queries.GetFills(r.Context(), market, account, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": fills})
}

func (s *HTTPServer) handleFunding(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := strconv.Atoi(params["market"])
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidParam, err, "market"))
		return
	}
	limit, before, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.deps.Queries.GetFundingHistory(r.Context(), market, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"funding": history})
}

func (s *HTTPServer) handleCachePrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "UNAVAILABLE", Message: "cache mirror disabled"})
		return
	}
	token, err := strconv.Atoi(params["token"])
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidParam, err, "token"))
		return
	}
	entry, ok, err := s.deps.Cache.Price(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "no price mirrored for token %d", token))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleLiquidatable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "UNAVAILABLE", Message: "cache mirror disabled"})
		return
	}
	limit, _, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	accounts, err := s.deps.Cache.Flagged(r.Context(), int64(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *HTTPServer) handleEventLog(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	seq, err := s.deps.Admin.LatestSequence(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_sequence": seq})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.Queries.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRebuild(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.deps.Admin.RebuildProjections(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rebuilt": true})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	seq, err := s.deps.Admin.TakeSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequence": seq})
}

// --- helpers ---

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	msg := err.Error()
	if code == apperrors.CodeInternal {
		msg = "internal error"
	}
	writeJSON(w, apperrors.HTTPStatus(err), errorBody{Code: string(code), Message: msg})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func optionalInt(r *http.Request, name string) (*int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, name)
	}
	return &n, nil
}

// page reads ?limit= and ?before=. A zero limit lets the query layer pick
// its maximum.
func page(r *http.Request) (limit int, before *int64, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, nil, apperrors.New(apperrors.CodeInvalidParam, "limit must be a non-negative integer")
		}
	}
	if v := q.Get("before"); v != "" {
		b, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "before")
		}
		before = &b
	}
	return limit, before, nil
}
