package server_test

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/cachestore"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/observability"
	"CrossMargin/internal/query"
	"CrossMargin/internal/server"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	err  error
	seen [][]byte
}

func (f *fakeSubmitter) SubmitJSON(_ context.Context, _ string, data []byte) (instruction.Instruction, error) {
	f.seen = append(f.seen, data)
	ins, err := instruction.Decode(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "decode instruction")
	}
	return ins, f.err
}

type fakeQueries struct {
	lastToken  *int
	lastLimit  int
	lastBefore *int64
}

func (f *fakeQueries) GetBalances(_ context.Context, account uuid.UUID, token *int) ([]query.BalanceResponse, error) {
	f.lastToken = token
	return []query.BalanceResponse{{Account: account, Token: 0, Balance: decimal.NewFromInt(5), AsOfSequence: 9}}, nil
}

func (f *fakeQueries) GetFills(context.Context, int, *uuid.UUID, int, *int64) ([]query.FillResponse, error) {
	return nil, nil
}

func (f *fakeQueries) GetFundingHistory(_ context.Context, _ int, limit int, before *int64) ([]query.FundingHistoryResponse, error) {
	f.lastLimit, f.lastBefore = limit, before
	return []query.FundingHistoryResponse{}, nil
}

func (f *fakeQueries) GetLiquidationHistory(context.Context, uuid.UUID, int, *int64) ([]query.LiquidationResponse, error) {
	return nil, nil
}

func (f *fakeQueries) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, CheckedUpTo: 3}, nil
}

type fakeCache struct{}

func (fakeCache) Price(_ context.Context, token int) (cachestore.PriceEntry, bool, error) {
	if token != 1 {
		return cachestore.PriceEntry{}, false, nil
	}
	return cachestore.PriceEntry{Price: decimal.NewFromInt(60), Sequence: 4}, true, nil
}

func (fakeCache) Flagged(context.Context, int64) ([]cachestore.FlaggedAccount, error) {
	return []cachestore.FlaggedAccount{{Account: "a", MaintHealth: -2}}, nil
}

type fakeAdmin struct{ snapshots int }

func (f *fakeAdmin) LatestSequence(context.Context) (int64, error) { return 41, nil }
func (f *fakeAdmin) RebuildProjections(context.Context) error      { return nil }
func (f *fakeAdmin) TakeSnapshot(context.Context) (int64, error) {
	f.snapshots++
	return 41, nil
}

func newTestServer(t *testing.T, deps *server.Deps) http.Handler {
	t.Helper()
	srv, err := server.NewHTTPServer(":0", deps, zerolog.Nop())
	require.NoError(t, err)
	return srv.Handler()
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const depositJSON = `{"kind":"deposit","idempotency_key":"d-1","timestamp":1,"account":"6f1c2b8e-7a55-4bde-9a1e-3f0c2d4b5a61","token":0,"quantity":"1"}`

func TestSubmit_Accepted(t *testing.T) {
	sub := &fakeSubmitter{}
	h := newTestServer(t, &server.Deps{Submitter: sub, Queries: &fakeQueries{}})

	rec := do(h, http.MethodPost, "/v1/instructions", depositJSON, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp server.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, "deposit", resp.Kind)
	assert.Len(t, sub.seen, 1)
}

func TestSubmit_MapsCoreErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperrors.New(apperrors.CodeUnauthorized, "nope"), http.StatusForbidden},
		{apperrors.New(apperrors.CodeNotFound, "missing"), http.StatusNotFound},
		{apperrors.New(apperrors.CodeInsufficientMargin, "thin"), http.StatusUnprocessableEntity},
		{apperrors.New(apperrors.CodeQueueFull, "busy"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{err: tc.err}, Queries: &fakeQueries{}})
		rec := do(h, http.MethodPost, "/v1/instructions", depositJSON, nil)
		assert.Equal(t, tc.want, rec.Code, "code %s", apperrors.CodeOf(tc.err))
	}
}

func TestSubmit_BadJSONIsBadRequest(t *testing.T) {
	h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{}, Queries: &fakeQueries{}})
	rec := do(h, http.MethodPost, "/v1/instructions", `{"kind":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_RateLimited(t *testing.T) {
	h := newTestServer(t, &server.Deps{
		Submitter: &fakeSubmitter{},
		Queries:   &fakeQueries{},
		Limiter:   server.NewClientLimiter(0.001, 1),
	})

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/v1/instructions", depositJSON, nil).Code)
	rec := do(h, http.MethodPost, "/v1/instructions", depositJSON, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestBalances_ParsesPathAndQuery(t *testing.T) {
	q := &fakeQueries{}
	h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{}, Queries: q})

	acct := uuid.New()
	rec := do(h, http.MethodGet, "/v1/accounts/"+acct.String()+"/balances?token=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, q.lastToken)
	assert.Equal(t, 3, *q.lastToken)
	assert.Contains(t, rec.Body.String(), acct.String())

	rec = do(h, http.MethodGet, "/v1/accounts/not-a-uuid/balances", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFunding_Paging(t *testing.T) {
	q := &fakeQueries{}
	h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{}, Queries: q})

	rec := do(h, http.MethodGet, "/v1/markets/0/funding?limit=20&before=100", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, q.lastLimit)
	require.NotNil(t, q.lastBefore)
	assert.Equal(t, int64(100), *q.lastBefore)

	rec = do(h, http.MethodGet, "/v1/markets/0/funding?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheRoutes(t *testing.T) {
	h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{}, Queries: &fakeQueries{}, Cache: fakeCache{}})

	rec := do(h, http.MethodGet, "/v1/cache/prices/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"price":"60"`)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/v1/cache/prices/2", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/cache/liquidatable", "", nil).Code)
}

func TestCacheRoutes_DisabledWithoutMirror(t *testing.T) {
	h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{}, Queries: &fakeQueries{}})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/v1/cache/prices/1", "", nil).Code)
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	admin := &fakeAdmin{}
	h := newTestServer(t, &server.Deps{
		Submitter:  &fakeSubmitter{},
		Queries:    &fakeQueries{},
		Admin:      admin,
		AdminToken: "s3cret",
	})

	assert.Equal(t, http.StatusForbidden, do(h, http.MethodPost, "/v1/admin/snapshots", "", nil).Code)
	assert.Equal(t, 0, admin.snapshots)

	rec := do(h, http.MethodPost, "/v1/admin/snapshots", "", map[string]string{"X-Admin-Token": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, admin.snapshots)

	rec = do(h, http.MethodGet, "/v1/admin/integrity", "", map[string]string{"X-Admin-Token": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_healthy":true`)
}

func TestAdminRoutes_DisabledWithoutToken(t *testing.T) {
	h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{}, Queries: &fakeQueries{}, Admin: &fakeAdmin{}})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/v1/admin/event-log", "", nil).Code)
}

func TestHealthEndpoints(t *testing.T) {
	hc := observability.NewHealthChecker()
	h := newTestServer(t, &server.Deps{Submitter: &fakeSubmitter{}, Queries: &fakeQueries{}, HealthChecker: hc})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/readyz", "", nil).Code)

	hc.SetReady(true)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/readyz", "", nil).Code)
}

func TestClientLimiter_PerClientBuckets(t *testing.T) {
	l := server.NewClientLimiter(0.001, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Clients())
}

func TestClientLimiter_Unlimited(t *testing.T) {
	l := server.NewClientLimiter(0, 1)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("a"))
	}
}
