package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/umairusmat/cagr-api/internal/config"
	"github.com/umairusmat/cagr-api/internal/models"
	"github.com/umairusmat/cagr-api/internal/ratelimit"
	"github.com/umairusmat/cagr-api/internal/scheduler"
	"github.com/umairusmat/cagr-api/internal/store"
)

const testToken = "test-token"

type fakeScheduler struct {
	triggerErr     error
	triggerSummary models.SessionSummary
	gotTickers     []string
	status         models.OrchestratorStatus
	freshness      models.Freshness
}

func (f *fakeScheduler) TriggerManual(_ context.Context, tickers []string) (models.SessionSummary, error) {
	f.gotTickers = tickers
	if f.triggerErr != nil {
		return models.SessionSummary{}, f.triggerErr
	}
	return f.triggerSummary, nil
}

func (f *fakeScheduler) Status() models.OrchestratorStatus { return f.status }

func (f *fakeScheduler) Freshness(context.Context) (models.Freshness, error) {
	return f.freshness, nil
}

func newTestServer(t *testing.T, sched Scheduler, data DataStore) http.Handler {
	t.Helper()
	cfg := config.Config{
		AuthToken: testToken,
		Tickers:   []string{"AAPL", "MSFT"},
	}
	return New(cfg, sched, data, nil, zap.NewNop()).Router()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set("X-Auth-Token", testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthTokenRequired(t *testing.T) {
	h := newTestServer(t, &fakeScheduler{}, store.NewMemory())

	rec := doRequest(t, h, http.MethodGet, "/data", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("X-Auth-Token", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/data", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzIsPublic(t *testing.T) {
	h := newTestServer(t, &fakeScheduler{freshness: models.Freshness{HasData: true, IsFresh: true}}, store.NewMemory())

	rec := doRequest(t, h, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
}

func TestAllData(t *testing.T) {
	mem := store.NewMemory()
	values := models.YearValues{"2025": models.ParseValue("10%")}
	require.NoError(t, mem.UpsertTickerValues(context.Background(), "AAPL", values, time.Now()))

	h := newTestServer(t, &fakeScheduler{}, mem)
	rec := doRequest(t, h, http.MethodGet, "/data", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["total_tickers"])
	data := body["data"].(map[string]any)
	aapl := data["AAPL"].(map[string]any)
	assert.Equal(t, "10%", aapl["values"].(map[string]any)["2025"])
}

func TestTickerData(t *testing.T) {
	mem := store.NewMemory()
	values := models.YearValues{"2025": models.ParseValue("10%")}
	require.NoError(t, mem.UpsertTickerValues(context.Background(), "AAPL", values, time.Now()))

	h := newTestServer(t, &fakeScheduler{}, mem)

	// Path tickers are case-insensitive.
	rec := doRequest(t, h, http.MethodGet, "/data/aapl", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "AAPL", body["ticker"])

	rec = doRequest(t, h, http.MethodGet, "/data/TSLA", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
}

func TestTickersList(t *testing.T) {
	h := newTestServer(t, &fakeScheduler{}, store.NewMemory())

	rec := doRequest(t, h, http.MethodGet, "/tickers", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
}

func TestManualScrapeSuccess(t *testing.T) {
	finished := time.Now()
	sched := &fakeScheduler{triggerSummary: models.SessionSummary{
		ID:         "sess-1",
		Trigger:    models.TriggerManual,
		Status:     models.SessionCompleted,
		FinishedAt: &finished,
		Total:      2,
		Succeeded:  2,
	}}
	h := newTestServer(t, sched, store.NewMemory())

	rec := doRequest(t, h, http.MethodPost, "/scrape/manual", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["message"], "2/2 succeeded")
	assert.Nil(t, sched.gotTickers)
}

func TestManualScrapeSubsetFromBody(t *testing.T) {
	sched := &fakeScheduler{}
	h := newTestServer(t, sched, store.NewMemory())

	rec := doRequest(t, h, http.MethodPost, "/scrape/manual", `{"tickers":["MSFT"]}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"MSFT"}, sched.gotTickers)
}

func TestManualScrapeConflict(t *testing.T) {
	sched := &fakeScheduler{triggerErr: scheduler.ErrAlreadyRunning}
	h := newTestServer(t, sched, store.NewMemory())

	rec := doRequest(t, h, http.MethodPost, "/scrape/manual", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestManualScrapeUnknownTicker(t *testing.T) {
	sched := &fakeScheduler{triggerErr: scheduler.ErrUnknownTicker}
	h := newTestServer(t, sched, store.NewMemory())

	rec := doRequest(t, h, http.MethodPost, "/scrape/manual", `{"tickers":["TSLA"]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualScrapeRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewTokenBucket(client, 1, 0.1, time.Minute)

	cfg := config.Config{AuthToken: testToken, Tickers: []string{"AAPL"}}
	h := New(cfg, &fakeScheduler{}, store.NewMemory(), limiter, zap.NewNop()).Router()

	rec := doRequest(t, h, http.MethodPost, "/scrape/manual", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/scrape/manual", "", true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestManualScrapeBadJSON(t *testing.T) {
	h := newTestServer(t, &fakeScheduler{}, store.NewMemory())

	rec := doRequest(t, h, http.MethodPost, "/scrape/manual", "{not json", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerStatus(t *testing.T) {
	next := time.Now().Add(time.Hour)
	sched := &fakeScheduler{status: models.OrchestratorStatus{
		Running:   true,
		Cadence:   6 * time.Hour,
		NextRunAt: next,
		Recent:    []models.SessionSummary{{ID: "sess-1"}},
	}}
	h := newTestServer(t, sched, store.NewMemory())

	rec := doRequest(t, h, http.MethodGet, "/scheduler/status", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(21600), body["cadence_seconds"])
	assert.Len(t, body["recent_sessions"], 1)
}

func TestFreshnessEndpoint(t *testing.T) {
	sched := &fakeScheduler{freshness: models.Freshness{
		HasData:       true,
		IsFresh:       false,
		Age:           7 * time.Hour,
		Threshold:     6 * time.Hour,
		PerTickerAges: map[string]time.Duration{"AAPL": 7 * time.Hour},
	}}
	h := newTestServer(t, sched, store.NewMemory())

	rec := doRequest(t, h, http.MethodGet, "/freshness", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["has_data"])
	assert.Equal(t, false, body["is_fresh"])
	assert.Equal(t, float64(25200), body["age_seconds"])
	assert.Equal(t, float64(25200), body["per_ticker_ages"].(map[string]any)["AAPL"])
}
