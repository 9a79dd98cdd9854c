package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/umairusmat/cagr-api/internal/config"
	"github.com/umairusmat/cagr-api/internal/models"
	"github.com/umairusmat/cagr-api/internal/ratelimit"
	"github.com/umairusmat/cagr-api/internal/scheduler"
	"github.com/umairusmat/cagr-api/internal/telemetry"
)

// Scheduler is the orchestrator surface the API consumes.
type Scheduler interface {
	TriggerManual(ctx context.Context, tickers []string) (models.SessionSummary, error)
	Status() models.OrchestratorStatus
	Freshness(ctx context.Context) (models.Freshness, error)
}

// DataStore is the read side of the committed data.
type DataStore interface {
	GetTicker(ctx context.Context, ticker string) (models.TickerRecord, bool, error)
	AllTickers(ctx context.Context) ([]models.TickerRecord, error)
}

// Server wires HTTP handlers for the data and scheduler API.
type Server struct {
	cfg     config.Config
	sched   Scheduler
	data    DataStore
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil when no Redis is
// configured; manual triggers are then unthrottled.
func New(cfg config.Config, sched Scheduler, data DataStore, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		sched:   sched,
		data:    data,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuthToken)
		r.Get("/data", s.handleAllData)
		r.Get("/data/{ticker}", s.handleTickerData)
		r.Get("/tickers", s.handleTickers)
		r.Post("/scrape/manual", s.handleManualScrape)
		r.Get("/scheduler/status", s.handleStatus)
		r.Get("/freshness", s.handleFreshness)
	})

	return r
}

// requireAuthToken checks the X-Auth-Token header against the configured
// token.
func (s *Server) requireAuthToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != s.cfg.AuthToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid authentication token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	freshness, err := s.sched.Freshness(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"data": map[string]any{
			"available":   freshness.HasData,
			"is_fresh":    freshness.IsFresh,
			"age_seconds": freshness.Age.Seconds(),
		},
	})
}

type tickerData struct {
	Values      map[string]string `json:"values"`
	LastUpdated time.Time         `json:"last_updated"`
}

func (s *Server) handleAllData(w http.ResponseWriter, r *http.Request) {
	records, err := s.data.AllTickers(r.Context())
	if err != nil {
		s.log.Error("read all tickers", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store read failed"})
		return
	}

	data := make(map[string]tickerData, len(records))
	for _, record := range records {
		data[record.Ticker] = tickerData{
			Values:      record.Values.Strings(),
			LastUpdated: record.ObservedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"data":          data,
		"total_tickers": len(records),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleTickerData(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	record, found, err := s.data.GetTicker(r.Context(), normalize(ticker))
	if err != nil {
		s.log.Error("read ticker", zap.String("ticker", ticker), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store read failed"})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": fmt.Sprintf("no data found for ticker %s", ticker),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"ticker":  record.Ticker,
		"data": tickerData{
			Values:      record.Values.Strings(),
			LastUpdated: record.ObservedAt,
		},
	})
}

func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tickers": s.cfg.Tickers,
		"count":   len(s.cfg.Tickers),
	})
}

type manualScrapeRequest struct {
	Tickers []string `json:"tickers"`
}

func (s *Server) handleManualScrape(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), "rl:manual-scrape")
		if err != nil {
			s.log.Error("rate limiter", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
	}

	var req manualScrapeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
	}

	summary, err := s.sched.TriggerManual(r.Context(), req.Tickers)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a scrape session is already running"})
		return
	case errors.Is(err, scheduler.ErrUnknownTicker):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.log.Error("manual scrape", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "manual scrape failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   fmt.Sprintf("manual scrape completed: %d/%d succeeded", summary.Succeeded, summary.Total),
		"session":   summary,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.sched.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":         status.Running,
		"cadence_seconds": status.Cadence.Seconds(),
		"next_run_at":     status.NextRunAt,
		"current_session": status.CurrentSession,
		"recent_sessions": status.Recent,
	})
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	freshness, err := s.sched.Freshness(r.Context())
	if err != nil {
		s.log.Error("freshness", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store read failed"})
		return
	}

	perTicker := make(map[string]float64, len(freshness.PerTickerAges))
	for ticker, age := range freshness.PerTickerAges {
		perTicker[ticker] = age.Seconds()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_data":          freshness.HasData,
		"is_fresh":          freshness.IsFresh,
		"age_seconds":       freshness.Age.Seconds(),
		"threshold_seconds": freshness.Threshold.Seconds(),
		"per_ticker_ages":   perTicker,
	})
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
