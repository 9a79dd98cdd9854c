package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/umairusmat/cagr-api/internal/models"
)

// Memory is an in-process store with the same semantics as Postgres.
// It backs local development runs without a DSN and the scheduler tests.
type Memory struct {
	mu       sync.RWMutex
	tickers  map[string]models.TickerRecord
	sessions map[string]models.SessionSummary
}

func NewMemory() *Memory {
	return &Memory{
		tickers:  map[string]models.TickerRecord{},
		sessions: map[string]models.SessionSummary{},
	}
}

func (m *Memory) UpsertTickerValues(_ context.Context, ticker string, values models.YearValues, observedAt time.Time) error {
	copied := make(models.YearValues, len(values))
	for year, v := range values {
		copied[year] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[ticker] = models.TickerRecord{
		Ticker:     ticker,
		Values:     copied,
		ObservedAt: observedAt,
	}
	return nil
}

func (m *Memory) GetTicker(_ context.Context, ticker string) (models.TickerRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.tickers[ticker]
	return record, ok, nil
}

func (m *Memory) AllTickers(_ context.Context) ([]models.TickerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TickerRecord, 0, len(m.tickers))
	for _, record := range m.tickers {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (m *Memory) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = models.SessionSummary{
		ID:        session.ID,
		Trigger:   session.Trigger,
		Status:    session.Status,
		StartedAt: session.StartedAt,
		Total:     len(session.Jobs),
	}
	return nil
}

func (m *Memory) FinalizeSession(_ context.Context, summary models.SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[summary.ID] = summary
	return nil
}

func (m *Memory) RecentSessions(_ context.Context, limit int) ([]models.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
