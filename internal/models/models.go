package models

import (
	"time"
)

// Job states. RetryWait only exists inside the retry loop and is never
// reported externally; observers see pending/running/succeeded/failed.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Session statuses. A session is completed once every job is terminal,
// regardless of how many jobs failed.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
)

// Trigger kinds for a session.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// YearValues maps a year label ("2025") to the value scraped for it.
type YearValues map[string]Value

// Strings flattens the mapping to the verbatim scraped text, the shape the
// public data endpoints serve.
func (yv YearValues) Strings() map[string]string {
	out := make(map[string]string, len(yv))
	for year, v := range yv {
		out[year] = v.Raw
	}
	return out
}

// Job is one ticker's work item within a session.
type Job struct {
	Ticker      string     `json:"ticker"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	Result      YearValues `json:"-"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Session is one scraping run covering the configured tickers.
type Session struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Jobs       []*Job     `json:"jobs"`
}

// JobReport is the externally visible per-ticker outcome of a session.
// CommitError is set when the fetch succeeded but writing to the store did
// not; the job itself still counts as succeeded at the fetch level.
type JobReport struct {
	Ticker      string     `json:"ticker"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	Years       int        `json:"years"`
	LastError   *string    `json:"last_error,omitempty"`
	CommitError *string    `json:"commit_error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SessionSummary is the read-only projection of a session used by status
// reporting and the manual-trigger response.
type SessionSummary struct {
	ID         string      `json:"id"`
	Trigger    string      `json:"trigger"`
	Status     string      `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
	Failed     int         `json:"failed"`
	Jobs       []JobReport `json:"jobs"`
}

// TickerRecord is the committed state for one ticker: the full year mapping
// from its most recent successful job, stamped with the observation time.
type TickerRecord struct {
	Ticker     string     `json:"ticker"`
	Values     YearValues `json:"values"`
	ObservedAt time.Time  `json:"observed_at"`
}

// OrchestratorStatus is the snapshot served by the status endpoint.
type OrchestratorStatus struct {
	Running        bool             `json:"running"`
	Cadence        time.Duration    `json:"cadence"`
	NextRunAt      time.Time        `json:"next_run_at"`
	CurrentSession *SessionSummary  `json:"current_session,omitempty"`
	Recent         []SessionSummary `json:"recent_sessions"`
}

// Freshness is derived from observation times, never stored.
type Freshness struct {
	HasData       bool                     `json:"has_data"`
	IsFresh       bool                     `json:"is_fresh"`
	Age           time.Duration            `json:"age"`
	Threshold     time.Duration            `json:"threshold"`
	PerTickerAges map[string]time.Duration `json:"per_ticker_ages"`
}
