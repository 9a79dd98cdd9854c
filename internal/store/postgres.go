package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umairusmat/cagr-api/internal/models"
)

// Postgres wraps pgxpool for durable ticker-value and session persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertTickerValues replaces the ticker's entire year mapping in one tx.
// Overwrite is wholesale: years absent from the new mapping are gone after
// commit. Readers either see the old mapping or the new one, never a mix.
func (s *Postgres) UpsertTickerValues(ctx context.Context, ticker string, values models.YearValues, observedAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM ticker_values WHERE ticker = $1`, ticker); err != nil {
		return fmt.Errorf("delete ticker values: %w", err)
	}
	for year, value := range values {
		_, err := tx.Exec(ctx, `
			INSERT INTO ticker_values (ticker, year, value, observed_at)
			VALUES ($1, $2, $3, $4)
		`, ticker, year, value.Raw, observedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert ticker value %s/%s: %w", ticker, year, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTicker fetches the committed mapping for one ticker. The second return
// is false when the ticker has never been committed.
func (s *Postgres) GetTicker(ctx context.Context, ticker string) (models.TickerRecord, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT year, value, observed_at FROM ticker_values WHERE ticker = $1
	`, ticker)
	if err != nil {
		return models.TickerRecord{}, false, fmt.Errorf("query ticker values: %w", err)
	}
	defer rows.Close()

	record := models.TickerRecord{Ticker: ticker, Values: models.YearValues{}}
	found := false
	for rows.Next() {
		var year string
		var value pgtype.Text
		var observedAt time.Time
		if err := rows.Scan(&year, &value, &observedAt); err != nil {
			return models.TickerRecord{}, false, fmt.Errorf("scan ticker value: %w", err)
		}
		record.Values[year] = models.ParseValue(value.String)
		if observedAt.After(record.ObservedAt) {
			record.ObservedAt = observedAt
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return models.TickerRecord{}, false, fmt.Errorf("iterate ticker values: %w", err)
	}
	return record, found, nil
}

// AllTickers returns the committed state of every ticker that has ever
// succeeded.
func (s *Postgres) AllTickers(ctx context.Context) ([]models.TickerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticker, year, value, observed_at FROM ticker_values ORDER BY ticker, year
	`)
	if err != nil {
		return nil, fmt.Errorf("query all ticker values: %w", err)
	}
	defer rows.Close()

	byTicker := map[string]*models.TickerRecord{}
	var order []string
	for rows.Next() {
		var ticker, year string
		var value pgtype.Text
		var observedAt time.Time
		if err := rows.Scan(&ticker, &year, &value, &observedAt); err != nil {
			return nil, fmt.Errorf("scan ticker value: %w", err)
		}
		record, ok := byTicker[ticker]
		if !ok {
			record = &models.TickerRecord{Ticker: ticker, Values: models.YearValues{}}
			byTicker[ticker] = record
			order = append(order, ticker)
		}
		record.Values[year] = models.ParseValue(value.String)
		if observedAt.After(record.ObservedAt) {
			record.ObservedAt = observedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticker values: %w", err)
	}

	out := make([]models.TickerRecord, 0, len(order))
	for _, ticker := range order {
		out = append(out, *byTicker[ticker])
	}
	return out, nil
}

// CreateSession inserts the audit row for a session at the moment it
// acquires the run lock.
func (s *Postgres) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_sessions (id, trigger_kind, status, total, succeeded, failed, started_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5)
	`, session.ID, session.Trigger, session.Status, len(session.Jobs), session.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FinalizeSession records the terminal outcome of a session and its jobs.
func (s *Postgres) FinalizeSession(ctx context.Context, summary models.SessionSummary) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE scrape_sessions
		SET status = $2, succeeded = $3, failed = $4, finished_at = $5
		WHERE id = $1
	`, summary.ID, summary.Status, summary.Succeeded, summary.Failed, summary.FinishedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	for _, job := range summary.Jobs {
		_, err := tx.Exec(ctx, `
			INSERT INTO scrape_jobs (session_id, ticker, status, attempts, last_error, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_id, ticker) DO UPDATE
			SET status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			    last_error = EXCLUDED.last_error, finished_at = EXCLUDED.finished_at
		`, summary.ID, job.Ticker, job.State, job.Attempts, job.LastError, job.StartedAt.UTC(), job.FinishedAt)
		if err != nil {
			return fmt.Errorf("insert job row %s: %w", job.Ticker, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit finished or running sessions, newest
// first, for status reporting after a restart.
func (s *Postgres) RecentSessions(ctx context.Context, limit int) ([]models.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trigger_kind, status, total, succeeded, failed, started_at, finished_at
		FROM scrape_sessions ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var summary models.SessionSummary
		var finished pgtype.Timestamptz
		if err := rows.Scan(&summary.ID, &summary.Trigger, &summary.Status, &summary.Total,
			&summary.Succeeded, &summary.Failed, &summary.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			summary.FinishedAt = &t
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
