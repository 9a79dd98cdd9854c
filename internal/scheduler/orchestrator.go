// Package scheduler is the scrape-orchestration engine: it decides when to
// scrape, guarantees at most one session runs at a time, drives each job
// through the retry policy, and publishes results so readers only ever see
// complete per-ticker snapshots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/umairusmat/cagr-api/internal/config"
	"github.com/umairusmat/cagr-api/internal/models"
	"github.com/umairusmat/cagr-api/internal/retry"
	"github.com/umairusmat/cagr-api/internal/telemetry"
)

// ErrAlreadyRunning is returned to a manual trigger that found a session in
// flight. The caller is never queued and never blocked.
var ErrAlreadyRunning = errors.New("a scrape session is already running")

// ErrUnknownTicker rejects manual triggers naming tickers outside the
// configured set.
var ErrUnknownTicker = errors.New("ticker is not in the configured set")

// Extractor fetches the year→value mapping for one ticker. Implementations
// must honor the context deadline; that deadline is the per-attempt timeout.
type Extractor interface {
	Fetch(ctx context.Context, ticker string) (models.YearValues, error)
}

// Store is the durable keyed storage the orchestrator commits into.
type Store interface {
	UpsertTickerValues(ctx context.Context, ticker string, values models.YearValues, observedAt time.Time) error
	GetTicker(ctx context.Context, ticker string) (models.TickerRecord, bool, error)
	AllTickers(ctx context.Context) ([]models.TickerRecord, error)
	CreateSession(ctx context.Context, session *models.Session) error
	FinalizeSession(ctx context.Context, summary models.SessionSummary) error
	RecentSessions(ctx context.Context, limit int) ([]models.SessionSummary, error)
}

// Archiver receives a snapshot of the committed data after each session.
// Archival is best effort and never affects the session outcome.
type Archiver interface {
	ArchiveSession(ctx context.Context, summary models.SessionSummary, records []models.TickerRecord) error
}

// Orchestrator is the process-wide singleton owning the run lock, the
// cadence timer, and the session history. Construct it explicitly and pass
// it to whatever exposes the trigger/status operations.
type Orchestrator struct {
	cfg       config.Config
	store     Store
	extractor Extractor
	archiver  Archiver
	log       *zap.Logger
	clock     func() time.Time
	poll      time.Duration

	mu        sync.Mutex
	running   bool
	nextRunAt time.Time
	current   *models.SessionSummary
	history   []models.SessionSummary

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithArchiver enables post-session snapshot archival.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithPollInterval overrides how often the timer loop checks the schedule
// (tests).
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.poll = d }
}

// New validates the configuration and builds an orchestrator. Configuration
// errors are the only errors raised here; nothing has started yet.
func New(cfg config.Config, st Store, extractor Extractor, log *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		extractor: extractor,
		log:       log,
		clock:     time.Now,
		poll:      30 * time.Second,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start arms the cadence timer and launches the scheduling loop. With
// InitialScrape set, the first tick is due immediately.
func (o *Orchestrator) Start() {
	now := o.clock()
	o.mu.Lock()
	if o.cfg.InitialScrape {
		o.nextRunAt = now
	} else {
		o.nextRunAt = now.Add(o.cfg.Cadence)
	}
	o.mu.Unlock()

	if history, err := o.store.RecentSessions(context.Background(), o.cfg.HistoryLimit); err != nil {
		o.log.Warn("could not load session history", zap.Error(err))
	} else {
		o.mu.Lock()
		o.history = history
		o.mu.Unlock()
	}

	go o.loop()
	o.log.Info("orchestrator started",
		zap.Duration("cadence", o.cfg.Cadence),
		zap.Int("tickers", len(o.cfg.Tickers)),
		zap.Int("parallelism", o.cfg.Parallelism),
	)
}

// Stop halts the scheduling loop. An in-flight session runs to completion;
// only future ticks are cancelled.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
	o.log.Info("orchestrator stopped")
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.MaybeRunScheduled(context.Background())
		}
	}
}

// MaybeRunScheduled runs a scheduled session if the cadence is due and the
// run lock is free. A tick that finds the lock held is skipped, not queued.
// It reports whether a session ran.
func (o *Orchestrator) MaybeRunScheduled(ctx context.Context) bool {
	now := o.clock()

	o.mu.Lock()
	if now.Before(o.nextRunAt) {
		o.mu.Unlock()
		return false
	}
	if o.running {
		o.mu.Unlock()
		o.log.Info("scheduled tick skipped, session in progress")
		return false
	}
	o.running = true
	o.mu.Unlock()

	defer o.release()
	o.runSession(ctx, models.TriggerScheduled, o.cfg.Tickers)

	o.mu.Lock()
	o.nextRunAt = o.clock().Add(o.cfg.Cadence)
	o.mu.Unlock()
	return true
}

// TriggerManual runs a session outside the schedule. It fails fast with
// ErrAlreadyRunning when the lock is held and never moves nextRunAt.
// An empty subset means the full configured list; subset members must
// belong to the configured set.
func (o *Orchestrator) TriggerManual(ctx context.Context, tickers []string) (models.SessionSummary, error) {
	tickers, err := o.resolveSubset(tickers)
	if err != nil {
		return models.SessionSummary{}, err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		telemetry.ManualRejects.Inc()
		return models.SessionSummary{}, ErrAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	defer o.release()
	return o.runSession(ctx, models.TriggerManual, tickers), nil
}

// release drops the run lock unconditionally. Every acquisition defers it:
// no code path may leave the lock held with no active session.
func (o *Orchestrator) release() {
	o.mu.Lock()
	o.running = false
	o.current = nil
	o.mu.Unlock()
}

func (o *Orchestrator) resolveSubset(tickers []string) ([]string, error) {
	if len(tickers) == 0 {
		return o.cfg.Tickers, nil
	}
	configured := make(map[string]struct{}, len(o.cfg.Tickers))
	for _, t := range o.cfg.Tickers {
		configured[t] = struct{}{}
	}
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = normalizeTicker(t)
		if t == "" {
			continue
		}
		if _, ok := configured[t]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTicker, t)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return o.cfg.Tickers, nil
	}
	return out, nil
}

// runSession executes one full session while the caller holds the run lock:
// job execution, commit, finalization, archival, bookkeeping.
func (o *Orchestrator) runSession(ctx context.Context, trigger string, tickers []string) models.SessionSummary {
	start := o.clock()
	sess, err := newSession(trigger, tickers, o.cfg.MaxAttempts, start)
	if err != nil {
		// Unreachable after config validation; surface loudly if it ever is.
		o.log.Error("session construction failed", zap.Error(err))
		return models.SessionSummary{}
	}

	log := o.log.With(
		zap.String("session_id", sess.model.ID),
		zap.String("trigger", trigger),
	)
	log.Info("session started", zap.Int("tickers", len(tickers)))

	if err := o.store.CreateSession(ctx, sess.model); err != nil {
		log.Warn("could not persist session row", zap.Error(err))
	}
	o.publishProgress(sess.summary())

	policy := retry.Policy{
		MaxAttempts:    o.cfg.MaxAttempts,
		Delay:          o.cfg.RetryDelay,
		AttemptTimeout: o.cfg.AttemptTimeout,
	}
	sess.run(ctx, o.extractor, policy, o.cfg.Parallelism, o.clock, o.publishProgress)

	commitErrs := o.commit(ctx, sess, log)
	sess.finish(o.clock())

	summary := sess.summary()
	for i := range summary.Jobs {
		if msg, ok := commitErrs[summary.Jobs[i].Ticker]; ok {
			summary.Jobs[i].CommitError = &msg
		}
	}

	if err := o.store.FinalizeSession(ctx, summary); err != nil {
		log.Warn("could not finalize session row", zap.Error(err))
	}
	o.archive(ctx, summary, log)

	telemetry.SessionsTotal.WithLabelValues(trigger).Inc()
	telemetry.SessionDuration.Observe(o.clock().Sub(start).Seconds())

	o.mu.Lock()
	o.history = append([]models.SessionSummary{summary}, o.history...)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[:o.cfg.HistoryLimit]
	}
	o.mu.Unlock()

	log.Info("session completed",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", o.clock().Sub(start)),
	)
	return summary
}

// commit writes each succeeded job's full mapping to the store. A store
// failure for one ticker never aborts the others; failed tickers keep
// whatever was last committed for them.
func (o *Orchestrator) commit(ctx context.Context, sess *session, log *zap.Logger) map[string]string {
	commitErrs := map[string]string{}
	for _, job := range sess.commitBatch() {
		observedAt := o.clock()
		if job.FinishedAt != nil {
			observedAt = *job.FinishedAt
		}
		if err := o.store.UpsertTickerValues(ctx, job.Ticker, job.Result, observedAt); err != nil {
			log.Error("commit failed",
				zap.String("ticker", job.Ticker),
				zap.Error(err),
			)
			telemetry.CommitFailures.Inc()
			commitErrs[job.Ticker] = err.Error()
			continue
		}
		telemetry.LastSuccessUnix.Set(float64(observedAt.Unix()))
	}
	return commitErrs
}

func (o *Orchestrator) archive(ctx context.Context, summary models.SessionSummary, log *zap.Logger) {
	if o.archiver == nil {
		return
	}
	records, err := o.store.AllTickers(ctx)
	if err != nil {
		log.Warn("snapshot read for archive failed", zap.Error(err))
		return
	}
	if err := o.archiver.ArchiveSession(ctx, summary, records); err != nil {
		log.Warn("session archive failed", zap.Error(err))
	}
}

// publishProgress updates the live view served by Status. The live session
// is reported separately from history so in-progress state is never mistaken
// for last-completed state.
func (o *Orchestrator) publishProgress(summary models.SessionSummary) {
	o.mu.Lock()
	o.current = &summary
	o.mu.Unlock()
}

// Status is a read-only snapshot taken under a short-lived lock; it never
// waits on a running session.
func (o *Orchestrator) Status() models.OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := models.OrchestratorStatus{
		Running:   o.running,
		Cadence:   o.cfg.Cadence,
		NextRunAt: o.nextRunAt,
		Recent:    append([]models.SessionSummary(nil), o.history...),
	}
	if o.current != nil {
		current := *o.current
		status.CurrentSession = &current
	}
	return status
}

// Freshness is derived on demand: now minus the newest observation across
// committed tickers, against the configured threshold. A run may outlast the
// cadence, so the threshold is independent of it.
func (o *Orchestrator) Freshness(ctx context.Context) (models.Freshness, error) {
	records, err := o.store.AllTickers(ctx)
	if err != nil {
		return models.Freshness{}, fmt.Errorf("read committed tickers: %w", err)
	}

	now := o.clock()
	freshness := models.Freshness{
		Threshold:     o.cfg.FreshnessThreshold,
		PerTickerAges: make(map[string]time.Duration, len(records)),
	}
	if len(records) == 0 {
		return freshness, nil
	}

	freshness.HasData = true
	newest := records[0].ObservedAt
	for _, record := range records {
		freshness.PerTickerAges[record.Ticker] = now.Sub(record.ObservedAt)
		if record.ObservedAt.After(newest) {
			newest = record.ObservedAt
		}
	}
	freshness.Age = now.Sub(newest)
	freshness.IsFresh = freshness.Age < o.cfg.FreshnessThreshold
	return freshness, nil
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
