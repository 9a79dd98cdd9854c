package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umairusmat/cagr-api/internal/models"
	"github.com/umairusmat/cagr-api/internal/retry"
	"github.com/umairusmat/cagr-api/internal/telemetry"
)

var errNoTickers = errors.New("session requires at least one ticker")

// session owns one run's jobs. Jobs are data-independent; workers touch only
// their own job, and the session mutex exists solely so live progress
// summaries can be taken while jobs are still in flight.
type session struct {
	mu    sync.Mutex
	model *models.Session
}

// newSession builds a pending job per ticker. An empty ticker set is a
// construction error; it never produces a running session.
func newSession(trigger string, tickers []string, maxAttempts int, now time.Time) (*session, error) {
	if len(tickers) == 0 {
		return nil, errNoTickers
	}
	jobs := make([]*models.Job, 0, len(tickers))
	for _, ticker := range tickers {
		jobs = append(jobs, &models.Job{
			Ticker:      ticker,
			State:       models.JobPending,
			MaxAttempts: maxAttempts,
		})
	}
	return &session{
		model: &models.Session{
			ID:        uuid.New().String(),
			Trigger:   trigger,
			Status:    models.SessionRunning,
			StartedAt: now,
			Jobs:      jobs,
		},
	}, nil
}

// run drives every job to a terminal state through the retry policy, with
// at most parallelism jobs in flight. onProgress is invoked with a fresh
// summary after each job terminates. run returns once all jobs are terminal.
func (s *session) run(ctx context.Context, extractor Extractor, policy retry.Policy, parallelism int, clock func() time.Time, onProgress func(models.SessionSummary)) {
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > len(s.model.Jobs) {
		parallelism = len(s.model.Jobs)
	}

	work := make(chan *models.Job)
	done := make(chan struct{})

	for i := 0; i < parallelism; i++ {
		go func() {
			for job := range work {
				s.runJob(ctx, job, extractor, policy, clock)
				done <- struct{}{}
			}
		}()
	}

	go func() {
		for _, job := range s.model.Jobs {
			work <- job
		}
		close(work)
	}()

	for range s.model.Jobs {
		<-done
		if onProgress != nil {
			onProgress(s.summary())
		}
	}
}

// runJob is the only transition path for a job: pending → running →
// succeeded|failed. The retry loop is internal to the policy and invisible
// to observers.
func (s *session) runJob(ctx context.Context, job *models.Job, extractor Extractor, policy retry.Policy, clock func() time.Time) {
	s.mu.Lock()
	job.State = models.JobRunning
	job.StartedAt = clock()
	s.mu.Unlock()

	telemetry.InFlightJobs.Inc()
	defer telemetry.InFlightJobs.Dec()

	outcome := policy.Do(ctx, func(ctx context.Context) (models.YearValues, error) {
		return extractor.Fetch(ctx, job.Ticker)
	})

	finished := clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	job.FinishedAt = &finished
	job.Attempts = outcome.Attempts
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		job.LastError = &msg
		job.State = models.JobFailed
		telemetry.JobsFailed.Inc()
		return
	}
	job.Result = outcome.Result
	job.State = models.JobSucceeded
	telemetry.JobsSucceeded.Inc()
}

// commitBatch is the subset of jobs whose results get written to the store.
// Only called after run returns, when every job is terminal.
func (s *session) commitBatch() []*models.Job {
	var batch []*models.Job
	for _, job := range s.model.Jobs {
		if job.State == models.JobSucceeded {
			batch = append(batch, job)
		}
	}
	return batch
}

// finish marks the session completed. Completion is unconditional on job
// outcomes: a session with zero successes still completes.
func (s *session) finish(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.Status = models.SessionCompleted
	s.model.FinishedAt = &now
}

func (s *session) summary() models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := models.SessionSummary{
		ID:         s.model.ID,
		Trigger:    s.model.Trigger,
		Status:     s.model.Status,
		StartedAt:  s.model.StartedAt,
		FinishedAt: s.model.FinishedAt,
		Total:      len(s.model.Jobs),
		Jobs:       make([]models.JobReport, 0, len(s.model.Jobs)),
	}
	for _, job := range s.model.Jobs {
		report := models.JobReport{
			Ticker:     job.Ticker,
			State:      job.State,
			Attempts:   job.Attempts,
			Years:      len(job.Result),
			LastError:  job.LastError,
			StartedAt:  job.StartedAt,
			FinishedAt: job.FinishedAt,
		}
		summary.Jobs = append(summary.Jobs, report)
		switch job.State {
		case models.JobSucceeded:
			summary.Succeeded++
		case models.JobFailed:
			summary.Failed++
		}
	}
	return summary
}
