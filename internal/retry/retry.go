// Package retry runs a single fallible fetch with bounded attempts. The
// policy holds no shared state, which is what lets jobs retry concurrently
// without any locking.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/umairusmat/cagr-api/internal/models"
	"github.com/umairusmat/cagr-api/internal/scraper"
)

// Op is one extractor call bound to a ticker.
type Op func(ctx context.Context) (models.YearValues, error)

// Policy bounds retries for one operation.
type Policy struct {
	// MaxAttempts is the total attempt budget, at least 1.
	MaxAttempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// AttemptTimeout bounds each individual attempt. Zero means the
	// caller's context is the only bound.
	AttemptTimeout time.Duration
}

// Outcome is the classified terminal result of a policy run. Exactly one of
// Result/Err is set.
type Outcome struct {
	Result   models.YearValues
	Err      error
	Attempts int
}

// Do runs op until it succeeds, attempts are exhausted, or the error is
// permanent. Permanent errors abandon the remaining budget immediately;
// transient errors and timeouts burn an attempt and wait Delay. Errors never
// escape the Outcome.
func (p Policy) Do(ctx context.Context, op Op) Outcome {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := p.runOnce(ctx, op)
		if err == nil {
			return Outcome{Result: result, Attempts: attempt}
		}
		lastErr = err

		if errors.Is(err, scraper.ErrPermanent) {
			return Outcome{Err: err, Attempts: attempt}
		}
		if ctx.Err() != nil {
			return Outcome{Err: lastErr, Attempts: attempt}
		}
		if attempt == attempts {
			break
		}

		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Outcome{Err: lastErr, Attempts: attempt}
			case <-timer.C:
			}
		}
	}
	return Outcome{Err: lastErr, Attempts: attempts}
}

func (p Policy) runOnce(ctx context.Context, op Op) (models.YearValues, error) {
	if p.AttemptTimeout > 0 {
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
		return op(attemptCtx)
	}
	return op(ctx)
}
