// Package retry provides the generic bounded-retry executor used by every
// network call in the acquisition layer. Each attempt races the action against
// a per-attempt timeout, failures are classified, and exhaustion surfaces the
// last classified error so callers decide whether to propagate or substitute
// an empty result.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/domain"
)

// Policy bounds one retry loop. Backoff is a linear multiplier: the sleep
// before attempt n+1 is n*Backoff. Total wall clock is therefore roughly
// MaxAttempts*(AttemptTimeout + Backoff*MaxAttempts).
type Policy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        time.Duration
}

// DefaultPolicy is a conservative three-attempt policy for ordinary vendor calls.
var DefaultPolicy = Policy{MaxAttempts: 3, AttemptTimeout: 10 * time.Second, Backoff: 500 * time.Millisecond}

// ProbePolicy is the short single-pass policy used per probe candidate, so a
// slow endpoint cannot starve the candidates behind it.
var ProbePolicy = Policy{MaxAttempts: 1, AttemptTimeout: 6 * time.Second, Backoff: 0}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 10 * time.Second
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Action is one cancellable unit of work. Implementations must honor ctx:
// when the per-attempt timer fires the context is cancelled and any later
// completion is discarded, not applied.
type Action[T any] func(ctx context.Context) (T, error)

// Executor runs actions under a Policy with structured attempt logging.
type Executor struct {
	log zerolog.Logger
}

// New creates a retry executor.
func New(log zerolog.Logger) *Executor {
	return &Executor{log: log.With().Str("component", "retry").Logger()}
}

// Do runs action under policy. It returns the first successful result, or the
// last classified error once attempts are exhausted. Cancelling ctx stops the
// loop immediately, including mid-backoff.
func Do[T any](e *Executor, ctx context.Context, name string, policy Policy, action Action[T]) (T, error) {
	var zero T
	p := policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, domain.NewTimeoutError(err)
		}

		result, err := runAttempt(ctx, p.AttemptTimeout, action)
		if err == nil {
			if attempt > 1 {
				e.log.Debug().Str("op", name).Int("attempt", attempt).Msg("Succeeded after retry")
			}
			return result, nil
		}

		lastErr = classify(err)
		e.log.Warn().
			Str("op", name).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Str("class", string(domain.ClassOf(lastErr))).
			Err(err).
			Msg("Attempt failed")

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(time.Duration(attempt) * p.Backoff):
		case <-ctx.Done():
			return zero, domain.NewTimeoutError(ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s exhausted %d attempts: %w", name, p.MaxAttempts, lastErr)
}

// runAttempt races action against the per-attempt timeout. The action runs in
// its own goroutine with a cancellable context; if the timer wins, the context
// is cancelled and the in-flight result channel is abandoned.
func runAttempt[T any](ctx context.Context, timeout time.Duration, action Action[T]) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		r, err := action(attemptCtx)
		done <- outcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		var zero T
		return zero, attemptCtx.Err()
	}
}

// classify maps raw errors onto the taxonomy. Context deadline and
// cancellation become Timeout; already-classified errors pass through.
func classify(err error) error {
	var ce *domain.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewTimeoutError(err)
	}
	return domain.NewUpstreamError(0, err)
}
