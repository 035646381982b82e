package reliability

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/logging"
	"github.com/mailwire/mailwire/pkg/observability"
	"github.com/mailwire/mailwire/pkg/transport"
)

// Operation is one attemptable unit of work.
type Operation func(ctx context.Context) error

// Executor runs operations through the full admission chain: the rate
// limiter gates entry, the circuit breaker gates each attempt, and
// transient failures are retried with exponential backoff. Any layer may
// be nil, in which case it is skipped.
type Executor struct {
	retry   transport.RetryConfig
	breaker *CircuitBreaker
	limiter *RateLimiter
	log     logging.Logger

	metrics     observability.MetricsProvider
	destination string
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithMetrics reports each retry against destination to m.
func WithMetrics(m observability.MetricsProvider, destination string) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
		e.destination = destination
	}
}

// NewExecutor assembles an executor from its layers.
func NewExecutor(retry transport.RetryConfig, breaker *CircuitBreaker, limiter *RateLimiter, log logging.Logger, opts ...ExecutorOption) *Executor {
	if log == nil {
		log = logging.Nop()
	}
	e := &Executor{
		retry:   retry,
		breaker: breaker,
		limiter: limiter,
		log:     log,
		metrics: observability.NopMetricsProvider{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op under the admission chain. Retries stop on the first
// non-retryable error, on context cancellation, and when the attempt
// budget is spent.
func (e *Executor) Execute(ctx context.Context, op Operation) error {
	if e.limiter != nil {
		release, err := e.limiter.Acquire(ctx)
		if err != nil {
			return err
		}
		defer release()
	}

	attempts := 1
	if e.retry.Enabled && e.retry.MaxAttempts > 1 {
		attempts = e.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return mailerrors.Cancelled(err)
		}
		if e.breaker != nil {
			if err := e.breaker.Allow(); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return nil
		}
		if e.breaker != nil && countsAgainstDestination(err) {
			e.breaker.RecordFailure()
		}
		lastErr = err

		if !mailerrors.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := e.delay(attempt)
		e.metrics.RecordRetry(ctx, e.destination)
		e.log.Debug("retrying after failure",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.ErrorField(err))
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return mailerrors.RetriesExhausted(attempts, lastErr)
}

// countsAgainstDestination reports whether a failure says anything about
// the health of the remote server. Local prechecks, caller cancellation,
// and pool saturation never open the circuit.
func countsAgainstDestination(err error) bool {
	switch {
	case mailerrors.IsCategory(err, mailerrors.CategoryValidation),
		mailerrors.IsCategory(err, mailerrors.CategoryCancelled),
		mailerrors.IsCategory(err, mailerrors.CategoryPool),
		mailerrors.IsCategory(err, mailerrors.CategoryConfig):
		return false
	}
	return true
}

// delay computes the backoff before the attempt after the given one. The
// cap applies after jitter so MaxDelay is a hard ceiling.
func (e *Executor) delay(attempt int) time.Duration {
	d := float64(e.retry.InitialDelay) * math.Pow(e.retry.Multiplier, float64(attempt-1))
	if e.retry.Jitter {
		// Spread within +-10% so synchronized clients do not reconverge.
		d *= 0.9 + 0.2*secureRandFloat64()
	}
	if max := float64(e.retry.MaxDelay); e.retry.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// secureRandFloat64 returns a uniform value in [0, 1) from the system CSPRNG.
func secureRandFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
}
