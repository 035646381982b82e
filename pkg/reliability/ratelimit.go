package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/transport"
)

// RateLimiter enforces a sustained operation rate with a token bucket and
// an optional cap on concurrent operations. The bucket holds one window's
// worth of tokens, so short bursts up to the window budget are admitted.
type RateLimiter struct {
	cfg  transport.RateLimitConfig
	rate float64 // tokens per second
	sem  *semaphore.Weighted

	mu     sync.Mutex
	tokens float64
	last   time.Time

	allowed  uint64
	rejected uint64
}

// NewRateLimiter creates a limiter with a full bucket.
func NewRateLimiter(cfg transport.RateLimitConfig) *RateLimiter {
	r := &RateLimiter{
		cfg:    cfg,
		tokens: float64(cfg.MaxOperations),
		last:   time.Now(),
	}
	if cfg.Window > 0 {
		r.rate = float64(cfg.MaxOperations) / cfg.Window.Seconds()
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return r
}

// Acquire admits one operation, applying the configured behavior when the
// bucket is empty. The returned release function must be called when the
// operation completes; it is never nil.
func (r *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	wait, err := r.reserve()
	if err != nil {
		return func() {}, err
	}
	if wait > 0 {
		if err := sleep(ctx, wait); err != nil {
			r.refund()
			return func() {}, err
		}
	}

	if r.sem == nil {
		return func() {}, nil
	}
	if err := r.acquireSlot(ctx); err != nil {
		return func() {}, err
	}
	return func() { r.sem.Release(1) }, nil
}

// reserve takes a token, returning how long the caller must wait before
// using it. An empty bucket is handled per the configured behavior.
func (r *RateLimiter) reserve() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.tokens += now.Sub(r.last).Seconds() * r.rate
	if max := float64(r.cfg.MaxOperations); r.tokens > max {
		r.tokens = max
	}
	r.last = now

	if r.tokens >= 1 {
		r.tokens--
		r.allowed++
		return 0, nil
	}

	if r.cfg.Behavior == transport.RateLimitReject || r.rate <= 0 {
		r.rejected++
		return 0, mailerrors.RateLimited(
			fmt.Sprintf("rate of %d per %s exceeded", r.cfg.MaxOperations, r.cfg.Window))
	}

	wait := time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
	if r.cfg.Behavior == transport.RateLimitWaitTimeout && r.cfg.MaxWait > 0 && wait > r.cfg.MaxWait {
		r.rejected++
		return 0, mailerrors.RateLimited(
			fmt.Sprintf("would wait %s, exceeding the %s limit", wait, r.cfg.MaxWait))
	}

	r.tokens--
	r.allowed++
	return wait, nil
}

// refund returns a token taken by a reservation that was abandoned.
func (r *RateLimiter) refund() {
	r.mu.Lock()
	r.tokens++
	r.allowed--
	r.mu.Unlock()
}

func (r *RateLimiter) acquireSlot(ctx context.Context) error {
	if r.cfg.Behavior == transport.RateLimitReject {
		if !r.sem.TryAcquire(1) {
			r.note(false)
			return mailerrors.RateLimited("concurrency limit reached")
		}
		return nil
	}

	acquireCtx := ctx
	if r.cfg.Behavior == transport.RateLimitWaitTimeout && r.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.MaxWait)
		defer cancel()
	}
	if err := r.sem.Acquire(acquireCtx, 1); err != nil {
		r.note(false)
		if ctx.Err() != nil {
			return mailerrors.Cancelled(ctx.Err())
		}
		return mailerrors.RateLimited("timed out waiting for a concurrency slot")
	}
	return nil
}

func (r *RateLimiter) note(allowed bool) {
	r.mu.Lock()
	if allowed {
		r.allowed++
	} else {
		r.rejected++
	}
	r.mu.Unlock()
}

// LimiterStatus reports limiter counters and the approximate tokens left
// in the current window.
type LimiterStatus struct {
	Allowed  uint64  `json:"allowed"`
	Rejected uint64  `json:"rejected"`
	Tokens   float64 `json:"tokens"`
}

// Status returns a snapshot of the limiter.
func (r *RateLimiter) Status() LimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LimiterStatus{Allowed: r.allowed, Rejected: r.rejected, Tokens: r.tokens}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return mailerrors.Cancelled(ctx.Err())
	}
}
