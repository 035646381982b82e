// Package reliability layers admission control around SMTP operations:
// rate limiting, circuit breaking per destination, and retry with
// exponential backoff.
package reliability

import (
	"sync"
	"time"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/logging"
	"github.com/mailwire/mailwire/pkg/transport"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int32

const (
	// BreakerClosed admits all operations.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects operations without touching the network.
	BreakerOpen
	// BreakerHalfOpen admits limited trial operations.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks failures against one destination inside a sliding
// window and stops issuing operations once the destination looks down.
// All sends to a destination share one breaker.
type CircuitBreaker struct {
	cfg         transport.CircuitBreakerConfig
	destination string
	log         logging.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  []time.Time
	openedAt  time.Time
	successes int
	inFlight  int
}

// NewCircuitBreaker creates a closed breaker for destination.
func NewCircuitBreaker(destination string, cfg transport.CircuitBreakerConfig, log logging.Logger) *CircuitBreaker {
	if log == nil {
		log = logging.Nop()
	}
	return &CircuitBreaker{cfg: cfg, destination: destination, log: log}
}

// Allow reports whether an operation may proceed right now. When the
// recovery timeout has elapsed on an open breaker it transitions to
// half-open and admits a single trial at a time.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return mailerrors.CircuitOpen(b.destination)
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.inFlight = 0
		b.log.Info("circuit half-open, admitting trial",
			logging.String("destination", b.destination))
		fallthrough
	case BreakerHalfOpen:
		if b.inFlight > 0 {
			return mailerrors.CircuitOpen(b.destination)
		}
		b.inFlight++
		return nil
	}
	return nil
}

// RecordSuccess feeds a successful operation outcome back into the
// breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.inFlight = 0
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = nil
			b.log.Info("circuit closed",
				logging.String("destination", b.destination))
		}
	case BreakerClosed:
		b.failures = nil
	}
}

// RecordFailure feeds a failed operation outcome back into the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case BreakerHalfOpen:
		b.inFlight = 0
		b.open(now)
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.open(now)
		}
	}
}

func (b *CircuitBreaker) open(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.failures = nil
	b.log.Warn("circuit opened",
		logging.String("destination", b.destination),
		logging.Duration("recovery_timeout", b.cfg.RecoveryTimeout))
}

// prune drops failures that fell out of the sliding window.
func (b *CircuitBreaker) prune(now time.Time) {
	if b.cfg.FailureWindow <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// State returns the breaker's current mode.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
