// Package pool maintains a bounded set of reusable SMTP connections with
// idle-timeout and lifetime eviction, optional liveness probing, and strict
// exclusive leasing.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/logging"
	"github.com/mailwire/mailwire/pkg/transport"
)

// Factory dials and prepares a new connection.
type Factory func(ctx context.Context) (transport.Transport, error)

// ProbeFunc checks that an idle connection is still usable.
type ProbeFunc func(ctx context.Context, t transport.Transport) error

// DestroyFunc is called before a connection is closed, letting the owner
// end the session politely.
type DestroyFunc func(t transport.Transport)

// Conn is a leased pooled connection. A lease is exclusive: exactly one
// goroutine holds it between Acquire and Release.
type Conn struct {
	t        transport.Transport
	created  time.Time
	lastUsed time.Time
}

// Transport returns the underlying connection.
func (c *Conn) Transport() transport.Transport { return c.t }

// Age returns how long ago the connection was created.
func (c *Conn) Age() time.Duration { return time.Since(c.created) }

// Status is a point-in-time snapshot of pool health.
type Status struct {
	Live      int    `json:"live"`
	Idle      int    `json:"idle"`
	InUse     int    `json:"in_use"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Acquired  uint64 `json:"acquired"`
	Timeouts  uint64 `json:"timeouts"`
}

// Pool is a bounded connection pool. The zero value is not usable; use New.
type Pool struct {
	cfg     transport.PoolConfig
	factory Factory
	probe   ProbeFunc
	destroy DestroyFunc
	log     logging.Logger

	// sem bounds the number of live connections; idle holds leases ready
	// for reuse.
	sem  chan struct{}
	idle chan *Conn

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup

	created   atomic.Uint64
	destroyed atomic.Uint64
	acquired  atomic.Uint64
	timeouts  atomic.Uint64
}

// Option configures optional pool behavior.
type Option func(*Pool)

// WithProbe sets the liveness probe used by the background health checker.
func WithProbe(p ProbeFunc) Option {
	return func(pool *Pool) { pool.probe = p }
}

// WithDestroy sets a hook invoked before a connection is closed.
func WithDestroy(d DestroyFunc) Option {
	return func(pool *Pool) { pool.destroy = d }
}

// WithLogger sets the pool's logger.
func WithLogger(log logging.Logger) Option {
	return func(pool *Pool) { pool.log = log }
}

// New creates a pool that leases connections produced by factory.
func New(cfg transport.PoolConfig, factory Factory, opts ...Option) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		return nil, mailerrors.ConfigInvalid("pool.max_size", "must be positive")
	}
	if factory == nil {
		return nil, mailerrors.ConfigInvalid("pool.factory", "must not be nil")
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     logging.Nop(),
		sem:     make(chan struct{}, cfg.MaxSize),
		idle:    make(chan *Conn, cfg.MaxSize),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	probing := cfg.HealthCheck && p.probe != nil
	if cfg.HealthCheckInterval > 0 && (probing || cfg.MinIdle > 0) {
		p.wg.Add(1)
		go p.healthLoop()
	}
	return p, nil
}

// Acquire leases a connection, reusing an idle one when available and
// dialing a new one while capacity remains. It blocks up to the configured
// acquire timeout when the pool is saturated.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, mailerrors.PoolClosed()
	}

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		// Prefer an idle connection over dialing.
		select {
		case c := <-p.idle:
			if conn, ok := p.vet(c); ok {
				return conn, nil
			}
			continue
		default:
		}

		select {
		case c := <-p.idle:
			if conn, ok := p.vet(c); ok {
				return conn, nil
			}
			continue
		case p.sem <- struct{}{}:
			t, err := p.factory(ctx)
			if err != nil {
				<-p.sem
				return nil, err
			}
			p.created.Add(1)
			p.acquired.Add(1)
			return &Conn{t: t, created: time.Now(), lastUsed: time.Now()}, nil
		case <-timeout:
			p.timeouts.Add(1)
			return nil, mailerrors.PoolExhausted(p.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, mailerrors.Cancelled(ctx.Err())
		}
	}
}

// vet decides whether an idle connection may be leased again.
func (p *Pool) vet(c *Conn) (*Conn, bool) {
	if p.expired(c) {
		p.discard(c)
		return nil, false
	}
	p.acquired.Add(1)
	return c, true
}

func (p *Pool) expired(c *Conn) bool {
	if p.cfg.IdleTimeout > 0 && time.Since(c.lastUsed) > p.cfg.IdleTimeout {
		return true
	}
	if p.cfg.MaxLifetime > 0 && time.Since(c.created) > p.cfg.MaxLifetime {
		return true
	}
	return false
}

// Release returns a lease. Unhealthy connections are destroyed; healthy
// ones go back to the idle set unless the pool has closed.
func (p *Pool) Release(c *Conn, healthy bool) {
	if c == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if !healthy || closed {
		p.discard(c)
		return
	}

	c.lastUsed = time.Now()
	select {
	case p.idle <- c:
	default:
		p.discard(c)
	}
}

// discard closes a connection and frees its capacity slot.
func (p *Pool) discard(c *Conn) {
	if p.destroy != nil {
		p.destroy(c.t)
	}
	if err := c.t.Close(); err != nil {
		p.log.Debug("closing pooled connection failed", logging.ErrorField(err))
	}
	p.destroyed.Add(1)
	<-p.sem
}

// healthLoop periodically probes idle connections, destroying those that
// fail, and keeps the idle set at the configured floor.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	p.topUp()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
			p.topUp()
		}
	}
}

func (p *Pool) sweep() {
	n := len(p.idle)
	for i := 0; i < n; i++ {
		select {
		case c := <-p.idle:
			if p.expired(c) {
				p.discard(c)
				continue
			}
			if p.cfg.HealthCheck && p.probe != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := p.probe(ctx, c.t)
				cancel()
				if err != nil {
					p.log.Debug("idle connection failed probe", logging.ErrorField(err))
					p.discard(c)
					continue
				}
			}
			c.lastUsed = time.Now()
			select {
			case p.idle <- c:
			default:
				p.discard(c)
			}
		default:
			return
		}
	}
}

// topUp dials connections until the idle set reaches MinIdle, within the
// pool's capacity.
func (p *Pool) topUp() {
	for p.cfg.MinIdle > 0 && len(p.idle) < p.cfg.MinIdle {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		select {
		case p.sem <- struct{}{}:
		default:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		t, err := p.factory(ctx)
		cancel()
		if err != nil {
			<-p.sem
			p.log.Debug("idle floor dial failed", logging.ErrorField(err))
			return
		}
		p.created.Add(1)

		c := &Conn{t: t, created: time.Now(), lastUsed: time.Now()}
		select {
		case p.idle <- c:
		default:
			p.discard(c)
			return
		}
	}
}

// Status reports current pool occupancy and lifetime counters.
func (p *Pool) Status() Status {
	live := len(p.sem)
	idle := len(p.idle)
	return Status{
		Live:      live,
		Idle:      idle,
		InUse:     live - idle,
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Acquired:  p.acquired.Load(),
		Timeouts:  p.timeouts.Load(),
	}
}

// Close drains the idle set and rejects further acquisitions. Leases held
// by callers are destroyed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	for {
		select {
		case c := <-p.idle:
			p.discard(c)
		default:
			return nil
		}
	}
}
