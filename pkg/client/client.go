// Package client is the high-level mail delivery API: pooled connections,
// resilience policies, observability, and message encoding behind a small
// façade.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailwire/mailwire/pkg/engine"
	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/logging"
	"github.com/mailwire/mailwire/pkg/mime"
	"github.com/mailwire/mailwire/pkg/observability"
	"github.com/mailwire/mailwire/pkg/pool"
	"github.com/mailwire/mailwire/pkg/reliability"
	"github.com/mailwire/mailwire/pkg/transport"
)

// Dialer produces a connected transport. Swappable for tests.
type Dialer func(ctx context.Context, cfg *transport.Config) (transport.Transport, error)

// Client delivers mail to one destination. It is safe for concurrent use.
type Client struct {
	cfg         transport.Config
	destination string

	log     logging.Logger
	metrics observability.MetricsProvider
	tracing *observability.TracingProvider
	encoder mime.Encoder
	dialer  Dialer

	eng      *engine.Engine
	pool     *pool.Pool
	breaker  *reliability.CircuitBreaker
	limiter  *reliability.RateLimiter
	executor *reliability.Executor

	closed atomic.Bool
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client's logger. The default discards everything.
func WithLogger(log logging.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics sets the metrics provider.
func WithMetrics(m observability.MetricsProvider) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracing enables span creation around deliveries.
func WithTracing(tp *observability.TracingProvider) Option {
	return func(c *Client) { c.tracing = tp }
}

// WithEncoder overrides the message encoder.
func WithEncoder(enc mime.Encoder) Option {
	return func(c *Client) { c.encoder = enc }
}

// WithDialer overrides how connections are established.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New validates cfg and assembles a client. No connection is made until
// the first send.
func New(cfg transport.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		destination: net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		log:         logging.Nop(),
		metrics:     observability.NopMetricsProvider{},
		encoder:     mime.NewEncoder(cfg.HeloName),
		dialer:      transport.Dial,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logging.String("destination", c.destination))

	c.eng = engine.New(&c.cfg, c.log, engine.WithMetrics(c.metrics))

	if cfg.CircuitBreaker.Enabled {
		c.breaker = reliability.NewCircuitBreaker(c.destination, cfg.CircuitBreaker, c.log)
	}
	if cfg.RateLimit.Enabled {
		c.limiter = reliability.NewRateLimiter(cfg.RateLimit)
	}
	c.executor = reliability.NewExecutor(cfg.Retry, c.breaker, c.limiter, c.log,
		reliability.WithMetrics(c.metrics, c.destination))

	p, err := pool.New(cfg.Pool, c.dial,
		pool.WithLogger(c.log),
		pool.WithProbe(c.eng.Noop),
		pool.WithDestroy(c.quit),
	)
	if err != nil {
		return nil, err
	}
	c.pool = p

	return c, nil
}

// dial is the pool factory: a fresh connection, banner consumed, ready for
// session negotiation on first use.
func (c *Client) dial(ctx context.Context) (transport.Transport, error) {
	t, err := c.dialer(ctx, &c.cfg)
	if err != nil {
		c.log.Warn("dial failed", logging.ErrorField(err))
		return nil, err
	}
	return t, nil
}

// quit ends a session before the pool closes its connection.
func (c *Client) quit(t transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.eng.Quit(ctx, t)
}

// Send encodes and delivers one message, honoring the configured rate
// limit, circuit breaker, and retry policy. The returned result lists
// which recipients the server accepted and which it refused.
func (c *Client) Send(ctx context.Context, email *mime.Email) (*engine.Result, error) {
	if c.closed.Load() {
		return nil, mailerrors.PoolClosed()
	}

	payload, err := c.encoder.Encode(email)
	if err != nil {
		return nil, err
	}
	id := email.MessageID
	if id == "" {
		id = c.encoder.GenerateMessageID()
	}

	env := engine.Envelope{
		From:       email.From,
		Recipients: email.Recipients(),
		Payload:    payload,
		MessageID:  id,
	}
	return c.SendEnvelope(ctx, env)
}

// SendEnvelope delivers a pre-encoded message. Callers that build their
// own payload use this directly.
func (c *Client) SendEnvelope(ctx context.Context, env engine.Envelope) (*engine.Result, error) {
	if c.closed.Load() {
		return nil, mailerrors.PoolClosed()
	}

	ctx, finish := c.startSpan(ctx, env.MessageID)

	start := time.Now()
	var result *engine.Result
	err := c.executor.Execute(ctx, func(ctx context.Context) error {
		res, err := c.attempt(ctx, env)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	c.observe(ctx, result, err, time.Since(start))
	finish(err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attempt is one delivery try on one pooled connection.
func (c *Client) attempt(ctx context.Context, env engine.Envelope) (*engine.Result, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		if mailerrors.IsCode(err, mailerrors.CodePoolExhausted) {
			c.metrics.RecordPoolTimeout(ctx, c.destination)
		}
		return nil, err
	}

	t := conn.Transport()
	if err := c.eng.EnsureReady(ctx, t); err != nil {
		c.pool.Release(conn, false)
		return nil, err
	}

	result, err := c.eng.SendTransaction(ctx, t, env)
	if err != nil {
		c.pool.Release(conn, c.reusable(t, err))
		return nil, err
	}

	c.pool.Release(conn, true)
	return result, nil
}

// reusable decides whether a connection survives a failed transaction.
// Anything that may have desynchronized the wire is discarded.
func (c *Client) reusable(t transport.Transport, err error) bool {
	if !t.State().Stable() {
		return false
	}
	switch {
	case mailerrors.IsCategory(err, mailerrors.CategoryNetwork),
		mailerrors.IsCategory(err, mailerrors.CategoryTimeout),
		mailerrors.IsCategory(err, mailerrors.CategoryCancelled):
		return false
	}
	return true
}

func (c *Client) startSpan(ctx context.Context, messageID string) (context.Context, func(error)) {
	if c.tracing == nil {
		return ctx, func(error) {}
	}
	ctx, span := c.tracing.StartSendSpan(ctx, c.destination, messageID)
	return ctx, func(err error) {
		if err != nil {
			c.tracing.RecordError(ctx, err)
		}
		span.End()
	}
}

func (c *Client) observe(ctx context.Context, result *engine.Result, err error, elapsed time.Duration) {
	status := "delivered"
	if err != nil {
		status = "failed"
	}
	c.metrics.RecordSend(ctx, c.destination, status, elapsed)
	if result != nil {
		c.metrics.RecordRecipients(ctx, c.destination, len(result.Accepted), len(result.Rejected))
	}
	if c.breaker != nil {
		c.metrics.RecordCircuitState(ctx, c.destination, c.breaker.State().String())
	}
	st := c.pool.Status()
	c.metrics.RecordPoolState(ctx, c.destination, st.Live, st.Idle)

	if err != nil {
		c.log.Warn("delivery failed",
			logging.Duration("elapsed", elapsed),
			logging.ErrorField(err))
	} else {
		c.log.Info("delivery complete",
			logging.String("message_id", result.MessageID),
			logging.Int("accepted", len(result.Accepted)),
			logging.Int("rejected", len(result.Rejected)),
			logging.Duration("elapsed", elapsed))
	}
}

// BatchItem is the outcome of one message in a batch.
type BatchItem struct {
	Index  int            `json:"index"`
	Result *engine.Result `json:"result,omitempty"`
	Err    error          `json:"-"`
}

// BatchResult aggregates a batch delivery. Failures never abort the batch;
// each message succeeds or fails on its own.
type BatchResult struct {
	Items     []BatchItem   `json:"items"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// SendBatch delivers messages concurrently, bounded by the pool size.
func (c *Client) SendBatch(ctx context.Context, emails []*mime.Email) *BatchResult {
	start := time.Now()
	items := make([]BatchItem, len(emails))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Pool.MaxSize)

	var mu sync.Mutex
	delivered, failed := 0, 0
	for i, email := range emails {
		i, email := i, email
		g.Go(func() error {
			res, err := c.Send(gctx, email)
			items[i] = BatchItem{Index: i, Result: res, Err: err}
			mu.Lock()
			if err != nil {
				failed++
			} else {
				delivered++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	c.metrics.RecordBatch(ctx, c.destination, len(emails), delivered, elapsed)
	c.log.Info("batch complete",
		logging.Int("size", len(emails)),
		logging.Int("delivered", delivered),
		logging.Int("failed", failed),
		logging.Duration("elapsed", elapsed))

	return &BatchResult{
		Items:     items,
		Delivered: delivered,
		Failed:    failed,
		Duration:  elapsed,
	}
}

// Verify checks that the destination is reachable and the session can be
// negotiated, without sending mail.
func (c *Client) Verify(ctx context.Context) error {
	if c.closed.Load() {
		return mailerrors.PoolClosed()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	t := conn.Transport()
	if err := c.eng.EnsureReady(ctx, t); err != nil {
		c.pool.Release(conn, false)
		return err
	}
	if err := c.eng.Noop(ctx, t); err != nil {
		c.pool.Release(conn, false)
		return err
	}
	c.pool.Release(conn, true)
	return nil
}

// Status is a point-in-time snapshot of the client's moving parts.
type Status struct {
	Destination string                     `json:"destination"`
	Pool        pool.Status                `json:"pool"`
	Circuit     string                     `json:"circuit,omitempty"`
	Limiter     *reliability.LimiterStatus `json:"limiter,omitempty"`
	Closed      bool                       `json:"closed"`
}

// Status reports pool occupancy, circuit state, and limiter counters.
func (c *Client) Status() Status {
	s := Status{
		Destination: c.destination,
		Pool:        c.pool.Status(),
		Closed:      c.closed.Load(),
	}
	if c.breaker != nil {
		s.Circuit = c.breaker.State().String()
	}
	if c.limiter != nil {
		ls := c.limiter.Status()
		s.Limiter = &ls
	}
	return s
}

// Close releases all pooled connections. In-flight sends finish; new sends
// are rejected.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.pool.Close()
}
