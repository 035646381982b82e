// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for mail delivery.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Prometheus configuration
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	MetricsPort int    // Port for metrics server (default: 9090)

	// Metric options
	Namespace        string    // Prometheus namespace (default: mailwire)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	// Registerer overrides the default registry, mainly for tests.
	Registerer prometheus.Registerer
}

// MetricsProvider records delivery events
type MetricsProvider interface {
	// Record delivery operations
	RecordSend(ctx context.Context, destination, status string, duration time.Duration)
	RecordBatch(ctx context.Context, destination string, size, delivered int, duration time.Duration)
	RecordRecipients(ctx context.Context, destination string, accepted, rejected int)

	// Record session events
	RecordAuth(ctx context.Context, mechanism, status string)
	RecordTLSUpgrade(ctx context.Context, destination, status string)
	RecordRetry(ctx context.Context, destination string)
	RecordCircuitState(ctx context.Context, destination, state string)

	// Record pool events
	RecordPoolState(ctx context.Context, destination string, live, idle int)
	RecordPoolTimeout(ctx context.Context, destination string)

	// Management
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config MetricsConfig
	server *http.Server

	// Delivery metrics
	sendDuration  *prometheus.HistogramVec
	sendTotal     *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchSize     *prometheus.HistogramVec
	recipients    *prometheus.CounterVec

	// Session metrics
	authTotal       *prometheus.CounterVec
	tlsUpgradeTotal *prometheus.CounterVec
	retryTotal      *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec

	// Pool metrics
	poolLive     *prometheus.GaugeVec
	poolIdle     *prometheus.GaugeVec
	poolTimeouts *prometheus.CounterVec
}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (MetricsProvider, error) {
	// Set defaults
	if config.Namespace == "" {
		config.Namespace = "mailwire"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}

	// Add service labels to const labels
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}

	provider := &PrometheusMetricsProvider{config: config}
	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return provider, nil
}

// initializeMetrics creates all metric collectors
func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "send_duration_milliseconds",
			Help:        "Duration of message deliveries in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination", "status"},
	)

	p.sendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "send_total",
			Help:        "Total number of message deliveries",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination", "status"},
	)

	p.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "batch_duration_milliseconds",
			Help:        "Duration of batch deliveries in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination"},
	)

	p.batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "batch_size",
			Help:        "Number of messages per batch",
			Buckets:     []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination"},
	)

	p.recipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "recipients_total",
			Help:        "Recipient outcomes across all transactions",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination", "outcome"},
	)

	p.authTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "auth_total",
			Help:        "Authentication attempts by mechanism and status",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"mechanism", "status"},
	)

	p.tlsUpgradeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "tls_upgrade_total",
			Help:        "STARTTLS upgrade attempts by status",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination", "status"},
	)

	p.retryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "retry_total",
			Help:        "Total number of delivery retries",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination"},
	)

	p.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "circuit_state",
			Help:        "Current circuit breaker state (1=active state)",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination", "state"},
	)

	p.poolLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "pool_connections",
			Help:        "Live connections in the pool",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination"},
	)

	p.poolIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "pool_idle_connections",
			Help:        "Idle connections in the pool",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination"},
	)

	p.poolTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "pool_acquire_timeouts_total",
			Help:        "Acquisitions that timed out waiting for a connection",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"destination"},
	)
}

// registerMetrics registers all metrics with Prometheus
func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.sendDuration,
		p.sendTotal,
		p.batchDuration,
		p.batchSize,
		p.recipients,
		p.authTotal,
		p.tlsUpgradeTotal,
		p.retryTotal,
		p.circuitState,
		p.poolLive,
		p.poolIdle,
		p.poolTimeouts,
	}

	for _, collector := range collectors {
		if err := p.config.Registerer.Register(collector); err != nil {
			// Check if already registered
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordSend records one delivery outcome
func (p *PrometheusMetricsProvider) RecordSend(ctx context.Context, destination, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.sendDuration.WithLabelValues(destination, status).Observe(ms)
	p.sendTotal.WithLabelValues(destination, status).Inc()
}

// RecordBatch records a batch delivery
func (p *PrometheusMetricsProvider) RecordBatch(ctx context.Context, destination string, size, delivered int, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.batchDuration.WithLabelValues(destination).Observe(ms)
	p.batchSize.WithLabelValues(destination).Observe(float64(size))
	p.sendTotal.WithLabelValues(destination, "batch_delivered").Add(float64(delivered))
}

// RecordRecipients records per-recipient outcomes of a transaction
func (p *PrometheusMetricsProvider) RecordRecipients(ctx context.Context, destination string, accepted, rejected int) {
	if accepted > 0 {
		p.recipients.WithLabelValues(destination, "accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		p.recipients.WithLabelValues(destination, "rejected").Add(float64(rejected))
	}
}

// RecordAuth records an authentication attempt
func (p *PrometheusMetricsProvider) RecordAuth(ctx context.Context, mechanism, status string) {
	p.authTotal.WithLabelValues(mechanism, status).Inc()
}

// RecordTLSUpgrade records a STARTTLS upgrade attempt
func (p *PrometheusMetricsProvider) RecordTLSUpgrade(ctx context.Context, destination, status string) {
	p.tlsUpgradeTotal.WithLabelValues(destination, status).Inc()
}

// RecordRetry records one retry of a delivery
func (p *PrometheusMetricsProvider) RecordRetry(ctx context.Context, destination string) {
	p.retryTotal.WithLabelValues(destination).Inc()
}

// RecordCircuitState records the current circuit breaker state
func (p *PrometheusMetricsProvider) RecordCircuitState(ctx context.Context, destination, state string) {
	// Reset all states to 0
	p.circuitState.WithLabelValues(destination, "closed").Set(0)
	p.circuitState.WithLabelValues(destination, "open").Set(0)
	p.circuitState.WithLabelValues(destination, "half_open").Set(0)

	// Set current state to 1
	p.circuitState.WithLabelValues(destination, state).Set(1)
}

// RecordPoolState records pool occupancy
func (p *PrometheusMetricsProvider) RecordPoolState(ctx context.Context, destination string, live, idle int) {
	p.poolLive.WithLabelValues(destination).Set(float64(live))
	p.poolIdle.WithLabelValues(destination).Set(float64(idle))
}

// RecordPoolTimeout records an acquisition timeout
func (p *PrometheusMetricsProvider) RecordPoolTimeout(ctx context.Context, destination string) {
	p.poolTimeouts.WithLabelValues(destination).Inc()
}

// Start starts the metrics HTTP server
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, promhttp.Handler())

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		_ = p.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// NopMetricsProvider discards every recording.
type NopMetricsProvider struct{}

func (NopMetricsProvider) RecordSend(context.Context, string, string, time.Duration) {}
func (NopMetricsProvider) RecordBatch(context.Context, string, int, int, time.Duration) {
}
func (NopMetricsProvider) RecordRecipients(context.Context, string, int, int)  {}
func (NopMetricsProvider) RecordAuth(context.Context, string, string)          {}
func (NopMetricsProvider) RecordTLSUpgrade(context.Context, string, string)    {}
func (NopMetricsProvider) RecordRetry(context.Context, string)                 {}
func (NopMetricsProvider) RecordCircuitState(context.Context, string, string)  {}
func (NopMetricsProvider) RecordPoolState(context.Context, string, int, int)   {}
func (NopMetricsProvider) RecordPoolTimeout(context.Context, string)           {}
func (NopMetricsProvider) Start(context.Context) error                         { return nil }
func (NopMetricsProvider) Shutdown(context.Context) error                      { return nil }
