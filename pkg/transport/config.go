package transport

import (
	"crypto/tls"
	"time"

	"github.com/mailwire/mailwire/pkg/auth"
	mailerrors "github.com/mailwire/mailwire/pkg/errors"
)

// TLSPolicy controls how the client negotiates transport encryption.
type TLSPolicy string

const (
	// TLSNone never upgrades the connection.
	TLSNone TLSPolicy = "none"
	// TLSOpportunistic upgrades when the server advertises STARTTLS and
	// continues in plaintext otherwise.
	TLSOpportunistic TLSPolicy = "opportunistic"
	// TLSMandatory requires a successful STARTTLS upgrade; a server that
	// does not advertise it is a configuration mismatch.
	TLSMandatory TLSPolicy = "mandatory"
	// TLSImplicit opens the connection with TLS from the first byte
	// (SMTPS, typically port 465).
	TLSImplicit TLSPolicy = "implicit"
)

// Config is the unified configuration for a mail client. It is validated
// once at construction and treated as immutable afterwards.
type Config struct {
	// Host is the server hostname or address.
	Host string `json:"host"`
	// Port is the server port.
	Port int `json:"port"`

	// HeloName is the client identifier sent in the EHLO/HELO greeting.
	HeloName string `json:"helo_name"`

	// TLS settings.
	TLSPolicy          TLSPolicy `json:"tls_policy"`
	TLSMinVersion      uint16    `json:"tls_min_version"`
	InsecureSkipVerify bool      `json:"insecure_skip_verify"`
	// AllowInsecure permits InsecureSkipVerify and plaintext-secret
	// mechanisms without TLS. For test rigs only; Validate refuses
	// InsecureSkipVerify without it.
	AllowInsecure bool `json:"allow_insecure"`

	// Credentials for authentication. Nil disables the AUTH step.
	Credentials *auth.Credentials `json:"-"`
	// AuthMechanism pins a specific SASL mechanism. Empty selects the
	// strongest mechanism the channel allows.
	AuthMechanism string `json:"auth_mechanism,omitempty"`

	// Timeouts.
	ConnectTimeout time.Duration `json:"connect_timeout"`
	CommandTimeout time.Duration `json:"command_timeout"`

	// MaxMessageSize is the local ceiling on payload size. 0 defers
	// entirely to the server's advertised limit.
	MaxMessageSize int64 `json:"max_message_size"`

	// Component configurations.
	Pool           PoolConfig           `json:"pool"`
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxSize             int           `json:"max_size"`
	MinIdle             int           `json:"min_idle"`
	AcquireTimeout      time.Duration `json:"acquire_timeout"`
	IdleTimeout         time.Duration `json:"idle_timeout"`
	MaxLifetime         time.Duration `json:"max_lifetime"`
	HealthCheck         bool          `json:"health_check"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// RetryConfig controls the retry loop.
type RetryConfig struct {
	Enabled      bool          `json:"enabled"`
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	Jitter       bool          `json:"jitter"`
}

// CircuitBreakerConfig controls the shared circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold"`
}

// RateLimitBehavior selects what happens when the limiter has no capacity.
type RateLimitBehavior string

const (
	// RateLimitReject fails the operation immediately.
	RateLimitReject RateLimitBehavior = "reject"
	// RateLimitWait blocks until capacity is available.
	RateLimitWait RateLimitBehavior = "wait"
	// RateLimitWaitTimeout blocks up to MaxWait, then rejects.
	RateLimitWaitTimeout RateLimitBehavior = "wait_timeout"
)

// RateLimitConfig controls admission before any network I/O.
type RateLimitConfig struct {
	Enabled        bool              `json:"enabled"`
	MaxOperations  int               `json:"max_operations"`
	Window         time.Duration     `json:"window"`
	MaxConcurrent  int64             `json:"max_concurrent"`
	Behavior       RateLimitBehavior `json:"behavior"`
	MaxWait        time.Duration     `json:"max_wait"`
}

// DefaultConfig returns a configuration with production defaults for the
// given host and port.
func DefaultConfig(host string, port int) Config {
	return Config{
		Host:           host,
		Port:           port,
		HeloName:       "localhost",
		TLSPolicy:      TLSOpportunistic,
		TLSMinVersion:  tls.VersionTLS12,
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 30 * time.Second,
		Pool: PoolConfig{
			MaxSize:             10,
			MinIdle:             0,
			AcquireTimeout:      30 * time.Second,
			IdleTimeout:         90 * time.Second,
			MaxLifetime:         10 * time.Minute,
			HealthCheck:         false,
			HealthCheckInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			Enabled:      true,
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			FailureWindow:    60 * time.Second,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled:       false,
			MaxOperations: 100,
			Window:        time.Minute,
			MaxConcurrent: 10,
			Behavior:      RateLimitWait,
		},
	}
}

// Validate checks the configuration once at client construction. All
// violations are configuration errors: fatal and never retried.
func (c *Config) Validate() error {
	if c.Host == "" {
		return mailerrors.ConfigMissingHost()
	}
	if c.Port <= 0 || c.Port > 65535 {
		return mailerrors.ConfigInvalid("port", "must be in 1..65535")
	}
	if c.HeloName == "" {
		return mailerrors.ConfigInvalid("helo_name", "must not be empty")
	}
	switch c.TLSPolicy {
	case TLSNone, TLSOpportunistic, TLSMandatory, TLSImplicit:
	default:
		return mailerrors.ConfigInvalid("tls_policy", "unknown policy")
	}
	if c.InsecureSkipVerify && !c.AllowInsecure {
		return mailerrors.ConfigInvalid("insecure_skip_verify", "requires allow_insecure")
	}
	if c.Pool.MaxSize <= 0 {
		return mailerrors.ConfigInvalid("pool.max_size", "must be positive")
	}
	if c.Pool.MinIdle < 0 || c.Pool.MinIdle > c.Pool.MaxSize {
		return mailerrors.ConfigInvalid("pool.min_idle", "must be in 0..max_size")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return mailerrors.ConfigInvalid("pool.acquire_timeout", "must be positive")
	}
	if c.Retry.Enabled {
		if c.Retry.MaxAttempts <= 0 {
			return mailerrors.ConfigInvalid("retry.max_attempts", "must be positive")
		}
		if c.Retry.Multiplier < 1.0 {
			return mailerrors.ConfigInvalid("retry.multiplier", "must be >= 1.0")
		}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold <= 0 {
			return mailerrors.ConfigInvalid("circuit_breaker.failure_threshold", "must be positive")
		}
		if c.CircuitBreaker.SuccessThreshold <= 0 {
			return mailerrors.ConfigInvalid("circuit_breaker.success_threshold", "must be positive")
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxOperations <= 0 {
			return mailerrors.ConfigInvalid("rate_limit.max_operations", "must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return mailerrors.ConfigInvalid("rate_limit.window", "must be positive")
		}
	}
	if c.Credentials != nil {
		if err := c.Credentials.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TLSConfig builds the tls.Config used for STARTTLS or implicit TLS.
func (c *Config) TLSConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.Host,
		MinVersion:         c.TLSMinVersion,
		InsecureSkipVerify: c.InsecureSkipVerify && c.AllowInsecure,
	}
}
