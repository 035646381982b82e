// Package mailwire provides a production SMTP delivery client for Go.
package mailwire

import (
	"github.com/mailwire/mailwire/pkg/client"
	"github.com/mailwire/mailwire/pkg/mime"
	"github.com/mailwire/mailwire/pkg/transport"
)

// Version represents the current version of the library
const Version = "1.0.0"

// These exports provide direct access to the core components
var (
	// NewClient creates a new delivery client
	NewClient = client.New

	// DefaultConfig returns a configuration with sensible defaults
	DefaultConfig = transport.DefaultConfig

	// NewEncoder creates a MIME message encoder
	NewEncoder = mime.NewEncoder
)

// TLS policies
const (
	TLSNone          = transport.TLSNone
	TLSOpportunistic = transport.TLSOpportunistic
	TLSMandatory     = transport.TLSMandatory
	TLSImplicit      = transport.TLSImplicit
)

// Client options
var (
	WithLogger  = client.WithLogger
	WithMetrics = client.WithMetrics
	WithTracing = client.WithTracing
	WithEncoder = client.WithEncoder
	WithDialer  = client.WithDialer
)

// Email is the structured message accepted by Client.Send.
type Email = mime.Email

// Config is the client configuration.
type Config = transport.Config
