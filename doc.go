// Package mailwire provides a complete SMTP delivery client with connection
// pooling, TLS negotiation, SASL authentication, and built-in resilience.
//
// # Overview
//
// The library consists of several sub-packages:
//
//   - pkg/client: The high-level delivery client
//   - pkg/engine: The SMTP session and transaction driver
//   - pkg/transport: Connection dialing, TLS upgrade, and wire I/O
//   - pkg/pool: Bounded connection pooling with health probing
//   - pkg/auth: SASL mechanisms and mechanism negotiation
//   - pkg/reliability: Retry, circuit breaker, and rate limiting
//   - pkg/mime: Message assembly
//   - pkg/protocol: Reply parsing, capabilities, and session state
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Sending a Message
//
// To deliver a message through a relay:
//
//	import (
//	    "context"
//
//	    "github.com/mailwire/mailwire"
//	    "github.com/mailwire/mailwire/pkg/auth"
//	)
//
//	func main() {
//	    cfg := mailwire.DefaultConfig("smtp.example.com", 587)
//	    cfg.TLSPolicy = mailwire.TLSMandatory
//	    cfg.Credentials = auth.Password("mailer", "secret")
//
//	    c, err := mailwire.NewClient(cfg)
//	    if err != nil {
//	        // Handle error
//	    }
//	    defer c.Close()
//
//	    res, err := c.Send(context.Background(), &mailwire.Email{
//	        From:    "noreply@example.com",
//	        To:      []string{"user@example.net"},
//	        Subject: "Welcome",
//	        Text:    "Hello from mailwire.",
//	    })
//	    if err != nil {
//	        // Handle error
//	    }
//	    _ = res.MessageID
//	}
//
// Recipients are accepted or rejected independently; a partial delivery
// returns a Result listing both sets rather than an error. Failures carry
// structured codes and categories from pkg/errors, and transient ones are
// retried automatically when retry is enabled in the configuration.
package mailwire
