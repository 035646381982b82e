// Package engine drives the SMTP session state machine over a transport:
// greeting negotiation with HELO fallback, STARTTLS policy enforcement,
// authentication, and the mail transaction itself.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mailwire/mailwire/pkg/auth"
	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/logging"
	"github.com/mailwire/mailwire/pkg/observability"
	"github.com/mailwire/mailwire/pkg/protocol"
	"github.com/mailwire/mailwire/pkg/transport"
)

// Envelope carries one message through a transaction.
type Envelope struct {
	// From is the reverse-path for MAIL FROM.
	From string
	// Recipients are the forward-paths for RCPT TO. At least one is
	// required.
	Recipients []string
	// Payload is the full RFC 5322 message, headers and body.
	Payload []byte
	// MessageID identifies the message in results and logs.
	MessageID string
	// EightBit requests BODY=8BITMIME when the server supports it.
	EightBit bool
}

// RejectedRecipient records a recipient the server refused and why.
type RejectedRecipient struct {
	Address string `json:"address"`
	Code    int    `json:"code"`
	Text    string `json:"text"`
}

// Result summarizes a completed transaction. A transaction with at least
// one accepted recipient and an accepted payload counts as a success even
// when other recipients were refused.
type Result struct {
	MessageID string              `json:"message_id"`
	Accepted  []string            `json:"accepted"`
	Rejected  []RejectedRecipient `json:"rejected,omitempty"`

	// Response is the server's final reply to the payload.
	Response string        `json:"response"`
	Duration time.Duration `json:"duration"`
}

// Engine executes SMTP sessions against a configured destination.
type Engine struct {
	cfg         *transport.Config
	log         logging.Logger
	metrics     observability.MetricsProvider
	destination string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics reports authentication and TLS upgrade outcomes to m.
func WithMetrics(m observability.MetricsProvider) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine for cfg. A nil logger disables logging.
func New(cfg *transport.Config, log logging.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	e := &Engine{
		cfg:         cfg,
		log:         log,
		metrics:     observability.NopMetricsProvider{},
		destination: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureReady drives t from the connected state to a stable state that
// satisfies the configured TLS policy and credentials: greeted, encrypted
// when required, authenticated when credentials are present. It is a no-op
// on a transport that is already stable.
func (e *Engine) EnsureReady(ctx context.Context, t transport.Transport) error {
	if t.State().Stable() {
		return nil
	}
	if t.State() != protocol.StateConnected {
		return mailerrors.BadSequence("EHLO", t.State().String())
	}

	if err := e.greet(ctx, t); err != nil {
		return err
	}
	if err := e.secure(ctx, t); err != nil {
		return err
	}
	if err := e.authenticate(ctx, t); err != nil {
		return err
	}
	return nil
}

// greet negotiates capabilities with EHLO, falling back to HELO when the
// server rejects EHLO outright.
func (e *Engine) greet(ctx context.Context, t transport.Transport) error {
	reply, err := t.Cmd(ctx, "EHLO "+e.cfg.HeloName)
	if err != nil {
		return err
	}

	switch {
	case reply.Code == protocol.CodeOK:
		caps := protocol.ParseCapabilities(reply.Lines)
		t.SetCapabilities(caps)
		e.log.Debug("capabilities negotiated",
			logging.String("server", caps.ServerName),
			logging.Int("extensions", len(caps.Extensions)))
	case reply.Permanent():
		// Legacy server. HELO carries no extensions.
		reply, err = t.Cmd(ctx, "HELO "+e.cfg.HeloName)
		if err != nil {
			return err
		}
		if reply.Code != protocol.CodeOK {
			return mailerrors.GreetingRejected(reply.Code, reply.Text())
		}
		t.SetCapabilities(protocol.Capabilities{})
		e.log.Debug("server accepted HELO only")
	default:
		return mailerrors.UnexpectedReply("EHLO", reply.Code, reply.Text())
	}

	t.SetState(protocol.StateGreeted)
	return nil
}

// secure enforces the TLS policy. After a successful upgrade every
// capability learned in plaintext is discarded and EHLO is repeated on the
// encrypted channel.
func (e *Engine) secure(ctx context.Context, t transport.Transport) error {
	if t.Encrypted() || e.cfg.TLSPolicy == transport.TLSNone {
		return nil
	}

	advertised := t.Capabilities().StartTLS()
	if !advertised {
		if e.cfg.TLSPolicy == transport.TLSMandatory {
			return mailerrors.ConfigTLSMismatch("policy requires TLS but server does not offer STARTTLS")
		}
		return nil
	}

	reply, err := t.Cmd(ctx, "STARTTLS")
	if err != nil {
		return err
	}
	if reply.Code != protocol.CodeServiceReady {
		if e.cfg.TLSPolicy == transport.TLSMandatory {
			return mailerrors.UnexpectedReply("STARTTLS", reply.Code, reply.Text())
		}
		e.log.Warn("server refused STARTTLS, continuing in plaintext",
			logging.Int("code", reply.Code))
		return nil
	}

	if err := t.UpgradeTLS(ctx, e.cfg.TLSConfig()); err != nil {
		e.metrics.RecordTLSUpgrade(ctx, e.destination, "failed")
		return err
	}
	e.metrics.RecordTLSUpgrade(ctx, e.destination, "ok")
	e.log.Debug("channel upgraded to TLS", logging.String("host", e.cfg.Host))

	if err := e.greet(ctx, t); err != nil {
		return err
	}
	t.SetState(protocol.StateEncrypted)
	return nil
}

// authenticate runs SASL authentication when credentials are configured.
// One failed exchange is terminal for the session; no weaker mechanism is
// tried.
func (e *Engine) authenticate(ctx context.Context, t transport.Transport) error {
	if e.cfg.Credentials == nil {
		return nil
	}
	if !t.State().CanAuth() {
		return mailerrors.BadSequence("AUTH", t.State().String())
	}

	neg := &auth.Negotiator{
		Credentials:   e.cfg.Credentials,
		Pinned:        e.cfg.AuthMechanism,
		Encrypted:     t.Encrypted(),
		AllowInsecure: e.cfg.AllowInsecure,
		Host:          e.cfg.Host,
		Port:          e.cfg.Port,
	}
	mech, err := neg.Select(t.Capabilities().AuthMechanisms())
	if err != nil {
		return err
	}

	if err := auth.Authenticate(ctx, t, mech); err != nil {
		e.metrics.RecordAuth(ctx, mech.Name(), "failed")
		return err
	}
	e.metrics.RecordAuth(ctx, mech.Name(), "ok")
	e.log.Debug("authenticated", logging.String("mechanism", mech.Name()))
	t.SetState(protocol.StateAuthenticated)
	return nil
}

// SendTransaction runs one complete mail transaction on a stable session.
// Recipient outcomes are independent: the transaction proceeds as long as
// at least one recipient is accepted. Once the payload transfer begins the
// outcome is decided solely by the server's final reply.
func (e *Engine) SendTransaction(ctx context.Context, t transport.Transport, env Envelope) (*Result, error) {
	stable := t.State()
	if !stable.CanMail() {
		return nil, mailerrors.BadSequence("MAIL", stable.String())
	}
	if len(env.Recipients) == 0 {
		return nil, mailerrors.ConfigInvalid("recipients", "at least one recipient is required")
	}

	size := int64(len(env.Payload))
	if limit := t.Capabilities().MaxSize(); limit > 0 && size > limit {
		return nil, mailerrors.MessageTooLarge(size, limit)
	}
	if e.cfg.MaxMessageSize > 0 && size > e.cfg.MaxMessageSize {
		return nil, mailerrors.MessageTooLarge(size, e.cfg.MaxMessageSize)
	}

	start := time.Now()

	if err := e.mailFrom(ctx, t, env, size); err != nil {
		return nil, err
	}
	t.SetState(protocol.StateInTransaction)

	accepted, rejected, err := e.rcptTo(ctx, t, env.Recipients)
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		e.abort(ctx, t, stable)
		return nil, mailerrors.AllRecipientsRejected(len(rejected)).
			WithData(rejected)
	}
	t.SetState(protocol.StateRecipientsDeclared)

	reply, err := t.Cmd(ctx, "DATA")
	if err != nil {
		return nil, err
	}
	if reply.Code != protocol.CodeStartMailInput {
		e.abort(ctx, t, stable)
		return nil, mailerrors.UnexpectedReply("DATA", reply.Code, reply.Text())
	}

	t.SetState(protocol.StateSendingPayload)
	final, err := t.SendPayload(ctx, env.Payload)
	if err != nil {
		// The server may already hold the message. Retrying here would
		// risk duplicate delivery, so the attempt ends regardless of
		// what broke the connection.
		return nil, mailerrors.DeliveryUnknown(err)
	}
	if final.Code != protocol.CodeOK {
		// The payload was consumed; this verdict is final.
		t.SetState(stable)
		return nil, mailerrors.TransactionFailed(final.Code, final.Text())
	}

	t.SetState(stable)
	return &Result{
		MessageID: env.MessageID,
		Accepted:  accepted,
		Rejected:  rejected,
		Response:  final.Text(),
		Duration:  time.Since(start),
	}, nil
}

func (e *Engine) mailFrom(ctx context.Context, t transport.Transport, env Envelope, size int64) error {
	cmd := fmt.Sprintf("MAIL FROM:<%s>", env.From)
	if t.Capabilities().Has(protocol.ExtSIZE) {
		cmd += fmt.Sprintf(" SIZE=%d", size)
	}
	if env.EightBit && t.Capabilities().EightBitMIME() {
		cmd += " BODY=8BITMIME"
	}

	reply, err := t.Cmd(ctx, cmd)
	if err != nil {
		return err
	}
	if reply.Code != protocol.CodeOK {
		if reply.Code == protocol.CodeExceededStorage {
			return mailerrors.MessageTooLarge(size, t.Capabilities().MaxSize())
		}
		return mailerrors.UnexpectedReply("MAIL", reply.Code, reply.Text())
	}
	return nil
}

func (e *Engine) rcptTo(ctx context.Context, t transport.Transport, recipients []string) ([]string, []RejectedRecipient, error) {
	var accepted []string
	var rejected []RejectedRecipient
	for _, rcpt := range recipients {
		reply, err := t.Cmd(ctx, fmt.Sprintf("RCPT TO:<%s>", rcpt))
		if err != nil {
			return nil, nil, err
		}
		if reply.Code == protocol.CodeOK || reply.Code == protocol.CodeUserNotLocal {
			accepted = append(accepted, rcpt)
			continue
		}
		rejected = append(rejected, RejectedRecipient{
			Address: rcpt,
			Code:    reply.Code,
			Text:    reply.Text(),
		})
		e.log.Debug("recipient refused",
			logging.String("recipient", rcpt),
			logging.Int("code", reply.Code))
	}
	return accepted, rejected, nil
}

// abort clears a half-built transaction with RSET and restores the stable
// state. Failure to reset is ignored; the connection will be flagged
// unhealthy by its next use.
func (e *Engine) abort(ctx context.Context, t transport.Transport, stable protocol.TransactionState) {
	if _, err := t.Cmd(ctx, "RSET"); err != nil {
		e.log.Debug("reset after aborted transaction failed", logging.ErrorField(err))
		return
	}
	t.SetState(stable)
}

// Reset issues RSET, returning the session to its stable state. Used when
// a connection is returned to the pool between transactions.
func (e *Engine) Reset(ctx context.Context, t transport.Transport) error {
	reply, err := t.Cmd(ctx, "RSET")
	if err != nil {
		return err
	}
	if reply.Code != protocol.CodeOK {
		return mailerrors.UnexpectedReply("RSET", reply.Code, reply.Text())
	}
	if t.State().InTransaction() {
		t.SetState(e.stableFor(t))
	}
	return nil
}

// Noop probes connection liveness.
func (e *Engine) Noop(ctx context.Context, t transport.Transport) error {
	reply, err := t.Cmd(ctx, "NOOP")
	if err != nil {
		return err
	}
	if reply.Code != protocol.CodeOK {
		return mailerrors.UnexpectedReply("NOOP", reply.Code, reply.Text())
	}
	return nil
}

// Quit ends the session politely before the connection is torn down.
func (e *Engine) Quit(ctx context.Context, t transport.Transport) {
	if _, err := t.Cmd(ctx, "QUIT"); err == nil {
		t.SetState(protocol.StateClosed)
	}
}

// stableFor reconstructs the stable state a transaction would return to.
// A session only reaches a transaction after authenticating when
// credentials are configured.
func (e *Engine) stableFor(t transport.Transport) protocol.TransactionState {
	switch {
	case e.cfg.Credentials != nil:
		return protocol.StateAuthenticated
	case t.Encrypted():
		return protocol.StateEncrypted
	default:
		return protocol.StateGreeted
	}
}
