package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwire/mailwire/pkg/auth"
	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/observability"
	"github.com/mailwire/mailwire/pkg/protocol"
	"github.com/mailwire/mailwire/pkg/transport"
)

func r(code int, lines ...string) protocol.Reply {
	return protocol.Reply{Code: code, Lines: lines}
}

func plainConfig() transport.Config {
	cfg := transport.DefaultConfig("mx.test", 25)
	cfg.TLSPolicy = transport.TLSNone
	return cfg
}

func TestEnsureReadyNegotiatesCapabilities(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := transport.NewMemTransport(
		r(250, "mx.test greets you", "PIPELINING", "SIZE 1000", "8BITMIME"),
	)

	require.NoError(t, e.EnsureReady(context.Background(), m))

	assert.Equal(t, protocol.StateGreeted, m.State())
	assert.Equal(t, []string{"EHLO localhost"}, m.Sent)
	assert.Equal(t, "mx.test", m.Capabilities().ServerName)
	assert.Equal(t, int64(1000), m.Capabilities().MaxSize())
}

func TestEnsureReadyIsIdempotent(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := transport.NewMemTransport(r(250, "mx.test"))

	require.NoError(t, e.EnsureReady(context.Background(), m))
	// Second call needs no wire traffic at all.
	require.NoError(t, e.EnsureReady(context.Background(), m))
	assert.Len(t, m.Sent, 1)
}

func TestEnsureReadyHELOFallback(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := transport.NewMemTransport(
		r(502, "command not implemented"),
		r(250, "mx.test"),
	)

	require.NoError(t, e.EnsureReady(context.Background(), m))

	assert.Equal(t, []string{"EHLO localhost", "HELO localhost"}, m.Sent)
	assert.Equal(t, protocol.StateGreeted, m.State())
	// A HELO session has no extensions.
	assert.False(t, m.Capabilities().StartTLS())
}

func TestEnsureReadyNoFallbackOnTransientEHLOFailure(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := transport.NewMemTransport(r(421, "try again later"))

	err := e.EnsureReady(context.Background(), m)
	require.Error(t, err)
	// 4xx means retry the whole attempt, not degrade to HELO.
	assert.Equal(t, []string{"EHLO localhost"}, m.Sent)
	assert.True(t, mailerrors.IsRetryable(err))
}

func TestEnsureReadyGreetingRejected(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := transport.NewMemTransport(
		r(502, "no EHLO"),
		r(550, "no HELO either"),
	)

	err := e.EnsureReady(context.Background(), m)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeGreetingRejected))
}

func TestEnsureReadyMandatoryTLSNotAdvertised(t *testing.T) {
	cfg := transport.DefaultConfig("mx.test", 587)
	cfg.TLSPolicy = transport.TLSMandatory
	e := New(&cfg, nil)
	m := transport.NewMemTransport(r(250, "mx.test", "PIPELINING"))

	err := e.EnsureReady(context.Background(), m)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeConfigTLSMismatch))
	assert.False(t, mailerrors.IsRetryable(err))
}

func TestEnsureReadySTARTTLSUpgradeRenegotiates(t *testing.T) {
	cfg := transport.DefaultConfig("mx.test", 587)
	cfg.TLSPolicy = transport.TLSMandatory
	e := New(&cfg, nil)
	m := transport.NewMemTransport(
		r(250, "mx.test", "STARTTLS"),
		r(220, "ready to start TLS"),
		r(250, "mx.test", "AUTH PLAIN LOGIN", "SIZE 5000"),
	)

	require.NoError(t, e.EnsureReady(context.Background(), m))

	assert.Equal(t, []string{"EHLO localhost", "STARTTLS", "EHLO localhost"}, m.Sent)
	assert.True(t, m.Encrypted())
	assert.Equal(t, protocol.StateEncrypted, m.State())
	// Only the post-upgrade capabilities survive.
	assert.False(t, m.Capabilities().StartTLS())
	assert.Equal(t, int64(5000), m.Capabilities().MaxSize())
}

func TestEnsureReadyOpportunisticContinuesOnRefusal(t *testing.T) {
	cfg := transport.DefaultConfig("mx.test", 587)
	cfg.TLSPolicy = transport.TLSOpportunistic
	e := New(&cfg, nil)
	m := transport.NewMemTransport(
		r(250, "mx.test", "STARTTLS"),
		r(454, "TLS not available right now"),
	)

	require.NoError(t, e.EnsureReady(context.Background(), m))
	assert.False(t, m.Encrypted())
	assert.Equal(t, protocol.StateGreeted, m.State())
}

func TestEnsureReadyMandatoryTLSRefusedCommand(t *testing.T) {
	cfg := transport.DefaultConfig("mx.test", 587)
	cfg.TLSPolicy = transport.TLSMandatory
	e := New(&cfg, nil)
	m := transport.NewMemTransport(
		r(250, "mx.test", "STARTTLS"),
		r(454, "TLS not available right now"),
	)

	err := e.EnsureReady(context.Background(), m)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeUnexpectedReply))
}

func TestEnsureReadyAuthenticates(t *testing.T) {
	cfg := plainConfig()
	cfg.Credentials = auth.Password("user", "pass")
	e := New(&cfg, nil)

	m := transport.NewMemTransport(
		r(250, "mx.test", "AUTH PLAIN LOGIN"),
		r(235, "2.7.0 accepted"),
	)
	// Simulate a channel that is already encrypted so PLAIN is eligible.
	require.NoError(t, m.UpgradeTLS(context.Background(), nil))

	require.NoError(t, e.EnsureReady(context.Background(), m))

	assert.Equal(t, protocol.StateAuthenticated, m.State())
	require.Len(t, m.Sent, 2)
	assert.Equal(t, "AUTH PLAIN AHVzZXIAcGFzcw==", m.Sent[1])
}

func TestEnsureReadyAuthFailureIsTerminal(t *testing.T) {
	cfg := plainConfig()
	cfg.Credentials = auth.Password("user", "wrong")
	e := New(&cfg, nil)

	m := transport.NewMemTransport(
		r(250, "mx.test", "AUTH PLAIN LOGIN"),
		r(535, "5.7.8 bad credentials"),
	)
	require.NoError(t, m.UpgradeTLS(context.Background(), nil))

	err := e.EnsureReady(context.Background(), m)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeAuthFailed))
	// No fallback to LOGIN after the PLAIN rejection.
	assert.Len(t, m.Sent, 2)
}

func TestEnsureReadyRefusesPlaintextSecrets(t *testing.T) {
	cfg := plainConfig()
	cfg.Credentials = auth.Password("user", "pass")
	e := New(&cfg, nil)
	m := transport.NewMemTransport(r(250, "mx.test", "AUTH PLAIN LOGIN"))

	err := e.EnsureReady(context.Background(), m)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCategory(err, mailerrors.CategoryAuth))
	// AUTH never went on the wire.
	assert.Equal(t, []string{"EHLO localhost"}, m.Sent)
}

func greeted(replies ...protocol.Reply) *transport.MemTransport {
	m := transport.NewMemTransport(replies...)
	m.SetCapabilities(protocol.ParseCapabilities([]string{"mx.test", "SIZE 100000", "8BITMIME"}))
	m.SetState(protocol.StateGreeted)
	return m
}

func envelope(rcpts ...string) Envelope {
	return Envelope{
		From:       "sender@example.com",
		Recipients: rcpts,
		Payload:    []byte("Subject: hi\r\n\r\nbody\r\n"),
		MessageID:  "<test@example.com>",
	}
}

func TestSendTransactionHappyPath(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := greeted(
		r(250, "sender ok"),
		r(250, "recipient ok"),
		r(354, "end with ."),
		r(250, "2.0.0 queued as ABC123"),
	)

	res, err := e.SendTransaction(context.Background(), m, envelope("rcpt@example.com"))
	require.NoError(t, err)

	assert.Equal(t, []string{"rcpt@example.com"}, res.Accepted)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, "2.0.0 queued as ABC123", res.Response)
	assert.Equal(t, "<test@example.com>", res.MessageID)
	assert.Equal(t, protocol.StateGreeted, m.State())

	require.Len(t, m.Sent, 3)
	assert.Equal(t, "MAIL FROM:<sender@example.com> SIZE=21", m.Sent[0])
	assert.Equal(t, "RCPT TO:<rcpt@example.com>", m.Sent[1])
	assert.Equal(t, "DATA", m.Sent[2])
	require.Len(t, m.Payloads, 1)
}

func TestSendTransactionPartialRejection(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := greeted(
		r(250, "sender ok"),
		r(250, "ok"),
		r(550, "5.1.1 user unknown"),
		r(250, "ok"),
		r(354, "go"),
		r(250, "queued"),
	)

	res, err := e.SendTransaction(context.Background(), m,
		envelope("a@example.com", "b@example.com", "c@example.com"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a@example.com", "c@example.com"}, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "b@example.com", res.Rejected[0].Address)
	assert.Equal(t, 550, res.Rejected[0].Code)
}

func TestSendTransactionAllRecipientsRejected(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := greeted(
		r(250, "sender ok"),
		r(550, "no"),
		r(550, "also no"),
		r(250, "reset ok"),
	)

	_, err := e.SendTransaction(context.Background(), m,
		envelope("a@example.com", "b@example.com"))
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeAllRecipientsRejected))

	// The transaction was cleared and the session is reusable.
	assert.Equal(t, "RSET", m.Sent[len(m.Sent)-1])
	assert.NotContains(t, m.Sent, "DATA")
	assert.Equal(t, protocol.StateGreeted, m.State())
}

func TestSendTransactionOversizedMessage(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := greeted()
	m.SetCapabilities(protocol.ParseCapabilities([]string{"mx.test", "SIZE 10"}))

	env := envelope("rcpt@example.com")
	_, err := e.SendTransaction(context.Background(), m, env)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeMessageTooLarge))
	// Rejected locally, before any command.
	assert.Empty(t, m.Sent)
}

func TestSendTransactionDataRefused(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := greeted(
		r(250, "sender ok"),
		r(250, "ok"),
		r(451, "busy"),
		r(250, "reset ok"),
	)

	_, err := e.SendTransaction(context.Background(), m, envelope("rcpt@example.com"))
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeUnexpectedReply))
	assert.True(t, mailerrors.IsRetryable(err))
	assert.Empty(t, m.Payloads)
}

func TestSendTransactionFinalRejectionIsTerminal(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := greeted(
		r(250, "sender ok"),
		r(250, "ok"),
		r(354, "go"),
		r(554, "5.7.1 message rejected"),
	)

	_, err := e.SendTransaction(context.Background(), m, envelope("rcpt@example.com"))
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeTransactionFailed))
	// The payload was consumed; a retry would duplicate the message.
	assert.False(t, mailerrors.IsRetryable(err))
}

func TestSendTransactionRequiresStableState(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := transport.NewMemTransport()

	_, err := e.SendTransaction(context.Background(), m, envelope("rcpt@example.com"))
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeBadSequence))
}

func TestSendTransactionEightBitHint(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := greeted(
		r(250, "sender ok"),
		r(250, "ok"),
		r(354, "go"),
		r(250, "queued"),
	)

	env := envelope("rcpt@example.com")
	env.EightBit = true
	_, err := e.SendTransaction(context.Background(), m, env)
	require.NoError(t, err)

	assert.Equal(t, "MAIL FROM:<sender@example.com> SIZE=21 BODY=8BITMIME", m.Sent[0])
}

func TestNoopProbe(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)

	m := transport.NewMemTransport(r(250, "pong"))
	require.NoError(t, e.Noop(context.Background(), m))

	m = transport.NewMemTransport(r(421, "going away"))
	assert.Error(t, e.Noop(context.Background(), m))
}

func TestQuit(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	m := transport.NewMemTransport(r(221, "bye"))

	e.Quit(context.Background(), m)
	assert.Equal(t, []string{"QUIT"}, m.Sent)
	assert.Equal(t, protocol.StateClosed, m.State())
}

func TestSendTransactionPayloadFailureIsTerminal(t *testing.T) {
	cfg := plainConfig()
	e := New(&cfg, nil)
	// The connection drops after the server invites the payload.
	m := greeted(
		r(250, "sender ok"),
		r(250, "recipient ok"),
		r(354, "end with ."),
	)

	_, err := e.SendTransaction(context.Background(), m, envelope("rcpt@example.com"))
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeDeliveryUnknown))
	// The server may already hold the message; a retry could deliver it
	// twice.
	assert.False(t, mailerrors.IsRetryable(err))
}

type captureMetrics struct {
	observability.NopMetricsProvider
	auth []string
	tls  []string
}

func (m *captureMetrics) RecordAuth(ctx context.Context, mechanism, status string) {
	m.auth = append(m.auth, mechanism+" "+status)
}

func (m *captureMetrics) RecordTLSUpgrade(ctx context.Context, destination, status string) {
	m.tls = append(m.tls, status)
}

func TestAuthOutcomeRecorded(t *testing.T) {
	cfg := plainConfig()
	cfg.Credentials = auth.Password("user", "pass")
	sink := &captureMetrics{}
	e := New(&cfg, nil, WithMetrics(sink))

	m := transport.NewMemTransport(
		r(250, "mx.test", "AUTH PLAIN LOGIN"),
		r(235, "2.7.0 accepted"),
	)
	require.NoError(t, m.UpgradeTLS(context.Background(), nil))
	require.NoError(t, e.EnsureReady(context.Background(), m))
	assert.Equal(t, []string{"PLAIN ok"}, sink.auth)

	cfg.Credentials = auth.Password("user", "wrong")
	sink = &captureMetrics{}
	e = New(&cfg, nil, WithMetrics(sink))
	m = transport.NewMemTransport(
		r(250, "mx.test", "AUTH PLAIN LOGIN"),
		r(535, "5.7.8 bad credentials"),
	)
	require.NoError(t, m.UpgradeTLS(context.Background(), nil))
	require.Error(t, e.EnsureReady(context.Background(), m))
	assert.Equal(t, []string{"PLAIN failed"}, sink.auth)
}

func TestTLSUpgradeRecorded(t *testing.T) {
	cfg := transport.DefaultConfig("mx.test", 587)
	cfg.TLSPolicy = transport.TLSMandatory
	sink := &captureMetrics{}
	e := New(&cfg, nil, WithMetrics(sink))
	m := transport.NewMemTransport(
		r(250, "mx.test", "STARTTLS"),
		r(220, "ready to start TLS"),
		r(250, "mx.test", "SIZE 5000"),
	)

	require.NoError(t, e.EnsureReady(context.Background(), m))
	assert.Equal(t, []string{"ok"}, sink.tls)

	sink = &captureMetrics{}
	e = New(&cfg, nil, WithMetrics(sink))
	m = transport.NewMemTransport(
		r(250, "mx.test", "STARTTLS"),
		r(220, "ready to start TLS"),
	)
	m.UpgradeErr = mailerrors.TLSHandshakeFailed("mx.test:587", nil)

	require.Error(t, e.EnsureReady(context.Background(), m))
	assert.Equal(t, []string{"failed"}, sink.tls)
}
