package errors

import (
	"fmt"
	"time"
)

// ReplyErrorData carries the server reply that caused an error.
type ReplyErrorData struct {
	ReplyCode    int    `json:"reply_code"`
	ReplyText    string `json:"reply_text,omitempty"`
	EnhancedCode string `json:"enhanced_code,omitempty"`
	Command      string `json:"command,omitempty"`
}

// ConnectionErrorData carries structured data for connection failures.
type ConnectionErrorData struct {
	Endpoint  string        `json:"endpoint,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Retryable bool          `json:"retryable"`
	Reason    string        `json:"reason,omitempty"`
}

// newWith builds a baseError with an explicit retryability override.
func newWith(code int, message string, category Category, severity Severity, retryable bool, cause error) MailError {
	return &baseError{
		code:      code,
		message:   message,
		category:  category,
		severity:  severity,
		retryable: retryable,
		cause:     cause,
		context:   &Context{Timestamp: time.Now()},
	}
}

// ConnectionFailed reports a failure to establish a connection to endpoint.
func ConnectionFailed(endpoint string, cause error) MailError {
	msg := fmt.Sprintf("failed to connect to %s", endpoint)
	if cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, cause.Error())
	}
	return newWith(CodeConnectionFailed, msg, CategoryNetwork, SeverityError, true, cause).
		WithData(&ConnectionErrorData{Endpoint: endpoint, Retryable: true, Reason: errText(cause)})
}

// ConnectionLost reports an I/O failure on an established connection.
func ConnectionLost(operation string, cause error) MailError {
	msg := fmt.Sprintf("connection lost during %s", operation)
	if cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, cause.Error())
	}
	return newWith(CodeConnectionLost, msg, CategoryNetwork, SeverityError, true, cause)
}

// ConnectionTimeout reports a deadline expiry on connect or command I/O.
func ConnectionTimeout(operation string, timeout time.Duration) MailError {
	return newWith(CodeConnectionTimeout,
		fmt.Sprintf("%s timed out after %v", operation, timeout),
		CategoryTimeout, SeverityError, true, nil).
		WithData(&ConnectionErrorData{Timeout: timeout, Retryable: true})
}

// TLSHandshakeFailed reports a failed STARTTLS or implicit-TLS handshake.
func TLSHandshakeFailed(endpoint string, cause error) MailError {
	return newWith(CodeTLSHandshake,
		fmt.Sprintf("TLS handshake with %s failed", endpoint),
		CategoryNetwork, SeverityError, true, cause)
}

// ProtocolViolation reports a malformed or unparseable server response. The
// server's state is unknown afterwards, so the error is never retryable and
// the connection must be destroyed.
func ProtocolViolation(detail string, cause error) MailError {
	return newWith(CodeProtocolViolation, "malformed server response",
		CategoryProtocol, SeverityError, false, cause).WithDetail(detail)
}

// UnexpectedReply reports a server reply whose code is not valid for the
// command that was sent. Transient 4xx replies stay retryable; permanent
// 5xx replies do not.
func UnexpectedReply(command string, replyCode int, replyText string) MailError {
	retryable := replyCode >= 400 && replyCode < 500
	return newWith(CodeUnexpectedReply,
		fmt.Sprintf("%s rejected: %d %s", command, replyCode, replyText),
		CategoryProtocol, SeverityError, retryable, nil).
		WithData(&ReplyErrorData{ReplyCode: replyCode, ReplyText: replyText, Command: command})
}

// GreetingRejected reports that both the extended and legacy greetings were
// refused. Fatal for the connection and not worth retrying.
func GreetingRejected(replyCode int, replyText string) MailError {
	return newWith(CodeGreetingRejected,
		fmt.Sprintf("server rejected EHLO and HELO: %d %s", replyCode, replyText),
		CategoryProtocol, SeverityError, false, nil).
		WithData(&ReplyErrorData{ReplyCode: replyCode, ReplyText: replyText})
}

// BadSequence reports a client-side refusal to issue a command that is
// illegal for the connection's current state.
func BadSequence(command, state string) MailError {
	return newWith(CodeBadSequence,
		fmt.Sprintf("%s not legal in state %s", command, state),
		CategoryProtocol, SeverityError, false, nil)
}

// AuthFailed reports a rejected authentication exchange. Terminal for the
// attempt; the engine never falls back to a weaker mechanism on its own.
func AuthFailed(mechanism string, replyCode int, replyText string) MailError {
	return newWith(CodeAuthFailed,
		fmt.Sprintf("%s authentication failed: %d %s", mechanism, replyCode, replyText),
		CategoryAuth, SeverityError, false, nil).
		WithData(&ReplyErrorData{ReplyCode: replyCode, ReplyText: replyText, Command: "AUTH"})
}

// NoMechanism reports that mechanism selection found no usable intersection
// of advertised and supported mechanisms.
func NoMechanism(advertised []string) MailError {
	return newWith(CodeAuthNoMechanism,
		fmt.Sprintf("no usable authentication mechanism (server offers %v)", advertised),
		CategoryAuth, SeverityError, false, nil)
}

// MechanismDenied reports that the selected mechanism would transmit a
// plaintext secret over an unencrypted channel.
func MechanismDenied(mechanism string) MailError {
	return newWith(CodeAuthMechanismDenied,
		fmt.Sprintf("%s requires an encrypted channel", mechanism),
		CategoryAuth, SeverityError, false, nil)
}

// AllRecipientsRejected reports a transaction in which every recipient was
// refused. The transaction is reset, not retried.
func AllRecipientsRejected(count int) MailError {
	return newWith(CodeAllRecipientsRejected,
		fmt.Sprintf("all %d recipients rejected", count),
		CategoryValidation, SeverityError, false, nil)
}

// MessageTooLarge reports a local size precheck failure before any I/O.
func MessageTooLarge(size, limit int64) MailError {
	return newWith(CodeMessageTooLarge,
		fmt.Sprintf("message size %d exceeds limit %d", size, limit),
		CategoryValidation, SeverityError, false, nil)
}

// TransactionFailed reports a non-success final reply after the payload was
// transferred. Never retried: the server may have accepted the message.
func TransactionFailed(replyCode int, replyText string) MailError {
	return newWith(CodeTransactionFailed,
		fmt.Sprintf("transaction failed: %d %s", replyCode, replyText),
		CategoryProtocol, SeverityError, false, nil).
		WithData(&ReplyErrorData{ReplyCode: replyCode, ReplyText: replyText, Command: "DATA"})
}

// DeliveryUnknown reports an I/O failure after the payload transfer began.
// The server may have accepted and queued the message, so the attempt is
// never retried even though the underlying cause is a network error.
func DeliveryUnknown(cause error) MailError {
	return newWith(CodeDeliveryUnknown,
		"connection failed during payload transfer, delivery outcome unknown",
		CategoryNetwork, SeverityError, false, cause)
}

// PoolExhausted reports that no connection could be acquired in time.
func PoolExhausted(timeout time.Duration) MailError {
	return newWith(CodePoolExhausted,
		fmt.Sprintf("could not acquire a connection within %v", timeout),
		CategoryPool, SeverityWarning, true, nil)
}

// PoolClosed reports an acquire against a closed pool.
func PoolClosed() MailError {
	return newWith(CodePoolClosed, "connection pool is closed",
		CategoryPool, SeverityError, false, nil)
}

// CircuitOpen reports a fail-fast rejection with no network I/O. Distinct
// from a network error so callers can back off without generating load.
func CircuitOpen(destination string) MailError {
	return newWith(CodeCircuitOpen,
		fmt.Sprintf("circuit breaker open for %s", destination),
		CategoryCircuit, SeverityWarning, false, nil)
}

// RateLimited reports an admission-control rejection before any I/O.
func RateLimited(detail string) MailError {
	return newWith(CodeRateLimited, "rate limit exceeded",
		CategoryCircuit, SeverityWarning, false, nil).WithDetail(detail)
}

// RetriesExhausted wraps the last error after the retry budget ran out.
func RetriesExhausted(attempts int, last error) MailError {
	return newWith(CodeRetriesExhausted,
		fmt.Sprintf("operation failed after %d attempts", attempts),
		CategoryNetwork, SeverityError, false, last).WithDetail(errText(last))
}

// Cancelled reports caller-initiated cancellation.
func Cancelled(cause error) MailError {
	return newWith(CodeOperationCancelled, "operation cancelled",
		CategoryCancelled, SeverityInfo, false, cause)
}

// ConfigMissingHost reports a configuration with no destination host.
func ConfigMissingHost() MailError {
	return newWith(CodeConfigMissingHost, "no server host configured",
		CategoryConfig, SeverityCritical, false, nil)
}

// ConfigInvalid reports a configuration validation failure.
func ConfigInvalid(field, reason string) MailError {
	return newWith(CodeConfigInvalid,
		fmt.Sprintf("invalid configuration: %s %s", field, reason),
		CategoryConfig, SeverityCritical, false, nil)
}

// ConfigTLSMismatch reports a TLS policy the server cannot satisfy, e.g.
// mandatory TLS against a server that does not advertise STARTTLS.
func ConfigTLSMismatch(detail string) MailError {
	return newWith(CodeConfigTLSMismatch,
		"TLS policy cannot be satisfied by server", CategoryConfig,
		SeverityCritical, false, nil).WithDetail(detail)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
