// Package errors provides structured error handling for the mailwire client.
// It defines error types carrying a numeric code, a category matching the
// failure taxonomy (configuration, network, protocol, authentication, pool,
// circuit), and rich context for debugging and programmatic handling.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category classifies an error for retry and handling decisions.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryNetwork    Category = "network"
	CategoryProtocol   Category = "protocol"
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryPool       Category = "pool"
	CategoryCircuit    Category = "circuit"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategoryInternal   Category = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where and when an error occurred.
type Context struct {
	Host      string    `json:"host,omitempty"`
	Command   string    `json:"command,omitempty"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MailError is the interface implemented by all errors this module produces.
type MailError interface {
	error

	// Code returns the stable numeric error code.
	Code() int

	// Message returns a human-readable error message.
	Message() string

	// Details returns the detailed technical description, if any.
	Details() string

	// Data returns structured error data for programmatic handling.
	Data() interface{}

	// Category returns the error category for classification.
	Category() Category

	// Severity returns the error severity level.
	Severity() Severity

	// Context returns the error context information.
	Context() *Context

	// Retryable reports whether a fresh attempt may succeed.
	Retryable() bool

	// WithContext returns a copy of the error with the provided context.
	WithContext(ctx *Context) MailError

	// WithDetail returns a copy of the error with additional detail.
	WithDetail(detail string) MailError

	// WithData returns a copy of the error with structured data.
	WithData(data interface{}) MailError

	// Unwrap returns the underlying error for error chain traversal.
	Unwrap() error
}

type baseError struct {
	code      int
	message   string
	details   string
	data      interface{}
	category  Category
	severity  Severity
	context   *Context
	retryable bool
	cause     error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Details() string    { return e.details }
func (e *baseError) Data() interface{}  { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context  { return e.context }
func (e *baseError) Retryable() bool    { return e.retryable }
func (e *baseError) Unwrap() error      { return e.cause }

func (e *baseError) WithContext(ctx *Context) MailError {
	clone := *e
	clone.context = ctx
	return &clone
}

func (e *baseError) WithDetail(detail string) MailError {
	clone := *e
	if clone.details != "" {
		clone.details = fmt.Sprintf("%s; %s", clone.details, detail)
	} else {
		clone.details = detail
	}
	return &clone
}

func (e *baseError) WithData(data interface{}) MailError {
	clone := *e
	clone.data = data
	return &clone
}

// MarshalJSON serializes the error for structured logs. Credentials never
// appear in error data, so the full value is safe to emit.
func (e *baseError) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"code":     e.code,
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}
	if e.details != "" {
		out["details"] = e.details
	}
	if e.data != nil {
		out["data"] = e.data
	}
	if e.context != nil {
		out["context"] = e.context
	}
	if e.cause != nil {
		out["cause"] = e.cause.Error()
	}
	return json.Marshal(out)
}

// New creates a MailError with the given code, message, and classification.
func New(code int, message string, category Category, severity Severity) MailError {
	return &baseError{
		code:      code,
		message:   message,
		category:  category,
		severity:  severity,
		retryable: defaultRetryable(category),
		context:   &Context{Timestamp: time.Now()},
	}
}

// Newf creates a MailError with a formatted message.
func Newf(code int, category Category, severity Severity, format string, args ...interface{}) MailError {
	return New(code, fmt.Sprintf(format, args...), category, severity)
}

// Wrap wraps an existing error as a MailError.
func Wrap(err error, code int, message string, category Category, severity Severity) MailError {
	return &baseError{
		code:      code,
		message:   message,
		category:  category,
		severity:  severity,
		retryable: defaultRetryable(category),
		cause:     err,
		context:   &Context{Timestamp: time.Now()},
	}
}

// defaultRetryable maps categories to the taxonomy's retry policy. Network
// failures, timeouts, and pool exhaustion are worth a fresh attempt;
// configuration, protocol, and authentication failures are not.
func defaultRetryable(category Category) bool {
	switch category {
	case CategoryNetwork, CategoryTimeout, CategoryPool:
		return true
	}
	return false
}

// As extracts a MailError from any error.
func As(err error) (MailError, bool) {
	if err == nil {
		return nil, false
	}
	me, ok := err.(MailError)
	return me, ok
}

// IsCategory checks whether an error belongs to a category.
func IsCategory(err error, category Category) bool {
	if me, ok := As(err); ok {
		return me.Category() == category
	}
	return false
}

// IsCode checks whether an error carries a specific code.
func IsCode(err error, code int) bool {
	if me, ok := As(err); ok {
		return me.Code() == code
	}
	return false
}

// IsRetryable reports whether the orchestrator may retry after err. Unknown
// error types default to retryable, matching the treatment of raw transport
// errors: an unclassified failure is most likely an I/O problem.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if me, ok := As(err); ok {
		return me.Retryable()
	}
	return true
}
