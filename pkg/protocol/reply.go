// Package protocol defines the SMTP wire-level vocabulary shared by the
// transport, engine, and client packages: reply parsing, reply-code
// constants, advertised capability sets, and the per-connection
// transaction-state machine.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply code constants (RFC 5321 §4.2.3, RFC 4954 §6).
const (
	CodeServiceReady   = 220
	CodeServiceClosing = 221
	CodeAuthSucceeded  = 235
	CodeOK             = 250
	CodeUserNotLocal   = 251
	CodeAuthContinue   = 334
	CodeStartMailInput = 354

	CodeServiceNotAvailable = 421
	CodeMailboxBusy         = 450
	CodeLocalError          = 451
	CodeInsufficientStorage = 452

	CodeSyntaxError        = 500
	CodeParamSyntaxError   = 501
	CodeCommandNotImpl     = 502
	CodeBadSequence        = 503
	CodeParamNotImpl       = 504
	CodeAuthRequired       = 530
	CodeAuthFailed         = 535
	CodeMailboxUnavailable = 550
	CodeExceededStorage    = 552
	CodeMailboxNameInvalid = 553
	CodeTransactionFailed  = 554
)

// Reply is a single structured server response: a three-digit code and one
// or more text lines (multi-line replies per RFC 5321 §4.2.1).
type Reply struct {
	Code  int
	Lines []string
}

// Text joins the reply lines into a single human-readable string.
func (r Reply) Text() string {
	return strings.Join(r.Lines, " ")
}

// Success reports whether the reply is in the 2xx class.
func (r Reply) Success() bool { return r.Code >= 200 && r.Code < 300 }

// Intermediate reports whether the reply is in the 3xx class (continue).
func (r Reply) Intermediate() bool { return r.Code >= 300 && r.Code < 400 }

// Temporary reports whether the reply is a 4xx transient failure.
func (r Reply) Temporary() bool { return r.Code >= 400 && r.Code < 500 }

// Permanent reports whether the reply is a 5xx permanent failure.
func (r Reply) Permanent() bool { return r.Code >= 500 }

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text())
}

// LineReader yields one CRLF-terminated line at a time with the line ending
// stripped. The transport's buffered reader satisfies it.
type LineReader interface {
	ReadLine() (string, error)
}

// ReadReply reads a complete, possibly multi-line reply from r. Every line
// must carry the same three-digit code; a line whose fourth character is '-'
// continues the reply, a space (or end of line) terminates it.
func ReadReply(r LineReader) (Reply, error) {
	var reply Reply
	for {
		line, err := r.ReadLine()
		if err != nil {
			return Reply{}, err
		}
		code, text, more, err := parseReplyLine(line)
		if err != nil {
			return Reply{}, err
		}
		if reply.Code != 0 && code != reply.Code {
			return Reply{}, fmt.Errorf("inconsistent reply code: %d then %d", reply.Code, code)
		}
		reply.Code = code
		reply.Lines = append(reply.Lines, text)
		if !more {
			return reply, nil
		}
	}
}

func parseReplyLine(line string) (code int, text string, more bool, err error) {
	if len(line) < 3 {
		return 0, "", false, fmt.Errorf("short reply line %q", line)
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil || code < 200 || code > 599 {
		return 0, "", false, fmt.Errorf("malformed reply line %q", line)
	}
	switch {
	case len(line) == 3:
		return code, "", false, nil
	case line[3] == '-':
		return code, line[4:], true, nil
	case line[3] == ' ':
		return code, line[4:], false, nil
	default:
		return 0, "", false, fmt.Errorf("malformed reply line %q", line)
	}
}

// EnhancedCode is an RFC 3463 enhanced status code (class.subject.detail).
type EnhancedCode struct {
	Class, Subject, Detail int
}

func (e EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", e.Class, e.Subject, e.Detail)
}

// ParseEnhancedCode extracts an enhanced status code from the start of a
// reply line, returning the remainder of the line. The zero EnhancedCode is
// returned when the line does not begin with one.
func ParseEnhancedCode(line string) (EnhancedCode, string) {
	prefix, rest, ok := strings.Cut(line, " ")
	if !ok {
		prefix, rest = line, ""
	}
	parts := strings.Split(prefix, ".")
	if len(parts) != 3 {
		return EnhancedCode{}, line
	}
	var ec EnhancedCode
	for i, dst := range []*int{&ec.Class, &ec.Subject, &ec.Detail} {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return EnhancedCode{}, line
		}
		*dst = n
	}
	if ec.Class < 2 || ec.Class > 5 {
		return EnhancedCode{}, line
	}
	return ec, rest
}
