// Package mime assembles RFC 5322 messages from structured input and
// generates message identifiers.
package mime

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"time"

	"github.com/google/uuid"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
)

// Email is the structured form of an outgoing message. From and at least
// one To address are required; everything else is optional.
type Email struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`

	// Text is the plain-text body. HTML, when set, is offered as an
	// alternative part.
	Text string `json:"text"`
	HTML string `json:"html,omitempty"`

	// Headers are additional headers to emit verbatim.
	Headers map[string]string `json:"headers,omitempty"`

	// MessageID overrides the generated Message-ID when set.
	MessageID string `json:"message_id,omitempty"`
}

// Recipients returns every envelope recipient: To, Cc and Bcc combined.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}

// Validate checks that the message can form a valid envelope.
func (e *Email) Validate() error {
	if e.From == "" {
		return mailerrors.ConfigInvalid("from", "sender address is required")
	}
	if len(e.To) == 0 {
		return mailerrors.ConfigInvalid("to", "at least one recipient is required")
	}
	return nil
}

// Encoder turns an Email into wire bytes.
type Encoder interface {
	Encode(email *Email) ([]byte, error)
	GenerateMessageID() string
}

// encoder is the default Encoder. Its zero value is usable.
type encoder struct {
	// Domain is the right-hand side of generated Message-IDs.
	domain string
	// now is swappable for deterministic Date headers under test.
	now func() time.Time
}

// NewEncoder returns the default encoder. domain names the host in
// generated Message-IDs; empty means "localhost".
func NewEncoder(domain string) Encoder {
	if domain == "" {
		domain = "localhost"
	}
	return &encoder{domain: domain, now: time.Now}
}

// GenerateMessageID returns a globally unique Message-ID.
func (c *encoder) GenerateMessageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), c.domain)
}

// Encode renders the message. Bcc recipients never appear in the headers;
// they exist only in the envelope.
func (c *encoder) Encode(email *Email) ([]byte, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}

	id := email.MessageID
	if id == "" {
		id = c.GenerateMessageID()
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", email.From)
	writeHeader(&buf, "To", strings.Join(email.To, ", "))
	if len(email.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(email.Cc, ", "))
	}
	if email.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", email.ReplyTo)
	}
	writeHeader(&buf, "Subject", encodeSubject(email.Subject))
	writeHeader(&buf, "Date", c.now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", id)
	writeHeader(&buf, "MIME-Version", "1.0")
	for k, v := range email.Headers {
		writeHeader(&buf, k, v)
	}

	if email.HTML == "" {
		if err := writeTextPart(&buf, "text/plain", email.Text); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
	writeHeader(&buf, "Content-Type",
		fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	if err := writeTextPart(&buf, "text/plain", email.Text); err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	if err := writeTextPart(&buf, "text/html", email.HTML); err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

// encodeSubject applies RFC 2047 encoding when the subject leaves ASCII.
func encodeSubject(s string) string {
	return mime.QEncoding.Encode("utf-8", s)
}

// writeTextPart writes a quoted-printable body part with its own headers,
// keeping the payload 7-bit safe regardless of server capabilities.
func writeTextPart(buf *bytes.Buffer, contentType, body string) error {
	writeHeader(buf, "Content-Type", contentType+"; charset=utf-8")
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return mailerrors.Wrap(err, mailerrors.CodeConfigInvalid,
			"encoding message body failed",
			mailerrors.CategoryValidation, mailerrors.SeverityError)
	}
	if err := qp.Close(); err != nil {
		return mailerrors.Wrap(err, mailerrors.CodeConfigInvalid,
			"encoding message body failed",
			mailerrors.CategoryValidation, mailerrors.SeverityError)
	}
	buf.WriteString("\r\n")
	return nil
}
