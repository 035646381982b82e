package mime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEmail() *Email {
	return &Email{
		From:    "sender@example.com",
		To:      []string{"a@example.com", "b@example.com"},
		Cc:      []string{"c@example.com"},
		Bcc:     []string{"hidden@example.com"},
		Subject: "Greetings",
		Text:    "hello there",
	}
}

func TestRecipientsCombinesAllClasses(t *testing.T) {
	email := testEmail()
	assert.Equal(t, []string{
		"a@example.com", "b@example.com", "c@example.com", "hidden@example.com",
	}, email.Recipients())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, testEmail().Validate())

	missing := testEmail()
	missing.From = ""
	assert.Error(t, missing.Validate())

	missing = testEmail()
	missing.To = nil
	assert.Error(t, missing.Validate())
}

func TestEncodeHeaders(t *testing.T) {
	enc := NewEncoder("example.com")
	raw, err := enc.Encode(testEmail())
	require.NoError(t, err)
	msg := string(raw)

	assert.Contains(t, msg, "From: sender@example.com\r\n")
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Cc: c@example.com\r\n")
	assert.Contains(t, msg, "Subject: Greetings\r\n")
	assert.Contains(t, msg, "MIME-Version: 1.0\r\n")
	assert.Contains(t, msg, "Message-ID: <")
	assert.Contains(t, msg, "hello there")

	// Bcc recipients exist only in the envelope, never in the payload.
	assert.NotContains(t, msg, "hidden@example.com")
}

func TestEncodeRespectsExplicitMessageID(t *testing.T) {
	enc := NewEncoder("example.com")
	email := testEmail()
	email.MessageID = "<fixed@example.com>"

	raw, err := enc.Encode(email)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Message-ID: <fixed@example.com>\r\n")
}

func TestEncodeNonASCIISubject(t *testing.T) {
	enc := NewEncoder("example.com")
	email := testEmail()
	email.Subject = "Grüße"

	raw, err := enc.Encode(email)
	require.NoError(t, err)
	msg := string(raw)
	assert.NotContains(t, msg, "Grüße")
	assert.Contains(t, msg, "=?utf-8?q?")
}

func TestEncodeMultipartAlternative(t *testing.T) {
	enc := NewEncoder("example.com")
	email := testEmail()
	email.HTML = "<p>hello there</p>"

	raw, err := enc.Encode(email)
	require.NoError(t, err)
	msg := string(raw)

	assert.Contains(t, msg, "Content-Type: multipart/alternative; boundary=")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=utf-8")
	assert.Contains(t, msg, "Content-Type: text/html; charset=utf-8")

	// The plain part comes before the HTML alternative.
	assert.Less(t,
		strings.Index(msg, "text/plain"),
		strings.Index(msg, "text/html"))
}

func TestEncodeRejectsInvalidEmail(t *testing.T) {
	enc := NewEncoder("example.com")
	_, err := enc.Encode(&Email{From: "x@example.com"})
	assert.Error(t, err)
}

func TestGenerateMessageIDUnique(t *testing.T) {
	enc := NewEncoder("example.com")

	a := enc.GenerateMessageID()
	b := enc.GenerateMessageID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "<"))
	assert.True(t, strings.HasSuffix(a, "@example.com>"))
}
