package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCapabilities(t *testing.T) {
	caps := ParseCapabilities([]string{
		"mail.example.com greets you",
		"PIPELINING",
		"SIZE 35882577",
		"STARTTLS",
		"AUTH PLAIN LOGIN CRAM-MD5",
		"8BITMIME",
	})

	assert.Equal(t, "mail.example.com", caps.ServerName)
	assert.True(t, caps.StartTLS())
	assert.True(t, caps.EightBitMIME())
	assert.True(t, caps.Has(ExtPIPELINING))
	assert.False(t, caps.Has(ExtSMTPUTF8))
	assert.Equal(t, int64(35882577), caps.MaxSize())
	assert.Equal(t, []string{"PLAIN", "LOGIN", "CRAM-MD5"}, caps.AuthMechanisms())
}

func TestParseCapabilitiesLowercaseKeywords(t *testing.T) {
	caps := ParseCapabilities([]string{
		"mail.example.com",
		"starttls",
		"auth plain login",
	})

	assert.True(t, caps.StartTLS())
	assert.Equal(t, []string{"PLAIN", "LOGIN"}, caps.AuthMechanisms())
}

func TestCapabilitiesMaxSize(t *testing.T) {
	tests := []struct {
		name  string
		param string
		want  int64
	}{
		{"numeric limit", "10240000", 10240000},
		{"no parameter means unlimited", "", 0},
		{"garbage parameter", "lots", 0},
		{"negative parameter", "-1", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := Capabilities{Extensions: map[string]string{ExtSIZE: tt.param}}
			assert.Equal(t, tt.want, caps.MaxSize())
		})
	}
}

func TestCapabilitiesAfterHELO(t *testing.T) {
	// A HELO-only session carries no extensions at all.
	var caps Capabilities
	assert.False(t, caps.StartTLS())
	assert.Nil(t, caps.AuthMechanisms())
	assert.Zero(t, caps.MaxSize())
}
