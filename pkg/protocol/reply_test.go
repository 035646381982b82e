package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptReader struct {
	lines []string
	pos   int
}

func (s *scriptReader) ReadLine() (string, error) {
	if s.pos >= len(s.lines) {
		return "", errors.New("unexpected end of script")
	}
	line := s.lines[s.pos]
	s.pos++
	return line, nil
}

func TestReadReply(t *testing.T) {
	tests := []struct {
		name      string
		lines     []string
		wantCode  int
		wantLines []string
		wantErr   bool
	}{
		{
			name:      "single line",
			lines:     []string{"250 OK"},
			wantCode:  250,
			wantLines: []string{"OK"},
		},
		{
			name:      "multi line",
			lines:     []string{"250-mail.example.com", "250-PIPELINING", "250 STARTTLS"},
			wantCode:  250,
			wantLines: []string{"mail.example.com", "PIPELINING", "STARTTLS"},
		},
		{
			name:      "bare code",
			lines:     []string{"220"},
			wantCode:  220,
			wantLines: []string{""},
		},
		{
			name:    "inconsistent codes",
			lines:   []string{"250-first", "550 second"},
			wantErr: true,
		},
		{
			name:    "malformed code",
			lines:   []string{"2x0 nope"},
			wantErr: true,
		},
		{
			name:    "code out of range",
			lines:   []string{"199 too small"},
			wantErr: true,
		},
		{
			name:    "short line",
			lines:   []string{"25"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := ReadReply(&scriptReader{lines: tt.lines})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, reply.Code)
			assert.Equal(t, tt.wantLines, reply.Lines)
		})
	}
}

func TestReplyClassification(t *testing.T) {
	tests := []struct {
		code                                       int
		success, intermediate, temporary, permanent bool
	}{
		{250, true, false, false, false},
		{220, true, false, false, false},
		{354, false, true, false, false},
		{421, false, false, true, false},
		{450, false, false, true, false},
		{550, false, false, false, true},
		{554, false, false, false, true},
	}

	for _, tt := range tests {
		r := Reply{Code: tt.code}
		assert.Equal(t, tt.success, r.Success(), "code %d success", tt.code)
		assert.Equal(t, tt.intermediate, r.Intermediate(), "code %d intermediate", tt.code)
		assert.Equal(t, tt.temporary, r.Temporary(), "code %d temporary", tt.code)
		assert.Equal(t, tt.permanent, r.Permanent(), "code %d permanent", tt.code)
	}
}

func TestReplyText(t *testing.T) {
	r := Reply{Code: 550, Lines: []string{"mailbox unavailable", "try later"}}
	assert.Equal(t, "mailbox unavailable try later", r.Text())
	assert.Equal(t, "550 mailbox unavailable try later", r.String())
}

func TestParseEnhancedCode(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		want     EnhancedCode
		wantRest string
	}{
		{
			name:     "permanent mailbox code",
			line:     "5.1.1 User unknown",
			want:     EnhancedCode{Class: 5, Subject: 1, Detail: 1},
			wantRest: "User unknown",
		},
		{
			name:     "transient code alone",
			line:     "4.7.0",
			want:     EnhancedCode{Class: 4, Subject: 7, Detail: 0},
			wantRest: "",
		},
		{
			name:     "plain text untouched",
			line:     "User unknown",
			want:     EnhancedCode{},
			wantRest: "User unknown",
		},
		{
			name:     "class out of range",
			line:     "9.1.1 bogus",
			want:     EnhancedCode{},
			wantRest: "9.1.1 bogus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec, rest := ParseEnhancedCode(tt.line)
			assert.Equal(t, tt.want, ec)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestEnhancedCodeString(t *testing.T) {
	assert.Equal(t, "2.0.0", EnhancedCode{Class: 2}.String())
}
