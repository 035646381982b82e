package transport

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwire/mailwire/pkg/protocol"
)

func dotStuff(t *testing.T, payload string) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeDotStuffed(w, []byte(payload)))
	require.NoError(t, w.Flush())
	return buf.String()
}

func TestWriteDotStuffed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "plain lines",
			payload: "line one\r\nline two\r\n",
			want:    "line one\r\nline two\r\n.\r\n",
		},
		{
			name:    "leading dot doubled",
			payload: ".hidden\r\n..twice\r\n",
			want:    "..hidden\r\n...twice\r\n.\r\n",
		},
		{
			name:    "bare LF normalized to CRLF",
			payload: "one\ntwo\n",
			want:    "one\r\ntwo\r\n.\r\n",
		},
		{
			name:    "missing final newline terminated",
			payload: "no newline",
			want:    "no newline\r\n.\r\n",
		},
		{
			name:    "empty payload",
			payload: "",
			want:    ".\r\n",
		},
		{
			name:    "blank lines preserved",
			payload: "a\r\n\r\nb\r\n",
			want:    "a\r\n\r\nb\r\n.\r\n",
		},
		{
			name:    "dot only line",
			payload: ".\r\n",
			want:    "..\r\n.\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dotStuff(t, tt.payload))
		})
	}
}

func TestMemTransportScript(t *testing.T) {
	ctx := context.Background()
	m := NewMemTransport(
		protocol.Reply{Code: 250, Lines: []string{"OK"}},
		protocol.Reply{Code: 354, Lines: []string{"go ahead"}},
	)

	reply, err := m.Cmd(ctx, "NOOP")
	require.NoError(t, err)
	assert.Equal(t, 250, reply.Code)

	reply, err = m.ReadReply(ctx)
	require.NoError(t, err)
	assert.Equal(t, 354, reply.Code)

	// Script exhausted.
	_, err = m.ReadReply(ctx)
	assert.Error(t, err)

	assert.Equal(t, []string{"NOOP"}, m.Sent)
}

func TestMemTransportUpgradeDiscardsCapabilities(t *testing.T) {
	m := NewMemTransport()
	m.SetCapabilities(protocol.ParseCapabilities([]string{"s", "STARTTLS"}))
	m.SetState(protocol.StateGreeted)

	require.NoError(t, m.UpgradeTLS(context.Background(), nil))

	assert.True(t, m.Encrypted())
	assert.False(t, m.Capabilities().StartTLS())
	assert.Equal(t, protocol.StateConnected, m.State())
}

func TestMemTransportClose(t *testing.T) {
	m := NewMemTransport()
	require.NoError(t, m.Close())

	assert.True(t, m.Closed())
	assert.Equal(t, protocol.StateClosed, m.State())
	assert.Error(t, m.WriteLine(context.Background(), "NOOP"))
}
