package transport

import (
	"context"
	"crypto/tls"
	"sync"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/protocol"
)

// MemTransport is an in-memory Transport driven by a script of canned
// replies. It records every command and payload it is given, which makes
// session behavior assertable without a network.
type MemTransport struct {
	mu sync.Mutex

	script []protocol.Reply

	// Sent holds every line written, in order. Payloads holds each
	// payload passed to SendPayload before dot-stuffing.
	Sent     []string
	Payloads [][]byte

	// WriteErr, if set, is returned by the next write operation.
	WriteErr error
	// UpgradeErr, if set, is returned by UpgradeTLS.
	UpgradeErr error

	caps      protocol.Capabilities
	state     protocol.TransactionState
	encrypted bool
	closed    bool
	addr      string
}

// NewMemTransport returns a connected in-memory transport that will serve
// the given replies in order.
func NewMemTransport(replies ...protocol.Reply) *MemTransport {
	return &MemTransport{
		script: replies,
		state:  protocol.StateConnected,
		addr:   "mem:25",
	}
}

// Enqueue appends replies to the script.
func (m *MemTransport) Enqueue(replies ...protocol.Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
}

func (m *MemTransport) pop() (protocol.Reply, error) {
	if len(m.script) == 0 {
		return protocol.Reply{}, mailerrors.ConnectionLost("read", nil)
	}
	reply := m.script[0]
	m.script = m.script[1:]
	return reply, nil
}

func (m *MemTransport) WriteLine(ctx context.Context, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return mailerrors.Cancelled(err)
	}
	if m.WriteErr != nil {
		err := m.WriteErr
		m.WriteErr = nil
		return err
	}
	if m.closed {
		return mailerrors.ConnectionLost("write", nil)
	}
	m.Sent = append(m.Sent, line)
	return nil
}

func (m *MemTransport) ReadReply(ctx context.Context) (protocol.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, mailerrors.Cancelled(err)
	}
	return m.pop()
}

func (m *MemTransport) Cmd(ctx context.Context, command string) (protocol.Reply, error) {
	if err := m.WriteLine(ctx, command); err != nil {
		return protocol.Reply{}, err
	}
	return m.ReadReply(ctx)
}

func (m *MemTransport) SendPayload(ctx context.Context, payload []byte) (protocol.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, mailerrors.Cancelled(err)
	}
	if m.WriteErr != nil {
		err := m.WriteErr
		m.WriteErr = nil
		return protocol.Reply{}, err
	}
	m.Payloads = append(m.Payloads, payload)
	return m.pop()
}

func (m *MemTransport) UpgradeTLS(ctx context.Context, cfg *tls.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpgradeErr != nil {
		return m.UpgradeErr
	}
	m.encrypted = true
	m.caps = protocol.Capabilities{}
	m.state = protocol.StateConnected
	return nil
}

func (m *MemTransport) Capabilities() protocol.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

func (m *MemTransport) SetCapabilities(c protocol.Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = c
}

func (m *MemTransport) State() protocol.TransactionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MemTransport) SetState(s protocol.TransactionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *MemTransport) Encrypted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encrypted
}

func (m *MemTransport) RemoteAddr() string { return m.addr }

func (m *MemTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.state = protocol.StateClosed
	return nil
}

// Closed reports whether Close has been called.
func (m *MemTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
