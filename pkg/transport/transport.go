// Package transport provides the wire-level SMTP connection: dialing,
// optional TLS (implicit or via STARTTLS upgrade), CRLF command framing,
// reply reading, and dot-stuffed payload submission.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/protocol"
)

// Transport is a single live SMTP connection. Implementations are not safe
// for concurrent use; the pool guarantees one owner at a time.
type Transport interface {
	// Cmd writes a single command line and reads the complete reply.
	Cmd(ctx context.Context, command string) (protocol.Reply, error)

	// WriteLine writes one CRLF-terminated line without reading a reply.
	WriteLine(ctx context.Context, line string) error

	// ReadReply reads one complete, possibly multi-line reply.
	ReadReply(ctx context.Context) (protocol.Reply, error)

	// SendPayload transmits the message payload with dot-stuffing applied,
	// writes the terminating sequence, and reads the single final reply.
	SendPayload(ctx context.Context, payload []byte) (protocol.Reply, error)

	// UpgradeTLS performs the TLS handshake over the established
	// connection. On success all previously negotiated capabilities are
	// discarded and the session state rewinds to connected, forcing a
	// fresh EHLO.
	UpgradeTLS(ctx context.Context, cfg *tls.Config) error

	// Capabilities returns the extensions negotiated on this connection.
	Capabilities() protocol.Capabilities
	SetCapabilities(caps protocol.Capabilities)

	// State tracks the connection's position in the SMTP session.
	State() protocol.TransactionState
	SetState(state protocol.TransactionState)

	// Encrypted reports whether the connection is under TLS.
	Encrypted() bool

	// RemoteAddr returns the host:port this connection was dialed to.
	RemoteAddr() string

	Close() error
}

// netTransport is the TCP implementation of Transport.
type netTransport struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	addr       string
	cmdTimeout time.Duration
	encrypted  bool
	caps       protocol.Capabilities
	state      protocol.TransactionState
}

// Dial establishes a connection per cfg, performing the implicit-TLS
// handshake when the policy demands it, and consumes the server greeting.
// The returned transport is in the connected state, ready for EHLO.
func Dial(ctx context.Context, cfg *Config) (Transport, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mailerrors.ConnectionFailed(addr, err)
	}

	if cfg.TLSPolicy == TLSImplicit {
		tlsConn := tls.Client(conn, cfg.TLSConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, mailerrors.TLSHandshakeFailed(addr, err)
		}
		conn = tlsConn
	}

	t := &netTransport{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		addr:       addr,
		cmdTimeout: cfg.CommandTimeout,
		encrypted:  cfg.TLSPolicy == TLSImplicit,
		state:      protocol.StateInitial,
	}

	greeting, err := t.ReadReply(ctx)
	if err != nil {
		t.Close()
		return nil, err
	}
	if greeting.Code != protocol.CodeServiceReady {
		t.Cmd(ctx, "QUIT")
		t.Close()
		return nil, mailerrors.GreetingRejected(greeting.Code, greeting.Text())
	}

	t.state = protocol.StateConnected
	return t, nil
}

func (t *netTransport) deadline(ctx context.Context) time.Time {
	deadline := time.Time{}
	if t.cmdTimeout > 0 {
		deadline = time.Now().Add(t.cmdTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (t *netTransport) WriteLine(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return mailerrors.Cancelled(err)
	}
	t.conn.SetWriteDeadline(t.deadline(ctx))
	if _, err := t.writer.WriteString(line + "\r\n"); err != nil {
		return mailerrors.ConnectionLost("write", err)
	}
	if err := t.writer.Flush(); err != nil {
		return mailerrors.ConnectionLost("write", err)
	}
	return nil
}

// ReadLine satisfies protocol.LineReader.
func (t *netTransport) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *netTransport) ReadReply(ctx context.Context) (protocol.Reply, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, mailerrors.Cancelled(err)
	}
	t.conn.SetReadDeadline(t.deadline(ctx))
	reply, err := protocol.ReadReply(t)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return protocol.Reply{}, mailerrors.ConnectionTimeout("read", t.cmdTimeout)
		}
		if _, ok := mailerrors.As(err); ok {
			return protocol.Reply{}, err
		}
		return protocol.Reply{}, mailerrors.ConnectionLost("read", err)
	}
	return reply, nil
}

func (t *netTransport) Cmd(ctx context.Context, command string) (protocol.Reply, error) {
	if err := t.WriteLine(ctx, command); err != nil {
		return protocol.Reply{}, err
	}
	return t.ReadReply(ctx)
}

func (t *netTransport) SendPayload(ctx context.Context, payload []byte) (protocol.Reply, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Reply{}, mailerrors.Cancelled(err)
	}
	t.conn.SetWriteDeadline(t.deadline(ctx))
	if err := writeDotStuffed(t.writer, payload); err != nil {
		return protocol.Reply{}, mailerrors.ConnectionLost("payload", err)
	}
	if err := t.writer.Flush(); err != nil {
		return protocol.Reply{}, mailerrors.ConnectionLost("payload", err)
	}
	return t.ReadReply(ctx)
}

// writeDotStuffed writes payload normalized to CRLF line endings, doubling
// any leading dot, and appends the <CRLF>.<CRLF> terminator.
func writeDotStuffed(w *bufio.Writer, payload []byte) error {
	for len(payload) > 0 {
		line := payload
		if i := bytes.IndexByte(payload, '\n'); i >= 0 {
			line = payload[:i]
			payload = payload[i+1:]
		} else {
			payload = nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) > 0 && line[0] == '.' {
			if err := w.WriteByte('.'); err != nil {
				return err
			}
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	_, err := w.WriteString(".\r\n")
	return err
}

func (t *netTransport) UpgradeTLS(ctx context.Context, cfg *tls.Config) error {
	if t.encrypted {
		return mailerrors.ProtocolViolation("connection is already encrypted", nil)
	}
	tlsConn := tls.Client(t.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return mailerrors.TLSHandshakeFailed(t.addr, err)
	}
	t.conn = tlsConn
	t.reader = bufio.NewReader(tlsConn)
	t.writer = bufio.NewWriter(tlsConn)
	t.encrypted = true

	// Everything learned on the plaintext channel is void.
	t.caps = protocol.Capabilities{}
	t.state = protocol.StateConnected
	return nil
}

func (t *netTransport) Capabilities() protocol.Capabilities     { return t.caps }
func (t *netTransport) SetCapabilities(c protocol.Capabilities) { t.caps = c }
func (t *netTransport) State() protocol.TransactionState        { return t.state }
func (t *netTransport) SetState(s protocol.TransactionState)    { t.state = s }
func (t *netTransport) Encrypted() bool                         { return t.encrypted }
func (t *netTransport) RemoteAddr() string                      { return t.addr }

func (t *netTransport) Close() error {
	t.state = protocol.StateClosed
	return t.conn.Close()
}
