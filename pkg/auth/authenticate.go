package auth

import (
	"context"
	"encoding/base64"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/protocol"
)

// Conn is the slice of the transport the AUTH dialogue needs.
type Conn interface {
	WriteLine(ctx context.Context, line string) error
	ReadReply(ctx context.Context) (protocol.Reply, error)
}

// Authenticate runs one complete AUTH exchange for mech on conn. Any
// non-success status at any step is terminal: the caller gets an
// authentication error and must not fall back to a weaker mechanism
// within the same attempt.
func Authenticate(ctx context.Context, conn Conn, mech Mechanism) error {
	initial, err := mech.Start()
	if err != nil {
		return mailerrors.Wrap(err, mailerrors.CodeAuthFailed,
			"authentication mechanism failed to start",
			mailerrors.CategoryAuth, mailerrors.SeverityError)
	}

	cmd := "AUTH " + mech.Name()
	if initial != nil {
		cmd += " " + base64.StdEncoding.EncodeToString(initial)
	}
	if err := conn.WriteLine(ctx, cmd); err != nil {
		return mailerrors.ConnectionLost("AUTH", err)
	}

	for {
		reply, err := conn.ReadReply(ctx)
		if err != nil {
			return mailerrors.ConnectionLost("AUTH", err)
		}

		switch {
		case reply.Code == protocol.CodeAuthSucceeded:
			return nil
		case reply.Code != protocol.CodeAuthContinue:
			return mailerrors.AuthFailed(mech.Name(), reply.Code, reply.Text())
		}

		var challenge []byte
		if len(reply.Lines) > 0 && reply.Lines[0] != "" {
			challenge, err = base64.StdEncoding.DecodeString(reply.Lines[0])
			if err != nil {
				return mailerrors.ProtocolViolation("undecodable AUTH challenge", err)
			}
		}

		resp, err := mech.Next(challenge)
		if err != nil {
			// Cancel the exchange so the connection stays usable.
			_ = conn.WriteLine(ctx, "*")
			_, _ = conn.ReadReply(ctx)
			return mailerrors.Wrap(err, mailerrors.CodeAuthFailed,
				"authentication mechanism failed",
				mailerrors.CategoryAuth, mailerrors.SeverityError)
		}

		if err := conn.WriteLine(ctx, base64.StdEncoding.EncodeToString(resp)); err != nil {
			return mailerrors.ConnectionLost("AUTH", err)
		}
	}
}
