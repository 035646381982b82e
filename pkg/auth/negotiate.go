package auth

import (
	"strings"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
)

// plaintextSecret reports whether the mechanism transmits a reusable
// secret in the clear. CRAM-MD5 only proves possession of the password and
// is the one advertised mechanism safe on an unencrypted channel.
func plaintextSecret(mechanism string) bool {
	return mechanism != MechCramMD5
}

// Negotiator selects and instantiates a mechanism for one authentication
// attempt.
type Negotiator struct {
	// Credentials is the caller's credential variant.
	Credentials *Credentials
	// Pinned forces a specific mechanism. Selection fails if the server
	// does not advertise it.
	Pinned string
	// Encrypted reports whether the channel is already encrypted.
	Encrypted bool
	// AllowInsecure permits plaintext-secret mechanisms without
	// encryption when no safe mechanism is available.
	AllowInsecure bool
	// Host and Port provide channel context for OAUTHBEARER.
	Host string
	Port int
}

// Select intersects the server's advertised mechanisms with what the
// credential variant supports and returns the strongest eligible
// mechanism. The preference order is fixed, so selection is deterministic
// for a given advertisement.
func (n *Negotiator) Select(advertised []string) (Mechanism, error) {
	if n.Credentials == nil {
		return nil, mailerrors.NoMechanism(advertised)
	}

	offered := make(map[string]bool, len(advertised))
	for _, name := range advertised {
		offered[strings.ToUpper(name)] = true
	}

	if n.Pinned != "" {
		pinned := strings.ToUpper(n.Pinned)
		if !offered[pinned] {
			return nil, mailerrors.NoMechanism(advertised).
				WithDetail("pinned mechanism " + pinned + " not advertised")
		}
		return n.build(pinned)
	}

	supported := n.Credentials.supportedMechanisms()

	// First pass: mechanisms safe for the current channel.
	for _, name := range supported {
		if offered[name] && (n.Encrypted || !plaintextSecret(name)) {
			return n.build(name)
		}
	}

	// Second pass: plaintext-secret mechanisms, only when policy says an
	// unencrypted channel is acceptable.
	if !n.Encrypted && n.AllowInsecure {
		for _, name := range supported {
			if offered[name] {
				return n.build(name)
			}
		}
	}

	return nil, mailerrors.NoMechanism(advertised)
}

// build instantiates the named mechanism for the credential variant, after
// enforcing channel safety for a pinned choice.
func (n *Negotiator) build(name string) (Mechanism, error) {
	if !n.Encrypted && !n.AllowInsecure && plaintextSecret(name) {
		return nil, mailerrors.MechanismDenied(name)
	}

	c := n.Credentials
	switch name {
	case MechPlain:
		if c.kind != CredentialPassword {
			return nil, mailerrors.NoMechanism([]string{name})
		}
		return NewPlain("", c.username, c.secret), nil
	case MechLogin:
		if c.kind != CredentialPassword {
			return nil, mailerrors.NoMechanism([]string{name})
		}
		return NewLogin(c.username, c.secret), nil
	case MechCramMD5:
		if c.kind != CredentialPassword {
			return nil, mailerrors.NoMechanism([]string{name})
		}
		return NewCramMD5(c.username, c.secret), nil
	case MechXOAuth2:
		if c.kind != CredentialAccessToken {
			return nil, mailerrors.NoMechanism([]string{name})
		}
		return NewXOAuth2(c.username, c.secret), nil
	case MechOAuthBearer:
		if c.kind != CredentialAccessToken && c.kind != CredentialBearer {
			return nil, mailerrors.NoMechanism([]string{name})
		}
		return NewOAuthBearer(c.username, c.secret, n.Host, n.Port), nil
	}
	return nil, mailerrors.NoMechanism([]string{name})
}
