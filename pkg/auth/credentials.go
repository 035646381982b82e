// Package auth implements client-side SASL authentication for the mail
// protocol: credential handling, mechanism selection, and the exact
// challenge/response wire sequences (RFC 4954, RFC 4616, RFC 2195,
// RFC 7628, and the XOAUTH2 draft).
package auth

import (
	mailerrors "github.com/mailwire/mailwire/pkg/errors"
)

// CredentialKind discriminates the credential union.
type CredentialKind int

const (
	// CredentialPassword is a username/password pair.
	CredentialPassword CredentialKind = iota
	// CredentialAccessToken is an OAuth access token paired with a
	// username.
	CredentialAccessToken
	// CredentialBearer is a bearer token alone.
	CredentialBearer
)

// Credentials is a tagged union of the credential shapes the client
// accepts. Values are never logged or serialized.
type Credentials struct {
	kind     CredentialKind
	username string
	secret   string
}

// Password builds username/password credentials.
func Password(username, password string) *Credentials {
	return &Credentials{kind: CredentialPassword, username: username, secret: password}
}

// AccessToken builds OAuth access-token credentials for username.
func AccessToken(username, token string) *Credentials {
	return &Credentials{kind: CredentialAccessToken, username: username, secret: token}
}

// Bearer builds bearer-token credentials.
func Bearer(token string) *Credentials {
	return &Credentials{kind: CredentialBearer, secret: token}
}

// Kind returns the credential variant.
func (c *Credentials) Kind() CredentialKind { return c.kind }

// Username returns the username, or "" for bearer credentials.
func (c *Credentials) Username() string { return c.username }

// Validate checks the credential shape.
func (c *Credentials) Validate() error {
	switch c.kind {
	case CredentialPassword, CredentialAccessToken:
		if c.username == "" {
			return mailerrors.ConfigInvalid("credentials.username", "must not be empty")
		}
		if c.secret == "" {
			return mailerrors.ConfigInvalid("credentials.secret", "must not be empty")
		}
	case CredentialBearer:
		if c.secret == "" {
			return mailerrors.ConfigInvalid("credentials.token", "must not be empty")
		}
	default:
		return mailerrors.ConfigInvalid("credentials", "unknown kind")
	}
	return nil
}

// String implements fmt.Stringer without exposing the secret.
func (c *Credentials) String() string {
	switch c.kind {
	case CredentialPassword:
		return "credentials(password:" + c.username + ")"
	case CredentialAccessToken:
		return "credentials(access_token:" + c.username + ")"
	default:
		return "credentials(bearer)"
	}
}

// supportedMechanisms returns the mechanism names this credential variant
// can drive, in preference order (strongest first for an encrypted
// channel).
func (c *Credentials) supportedMechanisms() []string {
	switch c.kind {
	case CredentialPassword:
		return []string{MechPlain, MechLogin, MechCramMD5}
	case CredentialAccessToken:
		return []string{MechOAuthBearer, MechXOAuth2}
	case CredentialBearer:
		return []string{MechOAuthBearer}
	}
	return nil
}
