package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Registered SASL mechanism names.
const (
	MechPlain       = "PLAIN"
	MechLogin       = "LOGIN"
	MechCramMD5     = "CRAM-MD5"
	MechXOAuth2     = "XOAUTH2"
	MechOAuthBearer = "OAUTHBEARER"
)

// Mechanism drives one client-side SASL exchange.
type Mechanism interface {
	// Name returns the IANA-registered mechanism name.
	Name() string
	// Start begins authentication and returns the initial response, or
	// nil when the mechanism has none.
	Start() ([]byte, error)
	// Next processes a server challenge and returns the response.
	Next(challenge []byte) ([]byte, error)
}

// NewPlain returns a Mechanism implementing SASL PLAIN (RFC 4616). The
// initial response is authzid NUL authcid NUL password; authzid is usually
// empty.
func NewPlain(identity, username, password string) Mechanism {
	return &plainMech{identity: identity, username: username, password: password}
}

type plainMech struct {
	identity, username, password string
}

func (m *plainMech) Name() string { return MechPlain }

func (m *plainMech) Start() ([]byte, error) {
	return []byte(m.identity + "\x00" + m.username + "\x00" + m.password), nil
}

func (m *plainMech) Next(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("unexpected PLAIN challenge")
}

// NewLogin returns a Mechanism implementing SASL LOGIN: no initial
// response, then username and password on successive prompts.
func NewLogin(username, password string) Mechanism {
	return &loginMech{username: username, password: password}
}

type loginMech struct {
	username, password string
	step               int
}

func (m *loginMech) Name() string { return MechLogin }

func (m *loginMech) Start() ([]byte, error) { return nil, nil }

func (m *loginMech) Next(challenge []byte) ([]byte, error) {
	switch m.step {
	case 0:
		m.step++
		return []byte(m.username), nil
	case 1:
		m.step++
		return []byte(m.password), nil
	default:
		return nil, fmt.Errorf("unexpected LOGIN challenge at step %d", m.step)
	}
}

// NewCramMD5 returns a Mechanism implementing CRAM-MD5 (RFC 2195): HMAC-MD5
// over the decoded server challenge keyed by the password, replied as
// "username SP hexdigest".
func NewCramMD5(username, secret string) Mechanism {
	return &cramMD5Mech{username: username, secret: secret}
}

type cramMD5Mech struct {
	username, secret string
}

func (m *cramMD5Mech) Name() string { return MechCramMD5 }

func (m *cramMD5Mech) Start() ([]byte, error) { return nil, nil }

func (m *cramMD5Mech) Next(challenge []byte) ([]byte, error) {
	mac := hmac.New(md5.New, []byte(m.secret))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	return []byte(m.username + " " + digest), nil
}

// NewXOAuth2 returns a Mechanism implementing the XOAUTH2 scheme used by
// several large providers: initial response
// "user=<username>\x01auth=Bearer <token>\x01\x01".
func NewXOAuth2(username, token string) Mechanism {
	return &xoauth2Mech{username: username, token: token}
}

type xoauth2Mech struct {
	username, token string
}

func (m *xoauth2Mech) Name() string { return MechXOAuth2 }

func (m *xoauth2Mech) Start() ([]byte, error) {
	return []byte("user=" + m.username + "\x01auth=Bearer " + m.token + "\x01\x01"), nil
}

func (m *xoauth2Mech) Next(challenge []byte) ([]byte, error) {
	// The server sends a base64 JSON error blob as a challenge on
	// failure; an empty reply prompts the final status line.
	return []byte{}, nil
}

// NewOAuthBearer returns a Mechanism implementing OAUTHBEARER (RFC 7628).
// The initial response is a GS2 header with host/port context and the
// bearer token.
func NewOAuthBearer(username, token, host string, port int) Mechanism {
	return &oauthBearerMech{username: username, token: token, host: host, port: port}
}

type oauthBearerMech struct {
	username, token, host string
	port                  int
}

func (m *oauthBearerMech) Name() string { return MechOAuthBearer }

func (m *oauthBearerMech) Start() ([]byte, error) {
	gs2 := "n,"
	if m.username != "" {
		gs2 += "a=" + m.username
	}
	gs2 += ","
	resp := gs2 + "\x01host=" + m.host + "\x01port=" + strconv.Itoa(m.port) +
		"\x01auth=Bearer " + m.token + "\x01\x01"
	return []byte(resp), nil
}

func (m *oauthBearerMech) Next(challenge []byte) ([]byte, error) {
	// A challenge carries a JSON error status; reply with the "^A"
	// abort token per RFC 7628 §3.2.3.
	return []byte{0x01}, nil
}
