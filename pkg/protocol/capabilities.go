package protocol

import (
	"strconv"
	"strings"
)

// Extension keywords this client understands (RFC 5321 §2.2 and friends).
const (
	ExtSTARTTLS            = "STARTTLS"
	ExtAUTH                = "AUTH"
	ExtSIZE                = "SIZE"
	Ext8BITMIME            = "8BITMIME"
	ExtPIPELINING          = "PIPELINING"
	ExtENHANCEDSTATUSCODES = "ENHANCEDSTATUSCODES"
	ExtSMTPUTF8            = "SMTPUTF8"
)

// Capabilities is the parsed result of an EHLO response: the extensions the
// server advertised for the current channel. A Capabilities value is only
// valid for the security state it was negotiated under; after a STARTTLS
// upgrade it must be discarded and re-derived.
type Capabilities struct {
	// Extensions maps the uppercased keyword to its parameter string
	// (e.g. "AUTH" -> "PLAIN LOGIN CRAM-MD5"). Nil after a HELO-only
	// greeting.
	Extensions map[string]string

	// ServerName is the hostname the server announced in the EHLO greeting
	// line.
	ServerName string
}

// ParseCapabilities parses the lines of a 250 EHLO reply. The first line is
// the server's greeting; each following line is "KEYWORD [params]".
func ParseCapabilities(lines []string) Capabilities {
	caps := Capabilities{Extensions: make(map[string]string)}
	for i, line := range lines {
		if i == 0 {
			caps.ServerName, _, _ = strings.Cut(line, " ")
			continue
		}
		keyword, params, _ := strings.Cut(line, " ")
		caps.Extensions[strings.ToUpper(keyword)] = params
	}
	return caps
}

// Has reports whether the server advertised the given extension.
func (c Capabilities) Has(ext string) bool {
	_, ok := c.Extensions[ext]
	return ok
}

// StartTLS reports whether the server offers an in-place TLS upgrade.
func (c Capabilities) StartTLS() bool { return c.Has(ExtSTARTTLS) }

// EightBitMIME reports whether the server accepts 8-bit message bodies.
func (c Capabilities) EightBitMIME() bool { return c.Has(Ext8BITMIME) }

// MaxSize returns the maximum message size advertised via the SIZE
// extension, or 0 when the server did not advertise a limit.
func (c Capabilities) MaxSize() int64 {
	param, ok := c.Extensions[ExtSIZE]
	if !ok || param == "" {
		return 0
	}
	n, err := strconv.ParseInt(param, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// AuthMechanisms returns the SASL mechanism names advertised via the AUTH
// extension, uppercased, in server order.
func (c Capabilities) AuthMechanisms() []string {
	param, ok := c.Extensions[ExtAUTH]
	if !ok || param == "" {
		return nil
	}
	fields := strings.Fields(param)
	mechs := make([]string, 0, len(fields))
	for _, f := range fields {
		mechs = append(mechs, strings.ToUpper(f))
	}
	return mechs
}
