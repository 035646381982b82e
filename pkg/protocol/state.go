package protocol

import "fmt"

// TransactionState tracks where a connection is in the SMTP dialogue. The
// state is authoritative on the client side: the engine refuses to issue a
// command that is illegal for the current state instead of relying on the
// server's 503.
type TransactionState int

const (
	// StateInitial is a transport that has not connected yet.
	StateInitial TransactionState = iota
	// StateConnected has a live connection with the banner read.
	StateConnected
	// StateGreeted has completed EHLO (or HELO) negotiation.
	StateGreeted
	// StateEncrypted has completed a STARTTLS upgrade plus re-negotiation.
	StateEncrypted
	// StateAuthenticated has completed SASL authentication.
	StateAuthenticated
	// StateInTransaction has issued MAIL FROM.
	StateInTransaction
	// StateRecipientsDeclared has at least one accepted RCPT TO.
	StateRecipientsDeclared
	// StateSendingPayload has issued DATA and is streaming the body.
	StateSendingPayload
	// StateComplete has read the final reply for the transaction.
	StateComplete
	// StateClosed is a destroyed connection.
	StateClosed
)

var stateNames = map[TransactionState]string{
	StateInitial:            "initial",
	StateConnected:          "connected",
	StateGreeted:            "greeted",
	StateEncrypted:          "encrypted",
	StateAuthenticated:      "authenticated",
	StateInTransaction:      "in_transaction",
	StateRecipientsDeclared: "recipients_declared",
	StateSendingPayload:     "sending_payload",
	StateComplete:           "complete",
	StateClosed:             "closed",
}

func (s TransactionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stable reports whether the state is one a connection can idle in between
// transactions.
func (s TransactionState) Stable() bool {
	switch s {
	case StateGreeted, StateEncrypted, StateAuthenticated:
		return true
	}
	return false
}

// InTransaction reports whether a mail transaction is open.
func (s TransactionState) InTransaction() bool {
	switch s {
	case StateInTransaction, StateRecipientsDeclared, StateSendingPayload:
		return true
	}
	return false
}

// CanMail reports whether MAIL FROM is legal in this state.
func (s TransactionState) CanMail() bool { return s.Stable() }

// CanRcpt reports whether RCPT TO is legal in this state.
func (s TransactionState) CanRcpt() bool {
	return s == StateInTransaction || s == StateRecipientsDeclared
}

// CanData reports whether DATA is legal in this state.
func (s TransactionState) CanData() bool { return s == StateRecipientsDeclared }

// CanStartTLS reports whether STARTTLS is legal in this state.
func (s TransactionState) CanStartTLS() bool { return s == StateGreeted }

// CanAuth reports whether AUTH is legal in this state.
func (s TransactionState) CanAuth() bool {
	return s == StateGreeted || s == StateEncrypted
}
