package errors

// Stable error codes, grouped by hundreds per concern.
const (
	// Configuration errors (1000-1099)
	CodeConfigInvalid     = 1000
	CodeConfigMissingHost = 1001
	CodeConfigTLSMismatch = 1002

	// Network errors (1100-1199)
	CodeConnectionFailed  = 1100
	CodeConnectionLost    = 1101
	CodeConnectionTimeout = 1102
	CodeTLSHandshake      = 1103

	// Protocol errors (1200-1299)
	CodeProtocolViolation = 1200
	CodeUnexpectedReply   = 1201
	CodeGreetingRejected  = 1202
	CodeBadSequence       = 1203

	// Authentication errors (1300-1399)
	CodeAuthFailed          = 1300
	CodeAuthNoMechanism     = 1301
	CodeAuthMechanismDenied = 1302

	// Transaction errors (1400-1499)
	CodeAllRecipientsRejected = 1400
	CodeMessageTooLarge       = 1401
	CodeTransactionFailed     = 1402
	CodeDeliveryUnknown       = 1403

	// Pool errors (1500-1599)
	CodePoolExhausted = 1500
	CodePoolClosed    = 1501

	// Resilience errors (1600-1699)
	CodeCircuitOpen        = 1600
	CodeRateLimited        = 1601
	CodeRetriesExhausted   = 1602
	CodeOperationCancelled = 1603
)

// CodeInfo provides human-readable information about an error code.
type CodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var codeRegistry = map[int]CodeInfo{
	CodeConfigInvalid:     {CodeConfigInvalid, "ConfigInvalid", "Configuration failed validation", CategoryConfig, SeverityCritical},
	CodeConfigMissingHost: {CodeConfigMissingHost, "ConfigMissingHost", "No server host configured", CategoryConfig, SeverityCritical},
	CodeConfigTLSMismatch: {CodeConfigTLSMismatch, "ConfigTLSMismatch", "TLS policy cannot be satisfied", CategoryConfig, SeverityCritical},

	CodeConnectionFailed:  {CodeConnectionFailed, "ConnectionFailed", "Failed to establish connection", CategoryNetwork, SeverityError},
	CodeConnectionLost:    {CodeConnectionLost, "ConnectionLost", "Connection lost during operation", CategoryNetwork, SeverityError},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timed out", CategoryTimeout, SeverityError},
	CodeTLSHandshake:      {CodeTLSHandshake, "TLSHandshake", "TLS handshake failed", CategoryNetwork, SeverityError},

	CodeProtocolViolation: {CodeProtocolViolation, "ProtocolViolation", "Malformed server response", CategoryProtocol, SeverityError},
	CodeUnexpectedReply:   {CodeUnexpectedReply, "UnexpectedReply", "Server reply not valid for command", CategoryProtocol, SeverityError},
	CodeGreetingRejected:  {CodeGreetingRejected, "GreetingRejected", "Both EHLO and HELO were rejected", CategoryProtocol, SeverityError},
	CodeBadSequence:       {CodeBadSequence, "BadSequence", "Command illegal in current state", CategoryProtocol, SeverityError},

	CodeAuthFailed:          {CodeAuthFailed, "AuthFailed", "Authentication rejected by server", CategoryAuth, SeverityError},
	CodeAuthNoMechanism:     {CodeAuthNoMechanism, "AuthNoMechanism", "No usable authentication mechanism", CategoryAuth, SeverityError},
	CodeAuthMechanismDenied: {CodeAuthMechanismDenied, "AuthMechanismDenied", "Mechanism unsafe for this channel", CategoryAuth, SeverityError},

	CodeAllRecipientsRejected: {CodeAllRecipientsRejected, "AllRecipientsRejected", "Every recipient was rejected", CategoryValidation, SeverityError},
	CodeMessageTooLarge:       {CodeMessageTooLarge, "MessageTooLarge", "Message exceeds negotiated size limit", CategoryValidation, SeverityError},
	CodeTransactionFailed:     {CodeTransactionFailed, "TransactionFailed", "Server rejected the transaction", CategoryProtocol, SeverityError},
	CodeDeliveryUnknown:       {CodeDeliveryUnknown, "DeliveryUnknown", "Connection failed during payload transfer", CategoryNetwork, SeverityError},

	CodePoolExhausted: {CodePoolExhausted, "PoolExhausted", "No connection available within acquire timeout", CategoryPool, SeverityWarning},
	CodePoolClosed:    {CodePoolClosed, "PoolClosed", "Connection pool is closed", CategoryPool, SeverityError},

	CodeCircuitOpen:        {CodeCircuitOpen, "CircuitOpen", "Circuit breaker is open", CategoryCircuit, SeverityWarning},
	CodeRateLimited:        {CodeRateLimited, "RateLimited", "Rate limit exceeded", CategoryCircuit, SeverityWarning},
	CodeRetriesExhausted:   {CodeRetriesExhausted, "RetriesExhausted", "All retry attempts failed", CategoryNetwork, SeverityError},
	CodeOperationCancelled: {CodeOperationCancelled, "OperationCancelled", "Operation cancelled by caller", CategoryCancelled, SeverityInfo},
}

// GetCodeInfo returns information about an error code.
func GetCodeInfo(code int) (CodeInfo, bool) {
	info, ok := codeRegistry[code]
	return info, ok
}

// CodeName returns the symbolic name of an error code.
func CodeName(code int) string {
	if info, ok := codeRegistry[code]; ok {
		return info.Name
	}
	return "UnknownError"
}
