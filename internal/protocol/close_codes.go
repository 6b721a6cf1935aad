package protocol

// WebSocket close codes in the application range (4000+), one per fatal
// condition so clients can map a close event to a UI state.
const (
	CloseNormal               = 1000
	CloseInvalidCredential    = 4001
	CloseSessionExpired       = 4002
	CloseSessionMismatch      = 4003
	CloseProducerSlotOccupied = 4004
	CloseOversizedMessage     = 4005
	CloseMalformedMessage     = 4006
	CloseRateLimited          = 4008
	CloseBackpressureOverflow = 4009
)

// CloseReason returns the short machine-readable reason for a close code.
func CloseReason(code int) string {
	switch code {
	case CloseNormal:
		return "normal-closure"
	case CloseInvalidCredential:
		return "invalid-credential"
	case CloseSessionExpired:
		return "session-expired"
	case CloseSessionMismatch:
		return "session-mismatch"
	case CloseProducerSlotOccupied:
		return "producer-slot-occupied"
	case CloseOversizedMessage:
		return "oversized-message"
	case CloseMalformedMessage:
		return "malformed-message"
	case CloseRateLimited:
		return "rate-limited"
	case CloseBackpressureOverflow:
		return "backpressure-overflow"
	default:
		return "unknown"
	}
}

// Error codes carried in ServerError messages for recoverable conditions.
const (
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeNotProducer  = "not_producer"
	ErrCodeUpstream     = "upstream_error"
	ErrCodeBadMessage   = "invalid_client_message"
	ErrCodeBrokerDenied = "broker_denied"
)
