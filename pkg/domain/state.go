package domain

// ConnectionState represents the current state of the realtime connection.
type ConnectionState int

const (
	// StateDisconnected means no channel is open and no reconnect is pending.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a handshake is in flight.
	StateConnecting

	// StateConnected means the handshake succeeded and events flow.
	StateConnected

	// StateReconnecting means the channel dropped unexpectedly and the client
	// is backing off before the next attempt.
	StateReconnecting

	// StateFailed means the reconnect ceiling was exceeded. Only an explicit
	// Connect leaves this state.
	StateFailed
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
