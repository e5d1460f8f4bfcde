// Package transport owns a single bridge socket: dialing, framing, paced
// writes and the reconnect state machine.
package transport

// State represents the lifecycle state of a bridge connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanSend reports whether frames may be written in this state.
// Authenticating is included so the handshake can talk to the bridge.
func (s State) CanSend() bool {
	return s == StateConnected || s == StateAuthenticating
}
