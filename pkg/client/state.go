package client

// State is the connection state of a Client.
//
//	Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected
//
// Connecting and Connected fall back to Disconnected on any failure.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}
