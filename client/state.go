package client

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// validTransition reports whether from -> to is an edge of the connection
// state machine. Disconnected is reachable from every state through Stop.
func validTransition(from, to State) bool {
	switch to {
	case Disconnected:
		return true
	case Connecting:
		return from == Disconnected || from == Reconnecting
	case Connected:
		return from == Connecting
	case Reconnecting:
		return from == Connecting || from == Connected
	}
	return false
}
