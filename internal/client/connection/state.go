package connection

// State is the lifecycle of a channel:
//
//	Disconnected -> Connecting -> Connected -> (Reconnecting <-> Connected) -> Closed
//
// Closed is terminal.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
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
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// live reports whether the channel is open or on its way to being open
func (s State) live() bool {
	return s == Connecting || s == Connected || s == Reconnecting
}
