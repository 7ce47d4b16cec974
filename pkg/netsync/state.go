package netsync

type State int

const (
	Disconnected State = iota
	Connecting
	ConnectedUnsynced
	ConnectedSynced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ConnectedUnsynced:
		return "connected-unsynced"
	case ConnectedSynced:
		return "connected-synced"
	default:
		return "unknown"
	}
}

// Connected reports whether a socket is open, synced or not.
func (s State) Connected() bool {
	return s == ConnectedUnsynced || s == ConnectedSynced
}
