package session

import (
	"github.com/astromechza/automerge-sessions/pkg/netsync"
)

// Status is the connection state as shown to a user.
type Status int

const (
	Offline Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// StatusOf maps a channel state onto a status. A socket that is open but has not yet exchanged state with the room
// still counts as connecting.
func StatusOf(s netsync.State) Status {
	switch s {
	case netsync.ConnectedSynced:
		return Connected
	case netsync.ConnectedUnsynced, netsync.Connecting:
		return Connecting
	default:
		return Offline
	}
}
