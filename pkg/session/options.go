package session

import (
	"log/slog"
	"time"

	"github.com/astromechza/automerge-sessions/pkg/netsync"
	"github.com/astromechza/automerge-sessions/pkg/persist"
	"github.com/astromechza/automerge-sessions/pkg/presence"
)

type NetworkOptions struct {
	ServerURL string
	// ReconnectTimeout is the first retry delay; zero uses netsync.DefaultReconnectTimeout.
	ReconnectTimeout  time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed retries. Zero retries forever.
	MaxReconnectAttempts int
	// Dialer replaces the websocket dialer, mostly for tests.
	Dialer netsync.Dialer
}

type PersistenceOptions struct {
	Enabled bool
	// Driver is one of the persist driver names. It is ignored when Store is set.
	Driver string
	Path   string
	// Key names the stored snapshot outright. When empty it is KeyPrefix followed by the document id.
	Key string
	// KeyPrefix defaults to persist.DefaultKeyPrefix.
	KeyPrefix string
	// Store is used as is and left open on Close. Without it the session opens, and closes, its own.
	Store    persist.Store
	Debounce time.Duration
}

type Options struct {
	// Network is nil for a local-only session.
	Network     *NetworkOptions
	Persistence *PersistenceOptions
	// User is published to the room once connected. It is ignored for local-only sessions.
	User   *presence.UserInfo
	Logger *slog.Logger
}

func (o Options) validate(documentID string) error {
	if documentID == "" {
		return configErr("documentID", "must not be empty")
	}
	if n := o.Network; n != nil {
		if n.ServerURL == "" {
			return configErr("network.serverURL", "must not be empty")
		}
		if _, err := netsync.ParseServerURL(n.ServerURL); err != nil {
			return configErr("network.serverURL", "%v", err)
		}
		if n.ReconnectTimeout < 0 {
			return configErr("network.reconnectTimeout", "must be positive")
		}
		if n.MaxReconnectDelay < 0 {
			return configErr("network.maxReconnectDelay", "must be positive")
		}
		if n.MaxReconnectAttempts < 0 {
			return configErr("network.maxReconnectAttempts", "must not be negative")
		}
	}
	if p := o.Persistence; p != nil && p.Enabled && p.Store == nil {
		switch p.Driver {
		case persist.DriverMemory:
		case "", persist.DriverSQLite, "sqlite3", persist.DriverBolt, "bbolt":
			if p.Path == "" {
				return configErr("persistence.path", "must not be empty for the %q driver", p.Driver)
			}
		default:
			return configErr("persistence.driver", "unknown driver %q", p.Driver)
		}
	}
	if o.User != nil {
		if o.User.ID == "" {
			return configErr("user.id", "must not be empty")
		}
		if o.User.Name == "" {
			return configErr("user.name", "must not be empty")
		}
	}
	return nil
}
