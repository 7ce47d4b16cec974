// Package session ties a replicated document to its network channel, local persistence and presence registry, and
// exposes the combination as one handle per open document.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/automerge-sessions/pkg/awareness"
	"github.com/astromechza/automerge-sessions/pkg/event"
	"github.com/astromechza/automerge-sessions/pkg/netsync"
	"github.com/astromechza/automerge-sessions/pkg/persist"
	"github.com/astromechza/automerge-sessions/pkg/presence"
	"github.com/astromechza/automerge-sessions/pkg/replica"
)

const (
	originRemote          = "remote"
	originConnectionClose = "connection-closed"
)

var ErrClosed = errors.New("session closed")

type Session struct {
	id     string
	logger *slog.Logger

	doc      *replica.Document
	net      *netsync.Channel
	persist  *persist.Channel
	store    persist.Store
	ownStore bool
	presence *presence.Registry

	stopExpiry context.CancelFunc
	unsubs     []func()

	mu     sync.Mutex
	status Status
	closed bool

	statusMu      sync.Mutex
	statusEv      event.Emitter[Status]
	collaborators event.Emitter[[]presence.Collaborator]
}

// Open validates opts and starts a session for documentID. Stored content, if any, is loaded before Open returns.
// Connecting happens in the background; watch OnStatusChange for progress.
func Open(ctx context.Context, documentID string, opts Options) (*Session, error) {
	if err := opts.validate(documentID); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		id:     documentID,
		logger: opts.Logger.With("document", documentID),
	}

	doc, err := replica.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	s.doc = doc

	if p := opts.Persistence; p != nil && p.Enabled {
		if err := s.openPersistence(ctx, p); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	if n := opts.Network; n != nil {
		if err := s.openNetwork(n, opts.User); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	s.logger.Info("session opened", "network", s.net != nil, "persistence", s.PersistenceAvailable())
	return s, nil
}

func (s *Session) openPersistence(ctx context.Context, p *PersistenceOptions) error {
	store := p.Store
	if store == nil {
		opened, err := persist.OpenStore(p.Driver, p.Path)
		if err != nil {
			s.logger.Warn("continuing without persistence", "err", err)
			return nil
		}
		store = opened
		s.ownStore = true
	}
	s.store = store
	key := p.Key
	if key == "" {
		prefix := p.KeyPrefix
		if prefix == "" {
			prefix = persist.DefaultKeyPrefix
		}
		key = persist.Key(prefix, s.id)
	}
	ch, err := persist.Open(ctx, s.doc, persist.Options{
		Store:    store,
		Key:      key,
		Debounce: p.Debounce,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}
	s.persist = ch
	return nil
}

func (s *Session) openNetwork(n *NetworkOptions, user *presence.UserInfo) error {
	ch, err := netsync.New(s.doc, netsync.Options{
		ServerURL:            n.ServerURL,
		Room:                 s.id,
		ReconnectTimeout:     n.ReconnectTimeout,
		MaxReconnectDelay:    n.MaxReconnectDelay,
		MaxReconnectAttempts: n.MaxReconnectAttempts,
		Dialer:               n.Dialer,
		Logger:               s.logger,
	})
	if err != nil {
		return &ConfigurationError{Field: "network", Reason: err.Error()}
	}
	s.net = ch

	aw := awareness.New(awareness.NewClientID())
	s.presence = presence.New(aw, s.logger)
	if user != nil {
		if err := s.presence.SetUser(*user); err != nil {
			return &ConfigurationError{Field: "user", Reason: err.Error()}
		}
	}

	s.unsubs = append(s.unsubs,
		aw.OnUpdate(func(c awareness.Change) {
			if c.Origin == originRemote {
				return
			}
			payload, err := aw.EncodeUpdate(c.All())
			if err != nil {
				s.logger.Warn("failed to encode presence", "err", err)
				return
			}
			ch.SendPresence(payload)
		}),
		ch.OnPresence(func(payload []byte) {
			if err := aw.ApplyUpdate(payload, originRemote); err != nil {
				s.logger.Warn("dropping presence update", "err", err)
			}
		}),
		ch.OnOpen(func() {
			// every connection instance announces itself under a new client id
			aw.SetClientID(awareness.NewClientID())
			payload, err := aw.EncodeUpdate([]awareness.ClientID{aw.ClientID()})
			if err != nil {
				s.logger.Warn("failed to encode presence", "err", err)
				return
			}
			ch.SendPresence(payload)
		}),
		ch.OnStatus(func(netsync.State) {
			if ch.State() == netsync.Disconnected {
				aw.RemoveStates(aw.RemoteClients(), originConnectionClose)
			}
			s.refreshStatus()
		}),
		s.presence.OnChange(func(list []presence.Collaborator) {
			s.collaborators.Emit(list)
		}),
	)

	expiryCtx, cancel := context.WithCancel(context.Background())
	s.stopExpiry = cancel
	go aw.RunExpiry(expiryCtx)

	ch.Connect()
	return nil
}

// refreshStatus recomputes the status from the channel's current state rather than from the notification that
// triggered it, since notifications from different goroutines may arrive out of order.
func (s *Session) refreshStatus() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	next := StatusOf(s.net.State())
	s.mu.Lock()
	if s.closed || next == s.status {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = next
	s.mu.Unlock()
	s.logger.Info("status changed", "from", prev, "to", next)
	s.statusEv.Emit(next)
}

func (s *Session) DocumentID() string {
	return s.id
}

// Document exposes the underlying replica for callers that need more than the text helpers.
func (s *Session) Document() *replica.Document {
	return s.doc
}

// Status is always Offline for a session without a network.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnStatusChange calls fn with each new status. The returned function unsubscribes.
func (s *Session) OnStatusChange(fn func(Status)) func() {
	return s.statusEv.Subscribe(fn)
}

// OnCollaboratorsChange calls fn with the online users whenever someone joins, leaves or moves their cursor.
func (s *Session) OnCollaboratorsChange(fn func([]presence.Collaborator)) func() {
	return s.collaborators.Subscribe(fn)
}

// Collaborators lists the online users including the local one. It is empty for a local-only session.
func (s *Session) Collaborators() []presence.Collaborator {
	if s.presence == nil {
		return nil
	}
	return s.presence.OnlineUsers()
}

// Presence returns the registry, or nil for a local-only session.
func (s *Session) Presence() *presence.Registry {
	return s.presence
}

// UpdateCursor publishes the local selection, or clears it when pos is nil. Without a network it does nothing.
func (s *Session) UpdateCursor(pos *presence.Cursor) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.presence == nil {
		return nil
	}
	return s.presence.UpdateCursor(pos)
}

// PersistenceAvailable reports whether edits are being mirrored to local storage.
func (s *Session) PersistenceAvailable() bool {
	return s.persist != nil && s.persist.Available()
}

// Flush writes pending edits to local storage now.
func (s *Session) Flush(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Flush(ctx)
}

func (s *Session) Text() string {
	return s.doc.Text()
}

func (s *Session) Insert(pos int, text string) error {
	return s.doc.Insert(pos, text)
}

func (s *Session) Delete(pos int, n int) error {
	return s.doc.Delete(pos, n)
}

func (s *Session) Append(text string) error {
	return s.doc.Append(text)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: presence first so peers see us leave, then the network, then persistence which
// flushes pending edits, and finally the document. It is safe to call from any state and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.status = Offline
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	if s.presence != nil {
		// the final absent state goes out through the still-subscribed update handler
		s.presence.Destroy()
	}
	for _, u := range unsubs {
		u()
	}
	if s.stopExpiry != nil {
		s.stopExpiry()
	}
	if s.net != nil {
		s.net.Destroy()
	}
	if s.persist != nil {
		s.persist.Destroy()
	}
	var err error
	if s.ownStore && s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			err = fmt.Errorf("failed to close store: %w", cerr)
		}
	}
	if s.doc != nil {
		s.doc.Destroy()
	}
	s.statusEv.Clear()
	s.collaborators.Clear()
	s.logger.Info("session closed")
	return err
}
