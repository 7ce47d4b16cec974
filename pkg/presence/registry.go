// Package presence turns the raw awareness map into collaborator events: who joined, who left, and where their
// cursors are.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/automerge-sessions/pkg/awareness"
	"github.com/astromechza/automerge-sessions/pkg/event"
)

const (
	fieldUser   = "user"
	fieldCursor = "cursor"
)

var ErrUserAlreadySet = errors.New("user already set for this session")

type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (u UserInfo) validate() error {
	if u.ID == "" {
		return fmt.Errorf("user id is empty")
	}
	if u.Name == "" {
		return fmt.Errorf("user name is empty")
	}
	return nil
}

// Cursor is a selection in the document text. Anchor equals Head for a caret.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

type Collaborator struct {
	ClientID awareness.ClientID
	User     UserInfo
	Cursor   *Cursor
	Local    bool
}

type UserLeft struct {
	ClientID awareness.ClientID
}

type CursorUpdated struct {
	ClientID awareness.ClientID
	Cursor   Cursor
	User     *UserInfo
}

type Registry struct {
	aw     *awareness.Awareness
	logger *slog.Logger

	mu        sync.Mutex
	user      *UserInfo
	destroyed bool
	unsub     func()

	joined  event.Emitter[UserInfo]
	left    event.Emitter[UserLeft]
	cursors event.Emitter[CursorUpdated]
	changed event.Emitter[[]Collaborator]
}

// New wraps aw. The registry takes ownership of aw and destroys it in Destroy.
func New(aw *awareness.Awareness, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{aw: aw, logger: logger.With("component", "presence")}
	r.unsub = aw.OnChange(r.handleChange)
	return r
}

func (r *Registry) Awareness() *awareness.Awareness {
	return r.aw
}

func (r *Registry) LocalClientID() awareness.ClientID {
	return r.aw.ClientID()
}

func (r *Registry) OnUserJoined(fn func(UserInfo)) func() {
	return r.joined.Subscribe(fn)
}

func (r *Registry) OnUserLeft(fn func(UserLeft)) func() {
	return r.left.Subscribe(fn)
}

func (r *Registry) OnCursorUpdated(fn func(CursorUpdated)) func() {
	return r.cursors.Subscribe(fn)
}

// OnChange is called with the current online users after any visible presence change.
func (r *Registry) OnChange(fn func([]Collaborator)) func() {
	return r.changed.Subscribe(fn)
}

// SetUser sets this client's identity. It can be set once per session; setting the same identity again is allowed.
func (r *Registry) SetUser(info UserInfo) error {
	if err := info.validate(); err != nil {
		return err
	}
	if info.Color == "" {
		info.Color = ColorFor(info.ID)
	}
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	if r.user != nil {
		same := *r.user == info
		r.mu.Unlock()
		if same {
			return nil
		}
		return ErrUserAlreadySet
	}
	r.user = &info
	r.mu.Unlock()
	return r.aw.SetLocalStateField(fieldUser, info)
}

// User returns the local identity if it has been set.
func (r *Registry) User() (UserInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.user == nil {
		return UserInfo{}, false
	}
	return *r.user, true
}

// UpdateCursor publishes the local cursor, or clears it when pos is nil. Callers are expected to throttle.
func (r *Registry) UpdateCursor(pos *Cursor) error {
	r.mu.Lock()
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		return nil
	}
	return r.aw.SetLocalStateField(fieldCursor, pos)
}

func (r *Registry) handleChange(c awareness.Change) {
	for _, id := range c.Added {
		st, ok := r.aw.State(id)
		if !ok || !st.Has(fieldUser) {
			continue
		}
		var user UserInfo
		if err := st.Field(fieldUser, &user); err != nil {
			r.logger.Warn("dropping undecodable user", "client", id, "err", err)
			continue
		}
		r.joined.Emit(user)
	}
	for _, id := range c.Removed {
		r.left.Emit(UserLeft{ClientID: id})
	}
	for _, id := range c.Updated {
		st, ok := r.aw.State(id)
		if !ok || !st.Has(fieldCursor) {
			continue
		}
		var ev CursorUpdated
		if err := st.Field(fieldCursor, &ev.Cursor); err != nil {
			r.logger.Warn("dropping undecodable cursor", "client", id, "err", err)
			continue
		}
		ev.ClientID = id
		if st.Has(fieldUser) {
			var user UserInfo
			if err := st.Field(fieldUser, &user); err == nil {
				ev.User = &user
			}
		}
		r.cursors.Emit(ev)
	}
	if r.changed.Len() > 0 {
		r.changed.Emit(r.OnlineUsers())
	}
}

// OnlineUsers lists every client that has published a user, ordered by client id. Clients whose state has no user
// yet are still joining and are left out.
func (r *Registry) OnlineUsers() []Collaborator {
	local := r.aw.ClientID()
	states := r.aw.States()
	out := make([]Collaborator, 0, len(states))
	for id, st := range states {
		if !st.Has(fieldUser) {
			continue
		}
		c := Collaborator{ClientID: id, Local: id == local}
		if err := st.Field(fieldUser, &c.User); err != nil {
			continue
		}
		if st.Has(fieldCursor) {
			var cur Cursor
			if err := st.Field(fieldCursor, &cur); err == nil {
				c.Cursor = &cur
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Destroy announces the local client as gone and drops every subscriber. Only the first call has any effect.
func (r *Registry) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	unsub := r.unsub
	r.mu.Unlock()

	unsub()
	r.aw.Destroy()
	r.joined.Clear()
	r.left.Clear()
	r.cursors.Clear()
	r.changed.Clear()
}
