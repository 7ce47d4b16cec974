// Package awareness is the presence protocol shared by every peer in a room. Each client owns one JSON object state
// and a clock; updates carry (client, clock, state) triples and a higher clock always wins. A null state means the
// client has left. Nothing here is persisted.
package awareness

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/automerge-sessions/pkg/event"
)

// OutdatedTimeout is how long a remote state survives without being renewed. The local state is renewed at half
// this interval.
const OutdatedTimeout = 30 * time.Second

const (
	OriginLocal   = "local"
	OriginTimeout = "timeout"
)

var ErrMalformed = errors.New("malformed awareness update")

type ClientID uint64

// RelayClientID is reserved for a relay mirroring a room's presence. NewClientID never returns it.
const RelayClientID ClientID = 0

// NewClientID returns a random id for one connection instance, in 1..MaxUint32.
func NewClientID() ClientID {
	return ClientID(rand.Int63n(math.MaxUint32)) + 1
}

// State is a client's presence object. Values are kept as raw JSON so peers can carry fields this client does not
// understand.
type State map[string]json.RawMessage

func (s State) clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Has reports whether key is present with a non-null value.
func (s State) Has(key string) bool {
	v, ok := s[key]
	return ok && len(v) > 0 && !bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Field decodes key into out.
func (s State) Field(key string, out any) error {
	v, ok := s[key]
	if !ok {
		return fmt.Errorf("no field %q", key)
	}
	return json.Unmarshal(v, out)
}

func statesEqual(a, b State) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

// Change lists the clients affected by one mutation of the awareness map.
type Change struct {
	Added   []ClientID
	Updated []ClientID
	Removed []ClientID
	Origin  string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every affected client.
func (c Change) All() []ClientID {
	out := make([]ClientID, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type Awareness struct {
	mu        sync.Mutex
	clientID  ClientID
	states    map[ClientID]State
	meta      map[ClientID]meta
	now       func() time.Time
	destroyed bool

	// change fires when a state was added, removed or actually modified. update also fires when only the clock was
	// renewed, which is what must be forwarded to peers.
	change event.Emitter[Change]
	update event.Emitter[Change]
}

func New(clientID ClientID) *Awareness {
	a := &Awareness{
		clientID: clientID,
		states:   make(map[ClientID]State),
		meta:     make(map[ClientID]meta),
		now:      time.Now,
	}
	a.setLocalState(State{}, OriginLocal)
	return a
}

func (a *Awareness) ClientID() ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientID
}

// SetClientID moves the local state to a new client id, as happens on every reconnect. Peers learn about the new id
// from the next update; the relay drops the old one when the old connection closes.
func (a *Awareness) SetClientID(id ClientID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.clientID
	if old == id {
		return
	}
	st, ok := a.states[old]
	delete(a.states, old)
	delete(a.meta, old)
	a.clientID = id
	if ok {
		a.states[id] = st
		a.meta[id] = meta{clock: 0, lastUpdated: a.now()}
	}
}

// OnChange subscribes to changes that affect the visible state.
func (a *Awareness) OnChange(fn func(Change)) func() {
	return a.change.Subscribe(fn)
}

// OnUpdate subscribes to every change including clock renewals.
func (a *Awareness) OnUpdate(fn func(Change)) func() {
	return a.update.Subscribe(fn)
}

func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID].clone()
}

// States returns a snapshot of every known client state.
func (a *Awareness) States() map[ClientID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ClientID]State, len(a.states))
	for id, st := range a.states {
		out[id] = st.clone()
	}
	return out
}

func (a *Awareness) State(id ClientID) (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[id]
	return st.clone(), ok
}

// SetLocalState replaces the local state. A nil state marks this client as gone.
func (a *Awareness) SetLocalState(st State) {
	a.setLocalState(st, OriginLocal)
}

// SetLocalStateField sets one field of the local state. It does nothing when the local state is nil.
func (a *Awareness) SetLocalStateField(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	a.mu.Lock()
	cur, ok := a.states[a.clientID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	next := cur.clone()
	next[key] = raw
	a.setLocalState(next, OriginLocal)
	return nil
}

func (a *Awareness) setLocalState(st State, origin string) {
	a.mu.Lock()
	id := a.clientID
	prev, hadPrev := a.states[id]
	m := a.meta[id]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[id] = m
	if st == nil {
		delete(a.states, id)
	} else {
		a.states[id] = st.clone()
	}
	var change Change
	modified := false
	switch {
	case st == nil && hadPrev:
		change.Removed = []ClientID{id}
		modified = true
	case st != nil && !hadPrev:
		change.Added = []ClientID{id}
		modified = true
	case st != nil:
		change.Updated = []ClientID{id}
		modified = !statesEqual(prev, st)
	}
	a.mu.Unlock()

	change.Origin = origin
	if modified {
		a.change.Emit(change)
	}
	if !change.empty() {
		a.update.Emit(change)
	}
}

// EncodeUpdate serializes the given clients' current states. Unknown clients encode as removals.
func (a *Awareness) EncodeUpdate(clients []ClientID) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, id := range clients {
		var raw []byte
		if st, ok := a.states[id]; ok {
			var err error
			if raw, err = json.Marshal(st); err != nil {
				return nil, fmt.Errorf("failed to encode state of %d: %w", id, err)
			}
		} else {
			raw = []byte("null")
		}
		out = binary.AppendUvarint(out, uint64(id))
		out = binary.AppendUvarint(out, a.meta[id].clock)
		out = binary.AppendUvarint(out, uint64(len(raw)))
		out = append(out, raw...)
	}
	return out, nil
}

// EncodeAll serializes every known state, used when a new peer needs the full picture.
func (a *Awareness) EncodeAll() ([]byte, error) {
	return a.EncodeUpdate(a.knownClients())
}

func (a *Awareness) knownClients() []ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]ClientID, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entry is one client's record inside an update. A nil State announces that the client left.
type Entry struct {
	ClientID ClientID
	Clock    uint64
	State    State
}

// DecodeUpdate parses an update without applying it, for relays that route presence without keeping a map.
func DecodeUpdate(raw []byte) ([]Entry, error) {
	r := bytes.NewReader(raw)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds message", ErrMalformed, n)
	}
	entries := make([]Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e Entry
		id, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e.Clock, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		l, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if l > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: state length %d exceeds message", ErrMalformed, l)
		}
		buf := make([]byte, l)
		_, _ = r.Read(buf)
		if err := json.Unmarshal(buf, &e.State); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		e.ClientID = ClientID(id)
		entries = append(entries, e)
	}
	return entries, nil
}

// ApplyUpdate merges an update from a peer. Entries with a clock older than the one already known are ignored.
func (a *Awareness) ApplyUpdate(raw []byte, origin string) error {
	entries, err := DecodeUpdate(raw)
	if err != nil {
		return err
	}
	var change, visible Change
	renewLocal := false
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	now := a.now()
	for _, e := range entries {
		m, known := a.meta[e.ClientID]
		prev, hadPrev := a.states[e.ClientID]
		if known && !(m.clock < e.Clock || (m.clock == e.Clock && e.State == nil && hadPrev)) {
			continue
		}
		clock := e.Clock
		if e.State == nil {
			if e.ClientID == a.clientID && hadPrev {
				// a peer thinks we left; bump our clock so the next update reasserts us
				clock++
				renewLocal = true
			} else {
				delete(a.states, e.ClientID)
			}
		} else {
			a.states[e.ClientID] = e.State
		}
		a.meta[e.ClientID] = meta{clock: clock, lastUpdated: now}
		switch {
		case !hadPrev && e.State != nil:
			change.Added = append(change.Added, e.ClientID)
			visible.Added = append(visible.Added, e.ClientID)
		case hadPrev && e.State == nil && e.ClientID != a.clientID:
			change.Removed = append(change.Removed, e.ClientID)
			visible.Removed = append(visible.Removed, e.ClientID)
		case e.State != nil:
			change.Updated = append(change.Updated, e.ClientID)
			if !statesEqual(prev, e.State) {
				visible.Updated = append(visible.Updated, e.ClientID)
			}
		}
	}
	a.mu.Unlock()

	change.Origin = origin
	visible.Origin = origin
	if !visible.empty() {
		a.change.Emit(visible)
	}
	if !change.empty() {
		a.update.Emit(change)
	}
	if renewLocal {
		a.update.Emit(Change{Updated: []ClientID{a.ClientID()}, Origin: OriginLocal})
	}
	return nil
}

// RemoveStates drops the given clients, as when the transport reports their connection closed. Removing an
// unknown client is a no-op.
func (a *Awareness) RemoveStates(clients []ClientID, origin string) {
	var change Change
	a.mu.Lock()
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			m := a.meta[id]
			m.clock++
			m.lastUpdated = a.now()
			a.meta[id] = m
		}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()
	if change.empty() {
		return
	}
	change.Origin = origin
	a.change.Emit(change)
	a.update.Emit(change)
}

// RemoteClients returns every known client other than the local one.
func (a *Awareness) RemoteClients() []ClientID {
	ids := a.knownClients()
	local := a.ClientID()
	out := ids[:0]
	for _, id := range ids {
		if id != local {
			out = append(out, id)
		}
	}
	return out
}

// CheckOutdated renews the local state when it is getting old and expires remote states that have not been renewed
// within OutdatedTimeout.
func (a *Awareness) CheckOutdated(now time.Time) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	local, hasLocal := a.states[a.clientID]
	renew := hasLocal && now.Sub(a.meta[a.clientID].lastUpdated) >= OutdatedTimeout/2
	var expired []ClientID
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= OutdatedTimeout {
			expired = append(expired, id)
		}
	}
	a.mu.Unlock()

	if renew {
		a.setLocalState(local, OriginLocal)
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
		a.RemoveStates(expired, OriginTimeout)
	}
}

// RunExpiry calls CheckOutdated periodically until ctx is done.
func (a *Awareness) RunExpiry(ctx context.Context) {
	t := time.NewTicker(OutdatedTimeout / 10)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			a.CheckOutdated(now)
		case <-ctx.Done():
			return
		}
	}
}

// Destroy clears the local state, announcing it as removed, and then drops every subscriber.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.setLocalState(nil, OriginLocal)
	a.mu.Lock()
	a.destroyed = true
	a.mu.Unlock()
	a.change.Clear()
	a.update.Clear()
}

func (a *Awareness) Destroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}
