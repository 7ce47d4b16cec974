package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sessions/pkg/netsync"
	"github.com/astromechza/automerge-sessions/pkg/persist"
	"github.com/astromechza/automerge-sessions/pkg/presence"
	"github.com/astromechza/automerge-sessions/pkg/relay"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}

func startRelay(t *testing.T) *httptest.Server {
	s := relay.New(relay.Options{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return ts
}

func openSession(t *testing.T, id string, opts Options) *Session {
	s, err := Open(context.Background(), id, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, Connected, StatusOf(netsync.ConnectedSynced))
	assert.Equal(t, Connecting, StatusOf(netsync.ConnectedUnsynced))
	assert.Equal(t, Connecting, StatusOf(netsync.Connecting))
	assert.Equal(t, Offline, StatusOf(netsync.Disconnected))
}

func TestOpen_configuration_errors(t *testing.T) {
	cases := map[string]struct {
		id    string
		opts  Options
		field string
	}{
		"empty id":         {id: "", field: "documentID"},
		"empty server":     {id: "d", opts: Options{Network: &NetworkOptions{}}, field: "network.serverURL"},
		"bad scheme":       {id: "d", opts: Options{Network: &NetworkOptions{ServerURL: "ftp://x"}}, field: "network.serverURL"},
		"no host":          {id: "d", opts: Options{Network: &NetworkOptions{ServerURL: "ws://"}}, field: "network.serverURL"},
		"negative timeout": {id: "d", opts: Options{Network: &NetworkOptions{ServerURL: "ws://x", ReconnectTimeout: -1}}, field: "network.reconnectTimeout"},
		"negative max":     {id: "d", opts: Options{Network: &NetworkOptions{ServerURL: "ws://x", MaxReconnectAttempts: -1}}, field: "network.maxReconnectAttempts"},
		"unknown driver":   {id: "d", opts: Options{Persistence: &PersistenceOptions{Enabled: true, Driver: "floppy"}}, field: "persistence.driver"},
		"no path":          {id: "d", opts: Options{Persistence: &PersistenceOptions{Enabled: true, Driver: persist.DriverBolt}}, field: "persistence.path"},
		"user without id":  {id: "d", opts: Options{User: &presence.UserInfo{Name: "x"}}, field: "user.id"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(context.Background(), c.id, c.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, c.field, cfgErr.Field)
		})
	}
}

func TestOpen_accepts_any_non_empty_id(t *testing.T) {
	s := openSession(t, "not-a-uuid", Options{})
	assert.Equal(t, "not-a-uuid", s.DocumentID())
	assert.False(t, IsValidDocumentID("not-a-uuid"))
	assert.True(t, IsValidDocumentID(NewDocumentID()))
}

func TestLocalOnly_session(t *testing.T) {
	s := openSession(t, NewDocumentID(), Options{User: &presence.UserInfo{ID: "u", Name: "U"}})
	assert.Equal(t, Offline, s.Status())
	assert.Empty(t, s.Collaborators())
	assert.Nil(t, s.Presence())
	assert.False(t, s.PersistenceAvailable())
	require.NoError(t, s.UpdateCursor(&presence.Cursor{Anchor: 0, Head: 0}))
	require.NoError(t, s.Insert(0, "abc"))
	require.NoError(t, s.Delete(1, 1))
	require.NoError(t, s.Append("d"))
	assert.Equal(t, "acd", s.Text())
}

func TestOffline_durability_roundtrip(t *testing.T) {
	store := persist.NewMemoryStore()
	id := NewDocumentID()
	opts := Options{Persistence: &PersistenceOptions{Enabled: true, Store: store}}

	first, err := Open(context.Background(), id, opts)
	require.NoError(t, err)
	assert.True(t, first.PersistenceAvailable())
	require.NoError(t, first.Insert(0, "Persisted data"))
	require.NoError(t, first.Close())

	second := openSession(t, id, opts)
	assert.Equal(t, "Persisted data", second.Text())
	assert.Contains(t, store.Keys(), persist.Key(persist.DefaultKeyPrefix, id))
}

func TestOffline_durability_sqlite_owned_store(t *testing.T) {
	path := t.TempDir() + "/sessions.sqlite3"
	id := NewDocumentID()
	opts := Options{Persistence: &PersistenceOptions{Enabled: true, Driver: persist.DriverSQLite, Path: path, KeyPrefix: "notes-"}}

	first, err := Open(context.Background(), id, opts)
	require.NoError(t, err)
	require.NoError(t, first.Append("on disk"))
	require.NoError(t, first.Close())

	second := openSession(t, id, opts)
	assert.Equal(t, "on disk", second.Text())
}

func TestUnavailable_persistence_is_not_fatal(t *testing.T) {
	path := t.TempDir() + "/missing/dir/x.bolt"
	s := openSession(t, NewDocumentID(), Options{Persistence: &PersistenceOptions{Enabled: true, Driver: persist.DriverBolt, Path: path}})
	assert.False(t, s.PersistenceAvailable())
	require.NoError(t, s.Append("fine"))
}

func TestClose_is_idempotent_mid_backoff(t *testing.T) {
	var dials atomic.Int32
	dialer := netsync.DialerFunc(func(ctx context.Context, url string) (netsync.Conn, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	})
	s, err := Open(context.Background(), NewDocumentID(), Options{
		Network: &NetworkOptions{ServerURL: "ws://relay.test", ReconnectTimeout: 20 * time.Millisecond, Dialer: dialer},
	})
	require.NoError(t, err)
	var log statusLog
	s.OnStatusChange(log.add)
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, waitFor, tick)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	after := dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, dials.Load())
	assert.Equal(t, Offline, s.Status())
	assert.ErrorIs(t, s.UpdateCursor(nil), ErrClosed)
	for _, st := range log.snapshot() {
		assert.NotEqual(t, Connected, st)
	}
}

func TestClose_mid_connect(t *testing.T) {
	release := make(chan struct{})
	dialer := netsync.DialerFunc(func(ctx context.Context, url string) (netsync.Conn, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	s, err := Open(context.Background(), NewDocumentID(), Options{Network: &NetworkOptions{ServerURL: "ws://relay.test", Dialer: dialer}})
	require.NoError(t, err)
	assert.Equal(t, Connecting, s.Status())
	require.NoError(t, s.Close())
	close(release)
	assert.Equal(t, Offline, s.Status())
}

func TestSessions_converge_through_relay(t *testing.T) {
	ts := startRelay(t)
	id := NewDocumentID()
	net := &NetworkOptions{ServerURL: ts.URL + "/rooms", ReconnectTimeout: 10 * time.Millisecond}

	var log statusLog
	a, err := Open(context.Background(), id, Options{Network: net, User: &presence.UserInfo{ID: "a", Name: "Alice"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	a.OnStatusChange(log.add)
	b := openSession(t, id, Options{Network: net, User: &presence.UserInfo{ID: "b", Name: "Bob"}})

	require.Eventually(t, func() bool { return a.Status() == Connected && b.Status() == Connected }, waitFor, tick)
	assert.Equal(t, Connected, log.snapshot()[len(log.snapshot())-1])

	require.NoError(t, a.Append("Hello"))
	require.Eventually(t, func() bool { return b.Text() == "Hello" }, waitFor, tick)
	require.NoError(t, b.Append(" World"))
	require.Eventually(t, func() bool { return a.Text() == "Hello World" }, waitFor, tick)
}

func TestPresence_join_cursor_leave_through_relay(t *testing.T) {
	ts := startRelay(t)
	id := NewDocumentID()
	net := &NetworkOptions{ServerURL: ts.URL + "/rooms", ReconnectTimeout: 10 * time.Millisecond}

	a := openSession(t, id, Options{Network: net, User: &presence.UserInfo{ID: "a", Name: "Alice"}})
	var mu sync.Mutex
	var joined []presence.UserInfo
	var left []presence.UserLeft
	var cursors []presence.CursorUpdated
	a.Presence().OnUserJoined(func(u presence.UserInfo) {
		mu.Lock()
		defer mu.Unlock()
		joined = append(joined, u)
	})
	a.Presence().OnUserLeft(func(u presence.UserLeft) {
		mu.Lock()
		defer mu.Unlock()
		left = append(left, u)
	})
	a.Presence().OnCursorUpdated(func(c presence.CursorUpdated) {
		mu.Lock()
		defer mu.Unlock()
		cursors = append(cursors, c)
	})

	b, err := Open(context.Background(), id, Options{Network: net, User: &presence.UserInfo{ID: "b", Name: "Bob"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(a.Collaborators()) == 2 }, waitFor, tick)
	mu.Lock()
	require.Len(t, joined, 1)
	assert.Equal(t, "Bob", joined[0].Name)
	assert.Equal(t, presence.ColorFor("b"), joined[0].Color)
	mu.Unlock()

	require.NoError(t, b.UpdateCursor(&presence.Cursor{Anchor: 1, Head: 3}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cursors) > 0
	}, waitFor, tick)
	mu.Lock()
	last := cursors[len(cursors)-1]
	assert.Equal(t, presence.Cursor{Anchor: 1, Head: 3}, last.Cursor)
	require.NotNil(t, last.User)
	assert.Equal(t, "Bob", last.User.Name)
	mu.Unlock()

	bobID := b.Presence().LocalClientID()
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return len(a.Collaborators()) == 1 }, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, left, 1)
	assert.Equal(t, bobID, left[0].ClientID)
}

func TestCollaborators_change_events(t *testing.T) {
	ts := startRelay(t)
	id := NewDocumentID()
	net := &NetworkOptions{ServerURL: ts.URL + "/rooms"}
	a := openSession(t, id, Options{Network: net, User: &presence.UserInfo{ID: "a", Name: "Alice"}})
	var seen atomic.Int32
	unsub := a.OnCollaboratorsChange(func(list []presence.Collaborator) {
		seen.Store(int32(len(list)))
	})
	defer unsub()
	openSession(t, id, Options{Network: net, User: &presence.UserInfo{ID: "b", Name: "Bob"}})
	require.Eventually(t, func() bool { return seen.Load() == 2 }, waitFor, tick)
}
