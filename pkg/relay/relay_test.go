package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sessions/pkg/awareness"
	"github.com/astromechza/automerge-sessions/pkg/netsync"
	"github.com/astromechza/automerge-sessions/pkg/persist"
	"github.com/astromechza/automerge-sessions/pkg/replica"
	"github.com/astromechza/automerge-sessions/pkg/wire"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

func startRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func connectChannel(t *testing.T, ts *httptest.Server, room string) (*replica.Document, *netsync.Channel) {
	doc, err := replica.New()
	require.NoError(t, err)
	ch, err := netsync.New(doc, netsync.Options{ServerURL: ts.URL + "/rooms", Room: room})
	require.NoError(t, err)
	t.Cleanup(ch.Destroy)
	ch.Connect()
	require.Eventually(t, func() bool { return ch.State() == netsync.ConnectedSynced }, waitFor, tick)
	return doc, ch
}

func dialRaw(t *testing.T, ts *httptest.Server, room string) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/" + room
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readPresence skips sync traffic until a presence frame arrives.
func readPresence(t *testing.T, conn *websocket.Conn) []awareness.Entry {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		kind, payload, err := wire.Decode(raw)
		require.NoError(t, err)
		if kind != wire.KindPresence {
			continue
		}
		entries, err := awareness.DecodeUpdate(payload)
		require.NoError(t, err)
		return entries
	}
}

func TestRelay_syncs_peers(t *testing.T) {
	s, ts := startRelay(t, Options{})
	a, _ := connectChannel(t, ts, "notes")
	b, _ := connectChannel(t, ts, "notes")

	require.NoError(t, a.Append("Hello"))
	require.Eventually(t, func() bool { return b.Text() == "Hello" }, waitFor, tick)
	require.NoError(t, b.Append(" World"))
	require.Eventually(t, func() bool { return a.Text() == "Hello World" }, waitFor, tick)

	doc, ok := s.Document("notes")
	require.True(t, ok)
	assert.Equal(t, "Hello World", doc.Text())
	assert.Equal(t, []string{"notes"}, s.Rooms())
}

func TestRelay_rooms_are_isolated(t *testing.T) {
	_, ts := startRelay(t, Options{})
	a, _ := connectChannel(t, ts, "one")
	b, _ := connectChannel(t, ts, "two")
	require.NoError(t, a.Append("only in one"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "", b.Text())
}

func TestRelay_presence_fanout_and_departure(t *testing.T) {
	_, ts := startRelay(t, Options{})
	alice := dialRaw(t, ts, "room")
	bob := dialRaw(t, ts, "room")

	aw := awareness.New(42)
	require.NoError(t, aw.SetLocalStateField("user", map[string]string{"id": "a", "name": "Alice"}))
	payload, err := aw.EncodeUpdate([]awareness.ClientID{42})
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.KindPresence, payload)))

	entries := readPresence(t, bob)
	require.Len(t, entries, 1)
	assert.Equal(t, awareness.ClientID(42), entries[0].ClientID)
	assert.True(t, entries[0].State.Has("user"))

	// a late joiner is told who is already there
	carol := dialRaw(t, ts, "room")
	entries = readPresence(t, carol)
	require.Len(t, entries, 1)
	assert.Equal(t, awareness.ClientID(42), entries[0].ClientID)

	require.NoError(t, alice.Close())
	for {
		entries = readPresence(t, bob)
		require.Len(t, entries, 1)
		assert.Equal(t, awareness.ClientID(42), entries[0].ClientID)
		if entries[0].State == nil {
			break
		}
	}
}

func TestRelay_drops_malformed_frames(t *testing.T) {
	_, ts := startRelay(t, Options{})
	raw := dialRaw(t, ts, "room")
	require.NoError(t, raw.WriteMessage(websocket.BinaryMessage, []byte{9, 1, 2}))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, raw.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.KindPresence, []byte{0xff})))

	a, _ := connectChannel(t, ts, "room")
	require.NoError(t, a.Append("still works"))
	b, _ := connectChannel(t, ts, "room")
	require.Eventually(t, func() bool { return b.Text() == "still works" }, waitFor, tick)
}

func TestRelay_backup_and_restore(t *testing.T) {
	store := persist.NewMemoryStore()
	s, ts := startRelay(t, Options{Backup: store})
	a, _ := connectChannel(t, ts, "kept")
	require.NoError(t, a.Append("survives restarts"))
	require.Eventually(t, func() bool {
		doc, ok := s.Document("kept")
		return ok && doc.Text() == "survives restarts"
	}, waitFor, tick)

	require.NoError(t, s.Backup(context.Background()))
	assert.Contains(t, store.Keys(), BackupKeyPrefix+"kept")

	resp, err := http.Get(ts.URL + "/rooms/kept/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Snapshot-Id"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	latest, err := replica.Load(body)
	require.NoError(t, err)
	assert.Equal(t, "survives restarts", latest.Text())

	_, ts2 := startRelay(t, Options{Backup: store})
	b, _ := connectChannel(t, ts2, "kept")
	require.Eventually(t, func() bool { return b.Text() == "survives restarts" }, waitFor, tick)
}

func TestRelay_latest_unknown_room(t *testing.T) {
	_, ts := startRelay(t, Options{})
	resp, err := http.Get(ts.URL + "/rooms/missing/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
