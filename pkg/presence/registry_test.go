package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sessions/pkg/awareness"
)

var alice = UserInfo{ID: "user-1", Name: "Alice", Color: "#4ECDC4"}
var bob = UserInfo{ID: "user-2", Name: "Bob", Color: "#FF6B6B"}

func remoteUpdate(t *testing.T, id awareness.ClientID, fields map[string]any) []byte {
	remote := awareness.New(id)
	for k, v := range fields {
		require.NoError(t, remote.SetLocalStateField(k, v))
	}
	raw, err := remote.EncodeUpdate([]awareness.ClientID{id})
	require.NoError(t, err)
	return raw
}

func removal(t *testing.T, id awareness.ClientID) []byte {
	remote := awareness.New(id)
	remote.SetLocalState(nil)
	remote.SetLocalState(nil)
	raw, err := remote.EncodeUpdate([]awareness.ClientID{id})
	require.NoError(t, err)
	return raw
}

func newRegistry(t *testing.T) *Registry {
	r := New(awareness.New(1), nil)
	require.NoError(t, r.SetUser(alice))
	t.Cleanup(r.Destroy)
	return r
}

func TestOnlineUsers_only_local_before_activity(t *testing.T) {
	r := newRegistry(t)
	users := r.OnlineUsers()
	require.Len(t, users, 1)
	assert.Equal(t, alice, users[0].User)
	assert.True(t, users[0].Local)
	assert.Nil(t, users[0].Cursor)
}

func TestJoin_and_leave_fire_once(t *testing.T) {
	r := newRegistry(t)
	var joined []UserInfo
	var left []UserLeft
	r.OnUserJoined(func(u UserInfo) { joined = append(joined, u) })
	r.OnUserLeft(func(u UserLeft) { left = append(left, u) })

	require.NoError(t, r.Awareness().ApplyUpdate(remoteUpdate(t, 99, map[string]any{"user": bob}), "remote"))
	require.Equal(t, []UserInfo{bob}, joined)
	assert.Len(t, r.OnlineUsers(), 2)

	require.NoError(t, r.Awareness().ApplyUpdate(removal(t, 99), "remote"))
	assert.Equal(t, []UserLeft{{ClientID: 99}}, left)
	assert.Len(t, joined, 1)
	assert.Len(t, r.OnlineUsers(), 1)
}

func TestJoin_without_user_is_not_joined(t *testing.T) {
	r := newRegistry(t)
	joined := 0
	r.OnUserJoined(func(UserInfo) { joined++ })

	require.NoError(t, r.Awareness().ApplyUpdate(remoteUpdate(t, 50, nil), "remote"))
	assert.Equal(t, 0, joined)
	assert.Len(t, r.OnlineUsers(), 1)
}

func TestRemoving_never_added_is_noop(t *testing.T) {
	r := newRegistry(t)
	left := 0
	r.OnUserLeft(func(UserLeft) { left++ })
	r.Awareness().RemoveStates([]awareness.ClientID{12345}, "remote")
	assert.Equal(t, 0, left)
}

func TestCursorUpdated_carries_user(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Awareness().ApplyUpdate(remoteUpdate(t, 7, map[string]any{"user": bob}), "remote"))

	var got []CursorUpdated
	r.OnCursorUpdated(func(c CursorUpdated) { got = append(got, c) })
	require.NoError(t, r.Awareness().ApplyUpdate(remoteUpdate(t, 7, map[string]any{
		"user":   bob,
		"cursor": Cursor{Anchor: 3, Head: 9},
	}), "remote"))

	require.Len(t, got, 1)
	assert.Equal(t, awareness.ClientID(7), got[0].ClientID)
	assert.Equal(t, Cursor{Anchor: 3, Head: 9}, got[0].Cursor)
	require.NotNil(t, got[0].User)
	assert.Equal(t, bob, *got[0].User)
}

func TestUpdateCursor_local(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.UpdateCursor(&Cursor{Anchor: 0, Head: 5}))
	users := r.OnlineUsers()
	require.Len(t, users, 1)
	require.NotNil(t, users[0].Cursor)
	assert.Equal(t, Cursor{Anchor: 0, Head: 5}, *users[0].Cursor)

	require.NoError(t, r.UpdateCursor(nil))
	assert.Nil(t, r.OnlineUsers()[0].Cursor)
}

func TestSetUser_once(t *testing.T) {
	r := newRegistry(t)
	assert.NoError(t, r.SetUser(alice))
	assert.ErrorIs(t, r.SetUser(bob), ErrUserAlreadySet)
	assert.Error(t, New(awareness.New(2), nil).SetUser(UserInfo{Name: "no id"}))

	u, ok := r.User()
	require.True(t, ok)
	assert.Equal(t, alice, u)
}

func TestSetUser_fills_color(t *testing.T) {
	r := New(awareness.New(3), nil)
	defer r.Destroy()
	require.NoError(t, r.SetUser(UserInfo{ID: "u", Name: "U"}))
	u, _ := r.User()
	assert.Equal(t, ColorFor("u"), u.Color)
}

func TestOnChange_reports_online_users(t *testing.T) {
	r := newRegistry(t)
	var snapshots [][]Collaborator
	r.OnChange(func(c []Collaborator) { snapshots = append(snapshots, c) })
	require.NoError(t, r.Awareness().ApplyUpdate(remoteUpdate(t, 99, map[string]any{"user": bob}), "remote"))
	require.Len(t, snapshots, 1)
	assert.Len(t, snapshots[0], 2)
}

func TestDestroy_broadcasts_leave_once(t *testing.T) {
	aw := awareness.New(1)
	r := New(aw, nil)
	require.NoError(t, r.SetUser(alice))

	var removed []awareness.ClientID
	aw.OnUpdate(func(c awareness.Change) { removed = append(removed, c.Removed...) })
	leftEvents := 0
	r.OnUserLeft(func(UserLeft) { leftEvents++ })

	r.Destroy()
	r.Destroy()

	assert.Equal(t, []awareness.ClientID{1}, removed)
	assert.Equal(t, 0, leftEvents)
	assert.Empty(t, r.OnlineUsers())
	assert.NoError(t, r.UpdateCursor(&Cursor{}))
}

func TestColorFor_is_stable(t *testing.T) {
	assert.Equal(t, ColorFor("user-1"), ColorFor("user-1"))
	assert.Contains(t, palette, ColorFor(""))
	assert.Equal(t, palette[1], ColorAt(11))
}
