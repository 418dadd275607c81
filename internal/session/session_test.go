package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"waveroom/server/internal/chat"
	"waveroom/server/internal/crdt"
	"waveroom/server/internal/document"
	"waveroom/server/internal/lock"
	"waveroom/server/internal/permission"
	"waveroom/server/internal/presence"
	"waveroom/server/internal/store"
	"waveroom/server/internal/version"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []Envelope
}

func (c *captureSender) Send(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic("malformed outbound envelope: " + err.Error())
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, env)
	c.mu.Unlock()
}

func (c *captureSender) byType(msgType string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, env := range c.msgs {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (c *captureSender) waitFor(t *testing.T, msgType string) Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.byType(msgType); len(got) > 0 {
			return got[len(got)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q message arrived", msgType)
	return Envelope{}
}

func (c *captureSender) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

type staticPerms map[string]permission.Set

func (p staticPerms) For(_ context.Context, _, userID string) (permission.Set, error) {
	return p[userID], nil
}

type fixture struct {
	gw       *Gateway
	docs     *document.Registry
	presence *presence.Registry
	locks    *lock.Manager
	hub      *Hub
	mem      *store.Memory
}

func newFixture(t *testing.T, presenceStore presence.Store) *fixture {
	t.Helper()
	log := zerolog.Nop()

	if presenceStore == nil {
		presenceStore = presence.NewMemoryStore(0, nil)
	}
	pres := presence.NewRegistry(presenceStore, presence.Options{Logger: log})

	perms := staticPerms{
		"owner":  permission.ForRole(permission.RoleOwner),
		"editor": permission.ForRole(permission.RoleEditor),
		"viewer": permission.ForRole(permission.RoleViewer),
	}

	docs := document.NewRegistry(document.Options{FlushInterval: 5 * time.Millisecond, Logger: log})
	t.Cleanup(docs.Close)

	locks := lock.NewManager(lock.NewMemoryStore(nil), perms, lock.Options{Logger: log})

	mem := store.NewMemory()
	require.NoError(t, mem.CreateProject(context.Background(), store.Project{ID: "p1", OwnerID: "owner", Name: "Song"}))

	versions := version.NewService(mem, docs, perms, version.Options{Logger: log})
	chatSvc := chat.NewService(mem, perms, chat.Options{Logger: log})

	hub := NewHub(HubOptions{Logger: log})
	t.Cleanup(hub.Close)

	gw := NewGateway(docs, pres, locks, versions, chatSvc, perms, hub, GatewayOptions{Logger: log})
	return &fixture{gw: gw, docs: docs, presence: pres, locks: locks, hub: hub, mem: mem}
}

func (f *fixture) connect(t *testing.T, connID, userID, username string) (*Session, *captureSender) {
	t.Helper()
	out := &captureSender{}
	sess := f.gw.NewSession(connID, userID, username, "", out)
	return sess, out
}

func join(t *testing.T, sess *Session, out *captureSender) Envelope {
	t.Helper()
	sess.Handle(context.Background(), encode(TypeJoin, "p1", nil))
	env := out.waitFor(t, TypeJoined)
	return env
}

func TestJoinDeliversInitialState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	owner, ownerOut := f.connect(t, "c1", "owner", "Olive")
	join(t, owner, ownerOut)

	resp, err := f.locks.Request(ctx, "p1", "owner", "Olive", "t1", 0)
	require.NoError(t, err)
	require.True(t, resp.Success)

	editor, editorOut := f.connect(t, "c2", "editor", "Eve")
	env := join(t, editor, editorOut)

	var joined JoinedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &joined))
	require.Equal(t, "editor", joined.Presence.UserID)
	require.NotEmpty(t, joined.Presence.Color)
	require.Len(t, joined.ActiveUsers, 2)
	require.Len(t, joined.LockedTracks, 1)
	require.Equal(t, "t1", joined.LockedTracks[0].TrackID)
	require.True(t, joined.Permissions.CanEdit)
	require.False(t, joined.Permissions.CanManagePermissions)

	// The peer sees the newcomer.
	userJoined := ownerOut.waitFor(t, TypeUserJoined)
	var rec presence.Record
	require.NoError(t, json.Unmarshal(userJoined.Payload, &rec))
	require.Equal(t, "editor", rec.UserID)

	require.Equal(t, 2, f.hub.Members("p1"))
}

func TestJoinWithoutRoleIsRejected(t *testing.T) {
	f := newFixture(t, nil)

	sess, out := f.connect(t, "c1", "stranger", "X")
	sess.Handle(context.Background(), encode(TypeJoin, "p1", nil))

	env := out.waitFor(t, TypeError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &e))
	require.Equal(t, "access denied", e.Message)
	require.Zero(t, f.hub.Members("p1"))
}

type failingPresenceStore struct{}

func (failingPresenceStore) Put(context.Context, string, presence.Record) error {
	return errors.New("store unavailable")
}
func (failingPresenceStore) Get(context.Context, string, string) (presence.Record, bool, error) {
	return presence.Record{}, false, nil
}
func (failingPresenceStore) Delete(context.Context, string, string) error { return nil }
func (failingPresenceStore) List(context.Context, string) ([]presence.Record, error) {
	return nil, nil
}
func (failingPresenceStore) Count(context.Context, string) (int, error)        { return 0, nil }
func (failingPresenceStore) ProjectsOf(context.Context, string) ([]string, error) { return nil, nil }

func TestJoinIsAtomicWhenPresenceFails(t *testing.T) {
	f := newFixture(t, failingPresenceStore{})

	sess, out := f.connect(t, "c1", "editor", "Eve")
	sess.Handle(context.Background(), encode(TypeJoin, "p1", nil))

	out.waitFor(t, TypeError)
	require.Empty(t, out.byType(TypeJoined))

	// No partial state: no room membership, no document subscription.
	require.Zero(t, f.hub.Members("p1"))
	require.Zero(t, f.docs.Stats().TotalSubscribers)
}

func TestSyncUpdateRelaysToPeersOnly(t *testing.T) {
	f := newFixture(t, nil)

	owner, ownerOut := f.connect(t, "c1", "owner", "Olive")
	join(t, owner, ownerOut)
	editor, editorOut := f.connect(t, "c2", "editor", "Eve")
	join(t, editor, editorOut)
	ownerOut.reset()
	editorOut.reset()

	client := crdt.NewDoc("editor-device")
	require.NoError(t, client.Set("tracks", "t1", crdt.String("Drums")))
	update, err := client.EncodeStateAsUpdate()
	require.NoError(t, err)

	editor.Handle(context.Background(), encode(TypeSync, "p1", SyncPayload{Type: "update", Update: update}))

	env := ownerOut.waitFor(t, TypeSync)
	var p SyncPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "update", p.Type)
	require.Equal(t, update, p.Update)

	require.Empty(t, editorOut.byType(TypeSync), "sender must not receive its own update back")

	got, ok := f.docs.GetOrCreate("p1").Get("tracks", "t1")
	require.True(t, ok)
	require.Equal(t, crdt.String("Drums"), got)
}

func TestMalformedUpdateTriggersResync(t *testing.T) {
	f := newFixture(t, nil)

	sess, out := f.connect(t, "c1", "editor", "Eve")
	join(t, sess, out)

	require.NoError(t, f.docs.GetOrCreate("p1").Set("tracks", "t1", crdt.String("Bass")))
	out.reset()

	sess.Handle(context.Background(), encode(TypeSync, "p1", SyncPayload{Type: "update", Update: []byte("junk")}))

	out.waitFor(t, TypeError)
	env := out.waitFor(t, TypeSync)
	var p SyncPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))

	// The resync carries the full server state.
	fresh := crdt.NewDoc("probe")
	require.NoError(t, fresh.ApplyUpdate(p.Update))
	got, ok := fresh.Get("tracks", "t1")
	require.True(t, ok)
	require.Equal(t, crdt.String("Bass"), got)
}

func TestSyncRequestReturnsDiff(t *testing.T) {
	f := newFixture(t, nil)

	sess, out := f.connect(t, "c1", "editor", "Eve")
	join(t, sess, out)
	require.NoError(t, f.docs.GetOrCreate("p1").Set("metadata", "bpm", crdt.Int(128)))
	out.reset()

	sv, err := crdt.StateVector{}.Encode()
	require.NoError(t, err)
	sess.Handle(context.Background(), encode(TypeSync, "p1", SyncPayload{Type: "sync", StateVector: sv}))

	env := out.waitFor(t, TypeSync)
	var p SyncPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	fresh := crdt.NewDoc("probe")
	require.NoError(t, fresh.ApplyUpdate(p.Update))
	got, ok := fresh.Get("metadata", "bpm")
	require.True(t, ok)
	require.Equal(t, crdt.Int(128), got)
}

func TestLockRequestRespondsAndNotifiesPeers(t *testing.T) {
	f := newFixture(t, nil)

	owner, ownerOut := f.connect(t, "c1", "owner", "Olive")
	join(t, owner, ownerOut)
	editor, editorOut := f.connect(t, "c2", "editor", "Eve")
	join(t, editor, editorOut)
	ownerOut.reset()

	editor.Handle(context.Background(), encode(TypeLockRequest, "p1", LockRequestPayload{TrackID: "t1"}))

	env := editorOut.waitFor(t, TypeLockResponse)
	var resp lock.Response
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.True(t, resp.Success)
	require.Equal(t, "editor", resp.Lock.UserID)

	locked := ownerOut.waitFor(t, TypeTrackLocked)
	var tl TrackLockPayload
	require.NoError(t, json.Unmarshal(locked.Payload, &tl))
	require.Equal(t, "t1", tl.TrackID)

	// A conflicting request gets a structured failure, no broadcast.
	ownerOut.reset()
	owner.Handle(context.Background(), encode(TypeLockRequest, "p1", LockRequestPayload{TrackID: "t1"}))
	env = ownerOut.waitFor(t, TypeLockResponse)
	require.NoError(t, json.Unmarshal(env.Payload, &resp))
	require.False(t, resp.Success)
	require.Equal(t, "Eve", resp.CurrentHolder.Username)
	require.Empty(t, editorOut.byType(TypeTrackLocked))
}

func TestLeaveReleasesLocksAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	owner, ownerOut := f.connect(t, "c1", "owner", "Olive")
	join(t, owner, ownerOut)
	editor, editorOut := f.connect(t, "c2", "editor", "Eve")
	join(t, editor, editorOut)

	editor.Handle(ctx, encode(TypeLockRequest, "p1", LockRequestPayload{TrackID: "t1"}))
	editorOut.waitFor(t, TypeLockResponse)
	ownerOut.reset()

	editor.Handle(ctx, encode(TypeLeave, "p1", nil))

	unlocked := ownerOut.waitFor(t, TypeTrackUnlocked)
	var tl TrackLockPayload
	require.NoError(t, json.Unmarshal(unlocked.Payload, &tl))
	require.Equal(t, "t1", tl.TrackID)

	left := ownerOut.waitFor(t, TypeUserLeft)
	var u UserPayload
	require.NoError(t, json.Unmarshal(left.Payload, &u))
	require.Equal(t, "editor", u.UserID)

	require.Equal(t, 1, f.hub.Members("p1"))
	active, err := f.presence.GetAll(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	locks, err := f.locks.LockedTracks(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, locks)

	// LEFT is terminal.
	editorOut.reset()
	editor.Handle(ctx, encode(TypeJoin, "p1", nil))
	editorOut.waitFor(t, TypeError)
}

func TestChatSendAcksAndBroadcasts(t *testing.T) {
	f := newFixture(t, nil)

	owner, ownerOut := f.connect(t, "c1", "owner", "Olive")
	join(t, owner, ownerOut)
	editor, editorOut := f.connect(t, "c2", "editor", "Eve")
	join(t, editor, editorOut)
	ownerOut.reset()

	editor.Handle(context.Background(), encode(TypeChatSend, "p1", chat.MessageRequest{Text: "hi"}))

	for _, out := range []*captureSender{editorOut, ownerOut} {
		env := out.waitFor(t, TypeChatMessage)
		var m store.ChatMessage
		require.NoError(t, json.Unmarshal(env.Payload, &m))
		require.Equal(t, "hi", m.Text)
		require.Equal(t, "Eve", m.Username)
	}
}

func TestVersionCreateBroadcastsToRoom(t *testing.T) {
	f := newFixture(t, nil)

	owner, ownerOut := f.connect(t, "c1", "owner", "Olive")
	join(t, owner, ownerOut)
	editor, editorOut := f.connect(t, "c2", "editor", "Eve")
	join(t, editor, editorOut)
	ownerOut.reset()

	editor.Handle(context.Background(), encode(TypeVersionCreate, "p1", VersionCreatePayload{Description: "checkpoint"}))

	for _, out := range []*captureSender{editorOut, ownerOut} {
		env := out.waitFor(t, TypeVersionCreated)
		var p VersionCreatedPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		require.Equal(t, 1, p.Version.Number)
		require.Equal(t, "checkpoint", p.Version.ChangeDescription)
	}
}

func TestPresenceAndCursorFanOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	owner, ownerOut := f.connect(t, "c1", "owner", "Olive")
	join(t, owner, ownerOut)
	editor, editorOut := f.connect(t, "c2", "editor", "Eve")
	join(t, editor, editorOut)
	ownerOut.reset()

	status := presence.StatusRecording
	editor.Handle(ctx, encode(TypePresence, "p1", presence.Update{Status: &status}))

	env := ownerOut.waitFor(t, TypePresenceUpdate)
	var rec presence.Record
	require.NoError(t, json.Unmarshal(env.Payload, &rec))
	require.Equal(t, presence.StatusRecording, rec.Status)

	editor.Handle(ctx, encode(TypeCursor, "p1", CursorPayload{Cursor: presence.Cursor{Time: 4.5, TrackID: "t1"}}))
	moved := ownerOut.waitFor(t, TypeCursorMoved)
	var cp CursorPayload
	require.NoError(t, json.Unmarshal(moved.Payload, &cp))
	require.Equal(t, "editor", cp.UserID)
	require.Equal(t, 4.5, cp.Cursor.Time)
}
