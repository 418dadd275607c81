package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waveroom/server/internal/permission"
)

type fakePerms map[string]permission.Role

func (f fakePerms) For(_ context.Context, _ string, userID string) (permission.Set, error) {
	return permission.ForRole(f[userID]), nil
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *time.Time) {
	t.Helper()
	now := time.Unix(9000, 0)
	clock := func() time.Time { return now }
	store := NewMemoryStore(clock)
	perms := fakePerms{
		"owner":  permission.RoleOwner,
		"editor": permission.RoleEditor,
		"other":  permission.RoleEditor,
		"viewer": permission.RoleViewer,
	}
	return NewManager(store, perms, Options{Now: clock}), store, &now
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	resp, err := m.Request(ctx, "p1", "editor", "Ada", "t1", 300*time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotNil(t, resp.Lock)

	resp, err = m.Request(ctx, "p1", "other", "Grace", "t1", 300*time.Second)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.CurrentHolder)
	require.Equal(t, "editor", resp.CurrentHolder.UserID)
	require.Contains(t, resp.Message, "Ada")

	// Same track in another project is independent.
	resp, err = m.Request(ctx, "p2", "other", "Grace", "t1", 300*time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestConcurrentRequestsNeverBothSucceed(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	const attempts = 32
	granted := make(chan Response, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		user := "editor"
		if i%2 == 1 {
			user = "other"
		}
		go func(user string) {
			defer wg.Done()
			resp, err := m.Request(ctx, "p1", user, user, "t1", time.Minute)
			require.NoError(t, err)
			if resp.Success {
				granted <- resp
			}
		}(user)
	}
	wg.Wait()
	close(granted)
	require.Len(t, granted, 1)
}

func TestViewerCannotLock(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	resp, err := m.Request(ctx, "p1", "viewer", "Vera", "t1", 0)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Nil(t, resp.CurrentHolder)
	require.Contains(t, resp.Message, "permission")
}

func TestExpiredLockIsReplaced(t *testing.T) {
	ctx := context.Background()
	m, _, now := newTestManager(t)

	resp, err := m.Request(ctx, "p1", "editor", "Ada", "t1", time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)

	*now = now.Add(1100 * time.Millisecond)

	locked, err := m.LockedTracks(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, locked, "expired locks are filtered at read time")

	resp, err = m.Request(ctx, "p1", "other", "Grace", "t1", time.Minute)
	require.NoError(t, err)
	require.True(t, resp.Success, "expired lock must be replaced atomically")
	require.Equal(t, "other", resp.Lock.UserID)
}

func TestReleaseExpiredLockReportsNotLocked(t *testing.T) {
	ctx := context.Background()
	m, _, now := newTestManager(t)

	resp, err := m.Request(ctx, "p1", "editor", "Ada", "t1", time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)

	*now = now.Add(1100 * time.Millisecond)

	// The lapsed lock is gone from the holder's point of view too.
	require.ErrorIs(t, m.Release(ctx, "p1", "t1", "editor"), ErrNotLocked)
}

func TestReleasePermissions(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	require.ErrorIs(t, m.Release(ctx, "p1", "t1", "editor"), ErrNotLocked)

	resp, err := m.Request(ctx, "p1", "editor", "Ada", "t1", time.Minute)
	require.NoError(t, err)
	require.True(t, resp.Success)

	// Another editor cannot release; the owner can.
	require.ErrorIs(t, m.Release(ctx, "p1", "t1", "other"), ErrPermissionDenied)
	require.NoError(t, m.Release(ctx, "p1", "t1", "owner"))

	resp, err = m.Request(ctx, "p1", "editor", "Ada", "t1", time.Minute)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NoError(t, m.Release(ctx, "p1", "t1", "editor"), "holder releases own lock")
}

func TestReleaseAllHeldBy(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	for _, track := range []string{"t1", "t2"} {
		resp, err := m.Request(ctx, "p1", "editor", "Ada", track, time.Minute)
		require.NoError(t, err)
		require.True(t, resp.Success)
	}
	resp, err := m.Request(ctx, "p1", "other", "Grace", "t3", time.Minute)
	require.NoError(t, err)
	require.True(t, resp.Success)

	released, err := m.ReleaseAllHeldBy(ctx, "p1", "editor")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"t1", "t2"}, released)

	locked, err := m.LockedTracks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, locked, 1)
	require.Equal(t, "t3", locked[0].TrackID)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	m, _, now := newTestManager(t)

	resp, err := m.Request(ctx, "p1", "editor", "Ada", "t1", time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)
	resp, err = m.Request(ctx, "p2", "editor", "Ada", "t9", time.Hour)
	require.NoError(t, err)
	require.True(t, resp.Success)

	*now = now.Add(2 * time.Second)
	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
