package version

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"waveroom/server/internal/crdt"
	"waveroom/server/internal/document"
	"waveroom/server/internal/permission"
	"waveroom/server/internal/store"
)

type staticPerms map[string]permission.Set

func (p staticPerms) For(_ context.Context, _, userID string) (permission.Set, error) {
	return p[userID], nil
}

func newFixture(t *testing.T) (*Service, *store.Memory, *document.Registry, string) {
	t.Helper()
	mem := store.NewMemory()
	docs := document.NewRegistry(document.Options{Logger: zerolog.Nop()})
	t.Cleanup(docs.Close)

	projectID := "proj-1"
	require.NoError(t, mem.CreateProject(context.Background(), store.Project{
		ID:      projectID,
		OwnerID: "owner",
		Name:    "Demo Song",
		Tempo:   120,
	}))

	perms := staticPerms{
		"owner":  permission.ForRole(permission.RoleOwner),
		"editor": permission.ForRole(permission.RoleEditor),
		"viewer": permission.ForRole(permission.RoleViewer),
	}
	svc := NewService(mem, docs, perms, Options{Logger: zerolog.Nop()})
	return svc, mem, docs, projectID
}

func TestCreateNumbersVersionsSequentially(t *testing.T) {
	svc, mem, docs, projectID := newFixture(t)
	ctx := context.Background()

	doc := docs.GetOrCreate(projectID)
	require.NoError(t, doc.Set("tracks", "t1", crdt.String("Drums")))

	for want := 1; want <= 3; want++ {
		v, err := svc.Create(ctx, projectID, "owner", "checkpoint")
		require.NoError(t, err)
		require.Equal(t, want, v.Number)
		require.NotZero(t, v.Size)
		require.NotEmpty(t, v.Blob)

		p, err := mem.GetProject(ctx, projectID)
		require.NoError(t, err)
		require.Equal(t, want, p.CurrentVersion)
	}
}

func TestCreateUnknownProject(t *testing.T) {
	svc, _, _, _ := newFixture(t)
	_, err := svc.Create(context.Background(), "no-such-project", "owner", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryNewestFirst(t *testing.T) {
	svc, _, _, projectID := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, projectID, "owner", "checkpoint")
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, projectID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 3, history[0].Number)
	require.Equal(t, 1, history[2].Number)

	limited, err := svc.History(ctx, projectID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestRestoreWithBackup(t *testing.T) {
	svc, _, docs, projectID := newFixture(t)
	ctx := context.Background()
	doc := docs.GetOrCreate(projectID)

	require.NoError(t, doc.Set("tracks", "t1", crdt.String("Drums")))
	_, err := svc.Create(ctx, projectID, "owner", "v1")
	require.NoError(t, err)

	require.NoError(t, doc.Set("tracks", "t1", crdt.String("Bass")))
	v2, err := svc.Create(ctx, projectID, "owner", "v2")
	require.NoError(t, err)

	require.NoError(t, doc.Set("tracks", "t1", crdt.String("Keys")))
	_, err = svc.Create(ctx, projectID, "owner", "v3")
	require.NoError(t, err)

	require.NoError(t, svc.Restore(ctx, projectID, "editor", v2.ID, true))

	// The pre-restore state became version 4, then v2's state loaded.
	history, err := svc.History(ctx, projectID, 0)
	require.NoError(t, err)
	require.Equal(t, 4, history[0].Number)
	require.Equal(t, "Backup before restoring v2", history[0].ChangeDescription)

	got, ok := doc.Get("tracks", "t1")
	require.True(t, ok)
	require.Equal(t, crdt.String("Bass"), got)
}

func TestRestoreGuards(t *testing.T) {
	svc, _, _, projectID := newFixture(t)
	ctx := context.Background()

	v, err := svc.Create(ctx, projectID, "owner", "v1")
	require.NoError(t, err)

	require.ErrorIs(t, svc.Restore(ctx, projectID, "viewer", v.ID, false), ErrPermissionDenied)
	require.ErrorIs(t, svc.Restore(ctx, projectID, "owner", "missing", false), ErrNotFound)
	// A version belonging to another project is invisible here.
	require.ErrorIs(t, svc.Restore(ctx, "other-project", "owner", v.ID, false), ErrNotFound)
}

func TestForkCopiesStateAndCollaborators(t *testing.T) {
	svc, mem, docs, projectID := newFixture(t)
	ctx := context.Background()

	doc := docs.GetOrCreate(projectID)
	require.NoError(t, doc.Set("tracks", "t1", crdt.String("Drums")))
	require.NoError(t, doc.Set("metadata", "bpm", crdt.Int(128)))

	require.NoError(t, mem.InsertCollaborator(ctx, store.Collaborator{
		ID: "c1", ProjectID: projectID, UserID: "editor", Email: "editor@example.com",
		Role: permission.RoleEditor, InviteStatus: store.InviteAccepted,
	}))
	require.NoError(t, mem.InsertCollaborator(ctx, store.Collaborator{
		ID: "c2", ProjectID: projectID, UserID: "viewer", Email: "viewer@example.com",
		Role: permission.RoleViewer, InviteStatus: store.InvitePending,
	}))

	forkID, err := svc.Fork(ctx, projectID, "editor", ForkRequest{
		Name:                 "Demo Song (remix)",
		IncludeCollaborators: true,
	})
	require.NoError(t, err)
	require.NotEqual(t, projectID, forkID)

	forked, err := mem.GetProject(ctx, forkID)
	require.NoError(t, err)
	require.Equal(t, "editor", forked.OwnerID)
	require.Equal(t, 120, forked.Tempo)

	got, ok := docs.GetOrCreate(forkID).Get("tracks", "t1")
	require.True(t, ok)
	require.Equal(t, crdt.String("Drums"), got)

	// Only accepted collaborators carry over, minus the forker, as
	// fresh pending invites.
	carried, err := mem.ListCollaborators(ctx, forkID)
	require.NoError(t, err)
	require.Empty(t, carried)

	forkID2, err := svc.Fork(ctx, projectID, "owner", ForkRequest{
		Name:                 "Demo Song (owner copy)",
		IncludeCollaborators: true,
	})
	require.NoError(t, err)
	carried, err = mem.ListCollaborators(ctx, forkID2)
	require.NoError(t, err)
	require.Len(t, carried, 1)
	require.Equal(t, "editor", carried[0].UserID)
	require.Equal(t, store.InvitePending, carried[0].InviteStatus)
}

func TestForkRequiresExportPermission(t *testing.T) {
	svc, _, _, projectID := newFixture(t)
	_, err := svc.Fork(context.Background(), projectID, "viewer", ForkRequest{Name: "x"})
	require.ErrorIs(t, err, ErrPermissionDenied)
}
