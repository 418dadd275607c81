package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waveroom/server/internal/permission"
	"waveroom/server/internal/store"
)

func seedProject(t *testing.T, mem *store.Memory) {
	t.Helper()
	require.NoError(t, mem.CreateProject(context.Background(), store.Project{
		ID: "p1", OwnerID: "owner", Name: "Demo", CurrentVersion: 1, CreatedAt: time.Now(),
	}))
}

func TestRoleResolution(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedProject(t, mem)
	svc := NewService(mem, Options{})

	role, ok, err := svc.RoleOf(ctx, "p1", "owner")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, permission.RoleOwner, role)

	_, ok, err = svc.RoleOf(ctx, "p1", "stranger")
	require.NoError(t, err)
	require.False(t, ok)

	// A pending invitation confers no role until accepted.
	c, err := svc.Invite(ctx, "p1", "owner", InviteRequest{Email: "e@x.io", Role: permission.RoleEditor})
	require.NoError(t, err)
	require.Equal(t, store.InvitePending, c.InviteStatus)

	_, ok, err = svc.RoleOf(ctx, "p1", "editor-user")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.AcceptInvite(ctx, "p1", "editor-user", "e@x.io"))
	role, ok, err = svc.RoleOf(ctx, "p1", "editor-user")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, permission.RoleEditor, role)
}

func TestInviteGuards(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedProject(t, mem)
	svc := NewService(mem, Options{})

	_, err := svc.Invite(ctx, "p1", "stranger", InviteRequest{Email: "e@x.io", Role: permission.RoleViewer})
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.Invite(ctx, "p1", "owner", InviteRequest{Email: "e@x.io", Role: permission.RoleViewer})
	require.NoError(t, err)
	_, err = svc.Invite(ctx, "p1", "owner", InviteRequest{Email: "e@x.io", Role: permission.RoleEditor})
	require.ErrorIs(t, err, ErrAlreadyCollaborator)

	require.ErrorIs(t, svc.AcceptInvite(ctx, "p1", "u", "nobody@x.io"), ErrInviteNotFound)
	require.NoError(t, svc.AcceptInvite(ctx, "p1", "u", "e@x.io"))
	require.ErrorIs(t, svc.AcceptInvite(ctx, "p1", "u", "e@x.io"), ErrAlreadyAccepted)
}

func TestUpdateAndRemoveRequireManagePermission(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedProject(t, mem)
	svc := NewService(mem, Options{})

	c, err := svc.Invite(ctx, "p1", "owner", InviteRequest{Email: "e@x.io", Role: permission.RoleViewer})
	require.NoError(t, err)
	require.NoError(t, svc.AcceptInvite(ctx, "p1", "viewer-user", "e@x.io"))

	// An editor cannot manage permissions.
	c2, err := svc.Invite(ctx, "p1", "owner", InviteRequest{Email: "ed@x.io", Role: permission.RoleEditor})
	require.NoError(t, err)
	require.NoError(t, svc.AcceptInvite(ctx, "p1", "editor-user", "ed@x.io"))
	require.ErrorIs(t, svc.UpdateRole(ctx, "p1", c.ID, "editor-user", permission.RoleEditor), ErrPermissionDenied)

	require.NoError(t, svc.UpdateRole(ctx, "p1", c.ID, "owner", permission.RoleEditor))
	role, ok, err := svc.RoleOf(ctx, "p1", "viewer-user")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, permission.RoleEditor, role)

	require.ErrorIs(t, svc.Remove(ctx, "p1", c2.ID, "viewer-user"), ErrPermissionDenied)
	require.NoError(t, svc.Remove(ctx, "p1", c2.ID, "owner"))
	list, err := svc.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
