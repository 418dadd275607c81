package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticRoles map[string]Role

func (s staticRoles) RoleOf(_ context.Context, _ string, userID string) (Role, bool, error) {
	role, ok := s[userID]
	return role, ok, nil
}

func TestRoleSetsAreTotal(t *testing.T) {
	tests := []struct {
		name string
		set  Set
		want Set
	}{
		{"owner", ForRole(RoleOwner), Set{true, true, true, true, true, true, true, true}},
		{"editor", ForRole(RoleEditor), Set{CanEdit: true, CanExport: true, CanComment: true, CanChat: true, CanLockTracks: true}},
		{"viewer", ForRole(RoleViewer), Set{CanComment: true, CanChat: true}},
		{"no role", ForRole(Role("GUEST")), Set{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.set)
		})
	}
	require.False(t, ForRole(RoleViewer).CanEdit)
	require.True(t, ForRole(RoleOwner).CanEdit)
}

func TestServiceResolvesThroughRoleSource(t *testing.T) {
	svc := NewService(staticRoles{"u1": RoleEditor})

	set, err := svc.For(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.True(t, set.CanEdit)
	require.False(t, set.CanManagePermissions)

	set, err = svc.For(context.Background(), "p1", "stranger")
	require.NoError(t, err)
	require.Equal(t, None, set)
}
