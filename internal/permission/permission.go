// Package permission maps collaborator roles to the fixed capability
// set used to gate collaboration operations.
package permission

import "context"

// Role of a user within a project.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// Set is the total permission set: every capability is a defined
// boolean for every role, and all false for users with no role.
type Set struct {
	CanEdit              bool `json:"canEdit"`
	CanDelete            bool `json:"canDelete"`
	CanInvite            bool `json:"canInvite"`
	CanManagePermissions bool `json:"canManagePermissions"`
	CanExport            bool `json:"canExport"`
	CanComment           bool `json:"canComment"`
	CanChat              bool `json:"canChat"`
	CanLockTracks        bool `json:"canLockTracks"`
}

// None is the permission set of a user with no role.
var None = Set{}

var roleSets = map[Role]Set{
	RoleOwner: {
		CanEdit:              true,
		CanDelete:            true,
		CanInvite:            true,
		CanManagePermissions: true,
		CanExport:            true,
		CanComment:           true,
		CanChat:              true,
		CanLockTracks:        true,
	},
	RoleEditor: {
		CanEdit:       true,
		CanExport:     true,
		CanComment:    true,
		CanChat:       true,
		CanLockTracks: true,
	},
	RoleViewer: {
		CanComment: true,
		CanChat:    true,
	},
}

// ForRole returns the permission set of a role. Unknown roles get None.
func ForRole(role Role) Set {
	return roleSets[role]
}

// RoleSource resolves a user's role in a project; ok is false when the
// user has no role there.
type RoleSource interface {
	RoleOf(ctx context.Context, projectID, userID string) (Role, bool, error)
}

// Service resolves permission sets from a role source.
type Service struct {
	src RoleSource
}

func NewService(src RoleSource) *Service {
	return &Service{src: src}
}

// For returns the user's permission set in the project.
func (s *Service) For(ctx context.Context, projectID, userID string) (Set, error) {
	role, ok, err := s.src.RoleOf(ctx, projectID, userID)
	if err != nil {
		return None, err
	}
	if !ok {
		return None, nil
	}
	return ForRole(role), nil
}
