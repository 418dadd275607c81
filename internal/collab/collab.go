// Package collab manages project collaborators and invitations, and is
// the role source behind permission resolution: the project owner is
// OWNER, accepted collaborators carry their invited role, everyone else
// has no role.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"waveroom/server/internal/permission"
	"waveroom/server/internal/store"
)

var (
	ErrPermissionDenied    = errors.New("collab: permission denied")
	ErrAlreadyCollaborator = errors.New("collab: user is already a collaborator")
	ErrInviteNotFound      = errors.New("collab: invitation not found")
	ErrAlreadyAccepted     = errors.New("collab: invitation already accepted")
)

// Store is the subset of the persistent store the service needs.
type Store interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	InsertCollaborator(ctx context.Context, c store.Collaborator) error
	CollaboratorByEmail(ctx context.Context, projectID, email string) (store.Collaborator, error)
	CollaboratorByID(ctx context.Context, id string) (store.Collaborator, error)
	AcceptedCollaborator(ctx context.Context, projectID, userID string) (store.Collaborator, error)
	UpdateCollaborator(ctx context.Context, c store.Collaborator) error
	DeleteCollaborator(ctx context.Context, id string) error
	ListCollaborators(ctx context.Context, projectID string) ([]store.Collaborator, error)
}

// InviteRequest invites an email address with a role below OWNER.
type InviteRequest struct {
	Email string          `json:"email"`
	Role  permission.Role `json:"role"`
}

// Service implements collaborator management and permission.RoleSource.
type Service struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// Options configure a Service.
type Options struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewService(st Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: st, now: opts.Now, log: opts.Logger}
}

// RoleOf resolves a user's role in a project.
func (s *Service) RoleOf(ctx context.Context, projectID, userID string) (permission.Role, bool, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err == nil && p.OwnerID == userID {
		return permission.RoleOwner, true, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}
	c, err := s.store.AcceptedCollaborator(ctx, projectID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return c.Role, true, nil
}

func (s *Service) permissionsOf(ctx context.Context, projectID, userID string) (permission.Set, error) {
	role, ok, err := s.RoleOf(ctx, projectID, userID)
	if err != nil || !ok {
		return permission.None, err
	}
	return permission.ForRole(role), nil
}

// Invite adds a pending invitation. Requires the inviter's canInvite.
func (s *Service) Invite(ctx context.Context, projectID, invitedBy string, req InviteRequest) (store.Collaborator, error) {
	set, err := s.permissionsOf(ctx, projectID, invitedBy)
	if err != nil {
		return store.Collaborator{}, err
	}
	if !set.CanInvite {
		return store.Collaborator{}, ErrPermissionDenied
	}
	if _, err := s.store.CollaboratorByEmail(ctx, projectID, req.Email); err == nil {
		return store.Collaborator{}, ErrAlreadyCollaborator
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Collaborator{}, err
	}

	c := store.Collaborator{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Email:        req.Email,
		Role:         req.Role,
		InviteStatus: store.InvitePending,
		InvitedBy:    invitedBy,
		InvitedAt:    s.now(),
	}
	if err := s.store.InsertCollaborator(ctx, c); err != nil {
		return store.Collaborator{}, fmt.Errorf("invite collaborator: %w", err)
	}
	s.log.Info().Str("project", projectID).Str("email", req.Email).
		Str("role", string(req.Role)).Str("by", invitedBy).Msg("collaborator invited")
	return c, nil
}

// AcceptInvite binds the invitation for email to userID and marks it
// accepted.
func (s *Service) AcceptInvite(ctx context.Context, projectID, userID, email string) error {
	c, err := s.store.CollaboratorByEmail(ctx, projectID, email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInviteNotFound
	}
	if err != nil {
		return err
	}
	if c.InviteStatus == store.InviteAccepted {
		return ErrAlreadyAccepted
	}
	now := s.now()
	c.UserID = userID
	c.InviteStatus = store.InviteAccepted
	c.AcceptedAt = &now
	if err := s.store.UpdateCollaborator(ctx, c); err != nil {
		return fmt.Errorf("accept invite: %w", err)
	}
	s.log.Info().Str("project", projectID).Str("user", userID).Msg("invite accepted")
	return nil
}

// UpdateRole changes a collaborator's role. Requires
// canManagePermissions.
func (s *Service) UpdateRole(ctx context.Context, projectID, collaboratorID, updatedBy string, role permission.Role) error {
	set, err := s.permissionsOf(ctx, projectID, updatedBy)
	if err != nil {
		return err
	}
	if !set.CanManagePermissions {
		return ErrPermissionDenied
	}
	c, err := s.store.CollaboratorByID(ctx, collaboratorID)
	if err != nil {
		return err
	}
	c.Role = role
	return s.store.UpdateCollaborator(ctx, c)
}

// Remove deletes a collaborator. Requires canManagePermissions.
func (s *Service) Remove(ctx context.Context, projectID, collaboratorID, removedBy string) error {
	set, err := s.permissionsOf(ctx, projectID, removedBy)
	if err != nil {
		return err
	}
	if !set.CanManagePermissions {
		return ErrPermissionDenied
	}
	return s.store.DeleteCollaborator(ctx, collaboratorID)
}

// List returns all collaborators of a project, oldest invitation first.
func (s *Service) List(ctx context.Context, projectID string) ([]store.Collaborator, error) {
	return s.store.ListCollaborators(ctx, projectID)
}
