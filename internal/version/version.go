// Package version creates, restores, and forks point-in-time snapshots
// of a project's collaborative document state.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"waveroom/server/internal/crdt"
	"waveroom/server/internal/permission"
	"waveroom/server/internal/store"
)

// DefaultHistoryLimit bounds version history queries.
const DefaultHistoryLimit = 20

var (
	ErrPermissionDenied = errors.New("version: permission denied")
	ErrNotFound         = errors.New("version: not found")
)

// Documents is the document registry surface the version store uses.
type Documents interface {
	ExportSnapshot(projectID string) crdt.Snapshot
	LoadSnapshot(projectID string, snap crdt.Snapshot) error
}

// Permissions resolves a user's permission set.
type Permissions interface {
	For(ctx context.Context, projectID, userID string) (permission.Set, error)
}

// Store is the persistent surface the version store needs.
type Store interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	CreateProject(ctx context.Context, p store.Project) error
	SetProjectVersion(ctx context.Context, projectID string, version int) error
	TouchProject(ctx context.Context, projectID string) error
	InsertVersion(ctx context.Context, v store.Version) error
	LatestVersionNumber(ctx context.Context, projectID string) (int, error)
	ListVersions(ctx context.Context, projectID string, limit int) ([]store.Version, error)
	GetVersionByID(ctx context.Context, versionID string) (store.Version, error)
	ListCollaborators(ctx context.Context, projectID string) ([]store.Collaborator, error)
	InsertCollaborator(ctx context.Context, c store.Collaborator) error
}

// ForkRequest copies a project and its document state under a new ID.
type ForkRequest struct {
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	IncludeCollaborators bool   `json:"includeCollaborators,omitempty"`
}

// Service is the version store.
type Service struct {
	store Store
	docs  Documents
	perms Permissions
	now   func() time.Time
	log   zerolog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Options configure a Service.
type Options struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewService(st Store, docs Documents, perms Permissions, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &Service{store: st, docs: docs, perms: perms, now: opts.Now, log: opts.Logger, enc: enc, dec: dec}
}

// Create snapshots the project's current document state. The version
// number is one past the highest existing one, starting at 1, and the
// project's current-version pointer advances with it. Size is the
// serialized (uncompressed) snapshot size in bytes.
func (s *Service) Create(ctx context.Context, projectID, userID, description string) (store.Version, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Version{}, ErrNotFound
		}
		return store.Version{}, err
	}

	snap := s.docs.ExportSnapshot(projectID)
	data, err := json.Marshal(snap)
	if err != nil {
		return store.Version{}, fmt.Errorf("serialize snapshot: %w", err)
	}

	latest, err := s.store.LatestVersionNumber(ctx, projectID)
	if err != nil {
		return store.Version{}, err
	}

	v := store.Version{
		ID:                uuid.NewString(),
		ProjectID:         projectID,
		Number:            latest + 1,
		Blob:              s.enc.EncodeAll(data, nil),
		Size:              len(data),
		ChangeDescription: description,
		CreatedBy:         userID,
		CreatedAt:         s.now(),
	}
	if err := s.store.InsertVersion(ctx, v); err != nil {
		return store.Version{}, err
	}
	if err := s.store.SetProjectVersion(ctx, projectID, v.Number); err != nil {
		return store.Version{}, err
	}
	s.log.Info().Str("project", projectID).Int("version", v.Number).
		Int("size", v.Size).Str("by", userID).Msg("version created")
	return v, nil
}

// History returns versions newest first. limit <= 0 takes the default.
func (s *Service) History(ctx context.Context, projectID string, limit int) ([]store.Version, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.store.ListVersions(ctx, projectID, limit)
}

// Restore loads a version's snapshot back into the live document.
// Requires canEdit. With createBackup, the pre-restore state is saved
// first as its own version.
func (s *Service) Restore(ctx context.Context, projectID, userID, versionID string, createBackup bool) error {
	set, err := s.perms.For(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !set.CanEdit {
		return ErrPermissionDenied
	}

	v, err := s.store.GetVersionByID(ctx, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if v.ProjectID != projectID {
		return ErrNotFound
	}

	if createBackup {
		if _, err := s.Create(ctx, projectID, userID, fmt.Sprintf("Backup before restoring v%d", v.Number)); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	snap, err := s.decodeSnapshot(v.Blob)
	if err != nil {
		return err
	}
	if err := s.docs.LoadSnapshot(projectID, snap); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.store.TouchProject(ctx, projectID); err != nil {
		return err
	}
	s.log.Info().Str("project", projectID).Int("version", v.Number).Msg("version restored")
	return nil
}

// Fork copies the project's static fields and full document state into
// a new project owned by the forker. Requires canExport. Accepted
// collaborators other than the forker can be carried over as new
// pending invitations.
func (s *Service) Fork(ctx context.Context, projectID, userID string, req ForkRequest) (string, error) {
	original, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	set, err := s.perms.For(ctx, projectID, userID)
	if err != nil {
		return "", err
	}
	if !set.CanExport {
		return "", ErrPermissionDenied
	}

	now := s.now()
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Fork of %s", original.Name)
	}
	forked := store.Project{
		ID:             uuid.NewString(),
		OwnerID:        userID,
		Name:           req.Name,
		Description:    description,
		Tempo:          original.Tempo,
		Key:            original.Key,
		TimeSignature:  original.TimeSignature,
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateProject(ctx, forked); err != nil {
		return "", err
	}

	snap := s.docs.ExportSnapshot(projectID)
	if err := s.docs.LoadSnapshot(forked.ID, snap); err != nil {
		return "", fmt.Errorf("copy document state: %w", err)
	}

	if req.IncludeCollaborators {
		collaborators, err := s.store.ListCollaborators(ctx, projectID)
		if err != nil {
			return "", err
		}
		for _, c := range collaborators {
			if c.InviteStatus != store.InviteAccepted || c.UserID == userID {
				continue
			}
			invite := store.Collaborator{
				ID:           uuid.NewString(),
				ProjectID:    forked.ID,
				UserID:       c.UserID,
				Email:        c.Email,
				Role:         c.Role,
				InviteStatus: store.InvitePending,
				InvitedBy:    userID,
				InvitedAt:    now,
			}
			if err := s.store.InsertCollaborator(ctx, invite); err != nil {
				return "", err
			}
		}
	}

	s.log.Info().Str("project", projectID).Str("fork", forked.ID).Str("by", userID).Msg("project forked")
	return forked.ID, nil
}

func (s *Service) decodeSnapshot(blob []byte) (crdt.Snapshot, error) {
	data, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return crdt.Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap crdt.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return crdt.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
