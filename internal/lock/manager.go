package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"waveroom/server/internal/permission"
)

// SweepInterval is how often the background cleanup deletes expired
// locks as a safety net; reads already filter them out.
const SweepInterval = 2 * time.Minute

// Permissions resolves a user's permission set in a project.
type Permissions interface {
	For(ctx context.Context, projectID, userID string) (permission.Set, error)
}

// Manager grants and revokes track locks.
type Manager struct {
	store Store
	perms Permissions
	now   func() time.Time
	log   zerolog.Logger
}

// Options configure a Manager.
type Options struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewManager(store Store, perms Permissions, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: store, perms: perms, now: opts.Now, log: opts.Logger}
}

// Request tries to lock a track for the user. duration <= 0 takes the
// default. The response is structured: permission and conflict failures
// carry a user-facing message, and a conflict names the current holder
// rather than overriding silently.
func (m *Manager) Request(ctx context.Context, projectID, userID, username, trackID string, duration time.Duration) (Response, error) {
	set, err := m.perms.For(ctx, projectID, userID)
	if err != nil {
		return Response{}, fmt.Errorf("resolve permissions: %w", err)
	}
	if !set.CanLockTracks {
		return Response{Success: false, Message: "You do not have permission to lock tracks"}, nil
	}

	if duration <= 0 {
		duration = DefaultDuration
	}
	now := m.now()
	l := Lock{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		TrackID:     trackID,
		UserID:      userID,
		Username:    username,
		LockedAt:    now,
		ExpiresAt:   now.Add(duration),
		AutoRelease: true,
	}

	acquired, err := m.store.Acquire(ctx, l)
	if err != nil {
		return Response{}, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		holder, ok, err := m.store.Get(ctx, projectID, trackID)
		if err != nil {
			return Response{}, fmt.Errorf("read lock holder: %w", err)
		}
		resp := Response{Success: false, Message: "Track is locked"}
		if ok {
			resp.CurrentHolder = &Holder{UserID: holder.UserID, Username: holder.Username}
			resp.Message = fmt.Sprintf("Track is locked by %s", holder.Username)
		}
		return resp, nil
	}

	m.log.Info().Str("project", projectID).Str("track", trackID).Str("user", username).
		Time("expires", l.ExpiresAt).Msg("track locked")
	return Response{Success: true, Lock: &l}, nil
}

// Release removes a lock. Permitted for the holder, or for a user with
// manage permission; otherwise ErrPermissionDenied. ErrNotLocked when
// no lock exists.
func (m *Manager) Release(ctx context.Context, projectID, trackID, userID string) error {
	l, ok, err := m.store.Get(ctx, projectID, trackID)
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if !ok {
		return ErrNotLocked
	}
	if l.UserID != userID {
		set, err := m.perms.For(ctx, projectID, userID)
		if err != nil {
			return fmt.Errorf("resolve permissions: %w", err)
		}
		if !set.CanManagePermissions {
			return ErrPermissionDenied
		}
	}
	if err := m.store.Release(ctx, projectID, trackID); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	m.log.Info().Str("project", projectID).Str("track", trackID).Str("user", userID).Msg("track unlocked")
	return nil
}

// LockedTracks returns the active locks of a project. Expired locks are
// filtered at read time, independent of the background sweep.
func (m *Manager) LockedTracks(ctx context.Context, projectID string) ([]Lock, error) {
	return m.store.ListActive(ctx, projectID)
}

// ReleaseAllHeldBy releases every auto-release lock the user holds in
// the project and returns the released track IDs, for disconnect
// cleanup.
func (m *Manager) ReleaseAllHeldBy(ctx context.Context, projectID, userID string) ([]string, error) {
	locks, err := m.store.ListActive(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var released []string
	for _, l := range locks {
		if l.UserID != userID || !l.AutoRelease {
			continue
		}
		if err := m.store.Release(ctx, projectID, l.TrackID); err != nil {
			return released, fmt.Errorf("release lock on %s: %w", l.TrackID, err)
		}
		released = append(released, l.TrackID)
	}
	if len(released) > 0 {
		m.log.Info().Str("project", projectID).Str("user", userID).
			Int("count", len(released)).Msg("released locks on disconnect")
	}
	return released, nil
}

// SweepExpired deletes all expired locks system-wide.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("cleaned up expired track locks")
	}
	return n, nil
}

// Run sweeps expired locks periodically until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.log.Error().Err(err).Msg("lock sweep failed")
			}
		}
	}
}
