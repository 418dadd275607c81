// Package lock arbitrates exclusive, time-bounded editing locks on
// individual tracks. At most one active lock exists per (project,
// track); acquisition is an atomic check→expire→create so concurrent
// requests never both succeed.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultDuration is how long a lock lasts when the request does not
// specify one.
const DefaultDuration = 5 * time.Minute

var (
	// ErrNotLocked is returned when releasing a track that has no lock.
	ErrNotLocked = errors.New("lock: track is not locked")
	// ErrPermissionDenied is returned when a non-holder without manage
	// permission tries to release a lock.
	ErrPermissionDenied = errors.New("lock: permission denied")
)

// Lock is an exclusive claim on a track.
type Lock struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	TrackID     string    `json:"trackId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	LockedAt    time.Time `json:"lockedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	AutoRelease bool      `json:"autoRelease"`
}

// Expired reports whether the lock has lapsed at time now.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Holder identifies the user currently holding a contested lock.
type Holder struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Response is the structured outcome of a lock request. Conflicts and
// missing permission are reported here, never as errors.
type Response struct {
	Success       bool    `json:"success"`
	Lock          *Lock   `json:"lock,omitempty"`
	CurrentHolder *Holder `json:"currentHolder,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// Store persists locks. Acquire must be atomic from the caller's
// viewpoint: it succeeds only when no lock exists or the existing one
// is expired, replacing the expired row in the same step.
type Store interface {
	Acquire(ctx context.Context, l Lock) (acquired bool, err error)
	Get(ctx context.Context, projectID, trackID string) (Lock, bool, error)
	Release(ctx context.Context, projectID, trackID string) error
	ListActive(ctx context.Context, projectID string) ([]Lock, error)
	DeleteExpired(ctx context.Context) (int, error)
}
