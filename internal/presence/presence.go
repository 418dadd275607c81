// Package presence tracks per-user ephemeral status in a project:
// online state, activity, and cursor position. Records are TTL-bound
// and expire on their own when heartbeats stop; storage is either an
// in-process map or Redis when running more than one server instance.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Status is a user's activity state within a project.
type Status string

const (
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusEditing   Status = "editing"
	StatusPlaying   Status = "playing"
	StatusRecording Status = "recording"
	StatusOffline   Status = "offline"
)

// Cursor is a timeline position, optionally anchored to a track.
type Cursor struct {
	Time    float64 `json:"time"`
	TrackID string  `json:"trackId,omitempty"`
}

// Record is one user's presence in one project.
type Record struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar,omitempty"`
	Color        string    `json:"color"`
	Status       Status    `json:"status"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Update carries the mutable presence fields; nil fields are left as-is.
type Update struct {
	Status *Status `json:"status,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Store is the presence storage backend. Both implementations expire
// records TTL seconds after their last refresh without coordination.
type Store interface {
	Put(ctx context.Context, projectID string, rec Record) error
	Get(ctx context.Context, projectID, userID string) (Record, bool, error)
	Delete(ctx context.Context, projectID, userID string) error
	List(ctx context.Context, projectID string) ([]Record, error)
	Count(ctx context.Context, projectID string) (int, error)
	ProjectsOf(ctx context.Context, userID string) ([]string, error)
}

// DefaultTTL is how long a presence record survives without a
// heartbeat.
const DefaultTTL = 30 * time.Second

// Palette for user cursors. A user's color is a deterministic function
// of their ID, so the same user keeps the same color within a session.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E2", "#F8B500", "#EC7063",
}

// ColorFor returns the palette color assigned to a user ID.
func ColorFor(userID string) string {
	sum := 0
	for _, c := range userID {
		sum += int(c)
	}
	return palette[sum%len(palette)]
}

// Registry is the presence service facade over a Store.
type Registry struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// Options configure a Registry.
type Options struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewRegistry(store Store, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{store: store, now: opts.Now, log: opts.Logger}
}

// Join registers a user in a project and returns the stored record.
func (r *Registry) Join(ctx context.Context, projectID, userID, username, avatar string) (Record, error) {
	now := r.now()
	rec := Record{
		UserID:       userID,
		Username:     username,
		Avatar:       avatar,
		Color:        ColorFor(userID),
		Status:       StatusActive,
		JoinedAt:     now,
		LastActiveAt: now,
	}
	if err := r.store.Put(ctx, projectID, rec); err != nil {
		return Record{}, err
	}
	r.log.Info().Str("project", projectID).Str("user", userID).Str("username", username).Msg("user joined")
	return rec, nil
}

// Leave removes a user's presence.
func (r *Registry) Leave(ctx context.Context, projectID, userID string) error {
	if err := r.store.Delete(ctx, projectID, userID); err != nil {
		return err
	}
	r.log.Info().Str("project", projectID).Str("user", userID).Msg("user left")
	return nil
}

// ApplyUpdate merges an update into the user's record and refreshes its
// TTL. Updating an absent user is a no-op: the record has expired and
// the client will rejoin.
func (r *Registry) ApplyUpdate(ctx context.Context, projectID, userID string, upd Update) error {
	rec, ok, err := r.store.Get(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Warn().Str("project", projectID).Str("user", userID).Msg("presence update for absent user")
		return nil
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.Cursor != nil {
		rec.Cursor = upd.Cursor
	}
	rec.LastActiveAt = r.now()
	return r.store.Put(ctx, projectID, rec)
}

// Heartbeat refreshes the record's TTL and last-active time.
func (r *Registry) Heartbeat(ctx context.Context, projectID, userID string) error {
	return r.ApplyUpdate(ctx, projectID, userID, Update{})
}

// SetStatus updates the user's activity status.
func (r *Registry) SetStatus(ctx context.Context, projectID, userID string, status Status) error {
	return r.ApplyUpdate(ctx, projectID, userID, Update{Status: &status})
}

// UpdateCursor moves the user's cursor.
func (r *Registry) UpdateCursor(ctx context.Context, projectID, userID string, cursor Cursor) error {
	return r.ApplyUpdate(ctx, projectID, userID, Update{Cursor: &cursor})
}

// Get returns a user's presence record, if present.
func (r *Registry) Get(ctx context.Context, projectID, userID string) (Record, bool, error) {
	return r.store.Get(ctx, projectID, userID)
}

// GetAll returns every presence record in the project. Empty projects
// yield an empty slice.
func (r *Registry) GetAll(ctx context.Context, projectID string) ([]Record, error) {
	return r.store.List(ctx, projectID)
}

// GetCount returns the number of present users.
func (r *Registry) GetCount(ctx context.Context, projectID string) (int, error) {
	return r.store.Count(ctx, projectID)
}

// IsPresent reports whether the user has a live record in the project.
func (r *Registry) IsPresent(ctx context.Context, projectID, userID string) (bool, error) {
	_, ok, err := r.store.Get(ctx, projectID, userID)
	return ok, err
}

// GetUserProjects returns the projects a user is currently present in.
func (r *Registry) GetUserProjects(ctx context.Context, userID string) ([]string, error) {
	return r.store.ProjectsOf(ctx, userID)
}
