// Package store is the persistent project store: project records,
// version snapshots, collaborator invitations, track locks, and
// chat/comment history, backed by PostgreSQL.
package store

import (
	"errors"
	"time"

	"waveroom/server/internal/permission"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Project is the persisted project record. Audio content lives in the
// collaborative document; these are the static fields a fork copies.
type Project struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Tempo          int       `json:"tempo"`
	Key            string    `json:"key"`
	TimeSignature  string    `json:"timeSignature"`
	CurrentVersion int       `json:"currentVersion"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Version is a persisted snapshot of a project's document state.
type Version struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"projectId"`
	Number            int       `json:"version"`
	Blob              []byte    `json:"-"`
	Size              int       `json:"size"`
	ChangeDescription string    `json:"changeDescription,omitempty"`
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
}

// InviteStatus of a collaborator invitation.
type InviteStatus string

const (
	InvitePending  InviteStatus = "PENDING"
	InviteAccepted InviteStatus = "ACCEPTED"
	InviteDeclined InviteStatus = "DECLINED"
)

// Collaborator is an invitation or membership row for a project.
type Collaborator struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	UserID       string          `json:"userId,omitempty"`
	Email        string          `json:"email"`
	Role         permission.Role `json:"role"`
	InviteStatus InviteStatus    `json:"inviteStatus"`
	InvitedBy    string          `json:"invitedBy"`
	InvitedAt    time.Time       `json:"invitedAt"`
	AcceptedAt   *time.Time      `json:"acceptedAt,omitempty"`
}

// ChatMessage is a persisted project chat message.
type ChatMessage struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Mentions  []string  `json:"mentions,omitempty"`
	ReplyToID string    `json:"replyToId,omitempty"`
	IsEdited  bool      `json:"isEdited"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Comment is a persisted comment, optionally anchored to a track or a
// timeline position.
type Comment struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	TrackID    string    `json:"trackId,omitempty"`
	RegionID   string    `json:"regionId,omitempty"`
	AtTime     *float64  `json:"timestamp,omitempty"`
	Text       string    `json:"text"`
	Mentions   []string  `json:"mentions,omitempty"`
	IsResolved bool      `json:"isResolved"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
