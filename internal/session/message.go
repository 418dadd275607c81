package session

import (
	"encoding/json"

	"waveroom/server/internal/crdt"
	"waveroom/server/internal/lock"
	"waveroom/server/internal/permission"
	"waveroom/server/internal/presence"
	"waveroom/server/internal/store"
)

// Inbound message types.
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeSync           = "sync"
	TypePresence       = "presence"
	TypeHeartbeat      = "heartbeat"
	TypeCursor         = "cursor"
	TypeLockRequest    = "lock-request"
	TypeLockRelease    = "lock-release"
	TypeChatSend       = "chat-send"
	TypeCommentCreate  = "comment-create"
	TypeCommentResolve = "comment-resolve"
	TypeVersionCreate  = "version-create"
)

// Outbound message types.
const (
	TypeJoined          = "joined"
	TypeError           = "error"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypePresenceUpdate  = "presence-update"
	TypeCursorMoved     = "cursor-moved"
	TypeLockResponse    = "lock-response"
	TypeTrackLocked     = "track-locked"
	TypeLockReleased    = "lock-released"
	TypeTrackUnlocked   = "track-unlocked"
	TypeChatMessage     = "chat-message"
	TypeCommentCreated  = "comment-created"
	TypeCommentResolved = "comment-resolved"
	TypeVersionCreated  = "version-created"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SyncPayload carries CRDT traffic in both directions. Type "update" is
// a delta to apply; type "sync" is a catch-up request against the
// sender's state vector.
type SyncPayload struct {
	Type        string `json:"type"`
	Update      []byte `json:"update,omitempty"`
	StateVector []byte `json:"stateVector,omitempty"`
}

// JoinedPayload is the initial state handed to a freshly joined session.
type JoinedPayload struct {
	StateVector  []byte            `json:"stateVector"`
	Presence     presence.Record   `json:"presence"`
	ActiveUsers  []presence.Record `json:"activeUsers"`
	LockedTracks []lock.Lock       `json:"lockedTracks"`
	Permissions  permission.Set    `json:"permissions"`
}

// ErrorPayload reports a failed inbound operation.
type ErrorPayload struct {
	Message string `json:"message"`
}

// UserPayload identifies a peer entering or leaving the room.
type UserPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// CursorPayload moves a user's playhead cursor.
type CursorPayload struct {
	UserID string          `json:"userId,omitempty"`
	Cursor presence.Cursor `json:"cursor"`
}

// LockRequestPayload asks for an editing lock on a track.
type LockRequestPayload struct {
	TrackID  string `json:"trackId"`
	Duration int    `json:"duration,omitempty"` // seconds; 0 takes the default
}

// LockReleasePayload gives an editing lock back.
type LockReleasePayload struct {
	TrackID string `json:"trackId"`
}

// TrackLockPayload announces a lock change to the room.
type TrackLockPayload struct {
	TrackID string     `json:"trackId"`
	Lock    *lock.Lock `json:"lock,omitempty"`
}

// CommentResolvePayload toggles a comment's resolved flag.
type CommentResolvePayload struct {
	CommentID string `json:"commentId"`
	Resolved  bool   `json:"resolved"`
}

// VersionCreatePayload requests a snapshot of the current state.
type VersionCreatePayload struct {
	Description string `json:"description,omitempty"`
}

// VersionCreatedPayload announces a new version to the room.
type VersionCreatedPayload struct {
	Version store.Version `json:"version"`
}

func encode(msgType, projectID string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	data, _ := json.Marshal(Envelope{Type: msgType, ProjectID: projectID, Payload: raw})
	return data
}

func encodeSyncUpdate(projectID string, update []byte) []byte {
	return encode(TypeSync, projectID, SyncPayload{Type: "update", Update: update})
}

func encodeStateVector(sv crdt.StateVector) []byte {
	data, _ := sv.Encode()
	return data
}
