// Package session is the gateway between websocket connections and the
// collaboration registries: it owns the join/leave lifecycle, the room
// fan-out, and the inbound message catalogue.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"waveroom/server/internal/chat"
	"waveroom/server/internal/crdt"
	"waveroom/server/internal/document"
	"waveroom/server/internal/lock"
	"waveroom/server/internal/permission"
	"waveroom/server/internal/presence"
	"waveroom/server/internal/version"
)

// DefaultCallTimeout bounds join and lock store calls.
const DefaultCallTimeout = 5 * time.Second

// State of a session with respect to its project room. LEFT is
// terminal; rejoining takes a fresh session.
type State int

const (
	StateNotJoined State = iota
	StateJoined
	StateLeft
)

// Permissions resolves a user's permission set.
type Permissions interface {
	For(ctx context.Context, projectID, userID string) (permission.Set, error)
}

// Gateway wires sessions to the collaboration registries.
type Gateway struct {
	docs     *document.Registry
	presence *presence.Registry
	locks    *lock.Manager
	versions *version.Service
	chat     *chat.Service
	perms    Permissions
	hub      *Hub
	timeout  time.Duration
	log      zerolog.Logger
}

// GatewayOptions configure a Gateway.
type GatewayOptions struct {
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

func NewGateway(docs *document.Registry, pres *presence.Registry, locks *lock.Manager,
	versions *version.Service, chatSvc *chat.Service, perms Permissions, hub *Hub,
	opts GatewayOptions) *Gateway {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Gateway{
		docs:     docs,
		presence: pres,
		locks:    locks,
		versions: versions,
		chat:     chatSvc,
		perms:    perms,
		hub:      hub,
		timeout:  opts.CallTimeout,
		log:      opts.Logger,
	}
}

// sender is the outbound half of a connection.
type sender interface {
	Send(data []byte)
}

// Session is one user's connection to one project room.
type Session struct {
	gw       *Gateway
	id       string
	userID   string
	username string
	avatar   string
	out      sender

	mu        sync.Mutex
	state     State
	projectID string
	sub       *document.Subscription
}

// NewSession binds an authenticated connection to the gateway. Identity
// is supplied by the transport and trusted here.
func (g *Gateway) NewSession(connID, userID, username, avatar string, out sender) *Session {
	return &Session{gw: g, id: connID, userID: userID, username: username, avatar: avatar, out: out}
}

// ID implements peer.
func (s *Session) ID() string { return s.id }

// Deliver implements peer.
func (s *Session) Deliver(data []byte) { s.out.Send(data) }

// Handle dispatches one inbound message.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError("", "malformed message")
		return
	}

	if env.Type == TypeJoin {
		s.handleJoin(ctx, env.ProjectID)
		return
	}

	s.mu.Lock()
	joined := s.state == StateJoined
	projectID := s.projectID
	s.mu.Unlock()
	if !joined {
		s.sendError(env.ProjectID, "not joined")
		return
	}

	switch env.Type {
	case TypeLeave:
		s.leave(ctx)
	case TypeSync:
		s.handleSync(projectID, env.Payload)
	case TypePresence:
		s.handlePresence(ctx, projectID, env.Payload)
	case TypeHeartbeat:
		if err := s.gw.presence.Heartbeat(ctx, projectID, s.userID); err != nil {
			s.gw.log.Warn().Err(err).Str("user", s.userID).Msg("heartbeat failed")
		}
	case TypeCursor:
		s.handleCursor(ctx, projectID, env.Payload)
	case TypeLockRequest:
		s.handleLockRequest(ctx, projectID, env.Payload)
	case TypeLockRelease:
		s.handleLockRelease(ctx, projectID, env.Payload)
	case TypeChatSend:
		s.handleChatSend(ctx, projectID, env.Payload)
	case TypeCommentCreate:
		s.handleCommentCreate(ctx, projectID, env.Payload)
	case TypeCommentResolve:
		s.handleCommentResolve(ctx, projectID, env.Payload)
	case TypeVersionCreate:
		s.handleVersionCreate(ctx, projectID, env.Payload)
	default:
		s.sendError(projectID, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// handleJoin runs the join sequence. Every step succeeds or the prior
// ones are rolled back, so peers never observe a partially joined user.
func (s *Session) handleJoin(ctx context.Context, projectID string) {
	s.mu.Lock()
	if s.state != StateNotJoined {
		s.mu.Unlock()
		s.sendError(projectID, "already joined")
		return
	}
	s.mu.Unlock()

	if projectID == "" {
		s.sendError(projectID, "missing projectId")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.gw.timeout)
	defer cancel()

	set, err := s.gw.perms.For(ctx, projectID, s.userID)
	if err != nil || set == permission.None {
		s.sendError(projectID, "access denied")
		return
	}

	rec, err := s.gw.presence.Join(ctx, projectID, s.userID, s.username, s.avatar)
	if err != nil {
		s.gw.log.Error().Err(err).Str("project", projectID).Str("user", s.userID).Msg("presence join failed")
		s.sendError(projectID, "failed to join project")
		return
	}

	sub := s.gw.docs.Subscribe(projectID)

	active, err := s.gw.presence.GetAll(ctx, projectID)
	if err == nil {
		var locked []lock.Lock
		locked, err = s.gw.locks.LockedTracks(ctx, projectID)
		if err == nil {
			s.finishJoin(projectID, sub, JoinedPayload{
				StateVector:  encodeStateVector(s.gw.docs.StateVector(projectID)),
				Presence:     rec,
				ActiveUsers:  active,
				LockedTracks: locked,
				Permissions:  set,
			}, rec)
			return
		}
	}

	// Roll back so no partial state survives the failure.
	sub.Cancel()
	if lerr := s.gw.presence.Leave(ctx, projectID, s.userID); lerr != nil {
		s.gw.log.Warn().Err(lerr).Str("project", projectID).Str("user", s.userID).Msg("join rollback leave failed")
	}
	s.gw.log.Error().Err(err).Str("project", projectID).Str("user", s.userID).Msg("join failed")
	s.sendError(projectID, "failed to join project")
}

func (s *Session) finishJoin(projectID string, sub *document.Subscription, joined JoinedPayload, rec presence.Record) {
	s.gw.hub.Enter(projectID, s)
	s.mu.Lock()
	s.state = StateJoined
	s.projectID = projectID
	s.sub = sub
	s.mu.Unlock()

	go s.forward(projectID, sub)

	s.out.Send(encode(TypeJoined, projectID, joined))
	s.gw.hub.Broadcast(projectID, encode(TypeUserJoined, projectID, rec), s.id)
	s.gw.log.Info().Str("project", projectID).Str("user", s.userID).Msg("session joined")
}

// forward streams batched document deltas to the client until the
// subscription is cancelled.
func (s *Session) forward(projectID string, sub *document.Subscription) {
	for update := range sub.C {
		s.out.Send(encodeSyncUpdate(projectID, update))
	}
}

// leave tears the session down symmetrically to join.
func (s *Session) leave(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return
	}
	s.state = StateLeft
	projectID := s.projectID
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.gw.hub.Exit(projectID, s.id)
	sub.Cancel()

	if err := s.gw.presence.Leave(ctx, projectID, s.userID); err != nil {
		s.gw.log.Warn().Err(err).Str("project", projectID).Str("user", s.userID).Msg("presence leave failed")
	}

	released, err := s.gw.locks.ReleaseAllHeldBy(ctx, projectID, s.userID)
	if err != nil {
		s.gw.log.Warn().Err(err).Str("project", projectID).Str("user", s.userID).Msg("releasing locks on leave")
	}
	for _, trackID := range released {
		s.gw.hub.Broadcast(projectID, encode(TypeTrackUnlocked, projectID, TrackLockPayload{TrackID: trackID}), s.id)
	}

	s.gw.hub.Broadcast(projectID, encode(TypeUserLeft, projectID, UserPayload{UserID: s.userID, Username: s.username}), s.id)
	s.gw.log.Info().Str("project", projectID).Str("user", s.userID).Msg("session left")
}

// Close runs leave cleanup on disconnect.
func (s *Session) Close(ctx context.Context) {
	s.leave(ctx)
}

func (s *Session) handleSync(projectID string, payload json.RawMessage) {
	var p SyncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(projectID, "malformed sync payload")
		return
	}

	switch p.Type {
	case "update":
		if err := s.gw.docs.ApplyRemote(projectID, p.Update, s.userID); err != nil {
			s.gw.log.Warn().Err(err).Str("project", projectID).Str("user", s.userID).Msg("rejected update")
			s.sendError(projectID, "malformed update")
			s.resync(projectID)
			return
		}
		s.gw.hub.Broadcast(projectID, encodeSyncUpdate(projectID, p.Update), s.id)
	case "sync":
		sv, err := crdt.DecodeStateVector(p.StateVector)
		if err != nil {
			s.sendError(projectID, "malformed state vector")
			return
		}
		diff, err := s.gw.docs.DiffFrom(projectID, sv)
		if err != nil {
			s.sendError(projectID, "sync failed")
			return
		}
		s.out.Send(encodeSyncUpdate(projectID, diff))
	default:
		s.sendError(projectID, fmt.Sprintf("unknown sync type %q", p.Type))
	}
}

// resync sends the full document state so the client can recover from
// a failed apply.
func (s *Session) resync(projectID string) {
	full, err := s.gw.docs.DiffFrom(projectID, crdt.StateVector{})
	if err != nil {
		s.gw.log.Error().Err(err).Str("project", projectID).Msg("resync failed")
		return
	}
	s.out.Send(encodeSyncUpdate(projectID, full))
}

// handlePresence applies a presence update. Failures are logged and
// swallowed; staleness is tolerable.
func (s *Session) handlePresence(ctx context.Context, projectID string, payload json.RawMessage) {
	var upd presence.Update
	if err := json.Unmarshal(payload, &upd); err != nil {
		s.sendError(projectID, "malformed presence payload")
		return
	}
	if err := s.gw.presence.ApplyUpdate(ctx, projectID, s.userID, upd); err != nil {
		s.gw.log.Warn().Err(err).Str("user", s.userID).Msg("presence update failed")
		return
	}
	rec, ok, err := s.gw.presence.Get(ctx, projectID, s.userID)
	if err != nil || !ok {
		return
	}
	s.gw.hub.Broadcast(projectID, encode(TypePresenceUpdate, projectID, rec), s.id)
}

func (s *Session) handleCursor(ctx context.Context, projectID string, payload json.RawMessage) {
	var p CursorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(projectID, "malformed cursor payload")
		return
	}
	if err := s.gw.presence.UpdateCursor(ctx, projectID, s.userID, p.Cursor); err != nil {
		s.gw.log.Warn().Err(err).Str("user", s.userID).Msg("cursor update failed")
		return
	}
	p.UserID = s.userID
	s.gw.hub.Broadcast(projectID, encode(TypeCursorMoved, projectID, p), s.id)
}

func (s *Session) handleLockRequest(ctx context.Context, projectID string, payload json.RawMessage) {
	var p LockRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TrackID == "" {
		s.sendError(projectID, "malformed lock request")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.gw.timeout)
	defer cancel()

	resp, err := s.gw.locks.Request(ctx, projectID, s.userID, s.username, p.TrackID, time.Duration(p.Duration)*time.Second)
	if err != nil {
		s.gw.log.Error().Err(err).Str("track", p.TrackID).Msg("lock request failed")
		s.sendError(projectID, "lock request failed")
		return
	}
	s.out.Send(encode(TypeLockResponse, projectID, resp))
	if resp.Success {
		s.gw.hub.Broadcast(projectID, encode(TypeTrackLocked, projectID, TrackLockPayload{TrackID: p.TrackID, Lock: resp.Lock}), s.id)
	}
}

func (s *Session) handleLockRelease(ctx context.Context, projectID string, payload json.RawMessage) {
	var p LockReleasePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TrackID == "" {
		s.sendError(projectID, "malformed lock release")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.gw.timeout)
	defer cancel()

	if err := s.gw.locks.Release(ctx, projectID, p.TrackID, s.userID); err != nil {
		s.sendError(projectID, err.Error())
		return
	}
	s.out.Send(encode(TypeLockReleased, projectID, TrackLockPayload{TrackID: p.TrackID}))
	s.gw.hub.Broadcast(projectID, encode(TypeTrackUnlocked, projectID, TrackLockPayload{TrackID: p.TrackID}), s.id)
}

func (s *Session) handleChatSend(ctx context.Context, projectID string, payload json.RawMessage) {
	var req chat.MessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(projectID, "malformed chat payload")
		return
	}
	m, err := s.gw.chat.SendMessage(ctx, projectID, s.userID, s.username, req)
	if err != nil {
		s.sendError(projectID, err.Error())
		return
	}
	data := encode(TypeChatMessage, projectID, m)
	s.out.Send(data)
	s.gw.hub.Broadcast(projectID, data, s.id)
}

func (s *Session) handleCommentCreate(ctx context.Context, projectID string, payload json.RawMessage) {
	var req chat.CommentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(projectID, "malformed comment payload")
		return
	}
	c, err := s.gw.chat.CreateComment(ctx, projectID, s.userID, s.username, req)
	if err != nil {
		s.sendError(projectID, err.Error())
		return
	}
	data := encode(TypeCommentCreated, projectID, c)
	s.out.Send(data)
	s.gw.hub.Broadcast(projectID, data, s.id)
}

func (s *Session) handleCommentResolve(ctx context.Context, projectID string, payload json.RawMessage) {
	var p CommentResolvePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.CommentID == "" {
		s.sendError(projectID, "malformed comment payload")
		return
	}
	c, err := s.gw.chat.ResolveComment(ctx, p.CommentID, s.userID, p.Resolved)
	if err != nil {
		s.sendError(projectID, err.Error())
		return
	}
	data := encode(TypeCommentResolved, projectID, c)
	s.out.Send(data)
	s.gw.hub.Broadcast(projectID, data, s.id)
}

func (s *Session) handleVersionCreate(ctx context.Context, projectID string, payload json.RawMessage) {
	var p VersionCreatePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			s.sendError(projectID, "malformed version payload")
			return
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.gw.timeout)
	defer cancel()

	v, err := s.gw.versions.Create(ctx, projectID, s.userID, p.Description)
	if err != nil {
		s.sendError(projectID, err.Error())
		return
	}
	data := encode(TypeVersionCreated, projectID, VersionCreatedPayload{Version: v})
	s.out.Send(data)
	s.gw.hub.Broadcast(projectID, data, s.id)
}

func (s *Session) sendError(projectID, message string) {
	s.out.Send(encode(TypeError, projectID, ErrorPayload{Message: message}))
}
