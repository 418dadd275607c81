// Package chat handles project chat messages and timeline comments.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"waveroom/server/internal/permission"
	"waveroom/server/internal/store"
)

// DefaultMessageLimit bounds chat history queries.
const DefaultMessageLimit = 50

var (
	ErrPermissionDenied = errors.New("chat: permission denied")
	ErrNotFound         = errors.New("chat: not found")
	ErrEmptyText        = errors.New("chat: empty text")
)

// Store is the persistent surface the chat service needs.
type Store interface {
	InsertChatMessage(ctx context.Context, m store.ChatMessage) error
	ChatMessageByID(ctx context.Context, id string) (store.ChatMessage, error)
	UpdateChatMessage(ctx context.Context, m store.ChatMessage) error
	DeleteChatMessage(ctx context.Context, id string) error
	ListChatMessages(ctx context.Context, projectID string, limit int) ([]store.ChatMessage, error)
	InsertComment(ctx context.Context, c store.Comment) error
	CommentByID(ctx context.Context, id string) (store.Comment, error)
	UpdateComment(ctx context.Context, c store.Comment) error
	ListComments(ctx context.Context, projectID string) ([]store.Comment, error)
}

// Permissions resolves a user's permission set.
type Permissions interface {
	For(ctx context.Context, projectID, userID string) (permission.Set, error)
}

// MessageRequest is an incoming chat message.
type MessageRequest struct {
	Text      string   `json:"text"`
	Mentions  []string `json:"mentions,omitempty"`
	ReplyToID string   `json:"replyToId,omitempty"`
}

// CommentRequest is an incoming comment, optionally anchored to a track
// or a playback position.
type CommentRequest struct {
	Text     string   `json:"text"`
	TrackID  string   `json:"trackId,omitempty"`
	RegionID string   `json:"regionId,omitempty"`
	AtTime   *float64 `json:"timestamp,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// Service is the chat and comment service.
type Service struct {
	store Store
	perms Permissions
	now   func() time.Time
	log   zerolog.Logger
}

// Options configure a Service.
type Options struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewService(st Store, perms Permissions, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{store: st, perms: perms, now: opts.Now, log: opts.Logger}
}

// SendMessage persists a chat message. Requires canChat.
func (s *Service) SendMessage(ctx context.Context, projectID, userID, username string, req MessageRequest) (store.ChatMessage, error) {
	set, err := s.perms.For(ctx, projectID, userID)
	if err != nil {
		return store.ChatMessage{}, err
	}
	if !set.CanChat {
		return store.ChatMessage{}, ErrPermissionDenied
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return store.ChatMessage{}, ErrEmptyText
	}

	now := s.now()
	m := store.ChatMessage{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Username:  username,
		Text:      text,
		Mentions:  req.Mentions,
		ReplyToID: req.ReplyToID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertChatMessage(ctx, m); err != nil {
		return store.ChatMessage{}, err
	}
	return m, nil
}

// EditMessage replaces a message's text. Only its author may edit it,
// and the message is flagged as edited.
func (s *Service) EditMessage(ctx context.Context, messageID, userID, text string) (store.ChatMessage, error) {
	m, err := s.store.ChatMessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ChatMessage{}, ErrNotFound
	}
	if err != nil {
		return store.ChatMessage{}, err
	}
	if m.UserID != userID {
		return store.ChatMessage{}, ErrPermissionDenied
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return store.ChatMessage{}, ErrEmptyText
	}

	m.Text = text
	m.IsEdited = true
	m.UpdatedAt = s.now()
	if err := s.store.UpdateChatMessage(ctx, m); err != nil {
		return store.ChatMessage{}, err
	}
	return m, nil
}

// DeleteMessage removes a message. Allowed for its author or a user who
// can manage permissions on the project.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string) error {
	m, err := s.store.ChatMessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if m.UserID != userID {
		set, err := s.perms.For(ctx, m.ProjectID, userID)
		if err != nil {
			return err
		}
		if !set.CanManagePermissions {
			return ErrPermissionDenied
		}
	}
	if err := s.store.DeleteChatMessage(ctx, messageID); err != nil {
		return err
	}
	s.log.Debug().Str("message", messageID).Str("by", userID).Msg("chat message deleted")
	return nil
}

// Messages returns recent messages, oldest first. limit <= 0 takes the
// default. The store hands back the newest N, so reorder for display.
func (s *Service) Messages(ctx context.Context, projectID string, limit int) ([]store.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	messages, err := s.store.ListChatMessages(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CreateComment persists a comment. Requires canComment.
func (s *Service) CreateComment(ctx context.Context, projectID, userID, username string, req CommentRequest) (store.Comment, error) {
	set, err := s.perms.For(ctx, projectID, userID)
	if err != nil {
		return store.Comment{}, err
	}
	if !set.CanComment {
		return store.Comment{}, ErrPermissionDenied
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return store.Comment{}, ErrEmptyText
	}

	now := s.now()
	c := store.Comment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Username:  username,
		TrackID:   req.TrackID,
		RegionID:  req.RegionID,
		AtTime:    req.AtTime,
		Text:      text,
		Mentions:  req.Mentions,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertComment(ctx, c); err != nil {
		return store.Comment{}, err
	}
	return c, nil
}

// ResolveComment marks a comment resolved or unresolved. Requires
// canComment on the project.
func (s *Service) ResolveComment(ctx context.Context, commentID, userID string, resolved bool) (store.Comment, error) {
	c, err := s.store.CommentByID(ctx, commentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Comment{}, ErrNotFound
	}
	if err != nil {
		return store.Comment{}, err
	}
	set, err := s.perms.For(ctx, c.ProjectID, userID)
	if err != nil {
		return store.Comment{}, err
	}
	if !set.CanComment {
		return store.Comment{}, ErrPermissionDenied
	}

	c.IsResolved = resolved
	c.UpdatedAt = s.now()
	if err := s.store.UpdateComment(ctx, c); err != nil {
		return store.Comment{}, err
	}
	return c, nil
}

// Comments returns all comments on a project, oldest first.
func (s *Service) Comments(ctx context.Context, projectID string) ([]store.Comment, error) {
	return s.store.ListComments(ctx, projectID)
}
