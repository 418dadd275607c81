package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func encodeMentions(mentions []string) ([]byte, error) {
	if mentions == nil {
		mentions = []string{}
	}
	return json.Marshal(mentions)
}

func decodeMentions(raw []byte) ([]string, error) {
	var mentions []string
	if err := json.Unmarshal(raw, &mentions); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	return mentions, nil
}

func (s *Postgres) InsertChatMessage(ctx context.Context, m ChatMessage) error {
	mentions, err := encodeMentions(m.Mentions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, project_id, user_id, username, body, mentions, reply_to_id, is_edited, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.ProjectID, m.UserID, m.Username, m.Text, mentions, m.ReplyToID, m.IsEdited, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *Postgres) ChatMessageByID(ctx context.Context, id string) (ChatMessage, error) {
	var m ChatMessage
	var mentions []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, user_id, username, body, mentions, reply_to_id, is_edited, created_at, updated_at
		FROM chat_messages WHERE id = $1
	`, id).Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Username, &m.Text, &mentions, &m.ReplyToID, &m.IsEdited, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChatMessage{}, ErrNotFound
	}
	if err != nil {
		return ChatMessage{}, fmt.Errorf("read chat message: %w", err)
	}
	if m.Mentions, err = decodeMentions(mentions); err != nil {
		return ChatMessage{}, err
	}
	return m, nil
}

func (s *Postgres) UpdateChatMessage(ctx context.Context, m ChatMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_messages SET body = $2, is_edited = $3, updated_at = $4 WHERE id = $1
	`, m.ID, m.Text, m.IsEdited, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update chat message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteChatMessage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete chat message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListChatMessages(ctx context.Context, projectID string, limit int) ([]ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, user_id, username, body, mentions, reply_to_id, is_edited, created_at, updated_at
		FROM chat_messages WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	messages := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		var mentions []byte
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Username, &m.Text, &mentions, &m.ReplyToID, &m.IsEdited, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if m.Mentions, err = decodeMentions(mentions); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Postgres) InsertComment(ctx context.Context, c Comment) error {
	mentions, err := encodeMentions(c.Mentions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO comments (id, project_id, user_id, username, track_id, region_id, at_time, body, mentions, is_resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.ID, c.ProjectID, c.UserID, c.Username, c.TrackID, c.RegionID, c.AtTime, c.Text, mentions, c.IsResolved, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *Postgres) CommentByID(ctx context.Context, id string) (Comment, error) {
	var c Comment
	var mentions []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, user_id, username, track_id, region_id, at_time, body, mentions, is_resolved, created_at, updated_at
		FROM comments WHERE id = $1
	`, id).Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Username, &c.TrackID, &c.RegionID, &c.AtTime, &c.Text, &mentions, &c.IsResolved, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("read comment: %w", err)
	}
	if c.Mentions, err = decodeMentions(mentions); err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *Postgres) UpdateComment(ctx context.Context, c Comment) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE comments SET body = $2, is_resolved = $3, updated_at = $4 WHERE id = $1
	`, c.ID, c.Text, c.IsResolved, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListComments(ctx context.Context, projectID string) ([]Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, user_id, username, track_id, region_id, at_time, body, mentions, is_resolved, created_at, updated_at
		FROM comments WHERE project_id = $1 ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	comments := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		var mentions []byte
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Username, &c.TrackID, &c.RegionID, &c.AtTime, &c.Text, &mentions, &c.IsResolved, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if c.Mentions, err = decodeMentions(mentions); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
