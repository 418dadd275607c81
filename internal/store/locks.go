package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"waveroom/server/internal/lock"
)

// Acquire implements lock.Store. The conditional upsert is the atomic
// check→expire→create: it inserts when no row exists and replaces the
// row only when the existing lock has already expired, all in one
// statement, so two concurrent requests can never both succeed.
func (s *Postgres) Acquire(ctx context.Context, l lock.Lock) (bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO track_locks (id, project_id, track_id, user_id, username, locked_at, expires_at, auto_release)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (project_id, track_id) DO UPDATE
		SET id = EXCLUDED.id, user_id = EXCLUDED.user_id, username = EXCLUDED.username,
		    locked_at = EXCLUDED.locked_at, expires_at = EXCLUDED.expires_at,
		    auto_release = EXCLUDED.auto_release
		WHERE track_locks.expires_at <= EXCLUDED.locked_at
		RETURNING id
	`, l.ID, l.ProjectID, l.TrackID, l.UserID, l.Username, l.LockedAt, l.ExpiresAt, l.AutoRelease).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return true, nil
}

// Get treats an expired row as absent, matching ListActive.
func (s *Postgres) Get(ctx context.Context, projectID, trackID string) (lock.Lock, bool, error) {
	var l lock.Lock
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, track_id, user_id, username, locked_at, expires_at, auto_release
		FROM track_locks WHERE project_id = $1 AND track_id = $2 AND expires_at > NOW()
	`, projectID, trackID).Scan(&l.ID, &l.ProjectID, &l.TrackID, &l.UserID, &l.Username, &l.LockedAt, &l.ExpiresAt, &l.AutoRelease)
	if errors.Is(err, pgx.ErrNoRows) {
		return lock.Lock{}, false, nil
	}
	if err != nil {
		return lock.Lock{}, false, fmt.Errorf("read lock: %w", err)
	}
	return l, true, nil
}

func (s *Postgres) Release(ctx context.Context, projectID, trackID string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM track_locks WHERE project_id = $1 AND track_id = $2
	`, projectID, trackID); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *Postgres) ListActive(ctx context.Context, projectID string) ([]lock.Lock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, track_id, user_id, username, locked_at, expires_at, auto_release
		FROM track_locks WHERE project_id = $1 AND expires_at > NOW()
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	locks := make([]lock.Lock, 0)
	for rows.Next() {
		var l lock.Lock
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.TrackID, &l.UserID, &l.Username, &l.LockedAt, &l.ExpiresAt, &l.AutoRelease); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (s *Postgres) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM track_locks WHERE expires_at <= NOW() AND auto_release
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
