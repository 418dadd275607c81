package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements the persistent store over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates all tables and indexes if missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ---- projects ----

func (s *Postgres) CreateProject(ctx context.Context, p Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, owner_id, name, description, tempo, musical_key, time_signature, current_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, p.ID, p.OwnerID, p.Name, p.Description, p.Tempo, p.Key, p.TimeSignature, p.CurrentVersion, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *Postgres) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, description, tempo, musical_key, time_signature, current_version, created_at, updated_at
		FROM projects WHERE id = $1
	`, projectID).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Tempo, &p.Key, &p.TimeSignature, &p.CurrentVersion, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("read project: %w", err)
	}
	return p, nil
}

func (s *Postgres) SetProjectVersion(ctx context.Context, projectID string, version int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET current_version = $2, updated_at = NOW() WHERE id = $1
	`, projectID, version)
	if err != nil {
		return fmt.Errorf("set project version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) TouchProject(ctx context.Context, projectID string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE projects SET updated_at = NOW() WHERE id = $1`, projectID); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// ---- versions ----

func (s *Postgres) InsertVersion(ctx context.Context, v Version) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_versions (id, project_id, version, snapshot, size, change_description, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, v.ID, v.ProjectID, v.Number, v.Blob, v.Size, v.ChangeDescription, v.CreatedBy, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *Postgres) LatestVersionNumber(ctx context.Context, projectID string) (int, error) {
	var latest int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM project_versions WHERE project_id = $1
	`, projectID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return latest, nil
}

func (s *Postgres) ListVersions(ctx context.Context, projectID string, limit int) ([]Version, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, version, size, change_description, created_by, created_at
		FROM project_versions WHERE project_id = $1
		ORDER BY version DESC LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	versions := make([]Version, 0)
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.Number, &v.Size, &v.ChangeDescription, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Postgres) GetVersionByID(ctx context.Context, versionID string) (Version, error) {
	var v Version
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, version, snapshot, size, change_description, created_by, created_at
		FROM project_versions WHERE id = $1
	`, versionID).Scan(&v.ID, &v.ProjectID, &v.Number, &v.Blob, &v.Size, &v.ChangeDescription, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// ---- collaborators ----

const collaboratorColumns = `id, project_id, user_id, email, role, invite_status, invited_by, invited_at, accepted_at`

func scanCollaborator(row pgx.Row) (Collaborator, error) {
	var c Collaborator
	err := row.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Email, &c.Role, &c.InviteStatus, &c.InvitedBy, &c.InvitedAt, &c.AcceptedAt)
	return c, err
}

func (s *Postgres) InsertCollaborator(ctx context.Context, c Collaborator) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_collaborators (`+collaboratorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.ProjectID, c.UserID, c.Email, c.Role, c.InviteStatus, c.InvitedBy, c.InvitedAt, c.AcceptedAt)
	if err != nil {
		return fmt.Errorf("insert collaborator: %w", err)
	}
	return nil
}

func (s *Postgres) CollaboratorByEmail(ctx context.Context, projectID, email string) (Collaborator, error) {
	c, err := scanCollaborator(s.pool.QueryRow(ctx, `
		SELECT `+collaboratorColumns+` FROM project_collaborators WHERE project_id = $1 AND email = $2
	`, projectID, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return Collaborator{}, ErrNotFound
	}
	if err != nil {
		return Collaborator{}, fmt.Errorf("read collaborator: %w", err)
	}
	return c, nil
}

func (s *Postgres) CollaboratorByID(ctx context.Context, id string) (Collaborator, error) {
	c, err := scanCollaborator(s.pool.QueryRow(ctx, `
		SELECT `+collaboratorColumns+` FROM project_collaborators WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Collaborator{}, ErrNotFound
	}
	if err != nil {
		return Collaborator{}, fmt.Errorf("read collaborator: %w", err)
	}
	return c, nil
}

func (s *Postgres) AcceptedCollaborator(ctx context.Context, projectID, userID string) (Collaborator, error) {
	c, err := scanCollaborator(s.pool.QueryRow(ctx, `
		SELECT `+collaboratorColumns+` FROM project_collaborators
		WHERE project_id = $1 AND user_id = $2 AND invite_status = 'ACCEPTED'
	`, projectID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Collaborator{}, ErrNotFound
	}
	if err != nil {
		return Collaborator{}, fmt.Errorf("read collaborator: %w", err)
	}
	return c, nil
}

func (s *Postgres) UpdateCollaborator(ctx context.Context, c Collaborator) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE project_collaborators
		SET user_id = $2, role = $3, invite_status = $4, accepted_at = $5
		WHERE id = $1
	`, c.ID, c.UserID, c.Role, c.InviteStatus, c.AcceptedAt)
	if err != nil {
		return fmt.Errorf("update collaborator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteCollaborator(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM project_collaborators WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete collaborator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListCollaborators(ctx context.Context, projectID string) ([]Collaborator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+collaboratorColumns+` FROM project_collaborators
		WHERE project_id = $1 ORDER BY invited_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()
	collaborators := make([]Collaborator, 0)
	for rows.Next() {
		c, err := scanCollaborator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		collaborators = append(collaborators, c)
	}
	return collaborators, rows.Err()
}
