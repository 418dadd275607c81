package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
  id              TEXT PRIMARY KEY,
  owner_id        TEXT NOT NULL,
  name            TEXT NOT NULL,
  description     TEXT NOT NULL DEFAULT '',
  tempo           INTEGER NOT NULL DEFAULT 120,
  musical_key     TEXT NOT NULL DEFAULT 'C',
  time_signature  TEXT NOT NULL DEFAULT '4/4',
  current_version INTEGER NOT NULL DEFAULT 1,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS project_versions (
  id                 TEXT PRIMARY KEY,
  project_id         TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  version            INTEGER NOT NULL,
  snapshot           BYTEA NOT NULL,
  size               INTEGER NOT NULL,
  change_description TEXT NOT NULL DEFAULT '',
  created_by         TEXT NOT NULL,
  created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (project_id, version)
);
CREATE INDEX IF NOT EXISTS idx_versions_project ON project_versions(project_id, version DESC);

CREATE TABLE IF NOT EXISTS project_collaborators (
  id            TEXT PRIMARY KEY,
  project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  user_id       TEXT NOT NULL DEFAULT '',
  email         TEXT NOT NULL,
  role          TEXT NOT NULL,
  invite_status TEXT NOT NULL DEFAULT 'PENDING',
  invited_by    TEXT NOT NULL,
  invited_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  accepted_at   TIMESTAMPTZ,
  UNIQUE (project_id, email)
);
CREATE INDEX IF NOT EXISTS idx_collaborators_user ON project_collaborators(project_id, user_id);

-- One active lock per (project, track); acquisition races resolve on
-- this constraint.
CREATE TABLE IF NOT EXISTS track_locks (
  id           TEXT PRIMARY KEY,
  project_id   TEXT NOT NULL,
  track_id     TEXT NOT NULL,
  user_id      TEXT NOT NULL,
  username     TEXT NOT NULL,
  locked_at    TIMESTAMPTZ NOT NULL,
  expires_at   TIMESTAMPTZ NOT NULL,
  auto_release BOOLEAN NOT NULL DEFAULT TRUE,
  UNIQUE (project_id, track_id)
);
CREATE INDEX IF NOT EXISTS idx_locks_expiry ON track_locks(expires_at);

CREATE TABLE IF NOT EXISTS chat_messages (
  id          TEXT PRIMARY KEY,
  project_id  TEXT NOT NULL,
  user_id     TEXT NOT NULL,
  username    TEXT NOT NULL,
  body        TEXT NOT NULL,
  mentions    JSONB NOT NULL DEFAULT '[]',
  reply_to_id TEXT NOT NULL DEFAULT '',
  is_edited   BOOLEAN NOT NULL DEFAULT FALSE,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_chat_project ON chat_messages(project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS comments (
  id          TEXT PRIMARY KEY,
  project_id  TEXT NOT NULL,
  user_id     TEXT NOT NULL,
  username    TEXT NOT NULL,
  track_id    TEXT NOT NULL DEFAULT '',
  region_id   TEXT NOT NULL DEFAULT '',
  at_time     DOUBLE PRECISION,
  body        TEXT NOT NULL,
  mentions    JSONB NOT NULL DEFAULT '[]',
  is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_comments_project ON comments(project_id, created_at DESC);
`
