// Package testutil provides test utilities for database setup.
package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"
)

// Schema mirrors the migrated production schema for in-memory tests that
// want a database without running the migration machinery.
const Schema = `
CREATE TABLE owners (
	id         TEXT PRIMARY KEY,
	name       TEXT,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE credentials (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT,
	secret_hash      TEXT NOT NULL UNIQUE,
	label            TEXT,
	active           INTEGER NOT NULL DEFAULT 1,
	permissions      TEXT,
	ceiling_override INTEGER,
	expires_at       INTEGER,
	created_at       INTEGER NOT NULL,
	last_used_at     INTEGER
);

CREATE TABLE sessions (
	id               TEXT PRIMARY KEY,
	credential_id    TEXT NOT NULL REFERENCES credentials(id),
	tool_id          TEXT NOT NULL,
	context          TEXT,
	metadata         TEXT,
	active           INTEGER NOT NULL DEFAULT 1,
	last_activity_at INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	deleted_at       INTEGER
);

CREATE TABLE usage_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	credential_id TEXT NOT NULL,
	request_id    TEXT,
	tool_id       TEXT,
	status        INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	remote_addr   TEXT,
	client_label  TEXT,
	created_at    INTEGER NOT NULL
);
`

// NewTestDB creates an in-memory SQLite database with the full schema.
// The caller is responsible for closing the database.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	return db
}
