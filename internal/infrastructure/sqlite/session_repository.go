package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/relay/internal/sessions/domain"
)

// sessionColumns is the list of columns to select for session queries.
const sessionColumns = `id, credential_id, tool_id, context, metadata, active,
	last_activity_at, expires_at, created_at, updated_at, deleted_at`

// sessionRepository implements domain.SessionRepository using SQLite.
type sessionRepository struct {
	db   *sql.DB
	mark func() // stamps self-writes for the external-change watcher
}

// newSessionRepository creates a new sessionRepository instance.
func newSessionRepository(d *DB) *sessionRepository {
	return &sessionRepository{db: d.conn, mark: d.noteWrite}
}

// Ensure sessionRepository implements domain.SessionRepository.
var _ domain.SessionRepository = (*sessionRepository)(nil)

// scanSession scans a row into a SessionModel.
func scanSession(scanner interface{ Scan(...any) error }) (*SessionModel, error) {
	var model SessionModel
	err := scanner.Scan(
		&model.ID, &model.CredentialID, &model.ToolID,
		&model.Context, &model.Metadata, &model.Active,
		&model.LastActivityAt, &model.ExpiresAt,
		&model.CreatedAt, &model.UpdatedAt, &model.DeletedAt,
	)
	return &model, err
}

// Save persists a session, inserting a new row or replacing the existing one
// keyed by id.
func (r *sessionRepository) Save(session *domain.Session) error {
	r.mark()
	model := toSessionModel(session)

	_, err := r.db.Exec(
		`INSERT INTO sessions (
			id, credential_id, tool_id, context, metadata, active,
			last_activity_at, expires_at, created_at, updated_at, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			context = excluded.context,
			metadata = excluded.metadata,
			active = excluded.active,
			last_activity_at = excluded.last_activity_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`,
		model.ID, model.CredentialID, model.ToolID, model.Context, model.Metadata, model.Active,
		model.LastActivityAt, model.ExpiresAt, model.CreatedAt, model.UpdatedAt, model.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByID retrieves a session by id.
// Returns SessionNotFoundError if no matching session exists.
// Soft-deleted sessions are not returned.
func (r *sessionRepository) FindByID(id string) (*domain.Session, error) {
	row := r.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	model, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.SessionNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by id: %w", err)
	}
	return model.toDomain(), nil
}

// Delete performs a soft delete on a session by setting its deletedAt timestamp.
// Returns SessionNotFoundError if no matching session exists.
func (r *sessionRepository) Delete(id string) error {
	r.mark()
	now := time.Now().Unix()
	result, err := r.db.Exec(
		`UPDATE sessions SET deleted_at = ?, active = 0, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.SessionNotFoundError{ID: id}
	}
	return nil
}

// SweepExpired marks every active session past its TTL as inactive and
// returns the ids it touched.
func (r *sessionRepository) SweepExpired(now time.Time) ([]string, error) {
	r.mark()
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(
		`SELECT id FROM sessions
		 WHERE active = 1 AND expires_at <= ? AND deleted_at IS NULL`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating expired sessions: %w", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.Exec(
		`UPDATE sessions SET active = 0, updated_at = ?
		 WHERE active = 1 AND expires_at <= ? AND deleted_at IS NULL`,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark expired sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return ids, nil
}

// Close releases any resources held by the repository.
// This is a no-op because the connection is owned by the DB struct.
func (r *sessionRepository) Close() error {
	// No-op: connection is owned by DB struct
	return nil
}
