package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/relay/internal/credential"
)

// usageRepository implements credential.UsageRepository using SQLite.
// The usage log is append-only; rows are never updated or deleted.
type usageRepository struct {
	db   *sql.DB
	mark func() // stamps self-writes for the external-change watcher
}

// newUsageRepository creates a new usageRepository instance.
func newUsageRepository(d *DB) *usageRepository {
	return &usageRepository{db: d.conn, mark: d.noteWrite}
}

// Ensure usageRepository implements credential.UsageRepository.
var _ credential.UsageRepository = (*usageRepository)(nil)

// Insert appends a usage row and sets the record's ID.
func (r *usageRepository) Insert(rec *credential.UsageRecord) error {
	r.mark()
	model := toUsageModel(rec)
	result, err := r.db.Exec(
		`INSERT INTO usage_log (
			credential_id, request_id, tool_id, status,
			input_tokens, output_tokens, latency_ms, error_message,
			remote_addr, client_label, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.CredentialID, model.RequestID, model.ToolID, model.Status,
		model.InputTokens, model.OutputTokens, model.LatencyMS, model.ErrorMessage,
		model.RemoteAddr, model.ClientLabel, model.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage row: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// CountSince counts rows for a credential at or after the given instant.
func (r *usageRepository) CountSince(credentialID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM usage_log WHERE credential_id = ? AND created_at >= ?`,
		credentialID, since.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage rows: %w", err)
	}
	return count, nil
}

// Close releases any resources held by the repository.
// This is a no-op because the connection is owned by the DB struct.
func (r *usageRepository) Close() error {
	// No-op: connection is owned by DB struct
	return nil
}
