package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/relay/internal/credential"
)

// credentialColumns is the list of columns to select for credential queries.
const credentialColumns = `id, owner_id, secret_hash, label, active, permissions,
	ceiling_override, expires_at, created_at, last_used_at`

// credentialRepository implements credential.Repository using SQLite.
type credentialRepository struct {
	db   *sql.DB
	mark func() // stamps self-writes for the external-change watcher
}

// newCredentialRepository creates a new credentialRepository instance.
func newCredentialRepository(d *DB) *credentialRepository {
	return &credentialRepository{db: d.conn, mark: d.noteWrite}
}

// Ensure credentialRepository implements credential.Repository.
var _ credential.Repository = (*credentialRepository)(nil)

// scanCredential scans a row into a CredentialModel.
func scanCredential(scanner interface{ Scan(...any) error }) (*CredentialModel, error) {
	var model CredentialModel
	err := scanner.Scan(
		&model.ID, &model.OwnerID, &model.SecretHash, &model.Label, &model.Active,
		&model.Permissions, &model.CeilingOverride, &model.ExpiresAt,
		&model.CreatedAt, &model.LastUsedAt,
	)
	return &model, err
}

// Create inserts a new credential row.
func (r *credentialRepository) Create(cred *credential.Credential) error {
	r.mark()
	model := toCredentialModel(cred)
	_, err := r.db.Exec(
		`INSERT INTO credentials (
			id, owner_id, secret_hash, label, active, permissions,
			ceiling_override, expires_at, created_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		model.ID, model.OwnerID, model.SecretHash, model.Label, model.Active,
		model.Permissions, model.CeilingOverride, model.ExpiresAt,
		model.CreatedAt, model.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// FindByID retrieves a credential by its id.
// Returns NotFoundError if no matching credential exists.
func (r *credentialRepository) FindByID(id string) (*credential.Credential, error) {
	row := r.db.QueryRow(
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`,
		id,
	)
	model, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &credential.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by id: %w", err)
	}
	return model.toDomain(), nil
}

// FindBySecretHash retrieves a credential by its secret digest.
// Returns NotFoundError if no matching credential exists.
func (r *credentialRepository) FindBySecretHash(hash string) (*credential.Credential, error) {
	row := r.db.QueryRow(
		`SELECT `+credentialColumns+` FROM credentials WHERE secret_hash = ?`,
		hash,
	)
	model, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &credential.NotFoundError{ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by secret: %w", err)
	}
	return model.toDomain(), nil
}

// ListActive returns every active credential ordered by creation time.
func (r *credentialRepository) ListActive() ([]*credential.Credential, error) {
	rows, err := r.db.Query(
		`SELECT ` + credentialColumns + ` FROM credentials WHERE active = 1 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*credential.Credential
	for rows.Next() {
		model, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		creds = append(creds, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credential rows: %w", err)
	}
	return creds, nil
}

// SetActive flips the active flag on a credential.
// Returns NotFoundError if no matching credential exists.
func (r *credentialRepository) SetActive(id string, active bool) error {
	r.mark()
	result, err := r.db.Exec(
		`UPDATE credentials SET active = ? WHERE id = ?`,
		active, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &credential.NotFoundError{ID: id}
	}
	return nil
}

// UpdateLastUsed stamps the credential's last use.
func (r *credentialRepository) UpdateLastUsed(id string, at time.Time) error {
	r.mark()
	_, err := r.db.Exec(
		`UPDATE credentials SET last_used_at = ? WHERE id = ?`,
		at.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update last used: %w", err)
	}
	return nil
}

// SaveOwner inserts or updates an owner row keyed by id.
func (r *credentialRepository) SaveOwner(o *credential.Owner) error {
	r.mark()
	var name *string
	if o.Name != "" {
		name = &o.Name
	}
	_, err := r.db.Exec(
		`INSERT INTO owners (id, name, active, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active`,
		o.ID, name, o.Active, o.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save owner: %w", err)
	}
	return nil
}

// OwnerActive reports whether the owner accepts requests. An owner with no
// stored row is active: absence means nobody suspended it.
func (r *credentialRepository) OwnerActive(id string) (bool, error) {
	var active bool
	err := r.db.QueryRow(
		`SELECT active FROM owners WHERE id = ?`, id,
	).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up owner: %w", err)
	}
	return active, nil
}

// Close releases any resources held by the repository.
// This is a no-op because the connection is owned by the DB struct.
func (r *credentialRepository) Close() error {
	// No-op: connection is owned by DB struct
	return nil
}
