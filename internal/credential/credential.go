// Package credential holds tenant credentials, validates submitted secrets,
// and records per-request usage.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// Credential identifies a tenant allowed to submit requests.
// Secrets are never stored; only the SHA-256 hex digest is kept.
type Credential struct {
	ID         string
	SecretHash string
	Label      string
	Active     bool

	// OwnerID links the credential to an Owner. Empty means unowned; the
	// credential then stands or falls on its own flags.
	OwnerID string

	// Permissions is the set of operation labels this credential may use.
	// An empty set grants everything.
	Permissions []string

	// CeilingOverride replaces the configured per-credential rate ceiling
	// when set.
	CeilingOverride *int

	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Owner groups credentials under one tenant. Suspending an owner rejects
// every credential it holds without touching their individual active flags.
type Owner struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// HashSecret returns the hex SHA-256 digest of a shared secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether the submitted secret hashes to this credential's
// stored digest. The comparison is constant time.
func (c *Credential) Matches(secret string) bool {
	submitted := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(c.SecretHash)) == 1
}

// Usable reports whether the credential can authorize a request at the given
// instant: it must be active and not past its expiry.
func (c *Credential) Usable(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// UsageRecord is one append-only row in the usage log.
type UsageRecord struct {
	ID           int64
	CredentialID string
	RequestID    string
	ToolID       string
	Status       int

	// InputTokens and OutputTokens are the advisory counts for the call,
	// zero for submissions rejected before execution.
	InputTokens  int
	OutputTokens int

	// Latency is the wall-clock time the CLI call took, zero when no call ran.
	Latency time.Duration

	// ErrorMessage explains a failed submission; empty on success.
	ErrorMessage string

	RemoteAddr  string
	ClientLabel string
	CreatedAt   time.Time
}

// NotFoundError indicates no credential matched the lookup.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("credential %q not found", e.ID)
}

// Repository defines the persistence interface for credentials.
type Repository interface {
	// Create inserts a new credential.
	Create(cred *Credential) error

	// FindByID retrieves a credential by id.
	// Returns NotFoundError if no matching credential exists.
	FindByID(id string) (*Credential, error)

	// FindBySecretHash retrieves a credential by its secret digest.
	// Returns NotFoundError if no matching credential exists.
	FindBySecretHash(hash string) (*Credential, error)

	// ListActive returns every active credential.
	ListActive() ([]*Credential, error)

	// SetActive flips the active flag.
	// Returns NotFoundError if no matching credential exists.
	SetActive(id string, active bool) error

	// UpdateLastUsed stamps the credential's last use.
	UpdateLastUsed(id string, at time.Time) error

	// SaveOwner inserts or updates an owner row.
	SaveOwner(o *Owner) error

	// OwnerActive reports whether the owner accepts requests. Owners
	// without a stored row are treated as active.
	OwnerActive(id string) (bool, error)

	// Close releases any resources held by the repository.
	Close() error
}

// UsageRepository defines the persistence interface for the usage log.
type UsageRepository interface {
	// Insert appends a usage row.
	Insert(rec *UsageRecord) error

	// CountSince counts rows for a credential at or after the given instant.
	CountSince(credentialID string, since time.Time) (int, error)

	// Close releases any resources held by the repository.
	Close() error
}
