package domain

import (
	"fmt"
	"time"
)

// SessionNotFoundError indicates no visible session matched the lookup.
// Expired, deleted, and foreign-owned sessions all surface as not found so
// callers cannot probe for other tenants' session ids.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// SessionRepository defines the persistence interface for Session entities.
// Implementations may use SQLite, in-memory storage, or other backends.
type SessionRepository interface {
	// Save persists a session to the repository, inserting or updating by id.
	Save(session *Session) error

	// FindByID retrieves a session by id.
	// Returns SessionNotFoundError if no matching session exists.
	// Soft-deleted sessions are not returned; expired sessions are, so the
	// store can decide visibility against its own clock.
	FindByID(id string) (*Session, error)

	// Delete performs a soft delete by setting the deletedAt timestamp.
	// Returns SessionNotFoundError if no matching session exists.
	Delete(id string) error

	// SweepExpired marks every active session past its TTL at the given
	// instant as inactive and returns the ids it touched.
	SweepExpired(now time.Time) ([]string, error)

	// Close releases any resources held by the repository.
	Close() error
}
