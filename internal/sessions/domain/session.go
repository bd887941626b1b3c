// Package domain provides the pure domain layer for broker sessions with no
// infrastructure dependencies.
//
// This package follows Domain-Driven Design (DDD) principles:
//   - Contains only pure Go code with standard library imports (time package only)
//   - Defines the Session entity with encapsulated state and behavior
//   - Defines the SessionRepository interface for persistence abstraction
//   - Provides domain-specific error types
//
// The domain layer has no knowledge of infrastructure concerns (databases, file I/O, etc.).
package domain

import "time"

// Role identifies who produced a context message.
type Role string

const (
	// RoleUser marks a caller-submitted prompt.
	RoleUser Role = "user"

	// RoleAssistant marks a CLI tool reply.
	RoleAssistant Role = "assistant"

	// RoleSystem marks instructions injected by the broker.
	RoleSystem Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid returns true if the role is recognized.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one entry in a session's conversation context.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Session represents a durable conversation owned by a credential.
// All fields are unexported to enforce encapsulation; use the constructor
// and getter methods to access data.
type Session struct {
	id           string
	credentialID string
	toolID       string

	context  []Message
	metadata map[string]string

	active bool

	lastActivityAt time.Time
	expiresAt      time.Time

	createdAt time.Time
	updatedAt time.Time
	deletedAt *time.Time
}

// NewSession creates a new active Session owned by the given credential.
// The TTL clamp against configured bounds happens in the store; the domain
// takes the TTL as given.
func NewSession(id, credentialID, toolID string, ttl time.Duration, metadata map[string]string) *Session {
	now := time.Now()
	return &Session{
		id:             id,
		credentialID:   credentialID,
		toolID:         toolID,
		context:        nil,
		metadata:       copyMetadata(metadata),
		active:         true,
		lastActivityAt: now,
		expiresAt:      now.Add(ttl),
		createdAt:      now,
		updatedAt:      now,
		deletedAt:      nil,
	}
}

// ReconstituteSession creates a Session from existing data, typically when
// hydrating from the database. All fields are provided explicitly.
func ReconstituteSession(
	id, credentialID, toolID string,
	context []Message,
	metadata map[string]string,
	active bool,
	lastActivityAt, expiresAt time.Time,
	createdAt, updatedAt time.Time,
	deletedAt *time.Time,
) *Session {
	return &Session{
		id:             id,
		credentialID:   credentialID,
		toolID:         toolID,
		context:        context,
		metadata:       metadata,
		active:         active,
		lastActivityAt: lastActivityAt,
		expiresAt:      expiresAt,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
		deletedAt:      deletedAt,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CredentialID returns the owning credential's identifier.
func (s *Session) CredentialID() string {
	return s.credentialID
}

// ToolID returns the CLI tool this session converses with.
func (s *Session) ToolID() string {
	return s.toolID
}

// Context returns a copy of the conversation context.
func (s *Session) Context() []Message {
	out := make([]Message, len(s.context))
	copy(out, s.context)
	return out
}

// ContextLen returns the number of messages without copying.
func (s *Session) ContextLen() int {
	return len(s.context)
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]string {
	return copyMetadata(s.metadata)
}

// Active returns whether the session accepts new exchanges.
func (s *Session) Active() bool {
	return s.active
}

// LastActivityAt returns the time of the most recent exchange.
func (s *Session) LastActivityAt() time.Time {
	return s.lastActivityAt
}

// ExpiresAt returns when the session becomes invisible to callers.
func (s *Session) ExpiresAt() time.Time {
	return s.expiresAt
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// UpdatedAt returns when the session was last modified.
func (s *Session) UpdatedAt() time.Time {
	return s.updatedAt
}

// DeletedAt returns the soft-delete timestamp, nil while the session lives.
func (s *Session) DeletedAt() *time.Time {
	return s.deletedAt
}

// OwnedBy reports whether the credential owns this session.
func (s *Session) OwnedBy(credentialID string) bool {
	return s.credentialID == credentialID
}

// Expired reports whether the session is past its TTL at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.expiresAt)
}

// Append adds a message to the context, trimming the oldest entries once the
// cap is exceeded, and records activity.
func (s *Session) Append(msg Message, limit int) {
	s.context = append(s.context, msg)
	if limit > 0 && len(s.context) > limit {
		trimmed := make([]Message, limit)
		copy(trimmed, s.context[len(s.context)-limit:])
		s.context = trimmed
	}
	now := time.Now()
	s.lastActivityAt = now
	s.updatedAt = now
}

// Touch extends the session's life by ttl from now and records activity.
func (s *Session) Touch(ttl time.Duration) {
	now := time.Now()
	s.lastActivityAt = now
	s.expiresAt = now.Add(ttl)
	s.updatedAt = now
}

// MergeMetadata overlays the given entries onto the session metadata.
// Existing keys are overwritten, others are preserved.
func (s *Session) MergeMetadata(entries map[string]string) {
	if len(entries) == 0 {
		return
	}
	if s.metadata == nil {
		s.metadata = make(map[string]string, len(entries))
	}
	for k, v := range entries {
		s.metadata[k] = v
	}
	s.updatedAt = time.Now()
}

// Deactivate marks the session as no longer accepting exchanges.
func (s *Session) Deactivate() {
	s.active = false
	s.updatedAt = time.Now()
}

// SoftDelete marks the session deleted without removing the record.
func (s *Session) SoftDelete() {
	now := time.Now()
	s.deletedAt = &now
	s.active = false
	s.updatedAt = now
}

// Clone returns a deep copy that shares no mutable state with the receiver.
// Mutating either side is invisible to the other.
func (s *Session) Clone() *Session {
	out := *s
	if s.context != nil {
		out.context = make([]Message, len(s.context))
		copy(out.context, s.context)
	}
	out.metadata = copyMetadata(s.metadata)
	if s.deletedAt != nil {
		deletedAt := *s.deletedAt
		out.deletedAt = &deletedAt
	}
	return &out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
