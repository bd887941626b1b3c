package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/relay/internal/credential"
	"github.com/zjrosen/relay/internal/sessions/domain"
)

// SessionModel represents the database row for the sessions table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type SessionModel struct {
	ID           string
	CredentialID string
	ToolID       string
	Context      *string // nullable, JSON encoded
	Metadata     *string // nullable, JSON encoded
	Active       bool

	LastActivityAt int64  // Unix timestamp
	ExpiresAt      int64  // Unix timestamp
	CreatedAt      int64  // Unix timestamp
	UpdatedAt      int64  // Unix timestamp
	DeletedAt      *int64 // Unix timestamp, nullable
}

// messageJSON is the wire shape for one context entry in the JSON column.
type messageJSON struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
}

// toSessionModel converts a domain Session entity to a database SessionModel.
func toSessionModel(s *domain.Session) *SessionModel {
	m := &SessionModel{
		ID:             s.ID(),
		CredentialID:   s.CredentialID(),
		ToolID:         s.ToolID(),
		Active:         s.Active(),
		LastActivityAt: s.LastActivityAt().Unix(),
		ExpiresAt:      s.ExpiresAt().Unix(),
		CreatedAt:      s.CreatedAt().Unix(),
		UpdatedAt:      s.UpdatedAt().Unix(),
	}
	if ctx := s.Context(); len(ctx) > 0 {
		entries := make([]messageJSON, len(ctx))
		for i, msg := range ctx {
			entries[i] = messageJSON{
				Role:      string(msg.Role),
				Content:   msg.Content,
				Timestamp: msg.Timestamp.Unix(),
			}
		}
		if encoded, err := json.Marshal(entries); err == nil {
			str := string(encoded)
			m.Context = &str
		}
	}
	if meta := s.Metadata(); len(meta) > 0 {
		if encoded, err := json.Marshal(meta); err == nil {
			str := string(encoded)
			m.Metadata = &str
		}
	}
	if s.DeletedAt() != nil {
		deletedAt := s.DeletedAt().Unix()
		m.DeletedAt = &deletedAt
	}
	return m
}

// toDomain converts a database SessionModel to a domain Session entity.
func (m *SessionModel) toDomain() *domain.Session {
	var context []domain.Message
	if m.Context != nil {
		var entries []messageJSON
		if err := json.Unmarshal([]byte(*m.Context), &entries); err == nil {
			context = make([]domain.Message, len(entries))
			for i, e := range entries {
				context[i] = domain.Message{
					Role:      domain.Role(e.Role),
					Content:   e.Content,
					Timestamp: time.Unix(e.Timestamp, 0),
				}
			}
		}
	}
	var metadata map[string]string
	if m.Metadata != nil {
		_ = json.Unmarshal([]byte(*m.Metadata), &metadata)
	}
	var deletedAt *time.Time
	if m.DeletedAt != nil {
		t := time.Unix(*m.DeletedAt, 0)
		deletedAt = &t
	}
	return domain.ReconstituteSession(
		m.ID,
		m.CredentialID,
		m.ToolID,
		context,
		metadata,
		m.Active,
		time.Unix(m.LastActivityAt, 0),
		time.Unix(m.ExpiresAt, 0),
		time.Unix(m.CreatedAt, 0),
		time.Unix(m.UpdatedAt, 0),
		deletedAt,
	)
}

// CredentialModel represents the database row for the credentials table.
type CredentialModel struct {
	ID              string
	OwnerID         *string // nullable
	SecretHash      string
	Label           *string // nullable
	Active          bool
	Permissions     *string // nullable, JSON encoded
	CeilingOverride *int64  // nullable
	ExpiresAt       *int64  // Unix timestamp, nullable
	CreatedAt       int64   // Unix timestamp
	LastUsedAt      *int64  // Unix timestamp, nullable
}

// toCredentialModel converts a domain credential to a database row.
func toCredentialModel(c *credential.Credential) *CredentialModel {
	m := &CredentialModel{
		ID:         c.ID,
		SecretHash: c.SecretHash,
		Active:     c.Active,
		CreatedAt:  c.CreatedAt.Unix(),
	}
	if c.OwnerID != "" {
		ownerID := c.OwnerID
		m.OwnerID = &ownerID
	}
	if c.Label != "" {
		label := c.Label
		m.Label = &label
	}
	if len(c.Permissions) > 0 {
		if encoded, err := json.Marshal(c.Permissions); err == nil {
			str := string(encoded)
			m.Permissions = &str
		}
	}
	if c.CeilingOverride != nil {
		ceiling := int64(*c.CeilingOverride)
		m.CeilingOverride = &ceiling
	}
	if c.ExpiresAt != nil {
		expiresAt := c.ExpiresAt.Unix()
		m.ExpiresAt = &expiresAt
	}
	if c.LastUsedAt != nil {
		lastUsedAt := c.LastUsedAt.Unix()
		m.LastUsedAt = &lastUsedAt
	}
	return m
}

// toDomain converts a database row to a domain credential.
func (m *CredentialModel) toDomain() *credential.Credential {
	c := &credential.Credential{
		ID:         m.ID,
		SecretHash: m.SecretHash,
		Active:     m.Active,
		CreatedAt:  time.Unix(m.CreatedAt, 0),
	}
	if m.OwnerID != nil {
		c.OwnerID = *m.OwnerID
	}
	if m.Label != nil {
		c.Label = *m.Label
	}
	if m.Permissions != nil {
		_ = json.Unmarshal([]byte(*m.Permissions), &c.Permissions)
	}
	if m.CeilingOverride != nil {
		ceiling := int(*m.CeilingOverride)
		c.CeilingOverride = &ceiling
	}
	if m.ExpiresAt != nil {
		t := time.Unix(*m.ExpiresAt, 0)
		c.ExpiresAt = &t
	}
	if m.LastUsedAt != nil {
		t := time.Unix(*m.LastUsedAt, 0)
		c.LastUsedAt = &t
	}
	return c
}

// UsageModel represents the database row for the usage_log table.
type UsageModel struct {
	ID           int64
	CredentialID string
	RequestID    *string // nullable
	ToolID       *string // nullable
	Status       int
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	ErrorMessage *string // nullable
	RemoteAddr   *string // nullable
	ClientLabel  *string // nullable
	CreatedAt    int64   // Unix timestamp
}

// toUsageModel converts a domain usage record to a database row.
func toUsageModel(r *credential.UsageRecord) *UsageModel {
	m := &UsageModel{
		ID:           r.ID,
		CredentialID: r.CredentialID,
		Status:       r.Status,
		InputTokens:  int64(r.InputTokens),
		OutputTokens: int64(r.OutputTokens),
		LatencyMS:    r.Latency.Milliseconds(),
		CreatedAt:    r.CreatedAt.Unix(),
	}
	if r.ErrorMessage != "" {
		errorMessage := r.ErrorMessage
		m.ErrorMessage = &errorMessage
	}
	if r.RequestID != "" {
		requestID := r.RequestID
		m.RequestID = &requestID
	}
	if r.ToolID != "" {
		toolID := r.ToolID
		m.ToolID = &toolID
	}
	if r.RemoteAddr != "" {
		remoteAddr := r.RemoteAddr
		m.RemoteAddr = &remoteAddr
	}
	if r.ClientLabel != "" {
		clientLabel := r.ClientLabel
		m.ClientLabel = &clientLabel
	}
	return m
}

// toDomain converts a database row to a domain usage record.
func (m *UsageModel) toDomain() *credential.UsageRecord {
	r := &credential.UsageRecord{
		ID:           m.ID,
		CredentialID: m.CredentialID,
		Status:       m.Status,
		InputTokens:  int(m.InputTokens),
		OutputTokens: int(m.OutputTokens),
		Latency:      time.Duration(m.LatencyMS) * time.Millisecond,
		CreatedAt:    time.Unix(m.CreatedAt, 0),
	}
	if m.ErrorMessage != nil {
		r.ErrorMessage = *m.ErrorMessage
	}
	if m.RequestID != nil {
		r.RequestID = *m.RequestID
	}
	if m.ToolID != nil {
		r.ToolID = *m.ToolID
	}
	if m.RemoteAddr != nil {
		r.RemoteAddr = *m.RemoteAddr
	}
	if m.ClientLabel != nil {
		r.ClientLabel = *m.ClientLabel
	}
	return r
}
