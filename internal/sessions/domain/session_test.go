package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, map[string]string{"env": "test"})

	require.Equal(t, "sess-1", s.ID())
	require.Equal(t, "cred-1", s.CredentialID())
	require.Equal(t, "claude", s.ToolID())
	require.True(t, s.Active())
	require.Zero(t, s.ContextLen())
	require.Nil(t, s.DeletedAt())
	require.Equal(t, map[string]string{"env": "test"}, s.Metadata())
	require.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt(), time.Second)
}

func TestSession_OwnedBy(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)

	require.True(t, s.OwnedBy("cred-1"))
	require.False(t, s.OwnedBy("cred-2"))
}

func TestSession_Expired(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)

	require.False(t, s.Expired(time.Now()))
	require.True(t, s.Expired(time.Now().Add(2*time.Hour)))
	// exactly at expiry counts as expired
	require.True(t, s.Expired(s.ExpiresAt()))
}

func TestSession_Append_TrimsOldest(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)

	for i := 0; i < 6; i++ {
		s.Append(Message{Role: RoleUser, Content: fmt.Sprintf("msg-%d", i), Timestamp: time.Now()}, 4)
	}

	ctx := s.Context()
	require.Len(t, ctx, 4)
	require.Equal(t, "msg-2", ctx[0].Content, "oldest messages are trimmed first")
	require.Equal(t, "msg-5", ctx[3].Content)
}

func TestSession_Clone_SharesNothing(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, map[string]string{"env": "test"})
	s.Append(Message{Role: RoleUser, Content: "original", Timestamp: time.Now()}, 0)
	s.SoftDelete()

	clone := s.Clone()
	require.Equal(t, s.ID(), clone.ID())
	require.Equal(t, s.Context(), clone.Context())
	require.Equal(t, s.Metadata(), clone.Metadata())
	require.NotNil(t, clone.DeletedAt())

	s.Append(Message{Role: RoleAssistant, Content: "later"}, 0)
	s.MergeMetadata(map[string]string{"env": "prod"})

	require.Equal(t, 1, clone.ContextLen(), "appends to the original stay invisible")
	require.Equal(t, "test", clone.Metadata()["env"])
	require.NotSame(t, s.DeletedAt(), clone.DeletedAt())
}

func TestSession_Append_NoCapWhenZero(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)

	for i := 0; i < 10; i++ {
		s.Append(Message{Role: RoleUser, Content: "x"}, 0)
	}
	require.Equal(t, 10, s.ContextLen())
}

func TestSession_Touch_ExtendsExpiry(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Minute, nil)
	before := s.ExpiresAt()

	s.Touch(time.Hour)

	require.True(t, s.ExpiresAt().After(before))
	require.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt(), time.Second)
}

func TestSession_MergeMetadata(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, map[string]string{"a": "1", "b": "2"})

	s.MergeMetadata(map[string]string{"b": "20", "c": "3"})

	require.Equal(t, map[string]string{"a": "1", "b": "20", "c": "3"}, s.Metadata())
}

func TestSession_MergeMetadata_NilStart(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)

	s.MergeMetadata(map[string]string{"k": "v"})
	require.Equal(t, map[string]string{"k": "v"}, s.Metadata())
}

func TestSession_Deactivate(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)

	s.Deactivate()
	require.False(t, s.Active())
	require.Nil(t, s.DeletedAt(), "deactivation is not deletion")
}

func TestSession_SoftDelete(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)

	s.SoftDelete()
	require.False(t, s.Active())
	require.NotNil(t, s.DeletedAt())
}

func TestSession_ContextIsCopied(t *testing.T) {
	s := NewSession("sess-1", "cred-1", "claude", time.Hour, nil)
	s.Append(Message{Role: RoleUser, Content: "original"}, 10)

	ctx := s.Context()
	ctx[0].Content = "mutated"

	require.Equal(t, "original", s.Context()[0].Content)
}

func TestRole_IsValid(t *testing.T) {
	require.True(t, RoleUser.IsValid())
	require.True(t, RoleAssistant.IsValid())
	require.True(t, RoleSystem.IsValid())
	require.False(t, Role("tool").IsValid())
}

func TestReconstituteSession(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	expires := time.Now().Add(time.Hour)
	msgs := []Message{{Role: RoleUser, Content: "hi", Timestamp: created}}

	s := ReconstituteSession(
		"sess-1", "cred-1", "claude",
		msgs, map[string]string{"k": "v"},
		true,
		created, expires,
		created, created,
		nil,
	)

	require.Equal(t, "sess-1", s.ID())
	require.Equal(t, msgs, s.Context())
	require.True(t, s.Active())
	require.Equal(t, expires, s.ExpiresAt())
}
