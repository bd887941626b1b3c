// Package sessions provides the durable session store: repository-backed
// persistence with a write-through cache and a periodic expiry sweeper.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/relay/internal/cachemanager"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/sessions/domain"
)

// Config bounds session lifetimes and context size.
type Config struct {
	// DefaultTTL applies when the caller requests no TTL.
	DefaultTTL time.Duration

	// MinTTL and MaxTTL clamp caller-requested TTLs.
	MinTTL time.Duration
	MaxTTL time.Duration

	// ContextCap is the maximum number of messages retained per session.
	ContextCap int

	// SweepInterval is how often the sweeper marks expired sessions inactive.
	SweepInterval time.Duration

	// CacheTTL bounds staleness for read paths served from cache.
	CacheTTL time.Duration
}

// Store is the session service. Writes go through to the repository before
// the cache is updated, so a crash never loses an acknowledged append.
//
// The cache owns its entries outright: sessions cross the cache boundary as
// clones, so a session handed to one caller is never mutated by another.
type Store struct {
	repo  domain.SessionRepository
	cache cachemanager.CacheManager[string, *domain.Session]
	cfg   Config

	mu sync.Mutex // serializes read-modify-write cycles per store

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStore creates a session store over the given repository.
func NewStore(repo domain.SessionRepository, cfg Config) *Store {
	return &Store{
		repo: repo,
		cache: cachemanager.NewInMemoryCacheManager[string, *domain.Session](
			"session-cache", cfg.CacheTTL, cachemanager.DefaultCleanupInterval),
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// ClampTTL applies the configured TTL bounds. Zero means the default.
func (s *Store) ClampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return s.cfg.DefaultTTL
	}
	if ttl < s.cfg.MinTTL {
		return s.cfg.MinTTL
	}
	if ttl > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return ttl
}

// Create makes a new session owned by the credential and persists it. The
// initial messages seed the conversation context, subject to the same cap
// Append enforces.
func (s *Store) Create(ctx context.Context, credentialID, toolID string, initial []domain.Message, ttl time.Duration, metadata map[string]string) (*domain.Session, error) {
	session := domain.NewSession(uuid.NewString(), credentialID, toolID, s.ClampTTL(ttl), metadata)
	for _, msg := range initial {
		session.Append(msg, s.cfg.ContextCap)
	}

	if err := s.repo.Save(session); err != nil {
		return nil, err
	}
	s.cache.Set(ctx, session.ID(), session.Clone(), s.cfg.CacheTTL)

	log.Info(log.CatSession, "session created",
		"session", session.ID(), "credential", credentialID, "tool", toolID,
		"expiresAt", session.ExpiresAt().Format(time.RFC3339))
	return session, nil
}

// Get returns a live session owned by the credential. Expired, inactive,
// deleted, and foreign-owned sessions are all reported as not found.
func (s *Store) Get(ctx context.Context, credentialID, id string) (*domain.Session, error) {
	session, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.OwnedBy(credentialID) || !session.Active() || session.Expired(time.Now()) {
		return nil, &domain.SessionNotFoundError{ID: id}
	}
	return session, nil
}

// Append adds messages to the session context, trimming at the configured
// cap, and persists before updating the cache.
func (s *Store) Append(ctx context.Context, credentialID, id string, msgs ...domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Get(ctx, credentialID, id)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		session.Append(msg, s.cfg.ContextCap)
	}

	if err := s.repo.Save(session); err != nil {
		return err
	}
	s.cache.Set(ctx, id, session.Clone(), s.cfg.CacheTTL)
	return nil
}

// Update merges metadata and, when extend is positive, pushes the expiry out
// by the clamped TTL.
func (s *Store) Update(ctx context.Context, credentialID, id string, metadata map[string]string, extend time.Duration) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Get(ctx, credentialID, id)
	if err != nil {
		return nil, err
	}
	session.MergeMetadata(metadata)
	if extend > 0 {
		session.Touch(s.ClampTTL(extend))
	}

	if err := s.repo.Save(session); err != nil {
		return nil, err
	}
	s.cache.Set(ctx, id, session.Clone(), s.cfg.CacheTTL)
	return session, nil
}

// Delete soft-deletes the session after an ownership check.
func (s *Store) Delete(ctx context.Context, credentialID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Get(ctx, credentialID, id); err != nil {
		return err
	}
	if err := s.repo.Delete(id); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, id)

	log.Info(log.CatSession, "session deleted", "session", id, "credential", credentialID)
	return nil
}

// Sweep marks expired sessions inactive and purges them from the cache.
// Returns how many sessions were swept.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.SweepExpired(now)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		_ = s.cache.Delete(ctx, ids...)
		log.Info(log.CatSession, "swept expired sessions", "count", len(ids))
	}
	return len(ids), nil
}

// StartSweeper runs Sweep on the configured interval until Stop is called.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := s.Sweep(ctx, now); err != nil {
					log.ErrorErr(log.CatSession, "sweep failed", err)
				}
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call multiple times and without
// StartSweeper having run.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// FlushCache drops every cached session; subsequent reads go to the
// repository.
func (s *Store) FlushCache(ctx context.Context) {
	_ = s.cache.Flush(ctx)
	log.Debug(log.CatSession, "session cache flushed")
}

// load serves a session from cache, falling back to the repository. The
// caller always receives a private copy; the cached object stays internal.
func (s *Store) load(ctx context.Context, id string) (*domain.Session, error) {
	if session, ok := s.cache.Get(ctx, id); ok {
		return session.Clone(), nil
	}
	session, err := s.repo.FindByID(id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, id, session.Clone(), s.cfg.CacheTTL)
	return session, nil
}
