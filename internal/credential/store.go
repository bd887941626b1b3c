package credential

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/relay/internal/cachemanager"
	"github.com/zjrosen/relay/internal/fault"
	"github.com/zjrosen/relay/internal/log"
)

// StoreConfig bounds credential cache staleness.
type StoreConfig struct {
	// CacheTTL is how long a validated credential is served from cache
	// before the store rereads the database.
	CacheTTL time.Duration
}

// Store validates submitted secrets against the credential table and records
// usage. Lookups are cached by secret digest; external writers invalidate
// through FlushCache.
type Store struct {
	repo   Repository
	lookup *cachemanager.ReadThroughCache[string, *Credential, string]
	cache  cachemanager.CacheManager[string, *Credential]
	cfg    StoreConfig
	usage  *UsageLogger

	// Owner activity is cached separately: one credential lookup can
	// outlive many owner suspensions and vice versa.
	ownerCache  cachemanager.CacheManager[string, bool]
	ownerLookup *cachemanager.ReadThroughCache[string, bool, string]
}

// NewStore creates a credential store over the given repositories.
func NewStore(repo Repository, usage *UsageLogger, cfg StoreConfig) *Store {
	cache := cachemanager.NewInMemoryCacheManager[string, *Credential](
		"credential-cache", cfg.CacheTTL, cachemanager.DefaultCleanupInterval)
	lookup := cachemanager.NewReadThroughCache[string, *Credential, string](
		cache,
		func(ctx context.Context, hash string) (*Credential, error) {
			return repo.FindBySecretHash(hash)
		},
		false,
	)
	ownerCache := cachemanager.NewInMemoryCacheManager[string, bool](
		"owner-cache", cfg.CacheTTL, cachemanager.DefaultCleanupInterval)
	ownerLookup := cachemanager.NewReadThroughCache[string, bool, string](
		ownerCache,
		func(ctx context.Context, id string) (bool, error) {
			return repo.OwnerActive(id)
		},
		false,
	)
	return &Store{
		repo:        repo,
		lookup:      lookup,
		cache:       cache,
		cfg:         cfg,
		usage:       usage,
		ownerCache:  ownerCache,
		ownerLookup: ownerLookup,
	}
}

// Validate resolves a submitted secret to a usable credential.
// Missing, inactive, and expired credentials all return the same
// unauthorized fault so callers cannot distinguish which occurred.
func (s *Store) Validate(ctx context.Context, secret string) (*Credential, error) {
	if secret == "" {
		return nil, fault.New(fault.Unauthorized, "missing credential")
	}

	hash := HashSecret(secret)
	cred, err := s.lookup.Get(ctx, hash, hash, s.cfg.CacheTTL)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, fault.New(fault.Unauthorized, "unknown credential")
		}
		return nil, fault.Wrap(fault.Internal, "credential lookup", err)
	}

	if !cred.Matches(secret) {
		// Digest collision in the cache key space cannot realistically
		// happen, but the full comparison keeps the gate airtight.
		return nil, fault.New(fault.Unauthorized, "unknown credential")
	}
	if !cred.Usable(time.Now()) {
		return nil, fault.New(fault.Unauthorized, "credential inactive or expired")
	}
	if cred.OwnerID != "" {
		active, err := s.ownerLookup.Get(ctx, cred.OwnerID, cred.OwnerID, s.cfg.CacheTTL)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "owner lookup", err)
		}
		if !active {
			return nil, fault.New(fault.Unauthorized, "credential inactive or expired")
		}
	}
	return cred, nil
}

// RecordUse appends a usage row asynchronously.
func (s *Store) RecordUse(rec *UsageRecord) {
	if s.usage != nil {
		s.usage.Record(rec)
	}
}

// Create mints a new credential for the given secret and stores it.
func (s *Store) Create(ctx context.Context, secret, label, ownerID string, permissions []string, ceilingOverride *int, expiresAt *time.Time) (*Credential, error) {
	cred := &Credential{
		ID:              uuid.NewString(),
		SecretHash:      HashSecret(secret),
		Label:           label,
		Active:          true,
		OwnerID:         ownerID,
		Permissions:     permissions,
		CeilingOverride: ceilingOverride,
		ExpiresAt:       expiresAt,
		CreatedAt:       time.Now(),
	}
	if err := s.repo.Create(cred); err != nil {
		return nil, err
	}
	log.Info(log.CatAuth, "credential created", "credential", cred.ID, "label", label)
	return cred, nil
}

// Deactivate revokes a credential and drops it from the cache.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	if err := s.repo.SetActive(id, false); err != nil {
		return err
	}
	// The cache is keyed by secret digest, which we cannot recover from
	// the id, so flush wholesale.
	_ = s.cache.Flush(ctx)
	log.Info(log.CatAuth, "credential deactivated", "credential", id)
	return nil
}

// SetOwnerActive upserts the owner row and invalidates its cached activity,
// so suspension takes effect on the next validation.
func (s *Store) SetOwnerActive(ctx context.Context, id, name string, active bool) error {
	if err := s.repo.SaveOwner(&Owner{ID: id, Name: name, Active: active, CreatedAt: time.Now()}); err != nil {
		return err
	}
	_ = s.ownerCache.Delete(ctx, id)
	log.Info(log.CatAuth, "owner updated", "owner", id, "active", active)
	return nil
}

// ListActive returns every active credential.
func (s *Store) ListActive(ctx context.Context) ([]*Credential, error) {
	return s.repo.ListActive()
}

// FlushCache drops every cached credential and owner. The database watcher
// calls this when an external writer touches the db file.
func (s *Store) FlushCache(ctx context.Context) {
	_ = s.cache.Flush(ctx)
	_ = s.ownerCache.Flush(ctx)
	log.Debug(log.CatAuth, "credential cache flushed")
}
