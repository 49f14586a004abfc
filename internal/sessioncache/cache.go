// Package sessioncache caches remote workbook sessions per document handle.
//
// A cached, non-expired session is renewed on every read (keep-alive). On a
// miss the cache creates a new remote session through the breaker and retry
// layers. Concurrent acquires for the same handle may race and create
// duplicate remote sessions; that is acceptable because session creation is
// idempotent from the document's perspective, and the cache converges on
// whichever result it stores last. No lock is held across the remote call.
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sheetbridge/internal/breaker"
	"github.com/fyrsmithlabs/sheetbridge/internal/retry"
	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

const createSessionOp = "createSession"

// SessionCreator opens a remote session for a document. Implemented by the
// graph client.
type SessionCreator interface {
	CreateSession(ctx context.Context, token string, handle workbook.DocumentHandle) (string, error)
}

// Config controls session caching.
type Config struct {
	// TTL is how long a session stays current without being read.
	TTL time.Duration `koanf:"ttl"`

	// MaxEntries bounds the cache; least recently used entries evict first.
	MaxEntries int `koanf:"max_entries"`
}

// DefaultConfig returns the production defaults: 300s TTL.
func DefaultConfig() *Config {
	return &Config{
		TTL:        300 * time.Second,
		MaxEntries: 1024,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	if c.MaxEntries <= 0 {
		return errors.New("max_entries must be positive")
	}
	return nil
}

// Cache maps document handles to current sessions. Safe for concurrent use.
type Cache struct {
	config   *Config
	creator  SessionCreator
	breakers *breaker.Registry
	retry    *retry.Policy
	logger   *zap.Logger

	sessions *expirable.LRU[string, *workbook.Session]

	// now is replaceable for tests.
	now func() time.Time
}

// NewCache creates a session cache.
func NewCache(cfg *Config, creator SessionCreator, breakers *breaker.Registry, policy *retry.Policy, logger *zap.Logger) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session cache config: %w", err)
	}
	if creator == nil {
		return nil, errors.New("session creator is required")
	}
	if breakers == nil {
		return nil, errors.New("breaker registry is required")
	}
	if policy == nil {
		return nil, errors.New("retry policy is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cache{
		config:   cfg,
		creator:  creator,
		breakers: breakers,
		retry:    policy,
		logger:   logger,
		sessions: expirable.NewLRU[string, *workbook.Session](cfg.MaxEntries, nil, cfg.TTL),
		now:      time.Now,
	}, nil
}

// Acquire returns the current session for the handle, extending its TTL, or
// creates one remotely on a miss. A creation failure after retries is fatal
// for the caller's batch.
func (c *Cache) Acquire(ctx context.Context, token string, handle workbook.DocumentHandle) (*workbook.Session, error) {
	key := handle.CacheKey()
	now := c.now()

	if s, ok := c.sessions.Get(key); ok && !s.Expired(now) {
		renewed := &workbook.Session{
			ID:        s.ID,
			Handle:    s.Handle,
			CreatedAt: s.CreatedAt,
			ExpiresAt: now.Add(c.config.TTL),
		}
		// Re-add to reset the entry's TTL: keep-alive on read.
		c.sessions.Add(key, renewed)
		return renewed, nil
	}

	var sessionID string
	err := c.retry.Do(ctx, createSessionOp, func(ctx context.Context) error {
		return c.breakers.Execute(ctx, createSessionOp, func(ctx context.Context) error {
			var err error
			sessionID, err = c.creator.CreateSession(ctx, token, handle)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", key, err)
	}

	now = c.now()
	session := &workbook.Session{
		ID:        sessionID,
		Handle:    handle,
		CreatedAt: now,
		ExpiresAt: now.Add(c.config.TTL),
	}
	c.sessions.Add(key, session)
	c.logger.Debug("session created",
		zap.String("document", key),
		zap.String("session_id", sessionID),
	)
	return session, nil
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	return c.sessions.Len()
}
