// Package idempotency maps caller-supplied idempotency keys to previously
// produced batch results.
//
// Results are stored as their JSON serialization, so a replay returns exactly
// the bytes the first execution produced. Even partial-error results are
// stored: replay must reproduce the original outcome, not re-attempt failed
// operations. Expiry is passive; a lookup past the retention window simply
// misses.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sheetbridge/internal/workbook"
)

// Config controls idempotency retention.
type Config struct {
	// Retention is how long a stored result remains replayable.
	Retention time.Duration `koanf:"retention"`

	// MaxEntries bounds the store; oldest entries evict first.
	MaxEntries int `koanf:"max_entries"`
}

// DefaultConfig returns the production defaults: 24h retention.
func DefaultConfig() *Config {
	return &Config{
		Retention:  24 * time.Hour,
		MaxEntries: 4096,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Retention <= 0 {
		return errors.New("retention must be positive")
	}
	if c.MaxEntries <= 0 {
		return errors.New("max_entries must be positive")
	}
	return nil
}

// Store is a process-wide idempotency record store. Safe for concurrent use.
type Store struct {
	logger  *zap.Logger
	records *expirable.LRU[string, []byte]
}

// NewStore creates an idempotency store.
func NewStore(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid idempotency config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:  logger,
		records: expirable.NewLRU[string, []byte](cfg.MaxEntries, nil, cfg.Retention),
	}, nil
}

// Get returns the stored result for the key, if present and unexpired.
func (s *Store) Get(key string) (*workbook.OperationResult, bool) {
	raw, ok := s.records.Get(key)
	if !ok {
		return nil, false
	}
	var result workbook.OperationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// Unreadable record: drop it and treat as a miss.
		s.logger.Warn("dropping corrupt idempotency record",
			zap.String("key", key),
			zap.Error(err),
		)
		s.records.Remove(key)
		return nil, false
	}
	return &result, true
}

// Put stores the result for the key. Called exactly once per batch, after the
// batch completes successfully or with partial errors.
func (s *Store) Put(key string, result *workbook.OperationResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to serialize idempotency record",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	s.records.Add(key, raw)
}

// Len returns the number of live records.
func (s *Store) Len() int {
	return s.records.Len()
}
