package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// Record is a live entry together with its key.
type Record struct {
	Key keyspace.ID
	Entry
}

// Stats is a snapshot of storage counters.
type Stats struct {
	Keys      int   `json:"keys"`
	Replicas  int   `json:"replicas"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
}

// Storage is the node's local key/value store with per-entry TTL.
// All backend access happens under a single lock.
type Storage struct {
	mu      sync.Mutex
	backend Backend
	logger  *pkg.Logger
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// New wraps backend. A nil logger discards output.
func New(backend Backend, logger *pkg.Logger) (*Storage, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		logger = pkg.Nop()
	}

	return &Storage{
		backend: backend,
		logger:  logger.Component("storage"),
		now:     time.Now,
	}, nil
}

// Store inserts or replaces key with an expiry of now+ttl. A replica write
// (origin false) never clears the origin flag of a value this node published.
func (s *Storage) Store(ctx context.Context, key keyspace.ID, value []byte, ttl time.Duration, origin bool) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !origin {
		existing, err := s.backend.Get(ctx, key)
		switch {
		case err == nil:
			origin = existing.Origin && !existing.Expired(now)
		case !errors.Is(err, pkg.ErrKeyNotFound):
			return err
		}
	}

	err := s.backend.Put(ctx, key, Entry{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		Origin:    origin,
	})
	if err != nil {
		return err
	}

	s.sets.Add(1)
	s.logger.Debug().
		Str("key", key.Short()).
		Int("size", len(value)).
		Dur("ttl", ttl).
		Bool("origin", origin).
		Msg("Value stored")
	return nil
}

// Get returns the value for key, or pkg.ErrKeyNotFound if it is missing or expired.
// Expired entries are left for Cleanup.
func (s *Storage) Get(ctx context.Context, key keyspace.ID) ([]byte, error) {
	s.mu.Lock()
	e, err := s.backend.Get(ctx, key)
	now := s.now()
	s.mu.Unlock()

	if errors.Is(err, pkg.ErrKeyNotFound) || (err == nil && e.Expired(now)) {
		s.misses.Add(1)
		return nil, pkg.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	s.hits.Add(1)
	return e.Value, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Storage) Delete(ctx context.Context, key keyspace.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	s.deletes.Add(1)
	return nil
}

// Cleanup removes every expired entry and returns how many were dropped.
func (s *Storage) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	removed, err := s.backend.SweepExpired(ctx, s.now())
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.evictions.Add(int64(removed))
		s.logger.Debug().Int("removed", removed).Msg("Expired entries swept")
	}
	return removed, nil
}

// Entries returns all live entries.
func (s *Storage) Entries(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	all, err := s.backend.All(ctx)
	now := s.now()
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(all))
	for key, e := range all {
		if e.Expired(now) {
			continue
		}
		out = append(out, Record{Key: key, Entry: e})
	}
	return out, nil
}

// Stats returns current counters. Key and replica counts only include live entries.
func (s *Storage) Stats(ctx context.Context) Stats {
	stats := Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
	}

	records, err := s.Entries(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count entries")
		return stats
	}
	for _, r := range records {
		stats.Keys++
		if !r.Origin {
			stats.Replicas++
		}
	}
	return stats
}

// Close closes the backend.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Close()
}
