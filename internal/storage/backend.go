package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/zde37/kademlia/pkg/keyspace"
)

// Supported backend kinds.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Entry is a stored value together with its expiry.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time

	// Origin is true when this node published the value itself rather than
	// holding it as a replica for someone else.
	Origin bool
}

// Expired reports whether the entry is no longer visible at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backend is the persistence collaborator behind Storage. Implementations
// do not need to be safe for concurrent use; Storage serialises access.
type Backend interface {
	// Put inserts or replaces the entry for key.
	Put(ctx context.Context, key keyspace.ID, e Entry) error

	// Get returns pkg.ErrKeyNotFound when no entry exists. Expiry is not checked.
	Get(ctx context.Context, key keyspace.ID) (Entry, error)

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key keyspace.ID) error

	// SweepExpired removes every entry that expired at or before now and
	// returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// All returns every entry, expired or not.
	All(ctx context.Context) (map[keyspace.ID]Entry, error)

	Close() error
}

// Open opens a backend of the given kind. path is ignored for memory backends.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
