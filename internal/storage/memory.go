package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// MemoryBackend keeps entries in a plain map. It is lost on restart.
type MemoryBackend struct {
	data   map[keyspace.ID]Entry
	closed atomic.Bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[keyspace.ID]Entry),
	}
}

func (mb *MemoryBackend) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return pkg.ErrContextCanceled
	default:
	}

	if mb.closed.Load() {
		return pkg.ErrStorageUnavailable
	}
	return nil
}

// Put stores a copy of the entry value.
func (mb *MemoryBackend) Put(ctx context.Context, key keyspace.ID, e Entry) error {
	if err := mb.check(ctx); err != nil {
		return err
	}

	e.Value = copyBytes(e.Value)
	mb.data[key] = e
	return nil
}

// Get returns a copy of the stored entry.
func (mb *MemoryBackend) Get(ctx context.Context, key keyspace.ID) (Entry, error) {
	if err := mb.check(ctx); err != nil {
		return Entry{}, err
	}

	e, ok := mb.data[key]
	if !ok {
		return Entry{}, pkg.ErrKeyNotFound
	}
	e.Value = copyBytes(e.Value)
	return e, nil
}

func (mb *MemoryBackend) Delete(ctx context.Context, key keyspace.ID) error {
	if err := mb.check(ctx); err != nil {
		return err
	}

	delete(mb.data, key)
	return nil
}

func (mb *MemoryBackend) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if err := mb.check(ctx); err != nil {
		return 0, err
	}

	removed := 0
	for key, e := range mb.data {
		if e.Expired(now) {
			delete(mb.data, key)
			removed++
		}
	}
	return removed, nil
}

func (mb *MemoryBackend) All(ctx context.Context) (map[keyspace.ID]Entry, error) {
	if err := mb.check(ctx); err != nil {
		return nil, err
	}

	out := make(map[keyspace.ID]Entry, len(mb.data))
	for key, e := range mb.data {
		e.Value = copyBytes(e.Value)
		out[key] = e
	}
	return out, nil
}

// Close drops all data. Calling it twice is fine.
func (mb *MemoryBackend) Close() error {
	if !mb.closed.CompareAndSwap(false, true) {
		return nil
	}
	mb.data = nil
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
