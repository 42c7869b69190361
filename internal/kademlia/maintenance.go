package kademlia

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zde37/kademlia/pkg/keyspace"
)

// startBackgroundTasks starts the periodic maintenance tasks.
func (n *Node) startBackgroundTasks() {
	n.wg.Add(3)
	go n.runEvery(n.config.RefreshInterval, "Refresh", func(ctx context.Context) error {
		n.Refresh(ctx)
		return nil
	})
	go n.runEvery(n.config.RepublishInterval, "Republish", func(ctx context.Context) error {
		_, err := n.Republish(ctx)
		return err
	})
	go n.runEvery(n.config.CleanupInterval, "Cleanup", func(ctx context.Context) error {
		_, err := n.storage.Cleanup(ctx)
		return err
	})

	n.logger.Debug().Msg("Background tasks started")
}

// runEvery calls task on every tick until the node shuts down.
func (n *Node) runEvery(interval time.Duration, name string, task func(context.Context) error) {
	defer n.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Debug().Str("task", name).Msg("Background loop stopped")
			return
		case <-ticker.C:
			if err := task(n.ctx); err != nil && n.ctx.Err() == nil {
				n.logger.Error().Err(err).Str("task", name).Msg("Background task failed")
			}
		}
	}
}

// Refresh runs a lookup for a random id in every bucket that has seen no
// activity for a full refresh interval. It returns how many buckets it refreshed.
func (n *Node) Refresh(ctx context.Context) int {
	if n.table.Size() == 0 {
		return 0
	}

	stale := n.table.StaleBuckets(n.config.RefreshInterval)
	refreshed := 0
	for _, i := range stale {
		if ctx.Err() != nil {
			break
		}
		n.refreshBucket(ctx, i)
		refreshed++
	}

	if refreshed > 0 {
		n.logger.Debug().
			Int("buckets", refreshed).
			Int("contacts", n.table.Size()).
			Msg("Buckets refreshed")
	}
	return refreshed
}

func (n *Node) refreshBucket(ctx context.Context, i int) {
	target := keyspace.RandomIDInBucket(n.id, i)
	if _, err := n.lookup(ctx, target, false); err != nil {
		n.logger.Debug().Err(err).Int("bucket", i).Msg("Bucket refresh failed")
	}
	n.table.MarkRefreshed(i)
}

// Republish re-sends every live local entry to the nodes currently closest to
// its key. Values this node published get their local expiry extended too.
// It returns how many entries were republished.
func (n *Node) Republish(ctx context.Context) (int, error) {
	records, err := n.storage.Entries(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	// bound concurrent lookups; each one already fans out alpha probes
	sem := semaphore.NewWeighted(int64(n.config.Alpha))
	done := 0

	for _, r := range records {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		done++

		go func(key keyspace.ID, value []byte, origin bool) {
			defer sem.Release(1)

			if origin {
				if err := n.storage.Store(ctx, key, value, n.config.DefaultTTL, true); err != nil {
					n.logger.Warn().Err(err).Str("key", key.Short()).Msg("Failed to extend local entry")
				}
			}

			targets, err := n.replicationTargets(ctx, key)
			if err != nil {
				return
			}
			n.replicate(ctx, key, value, targets)
		}(r.Key, r.Value, r.Origin)
	}

	if err := sem.Acquire(context.Background(), int64(n.config.Alpha)); err == nil {
		sem.Release(int64(n.config.Alpha))
	}

	n.logger.Info().
		Int("entries", len(records)).
		Int("republished", done).
		Msg("Republish complete")
	return done, nil
}
