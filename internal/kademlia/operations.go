package kademlia

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/internal/transport"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// FetchResult is the outcome of FetchValue. When Found is false, Closest
// holds the K closest contacts the lookup reached.
type FetchResult struct {
	Value   []byte
	Found   bool
	Local   bool
	Closest []routing.Contact
}

// StoreValue stores value under key locally and on the K nodes closest to key.
// Only the local write decides success; remote failures are logged. It returns
// how many remote nodes acknowledged the store. Values larger than one STORE
// datagram are rejected with pkg.ErrMessageTooLarge before anything is written.
func (n *Node) StoreValue(ctx context.Context, key keyspace.ID, value []byte) (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}

	ctx, span := n.tracer.Start(ctx, "kademlia.store", trace.WithAttributes(
		attribute.String("kademlia.key", key.String()),
		attribute.Int("kademlia.size", len(value)),
	))
	defer span.End()

	if len(value) > transport.MaxValueSize {
		err := fmt.Errorf("%w: value of %d bytes, limit is %d", pkg.ErrMessageTooLarge, len(value), transport.MaxValueSize)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if err := n.storage.Store(ctx, key, value, n.config.DefaultTTL, true); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("local store failed: %w", err)
	}

	targets, err := n.replicationTargets(ctx, key)
	if err != nil {
		n.logger.Warn().Err(err).Str("key", key.Short()).Msg("No replication targets, value kept locally")
		return 0, nil
	}

	acked := n.replicate(ctx, key, value, targets)
	span.SetAttributes(attribute.Int("kademlia.replicas", acked))

	n.logger.Info().
		Str("key", key.Short()).
		Int("size", len(value)).
		Int("targets", len(targets)).
		Int("replicas", acked).
		Msg("Value stored")

	return acked, nil
}

// FetchValue looks key up, first locally and then across the network.
// A missing key is not an error.
func (n *Node) FetchValue(ctx context.Context, key keyspace.ID) (*FetchResult, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}

	ctx, span := n.tracer.Start(ctx, "kademlia.fetch", trace.WithAttributes(
		attribute.String("kademlia.key", key.String()),
	))
	defer span.End()

	value, err := n.storage.Get(ctx, key)
	switch {
	case err == nil:
		if n.visible(value) {
			span.SetAttributes(attribute.Bool("kademlia.local", true))
			return &FetchResult{Value: value, Found: true, Local: true}, nil
		}
	case !errors.Is(err, pkg.ErrKeyNotFound):
		n.logger.Warn().Err(err).Str("key", key.Short()).Msg("Local lookup failed, asking the network")
	}

	res, err := n.lookup(ctx, key, true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if res.Found && n.visible(res.Value) {
		n.logger.Debug().
			Str("key", key.Short()).
			Str("holder", res.Holder.ID.Short()).
			Int("rounds", res.Rounds).
			Msg("Value found")
		span.SetAttributes(attribute.Bool("kademlia.found", true))
		return &FetchResult{Value: res.Value, Found: true, Closest: res.Closest}, nil
	}

	closest := res.Closest
	if len(closest) == 0 {
		// nobody answered: fall back to what the routing table knows
		closest = n.table.ClosestNodes(key, n.config.K)
	}

	span.SetAttributes(attribute.Bool("kademlia.found", false))
	return &FetchResult{Found: false, Closest: closest}, nil
}

// Delete removes key locally and sends an empty STORE to the nodes closest to it.
// Remote nodes drop the key when they run with DeleteOnEmptyValue.
func (n *Node) Delete(ctx context.Context, key keyspace.ID) (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}

	ctx, span := n.tracer.Start(ctx, "kademlia.delete", trace.WithAttributes(
		attribute.String("kademlia.key", key.String()),
	))
	defer span.End()

	if err := n.storage.Delete(ctx, key); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("local delete failed: %w", err)
	}

	targets, err := n.replicationTargets(ctx, key)
	if err != nil {
		return 0, nil
	}

	acked := n.replicate(ctx, key, []byte{}, targets)
	n.logger.Info().
		Str("key", key.Short()).
		Int("targets", len(targets)).
		Int("acked", acked).
		Msg("Value deleted")
	return acked, nil
}

// Bootstrap joins the network through the given addresses. Each one is pinged
// with exponential backoff; reachable nodes seed the routing table. The node
// then looks itself up and refreshes every bucket farther away than its
// closest neighbour.
func (n *Node) Bootstrap(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		return fmt.Errorf("no bootstrap addresses given")
	}

	remote, err := n.getRemote()
	if err != nil {
		return err
	}

	ctx, cancel := n.operationContext(ctx)
	defer cancel()

	reached := 0
	for _, addr := range addrs {
		if addr == n.address {
			continue
		}

		var id keyspace.ID
		operation := func() error {
			var pingErr error
			id, pingErr = remote.Ping(ctx, addr)
			return pingErr
		}

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = n.config.RPCTimeout / 4
		policy.MaxElapsedTime = 3 * n.config.RPCTimeout
		retry := backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)

		if err := backoff.RetryNotify(operation, retry, func(err error, wait time.Duration) {
			n.logger.Debug().Err(err).Str("addr", addr).Dur("retry_in", wait).Msg("Bootstrap ping failed, retrying")
		}); err != nil {
			n.logger.Warn().Err(err).Str("addr", addr).Msg("Bootstrap node unreachable")
			continue
		}

		n.table.Update(routing.NewContact(id, addr))
		reached++
		n.logger.Info().
			Str("addr", addr).
			Str("contact", id.Short()).
			Msg("Bootstrap node reached")
	}

	if reached == 0 {
		return fmt.Errorf("%w: none of %d bootstrap nodes answered", pkg.ErrNodeUnreachable, len(addrs))
	}

	if _, err := n.lookup(ctx, n.id, false); err != nil {
		return fmt.Errorf("self lookup failed: %w", err)
	}

	neighbours := n.table.ClosestNodes(n.id, 1)
	if len(neighbours) == 1 {
		nearest := keyspace.BucketIndex(n.id, neighbours[0].ID)
		for i := 0; i < nearest; i++ {
			if ctx.Err() != nil {
				break
			}
			n.refreshBucket(ctx, i)
		}
	}

	n.logger.Info().
		Int("contacts", n.table.Size()).
		Int("bootstrap_nodes", reached).
		Msg("Bootstrap complete")
	return nil
}

// replicationTargets picks the nodes a key should be stored on.
func (n *Node) replicationTargets(ctx context.Context, key keyspace.ID) ([]routing.Contact, error) {
	if n.config.ReplicateLocalOnly {
		return n.table.ClosestNodes(key, n.config.K), nil
	}

	res, err := n.lookup(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return res.Closest, nil
}

// replicate sends STORE to every target concurrently, at most K at a time,
// and returns how many acknowledged it.
func (n *Node) replicate(ctx context.Context, key keyspace.ID, value []byte, targets []routing.Contact) int {
	if len(targets) == 0 {
		return 0
	}

	remote, err := n.getRemote()
	if err != nil {
		return 0
	}

	ctx, cancel := n.operationContext(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(n.config.K))
	var acked atomic.Int64

	for _, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(c routing.Contact) {
			defer sem.Release(1)

			ok, err := remote.Store(ctx, c.Addr, key, value)
			if err != nil || !ok {
				n.logger.Debug().
					Err(err).
					Bool("accepted", ok).
					Str("key", key.Short()).
					Str("contact", c.ID.Short()).
					Str("addr", c.Addr).
					Msg("Replica store failed")
				return
			}
			acked.Add(1)
		}(target)
	}

	// wait for the stragglers
	if err := sem.Acquire(context.Background(), int64(n.config.K)); err == nil {
		sem.Release(int64(n.config.K))
	}

	return int(acked.Load())
}

func (n *Node) visible(value []byte) bool {
	return len(value) > 0 || !n.config.DeleteOnEmptyValue
}
