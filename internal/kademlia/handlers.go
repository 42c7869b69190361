package kademlia

import (
	"context"
	"errors"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// Public methods for the RPC server

// Observe records that c sent us a message.
func (n *Node) Observe(c routing.Contact) {
	if n.IsShutdown() {
		return
	}

	if result := n.table.Update(c); result == routing.UpdateProbing {
		n.logger.Debug().
			Str("contact", c.ID.Short()).
			Str("addr", c.Addr).
			Msg("Bucket full, probing oldest contact")
	}
}

// HandleStore keeps a replica of value. With DeleteOnEmptyValue an empty
// value removes the key instead.
func (n *Node) HandleStore(ctx context.Context, sender routing.Contact, key keyspace.ID, value []byte) bool {
	if len(value) == 0 && n.config.DeleteOnEmptyValue {
		if err := n.storage.Delete(ctx, key); err != nil {
			n.logger.Warn().Err(err).Str("key", key.Short()).Msg("Failed to delete on empty store")
			return false
		}
		n.logger.Debug().
			Str("key", key.Short()).
			Str("from", sender.ID.Short()).
			Msg("Key deleted by empty store")
		return true
	}

	if err := n.storage.Store(ctx, key, value, n.config.DefaultTTL, false); err != nil {
		n.logger.Warn().
			Err(err).
			Str("key", key.Short()).
			Str("from", sender.ID.Short()).
			Msg("Failed to store replica")
		return false
	}
	return true
}

// HandleFindNode returns the K closest contacts to target, leaving out the requester.
func (n *Node) HandleFindNode(ctx context.Context, sender routing.Contact, target keyspace.ID) []routing.Contact {
	return n.closestExcluding(target, sender.ID)
}

// HandleFindValue returns the local value for key if present, otherwise the K
// closest contacts.
func (n *Node) HandleFindValue(ctx context.Context, sender routing.Contact, key keyspace.ID) ([]byte, bool, []routing.Contact) {
	value, err := n.storage.Get(ctx, key)
	switch {
	case err == nil:
		if len(value) > 0 || !n.config.DeleteOnEmptyValue {
			return value, true, nil
		}
	case !errors.Is(err, pkg.ErrKeyNotFound):
		n.logger.Warn().Err(err).Str("key", key.Short()).Msg("Storage lookup failed")
	}
	return nil, false, n.closestExcluding(key, sender.ID)
}

func (n *Node) closestExcluding(target, exclude keyspace.ID) []routing.Contact {
	contacts := n.table.ClosestNodes(target, n.config.K+1)
	out := make([]routing.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.ID == exclude {
			continue
		}
		out = append(out, c)
	}
	if len(out) > n.config.K {
		out = out[:n.config.K]
	}
	return out
}
