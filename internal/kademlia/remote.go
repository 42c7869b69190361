package kademlia

import (
	"context"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// RemoteClient defines the calls a Node makes to other nodes.
// transport.UDPTransport implements it; tests swap in an in-memory network.
type RemoteClient interface {
	// Ping checks liveness and returns the id the remote reports.
	Ping(ctx context.Context, addr string) (keyspace.ID, error)

	// Store asks the remote to keep value under key.
	Store(ctx context.Context, addr string, key keyspace.ID, value []byte) (bool, error)

	// FindNode returns the remote's closest known contacts to target.
	FindNode(ctx context.Context, addr string, target keyspace.ID) ([]routing.Contact, error)

	// FindValue returns the value when the remote has it (non-nil, possibly
	// empty), otherwise the remote's closest known contacts to key.
	FindValue(ctx context.Context, addr string, key keyspace.ID) ([]byte, []routing.Contact, error)
}
