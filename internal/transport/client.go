package transport

import (
	"context"
	"fmt"

	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

var _ routing.Pinger = (*UDPTransport)(nil)

// Ping checks that the node at addr is alive and returns the id it reports.
func (t *UDPTransport) Ping(ctx context.Context, addr string) (keyspace.ID, error) {
	resp, err := t.call(ctx, addr, &Message{Kind: KindPing})
	if err != nil {
		return keyspace.ID{}, err
	}
	if resp.Kind != KindPong {
		return keyspace.ID{}, violation(KindPing, resp.Kind)
	}
	return resp.Sender, nil
}

// Store asks the node at addr to keep value under key.
func (t *UDPTransport) Store(ctx context.Context, addr string, key keyspace.ID, value []byte) (bool, error) {
	resp, err := t.call(ctx, addr, &Message{Kind: KindStore, Target: key, Value: value})
	if err != nil {
		return false, err
	}
	if resp.Kind != KindStored {
		return false, violation(KindStore, resp.Kind)
	}
	return resp.Success, nil
}

// FindNode asks the node at addr for the contacts it knows closest to target.
func (t *UDPTransport) FindNode(ctx context.Context, addr string, target keyspace.ID) ([]routing.Contact, error) {
	resp, err := t.call(ctx, addr, &Message{Kind: KindFindNode, Target: target})
	if err != nil {
		return nil, err
	}
	if resp.Kind != KindNodesFound {
		return nil, violation(KindFindNode, resp.Kind)
	}
	return toContacts(resp.Nodes), nil
}

// FindValue asks the node at addr for key. The returned value is non-nil only
// when the remote holds it; otherwise the remote's closest contacts are returned.
func (t *UDPTransport) FindValue(ctx context.Context, addr string, key keyspace.ID) ([]byte, []routing.Contact, error) {
	resp, err := t.call(ctx, addr, &Message{Kind: KindFindValue, Target: key})
	if err != nil {
		return nil, nil, err
	}

	switch resp.Kind {
	case KindValueFound:
		value := resp.Value
		if value == nil {
			value = []byte{}
		}
		return value, nil, nil
	case KindNodesFound:
		return nil, toContacts(resp.Nodes), nil
	default:
		return nil, nil, violation(KindFindValue, resp.Kind)
	}
}

func violation(sent, got Kind) error {
	return fmt.Errorf("%w: %s answered with %s", pkg.ErrProtocolViolation, sent, got)
}
