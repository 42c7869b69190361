package kademlia

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/kademlia/internal/config"
	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/internal/storage"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

// fakeNetwork connects nodes in memory. Calls go straight to the remote
// node's handlers and both ends observe each other, like the UDP transport.
type fakeNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	down  map[string]bool
	calls atomic.Int64
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nodes: make(map[string]*Node),
		down:  make(map[string]bool),
	}
}

func (fn *fakeNetwork) add(n *Node) {
	fn.mu.Lock()
	fn.nodes[n.Address()] = n
	fn.mu.Unlock()
}

func (fn *fakeNetwork) setDown(addr string, down bool) {
	fn.mu.Lock()
	fn.down[addr] = down
	fn.mu.Unlock()
}

func (fn *fakeNetwork) get(addr string) (*Node, error) {
	fn.mu.RLock()
	defer fn.mu.RUnlock()

	n, ok := fn.nodes[addr]
	if !ok || fn.down[addr] || n.IsShutdown() {
		return nil, fmt.Errorf("%w: %s", pkg.ErrNodeUnreachable, addr)
	}
	return n, nil
}

// fakeRemote is the RemoteClient a single node uses on a fakeNetwork.
type fakeRemote struct {
	net  *fakeNetwork
	self *Node

	mu     sync.Mutex
	stores map[string]int

	// latency delays every call so concurrent calls overlap
	latency     time.Duration
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// track counts a call as in flight until the returned func runs.
func (r *fakeRemote) track() func() {
	cur := r.inFlight.Add(1)
	for {
		seen := r.maxInFlight.Load()
		if cur <= seen || r.maxInFlight.CompareAndSwap(seen, cur) {
			break
		}
	}
	if r.latency > 0 {
		time.Sleep(r.latency)
	}
	return func() { r.inFlight.Add(-1) }
}

func (r *fakeRemote) reach(ctx context.Context, addr string) (*Node, error) {
	r.net.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrNodeUnreachable, err)
	}
	peer, err := r.net.get(addr)
	if err != nil {
		return nil, err
	}
	peer.Observe(r.self.Contact())
	return peer, nil
}

func (r *fakeRemote) answered(peer *Node) {
	r.self.Observe(peer.Contact())
}

func (r *fakeRemote) Ping(ctx context.Context, addr string) (keyspace.ID, error) {
	defer r.track()()

	peer, err := r.reach(ctx, addr)
	if err != nil {
		return keyspace.ID{}, err
	}
	r.answered(peer)
	return peer.ID(), nil
}

func (r *fakeRemote) Store(ctx context.Context, addr string, key keyspace.ID, value []byte) (bool, error) {
	defer r.track()()

	peer, err := r.reach(ctx, addr)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	r.stores[addr]++
	r.mu.Unlock()

	ok := peer.HandleStore(ctx, r.self.Contact(), key, value)
	r.answered(peer)
	return ok, nil
}

func (r *fakeRemote) FindNode(ctx context.Context, addr string, target keyspace.ID) ([]routing.Contact, error) {
	defer r.track()()

	peer, err := r.reach(ctx, addr)
	if err != nil {
		return nil, err
	}
	contacts := peer.HandleFindNode(ctx, r.self.Contact(), target)
	r.answered(peer)
	return contacts, nil
}

func (r *fakeRemote) FindValue(ctx context.Context, addr string, key keyspace.ID) ([]byte, []routing.Contact, error) {
	defer r.track()()

	peer, err := r.reach(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	value, found, contacts := peer.HandleFindValue(ctx, r.self.Contact(), key)
	r.answered(peer)
	if found {
		if value == nil {
			value = []byte{}
		}
		return value, nil, nil
	}
	return nil, contacts, nil
}

func (r *fakeRemote) storeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.stores {
		total += n
	}
	return total
}

var nodeCounter atomic.Int64

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.HTTPPort = 0
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.LookupTimeout = 5 * time.Second
	return cfg
}

// createTestNode creates a started node attached to net.
func createTestNode(t *testing.T, net *fakeNetwork, modify ...func(*config.Config)) *Node {
	t.Helper()

	cfg := testConfig()
	for _, m := range modify {
		m(cfg)
	}

	seq := nodeCounter.Add(1)
	addr := fmt.Sprintf("10.0.%d.%d:8468", seq/250, seq%250)
	node, err := NewNode(cfg, pkg.Nop(), WithAddress(addr), WithBackend(storage.NewMemoryBackend()))
	require.NoError(t, err)

	node.SetRemote(&fakeRemote{net: net, self: node, stores: make(map[string]int)})
	net.add(node)
	require.NoError(t, node.Start())
	t.Cleanup(func() { node.Shutdown() })
	return node
}

// createCluster creates n nodes that all know each other.
func createCluster(t *testing.T, net *fakeNetwork, n int, modify ...func(*config.Config)) []*Node {
	t.Helper()

	nodes := make([]*Node, n)
	for i := range nodes {
		nodes[i] = createTestNode(t, net, modify...)
	}
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.Observe(b.Contact())
			}
		}
	}
	return nodes
}

func remoteOf(n *Node) *fakeRemote {
	r, _ := n.getRemote()
	return r.(*fakeRemote)
}
