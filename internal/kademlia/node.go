package kademlia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zde37/kademlia/internal/config"
	"github.com/zde37/kademlia/internal/routing"
	"github.com/zde37/kademlia/internal/storage"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

const tracerName = "github.com/zde37/kademlia/internal/kademlia"

// Node is a single participant in the DHT.
type Node struct {
	// Node identity
	id      keyspace.ID
	address string

	config *config.Config

	table   *routing.Table
	storage *storage.Storage

	logger *pkg.Logger
	tracer trace.Tracer

	// Remote client for RPC calls to other nodes
	remote   RemoteClient
	remoteMu sync.RWMutex

	startedAt time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running    bool
	shutdown   bool
	shutdownMu sync.RWMutex
}

// Option customises NewNode.
type Option func(*options)

type options struct {
	id      *keyspace.ID
	address string
	backend storage.Backend
	fs      afero.Fs
	tracers trace.TracerProvider
}

// WithID fixes the node id instead of reading config or the identity file.
func WithID(id keyspace.ID) Option {
	return func(o *options) { o.id = &id }
}

// WithAddress sets the address reported in Info, normally the transport's bound address.
func WithAddress(addr string) Option {
	return func(o *options) { o.address = addr }
}

// WithBackend overrides the storage backend chosen by config.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithFs sets the filesystem used for the identity file.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithTracerProvider sets where the node's spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracers = tp }
}

// NewNode creates a node from cfg. The node does not talk to the network
// until SetRemote is called.
func NewNode(cfg *config.Config, logger *pkg.Logger, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{fs: afero.NewOsFs(), address: cfg.ListenAddr(), tracers: otel.GetTracerProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := resolveIdentity(cfg, o)
	if err != nil {
		return nil, err
	}

	backend := o.backend
	if backend == nil {
		backend, err = storage.Open(cfg.StorageBackend, cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	nodeLogger := logger.WithFields(pkg.Fields{"node_id": id.Short()})

	store, err := storage.New(backend, nodeLogger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &Node{
		id:      id,
		address: o.address,
		config:  cfg,
		table: routing.NewTable(id, routing.Options{
			K:           cfg.K,
			PingTimeout: cfg.RPCTimeout,
		}, nodeLogger),
		storage:   store,
		logger:    nodeLogger,
		tracer:    o.tracers.Tracer(tracerName),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	node.logger.Info().
		Str("addr", node.address).
		Str("id", id.String()).
		Str("storage", cfg.StorageBackend).
		Int("k", cfg.K).
		Int("alpha", cfg.Alpha).
		Msg("Node created")

	return node, nil
}

func resolveIdentity(cfg *config.Config, o options) (keyspace.ID, error) {
	if o.id != nil {
		return *o.id, nil
	}
	if cfg.NodeID != "" {
		id, err := keyspace.ParseHex(cfg.NodeID)
		if err != nil {
			return id, fmt.Errorf("invalid node id: %w", err)
		}
		return id, nil
	}
	if cfg.IdentityFile != "" {
		id, _, err := LoadOrCreateIdentity(o.fs, cfg.IdentityFile)
		return id, err
	}
	return keyspace.RandomID(), nil
}

// ID returns the node's identifier.
func (n *Node) ID() keyspace.ID {
	return n.id
}

// Address returns the node's network address.
func (n *Node) Address() string {
	return n.address
}

// Contact returns this node as a contact.
func (n *Node) Contact() routing.Contact {
	return routing.NewContact(n.id, n.address)
}

// RoutingTable exposes the routing table for inspection.
func (n *Node) RoutingTable() *routing.Table {
	return n.table
}

// Storage exposes the local store for inspection.
func (n *Node) Storage() *storage.Storage {
	return n.storage
}

// SetRemote sets the remote client for making RPC calls to other nodes.
// It also becomes the pinger for full buckets.
func (n *Node) SetRemote(remote RemoteClient) {
	n.remoteMu.Lock()
	n.remote = remote
	n.remoteMu.Unlock()

	if remote != nil {
		n.table.SetPinger(remote)
	}
}

func (n *Node) getRemote() (RemoteClient, error) {
	n.remoteMu.RLock()
	defer n.remoteMu.RUnlock()

	if n.remote == nil {
		return nil, fmt.Errorf("remote client not set - call SetRemote() first")
	}
	return n.remote, nil
}

// SetBroadcaster sets where routing table changes are published.
func (n *Node) SetBroadcaster(b routing.Broadcaster) {
	n.table.SetBroadcaster(b)
}

// Start launches the periodic maintenance tasks.
func (n *Node) Start() error {
	n.shutdownMu.Lock()
	defer n.shutdownMu.Unlock()

	if n.shutdown {
		return fmt.Errorf("node is shut down")
	}
	if n.running {
		return nil
	}
	n.running = true

	n.startBackgroundTasks()
	n.logger.Info().Msg("Node started")
	return nil
}

// Shutdown gracefully shuts down the node.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil // Already shutdown
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down node")

	// Cancel context to stop background tasks and in-flight lookups
	n.cancel()
	n.wg.Wait()
	n.table.Close()

	if err := n.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	n.logger.Info().Msg("Node shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shutdown.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}

// NodeInfo is a snapshot of the node's state.
type NodeInfo struct {
	ID           string         `json:"id"`
	Address      string         `json:"address"`
	K            int            `json:"k"`
	Alpha        int            `json:"alpha"`
	Contacts     int            `json:"contacts"`
	Buckets      map[int]int    `json:"buckets"`
	Storage      storage.Stats  `json:"storage"`
	Uptime       string         `json:"uptime"`
	Parameters   map[string]any `json:"parameters"`
	ShuttingDown bool           `json:"shutting_down"`
}

// Info returns the node's identity, routing table summary and storage stats.
func (n *Node) Info(ctx context.Context) NodeInfo {
	return NodeInfo{
		ID:       n.id.String(),
		Address:  n.address,
		K:        n.config.K,
		Alpha:    n.config.Alpha,
		Contacts: n.table.Size(),
		Buckets:  n.table.BucketSizes(),
		Storage:  n.storage.Stats(ctx),
		Uptime:   time.Since(n.startedAt).Truncate(time.Second).String(),
		Parameters: map[string]any{
			"rpc_timeout":        n.config.RPCTimeout.String(),
			"refresh_interval":   n.config.RefreshInterval.String(),
			"republish_interval": n.config.RepublishInterval.String(),
			"default_ttl":        n.config.DefaultTTL.String(),
		},
		ShuttingDown: n.IsShutdown(),
	}
}

// operationContext derives a context that is also canceled on shutdown.
func (n *Node) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(n.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (n *Node) checkRunning() error {
	if n.IsShutdown() {
		return errors.New("node is shut down")
	}
	return nil
}
