package kademlia

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/kademlia/internal/config"
	"github.com/zde37/kademlia/internal/storage"
	"github.com/zde37/kademlia/pkg"
	"github.com/zde37/kademlia/pkg/keyspace"
)

func TestNewNode(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() *config.Config
		logger  *pkg.Logger
		wantErr string
	}{
		{
			name:    "nil config",
			cfg:     func() *config.Config { return nil },
			logger:  pkg.Nop(),
			wantErr: "config cannot be nil",
		},
		{
			name:    "nil logger",
			cfg:     testConfig,
			logger:  nil,
			wantErr: "logger cannot be nil",
		},
		{
			name: "invalid config",
			cfg: func() *config.Config {
				cfg := testConfig()
				cfg.K = 0
				return cfg
			},
			logger:  pkg.Nop(),
			wantErr: "invalid config",
		},
		{
			name: "bad node id",
			cfg: func() *config.Config {
				cfg := testConfig()
				cfg.NodeID = "zz" + keyspace.RandomID().String()[2:]
				return cfg
			},
			logger:  pkg.Nop(),
			wantErr: "invalid node id",
		},
		{
			name:   "valid",
			cfg:    testConfig,
			logger: pkg.Nop(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := NewNode(tt.cfg(), tt.logger, WithBackend(storage.NewMemoryBackend()))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, node)
				return
			}
			require.NoError(t, err)
			defer node.Shutdown()

			assert.False(t, node.ID().IsZero())
			assert.Equal(t, "127.0.0.1:0", node.Address())
			assert.Equal(t, 0, node.RoutingTable().Size())
		})
	}
}

func TestNewNodeIdentity(t *testing.T) {
	t.Run("explicit id wins", func(t *testing.T) {
		id := keyspace.HashString("explicit")
		cfg := testConfig()
		cfg.NodeID = keyspace.HashString("configured").String()

		node, err := NewNode(cfg, pkg.Nop(), WithID(id), WithBackend(storage.NewMemoryBackend()))
		require.NoError(t, err)
		defer node.Shutdown()

		assert.Equal(t, id, node.ID())
	})

	t.Run("configured id", func(t *testing.T) {
		id := keyspace.HashString("configured")
		cfg := testConfig()
		cfg.NodeID = id.String()

		node, err := NewNode(cfg, pkg.Nop(), WithBackend(storage.NewMemoryBackend()))
		require.NoError(t, err)
		defer node.Shutdown()

		assert.Equal(t, id, node.ID())
	})

	t.Run("identity file survives restart", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		cfg := testConfig()
		cfg.IdentityFile = "/var/lib/kademlia/node.id"

		first, err := NewNode(cfg, pkg.Nop(), WithFs(fs), WithBackend(storage.NewMemoryBackend()))
		require.NoError(t, err)
		require.NoError(t, first.Shutdown())

		second, err := NewNode(cfg, pkg.Nop(), WithFs(fs), WithBackend(storage.NewMemoryBackend()))
		require.NoError(t, err)
		defer second.Shutdown()

		assert.Equal(t, first.ID(), second.ID())
	})
}

func TestLoadOrCreateIdentity(t *testing.T) {
	fs := afero.NewMemMapFs()

	id, created, err := LoadOrCreateIdentity(fs, "keys/node.id")
	require.NoError(t, err)
	assert.True(t, created)

	data, err := afero.ReadFile(fs, "keys/node.id")
	require.NoError(t, err)
	assert.Equal(t, id.String()+"\n", string(data))

	again, created, err := LoadOrCreateIdentity(fs, "keys/node.id")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	require.NoError(t, afero.WriteFile(fs, "bad.id", []byte("not-an-id"), 0o600))
	_, _, err = LoadOrCreateIdentity(fs, "bad.id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt identity file")
}

func TestNodeLifecycle(t *testing.T) {
	net := newFakeNetwork()
	node := createTestNode(t, net)

	// Start is idempotent
	require.NoError(t, node.Start())
	assert.False(t, node.IsShutdown())

	require.NoError(t, node.Shutdown())
	assert.True(t, node.IsShutdown())
	require.NoError(t, node.Shutdown())

	assert.Error(t, node.Start())

	ctx := context.Background()
	_, err := node.StoreValue(ctx, keyspace.HashString("k"), []byte("v"))
	assert.Error(t, err)

	_, err = node.FetchValue(ctx, keyspace.HashString("k"))
	assert.Error(t, err)

	_, err = node.Delete(ctx, keyspace.HashString("k"))
	assert.Error(t, err)

	// contacts are ignored once shut down
	other := createTestNode(t, net)
	node.Observe(other.Contact())
	assert.Equal(t, 0, node.RoutingTable().Size())
}

func TestNodeWithoutRemote(t *testing.T) {
	node, err := NewNode(testConfig(), pkg.Nop(), WithBackend(storage.NewMemoryBackend()))
	require.NoError(t, err)
	defer node.Shutdown()

	err = node.Bootstrap(context.Background(), "127.0.0.1:9000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote client not set")

	// the local write still succeeds
	_, err = node.StoreValue(context.Background(), keyspace.HashString("k"), []byte("v"))
	require.NoError(t, err)

	res, err := node.FetchValue(context.Background(), keyspace.HashString("k"))
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.True(t, res.Local)
}

func TestNodeInfo(t *testing.T) {
	net := newFakeNetwork()
	nodes := createCluster(t, net, 3)

	_, err := nodes[0].StoreValue(context.Background(), keyspace.HashString("info"), []byte("value"))
	require.NoError(t, err)

	info := nodes[0].Info(context.Background())
	assert.Equal(t, nodes[0].ID().String(), info.ID)
	assert.Equal(t, nodes[0].Address(), info.Address)
	assert.Equal(t, 20, info.K)
	assert.Equal(t, 3, info.Alpha)
	assert.Equal(t, 2, info.Contacts)
	assert.Equal(t, 1, info.Storage.Keys)
	assert.False(t, info.ShuttingDown)

	total := 0
	for _, n := range info.Buckets {
		total += n
	}
	assert.Equal(t, 2, total)
}

func TestHandleFindNodeExcludesRequester(t *testing.T) {
	net := newFakeNetwork()
	nodes := createCluster(t, net, 4)

	target := keyspace.RandomID()
	contacts := nodes[0].HandleFindNode(context.Background(), nodes[1].Contact(), target)

	require.Len(t, contacts, 2)
	for _, c := range contacts {
		assert.NotEqual(t, nodes[1].ID(), c.ID)
		assert.NotEqual(t, nodes[0].ID(), c.ID)
	}
	assert.True(t, keyspace.Closer(target, contacts[0].ID, contacts[1].ID))
}

func TestHandleStore(t *testing.T) {
	ctx := context.Background()
	key := keyspace.HashString("key")
	net := newFakeNetwork()

	t.Run("stores a replica", func(t *testing.T) {
		node := createTestNode(t, net)
		sender := createTestNode(t, net)

		assert.True(t, node.HandleStore(ctx, sender.Contact(), key, []byte("value")))

		entries, err := node.Storage().Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, []byte("value"), entries[0].Value)
		assert.False(t, entries[0].Origin)
	})

	t.Run("empty value deletes", func(t *testing.T) {
		node := createTestNode(t, net)
		sender := createTestNode(t, net)

		require.True(t, node.HandleStore(ctx, sender.Contact(), key, []byte("value")))
		assert.True(t, node.HandleStore(ctx, sender.Contact(), key, []byte{}))

		_, err := node.Storage().Get(ctx, key)
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})

	t.Run("empty value stored when deletes are disabled", func(t *testing.T) {
		node := createTestNode(t, net, func(c *config.Config) { c.DeleteOnEmptyValue = false })
		sender := createTestNode(t, net)

		assert.True(t, node.HandleStore(ctx, sender.Contact(), key, []byte{}))

		value, found, contacts := node.HandleFindValue(ctx, sender.Contact(), key)
		assert.True(t, found)
		assert.Empty(t, value)
		assert.Nil(t, contacts)
	})

	t.Run("storage failure is reported", func(t *testing.T) {
		backend := storage.NewMemoryBackend()
		cfg := testConfig()
		node, err := NewNode(cfg, pkg.Nop(), WithBackend(backend))
		require.NoError(t, err)
		defer node.Shutdown()
		require.NoError(t, backend.Close())

		assert.False(t, node.HandleStore(ctx, node.Contact(), key, []byte("value")))
	})
}
