package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)
	assert.Equal(t, 20, cfg.K)
	assert.Equal(t, 3, cfg.Alpha)
	assert.Equal(t, time.Hour, cfg.RepublishInterval)
	assert.Equal(t, time.Hour, cfg.RefreshInterval)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			modify: func(*Config) {},
		},
		{
			name:   "ephemeral port",
			modify: func(c *Config) { c.Port = 0 },
		},
		{
			name:    "invalid port (negative)",
			modify:  func(c *Config) { c.Port = -1 },
			wantErr: true,
		},
		{
			name:    "invalid port (too large)",
			modify:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "invalid HTTP port",
			modify:  func(c *Config) { c.HTTPPort = 65536 },
			wantErr: true,
		},
		{
			name:    "invalid admin port",
			modify:  func(c *Config) { c.AdminPort = -5 },
			wantErr: true,
		},
		{
			name:    "zero k",
			modify:  func(c *Config) { c.K = 0 },
			wantErr: true,
		},
		{
			name:    "alpha larger than k",
			modify:  func(c *Config) { c.K = 2; c.Alpha = 3 },
			wantErr: true,
		},
		{
			name:    "zero alpha",
			modify:  func(c *Config) { c.Alpha = 0 },
			wantErr: true,
		},
		{
			name:    "zero rpc timeout",
			modify:  func(c *Config) { c.RPCTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "lookup timeout below rpc timeout",
			modify:  func(c *Config) { c.LookupTimeout = time.Millisecond },
			wantErr: true,
		},
		{
			name:    "zero republish interval",
			modify:  func(c *Config) { c.RepublishInterval = 0 },
			wantErr: true,
		},
		{
			name:    "zero ttl",
			modify:  func(c *Config) { c.DefaultTTL = 0 },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.StorageBackend = "bolt" },
			wantErr: true,
		},
		{
			name:    "sqlite without path",
			modify:  func(c *Config) { c.StorageBackend = "sqlite"; c.StoragePath = "" },
			wantErr: true,
		},
		{
			name:   "sqlite with path",
			modify: func(c *Config) { c.StorageBackend = "sqlite"; c.StoragePath = "x.db" },
		},
		{
			name:   "otlp grpc tracing",
			modify: func(c *Config) { c.TraceExporter = "otlp-grpc"; c.TraceEndpoint = "collector:4317" },
		},
		{
			name:    "tracing without endpoint",
			modify:  func(c *Config) { c.TraceExporter = "otlp-http"; c.TraceEndpoint = "" },
			wantErr: true,
		},
		{
			name:    "unknown trace exporter",
			modify:  func(c *Config) { c.TraceExporter = "jaeger" },
			wantErr: true,
		},
		{
			name:    "short node id",
			modify:  func(c *Config) { c.NodeID = "abcd" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "0.0.0.0"
	cfg.Port = 9000
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())

	cfg.Host = "::1"
	assert.Equal(t, "[::1]:9000", cfg.ListenAddr())
}

func TestLoadDefaults(t *testing.T) {
	v := NewViper()
	v.SetConfigName("does-not-exist-anywhere")

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Port, cfg.Port)
	assert.Equal(t, DefaultConfig().RPCTimeout, cfg.RPCTimeout)
	assert.Empty(t, cfg.BootstrapNodes)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kademlia.yaml")
	content := []byte(`
port: 9100
k: 8
alpha: 2
rpc_timeout: 500ms
lookup_timeout: 10s
bootstrap:
  - 10.0.0.1:8468
  - 10.0.0.2:8468
storage_backend: sqlite
storage_path: /tmp/kad.db
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 8, cfg.K)
	assert.Equal(t, 2, cfg.Alpha)
	assert.Equal(t, 500*time.Millisecond, cfg.RPCTimeout)
	assert.Equal(t, []string{"10.0.0.1:8468", "10.0.0.2:8468"}, cfg.BootstrapNodes)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kademlia.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alpha: 50\n"), 0o644))

	_, err := Load(NewViper(), path)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("KAD_PORT", "9200")
	t.Setenv("KAD_LOG_LEVEL", "debug")

	v := NewViper()
	v.SetConfigName("does-not-exist-anywhere")
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("port", 0, "")
	fs.Duration("rpc-timeout", 0, "")
	fs.StringSlice("bootstrap", nil, "")
	require.NoError(t, fs.Parse([]string{"--port=9300", "--rpc-timeout=750ms", "--bootstrap=a:1,b:2"}))

	v := NewViper()
	v.SetConfigName("does-not-exist-anywhere")
	require.NoError(t, BindFlags(v, fs))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.RPCTimeout)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.BootstrapNodes)
}
