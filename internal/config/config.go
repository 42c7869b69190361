package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds all configuration for a Kademlia node
type Config struct {
	// Node identification
	NodeID       string `mapstructure:"node_id"`       // optional 40-hex id, overrides the identity file
	IdentityFile string `mapstructure:"identity_file"` // where a generated id is persisted, empty disables
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"` // UDP port, 0 picks a free one

	// HTTP API and admin gRPC, 0 disables
	HTTPPort  int    `mapstructure:"http_port"`
	AdminPort int    `mapstructure:"admin_port"`
	AuthToken string `mapstructure:"auth_token"` // shared secret for admin calls

	// Bootstrap
	BootstrapNodes []string `mapstructure:"bootstrap"`

	// Kademlia parameters
	K                  int           `mapstructure:"k"`                  // bucket size and replication factor
	Alpha              int           `mapstructure:"alpha"`              // lookup parallelism
	RPCTimeout         time.Duration `mapstructure:"rpc_timeout"`        // per-call response timeout
	LookupTimeout      time.Duration `mapstructure:"lookup_timeout"`     // deadline for a whole lookup
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`   // bucket refresh period
	RepublishInterval  time.Duration `mapstructure:"republish_interval"` // re-store period for local entries
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`   // expired entry sweep period
	DefaultTTL         time.Duration `mapstructure:"default_ttl"`        // lifetime of stored values
	ReplicateLocalOnly bool          `mapstructure:"replicate_local_only"`
	DeleteOnEmptyValue bool          `mapstructure:"delete_on_empty_value"`

	// Storage
	StorageBackend string `mapstructure:"storage_backend"` // memory, sqlite
	StoragePath    string `mapstructure:"storage_path"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `mapstructure:"log_format"` // json, console
	LogFile   string `mapstructure:"log_file"`   // optional rotating file

	// Tracing
	TraceExporter string `mapstructure:"trace_exporter"` // none, otlp-http, otlp-grpc
	TraceEndpoint string `mapstructure:"trace_endpoint"` // collector host:port
	TraceInsecure bool   `mapstructure:"trace_insecure"` // plaintext connection to the collector
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               8468,
		HTTPPort:           8080,
		AdminPort:          0,
		K:                  20,
		Alpha:              3,
		RPCTimeout:         2 * time.Second,
		LookupTimeout:      30 * time.Second,
		RefreshInterval:    time.Hour,
		RepublishInterval:  time.Hour,
		CleanupInterval:    time.Minute,
		DefaultTTL:         time.Hour,
		ReplicateLocalOnly: false,
		DeleteOnEmptyValue: true,
		StorageBackend:     "memory",
		StoragePath:        "data/kademlia.db",
		LogLevel:           "info",
		LogFormat:          "console",
		TraceExporter:      "none",
		TraceEndpoint:      "localhost:4318",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.AdminPort)
	}
	if c.K <= 0 {
		return fmt.Errorf("k must be positive, got %d", c.K)
	}
	if c.Alpha <= 0 || c.Alpha > c.K {
		return fmt.Errorf("alpha must be between 1 and k (%d), got %d", c.K, c.Alpha)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive, got %s", c.RPCTimeout)
	}
	if c.LookupTimeout < c.RPCTimeout {
		return fmt.Errorf("lookup timeout %s is shorter than rpc timeout %s", c.LookupTimeout, c.RPCTimeout)
	}
	for name, d := range map[string]time.Duration{
		"refresh interval":   c.RefreshInterval,
		"republish interval": c.RepublishInterval,
		"cleanup interval":   c.CleanupInterval,
		"default ttl":        c.DefaultTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.StorageBackend {
	case "memory":
	case "sqlite":
		if c.StoragePath == "" {
			return fmt.Errorf("sqlite storage requires a storage path")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	switch c.TraceExporter {
	case "", "none":
	case "otlp-http", "otlp-grpc":
		if c.TraceEndpoint == "" {
			return fmt.Errorf("trace exporter %s requires a trace endpoint", c.TraceExporter)
		}
	default:
		return fmt.Errorf("unknown trace exporter %q", c.TraceExporter)
	}
	if c.NodeID != "" && len(c.NodeID) != 40 {
		return fmt.Errorf("node id must be 40 hex characters, got %d", len(c.NodeID))
	}
	return nil
}

// ListenAddr returns host:port for the UDP socket.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
