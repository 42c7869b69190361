package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. KAD_PORT.
const EnvPrefix = "KAD"

// NewViper returns a viper instance with defaults, config file search paths
// and environment overrides set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("kademlia")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.kademlia")
	v.AddConfigPath("/etc/kademlia/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("identity_file", d.IdentityFile)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("http_port", d.HTTPPort)
	v.SetDefault("admin_port", d.AdminPort)
	v.SetDefault("auth_token", d.AuthToken)
	v.SetDefault("bootstrap", []string{})
	v.SetDefault("k", d.K)
	v.SetDefault("alpha", d.Alpha)
	v.SetDefault("rpc_timeout", d.RPCTimeout)
	v.SetDefault("lookup_timeout", d.LookupTimeout)
	v.SetDefault("refresh_interval", d.RefreshInterval)
	v.SetDefault("republish_interval", d.RepublishInterval)
	v.SetDefault("cleanup_interval", d.CleanupInterval)
	v.SetDefault("default_ttl", d.DefaultTTL)
	v.SetDefault("replicate_local_only", d.ReplicateLocalOnly)
	v.SetDefault("delete_on_empty_value", d.DeleteOnEmptyValue)
	v.SetDefault("storage_backend", d.StorageBackend)
	v.SetDefault("storage_path", d.StoragePath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("trace_exporter", d.TraceExporter)
	v.SetDefault("trace_endpoint", d.TraceEndpoint)
	v.SetDefault("trace_insecure", d.TraceInsecure)
}

// BindFlags binds every flag in fs whose name matches a config key.
// Flag names use dashes, keys use underscores.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("failed to bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// Load reads the config file (if any) at path, or searches the default
// locations when path is empty, and returns the validated result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
