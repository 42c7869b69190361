package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/zde37/kademlia/internal/api"
	"github.com/zde37/kademlia/internal/config"
	"github.com/zde37/kademlia/internal/kademlia"
	"github.com/zde37/kademlia/internal/telemetry"
	"github.com/zde37/kademlia/internal/transport"
	"github.com/zde37/kademlia/pkg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:           "kademlia",
		Short:         "Run a Kademlia DHT node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cmd, configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	d := config.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Config file (default searches ./kademlia.yaml, $HOME/.kademlia, /etc/kademlia)")
	f.String("host", d.Host, "Host address to bind to")
	f.Int("port", d.Port, "UDP port for DHT traffic")
	f.Int("http-port", d.HTTPPort, "Port for HTTP API server, 0 disables")
	f.Int("admin-port", d.AdminPort, "Port for admin gRPC health server, 0 disables")
	f.String("auth-token", d.AuthToken, "Shared token required by the admin gRPC server")
	f.StringSlice("bootstrap", nil, "Bootstrap node addresses (host:port), comma separated")
	f.String("node-id", d.NodeID, "Fixed 40-hex node id")
	f.String("identity-file", d.IdentityFile, "File the node id is persisted in")
	f.Int("k", d.K, "Bucket size and replication factor")
	f.Int("alpha", d.Alpha, "Lookup parallelism")
	f.Duration("rpc-timeout", d.RPCTimeout, "Per-request response timeout")
	f.Duration("default-ttl", d.DefaultTTL, "Lifetime of stored values")
	f.String("storage-backend", d.StorageBackend, "Storage backend (memory, sqlite)")
	f.String("storage-path", d.StoragePath, "Database file for the sqlite backend")
	f.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	f.String("log-format", d.LogFormat, "Log format (json, console)")
	f.String("log-file", d.LogFile, "Also write logs to this rotating file")
	f.String("trace-exporter", d.TraceExporter, "Span exporter (none, otlp-http, otlp-grpc)")
	f.String("trace-endpoint", d.TraceEndpoint, "OTLP collector address (host:port)")
	f.Bool("trace-insecure", d.TraceInsecure, "Send spans to the collector without TLS")

	return cmd
}

// loadConfig merges defaults, the config file, KAD_* environment variables
// and command-line flags, in increasing priority.
func loadConfig(v *viper.Viper, cmd *cobra.Command, configPath string) (*config.Config, error) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v, configPath)
}

func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}
	return pkg.New(loggerConfig)
}

// component is a running part of the daemon that cleanup stops.
type component struct {
	name string
	stop func() error
}

// stopAll stops every component in order, even when some fail, and returns
// all failures combined.
func stopAll(logger *pkg.Logger, components ...component) error {
	var err error
	for _, c := range components {
		if stopErr := c.stop(); stopErr != nil {
			logger.Error().Err(stopErr).Str("component", c.name).Msg("Error during shutdown")
			err = multierr.Append(err, fmt.Errorf("%s: %w", c.name, stopErr))
		}
	}
	return err
}

func run(cfg *config.Config) (err error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Str("storage", cfg.StorageBackend).
		Msg("Starting Kademlia node")

	tr, err := transport.Listen(cfg.ListenAddr(), cfg.RPCTimeout, logger)
	if err != nil {
		return err
	}

	var components []component
	defer func() {
		if err != nil {
			err = multierr.Append(err, cleanup(logger, components))
		}
	}()
	components = append(components, component{name: "transport", stop: tr.Close})

	tracing, err := telemetry.Setup(context.Background(), telemetry.Config{
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.TraceEndpoint,
		Insecure:    cfg.TraceInsecure,
		ServiceName: "kademlia",
		InstanceID:  tr.LocalAddr(),
	}, logger)
	if err != nil {
		return err
	}
	components = append(components, component{name: "tracing", stop: func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracing.Shutdown(ctx)
	}})

	node, err := kademlia.NewNode(cfg, logger,
		kademlia.WithAddress(tr.LocalAddr()),
		kademlia.WithTracerProvider(tracing),
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	// stop the node before the socket so in-flight lookups give up first
	components = append(components, component{name: "node", stop: node.Shutdown})

	node.SetRemote(tr)
	if err := tr.Start(node); err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}

	if cfg.HTTPPort > 0 {
		httpServer, err := api.NewServer(node, cfg.LookupTimeout, logger)
		if err != nil {
			return err
		}
		node.SetBroadcaster(httpServer.Hub())

		if err := httpServer.Start(cfg.HTTPPort); err != nil {
			return err
		}
		components = append(components, component{name: "http", stop: httpServer.Stop})
	}

	var adminServer *api.AdminServer
	if cfg.AdminPort > 0 {
		adminServer, err = api.NewAdminServer(cfg.AuthToken, logger)
		if err != nil {
			return err
		}
		if err := adminServer.Start(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AdminPort))); err != nil {
			return err
		}
		components = append(components, component{name: "admin", stop: func() error {
			adminServer.Stop()
			return nil
		}})
	}

	if len(cfg.BootstrapNodes) == 0 {
		logger.Info().Msg("No bootstrap nodes, starting a new network")
	} else {
		logger.Info().
			Strs("bootstrap", cfg.BootstrapNodes).
			Msg("Joining existing network")

		if err := node.Bootstrap(context.Background(), cfg.BootstrapNodes...); err != nil {
			logger.Error().Err(err).Msg("Failed to bootstrap")
			return err
		}
	}

	if adminServer != nil {
		adminServer.SetServing(true)
	}

	logger.Info().
		Str("node_id", node.ID().String()).
		Str("addr", node.Address()).
		Int("contacts", node.RoutingTable().Size()).
		Msg("Kademlia node is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	shutdownErr := cleanup(logger, components)
	components = nil
	if shutdownErr != nil {
		return shutdownErr
	}

	logger.Info().Msg("Kademlia node shutdown complete")
	return nil
}

// cleanup stops components in the reverse of their start order.
func cleanup(logger *pkg.Logger, components []component) error {
	logger.Info().Msg("Starting graceful shutdown")

	reversed := make([]component, len(components))
	for i, c := range components {
		reversed[len(components)-1-i] = c
	}
	return stopAll(logger, reversed...)
}
