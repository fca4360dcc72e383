package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/Neuropil-Engine/api"
	"github.com/VanDung-dev/Neuropil-Engine/arrow"
	"github.com/VanDung-dev/Neuropil-Engine/config"
	"github.com/VanDung-dev/Neuropil-Engine/engine"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/monitoring"
)

const stopTimeout = 5 * time.Second

// NodeOptions holds flags for the node command.
type NodeOptions struct {
	*RootOptions

	Host         string
	Proto        string
	Port         int
	Threads      int
	LogFile      string
	IdentityFile string
	Join         []string
	Control      string
	Metrics      string
	Ledger       string
	LedgerAddr   string
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a single node",
		Long: `Run one neuropil node until SIGINT or SIGTERM.

Settings come from defaults, --config, --env-file, NP_* variables and
finally the flags below.

Example:
  neuropil node --port 4444 --control 127.0.0.1:50051
  neuropil node --port 5555 --join '*:tcp4:localhost:4444'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, opts.consoleLogger(cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host")
	cmd.Flags().StringVar(&opts.Proto, "proto", "", "transport protocol (tcp4|tcp6|ipc)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "listen port")
	cmd.Flags().IntVar(&opts.Threads, "threads", 0, "worker goroutines")
	cmd.Flags().StringVar(&opts.LogFile, "log-file", "", "node log file")
	cmd.Flags().StringVar(&opts.IdentityFile, "identity", "", "identity file, created if missing")
	cmd.Flags().StringSliceVar(&opts.Join, "join", nil, "node addresses to join")
	cmd.Flags().StringVar(&opts.Control, "control", "", "gRPC control listen address")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "metrics HTTP listen address")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "write the accounting ledger to this Arrow file on exit")
	cmd.Flags().StringVar(&opts.LedgerAddr, "ledger-addr", "", "serve the accounting ledger on this TCP address")

	return cmd
}

// config merges the changed flags over the loaded config.
func (o *NodeOptions) config(cmd *cobra.Command) (config.NodeConfig, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = o.Host
	}
	if flags.Changed("proto") {
		cfg.Proto = o.Proto
	}
	if flags.Changed("port") {
		cfg.Port = o.Port
	}
	if flags.Changed("threads") {
		cfg.Threads = o.Threads
	}
	if flags.Changed("log-file") {
		cfg.LogFile = o.LogFile
	}
	if flags.Changed("identity") {
		cfg.IdentityFile = o.IdentityFile
	}
	if flags.Changed("join") {
		cfg.Join = o.Join
	}
	if flags.Changed("control") {
		cfg.ControlAddr = o.Control
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr = o.Metrics
	}
	if flags.Changed("ledger") {
		cfg.LedgerFile = o.Ledger
	}
	if flags.Changed("ledger-addr") {
		cfg.LedgerAddr = o.LedgerAddr
	}
	return cfg, cfg.Validate()
}

// runNode runs a node with its optional control and metrics servers until
// ctx is done.
func runNode(ctx context.Context, cfg config.NodeConfig, log zerolog.Logger, nodeOpts ...engine.Option) error {
	metrics := monitoring.NewMetrics(nil)
	node, err := engine.New(cfg, append([]engine.Option{engine.WithMetrics(metrics)}, nodeOpts...)...)
	if err != nil {
		if node != nil {
			node.Shutdown()
		}
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer node.Shutdown()

	log.Info().Str(logging.ADDR, node.Address().String()).Msg("node running")

	if cfg.MetricsAddr != "" {
		srv := monitoring.NewMetricsServer(cfg.MetricsAddr, func() error {
			if st := node.Status(); st != engine.StatusRunning {
				return fmt.Errorf("node is %s", st)
			}
			return nil
		}, metrics.Registry)
		addr, err := srv.StartAsync()
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		log.Info().Str(logging.ADDR, addr).Msg("metrics listening")
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = srv.Stop(stopCtx)
		}()
	}

	if cfg.ControlAddr != "" {
		srvCfg := api.DefaultServerConfig()
		srvCfg.Auth = api.AuthConfig{Enabled: cfg.AuthEnabled, Token: cfg.AuthToken}
		srvCfg.Logger = node.Logger()
		srvCfg.Metrics = metrics
		srv := api.NewServer(node, srvCfg)
		addr, err := srv.StartAsync(cfg.ControlAddr)
		if err != nil {
			return fmt.Errorf("failed to start control server: %w", err)
		}
		log.Info().Str(logging.ADDR, addr).Msg("control listening")
		defer srv.Stop()
	}

	if cfg.LedgerAddr != "" {
		srv := api.NewLedgerServer(node, api.AuthConfig{Enabled: cfg.AuthEnabled, Token: cfg.AuthToken}, node.Logger())
		addr, err := srv.StartAsync(cfg.LedgerAddr)
		if err != nil {
			return fmt.Errorf("failed to start ledger server: %w", err)
		}
		log.Info().Str(logging.ADDR, addr).Msg("ledger listening")
		defer srv.Stop()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if cfg.LedgerFile != "" {
		// stop delivery first so the ledger is complete
		if err := node.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			log.Warn().Err(err).Msg("stop failed")
		}
		entries := node.Ledger()
		if err := arrow.NewIPCWriter().WriteLedgerFile(cfg.LedgerFile, entries); err != nil {
			return fmt.Errorf("failed to write ledger: %w", err)
		}
		log.Info().Int("entries", len(entries)).Str("file", cfg.LedgerFile).Msg("ledger written")
	}
	return nil
}
