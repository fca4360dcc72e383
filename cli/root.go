// Package cli implements the neuropil command line.
package cli

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/Neuropil-Engine/config"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
)

// Version of the neuropil command.
const Version = "0.1.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	LogLevel   string
}

// NewRootCommand creates the root command of the neuropil CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "neuropil",
		Short:         "Neuropil messaging nodes",
		Long:          "Run neuropil nodes, the tick/tock smoke test and supporting tools.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := logging.ParseLevel(opts.LogLevel)
			return err
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file with NP_* variables")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewNodeCommand(opts))
	cmd.AddCommand(NewTickTockCommand(opts))
	cmd.AddCommand(NewPumlCommand(opts))
	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewLedgerCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))

	return cmd
}

// loadConfig reads the node config and applies the global flags.
func (o *RootOptions) loadConfig() (config.NodeConfig, error) {
	cfg, err := config.Load(config.LoadOptions{File: o.ConfigFile, EnvFile: o.EnvFile})
	if err != nil {
		return cfg, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, nil
}

// consoleLogger is the logger commands print progress through.
func (o *RootOptions) consoleLogger(out io.Writer) zerolog.Logger {
	lvl, _ := logging.ParseLevel(o.LogLevel)
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).
		Level(lvl).With().Timestamp().Logger()
}
