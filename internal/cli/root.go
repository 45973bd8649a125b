// Package cli implements the shardcast command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"shardcast/internal/config"
	"shardcast/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	// Config is loaded before any subcommand runs.
	Config *config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the root command for the shardcast CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "shardcast",
		Short: "shardcast - scatter/gather requests over pub/sub",
		Long: `Every node owns a shard and subscribes to its namespace through a broker
cluster. A request is broadcast to every node and completes once each
subscriber has answered or the request timeout passes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text)")

	cmd.AddCommand(NewBrokerCommand(opts))
	cmd.AddCommand(NewNodeCommand(opts))
	cmd.AddCommand(NewRequestCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.ConfigPath != "" {
		loaded, err := config.Load(o.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.LogFormat
	}

	o.Config = cfg
	o.Logger = logging.New(cfg.Log)
	slog.SetDefault(o.Logger)
	return nil
}
