package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shardcast/internal/config"
	"shardcast/internal/metrics"
	"shardcast/internal/node"
)

// NodeOptions holds flags for the node command.
type NodeOptions struct {
	*RootOptions
	ID        string
	HTTPAddr  string
	Brokers   string
	Namespace string
	Timeout   time.Duration
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a node",
		Long: `Run a node: an in-memory shard attached to the broker cluster, serving
every request type and an HTTP API. The first broker listed is the node's
home broker. With --config, request_timeout is reloaded when the file
changes.

Example:
  shardcast node --id n1 --http 127.0.0.1:8081 --brokers b1=127.0.0.1:7001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, opts)
		},
	}

	addNodeFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.HTTPAddr, "http", "", "HTTP listen address (overrides http_addr)")

	return cmd
}

func addNodeFlags(cmd *cobra.Command, opts *NodeOptions) {
	cmd.Flags().StringVar(&opts.ID, "id", "", "node id (overrides node_id)")
	cmd.Flags().StringVar(&opts.Brokers, "brokers", "", "brokers as id=addr,... (overrides brokers)")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "namespace (overrides namespace)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "request timeout (overrides request_timeout)")
}

// applyNodeFlags copies the flags that were set onto cfg.
func applyNodeFlags(cmd *cobra.Command, opts *NodeOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.NodeID = opts.ID
	}
	if flags.Changed("http") {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if flags.Changed("brokers") {
		cfg.Brokers = opts.Brokers
	}
	if flags.Changed("namespace") {
		cfg.Namespace = opts.Namespace
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout = opts.Timeout
	}
}

func runNode(cmd *cobra.Command, opts *NodeOptions) error {
	cfg := opts.Config
	applyNodeFlags(cmd, opts, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.NewNode(cfg, node.Options{Logger: opts.Logger, Metrics: metrics.New()})
	if err != nil {
		return err
	}
	if err := n.Listen(ctx); err != nil {
		_ = n.Stop()
		return err
	}

	if opts.ConfigPath != "" {
		if err := config.Watch(ctx, opts.ConfigPath, n.ApplyConfig); err != nil {
			opts.Logger.Warn("Config hot reload disabled", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- n.Serve() }()

	select {
	case <-ctx.Done():
		if err := n.Stop(); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		_ = n.Stop()
		if err != nil {
			return fmt.Errorf("node %s: %w", cfg.NodeID, err)
		}
		return nil
	}
}
