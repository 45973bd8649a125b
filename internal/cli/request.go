package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"shardcast/internal/node"
)

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "request <type> [key]",
		Short: "Send one request and print the gathered result",
		Long: `Join the cluster as a short-lived node with an empty shard, send one
request and print the aggregated result as JSON. The temporary node is
itself one of the responders.

Types: random, keycount, nodeinfo, lookup (requires a key).

Example:
  shardcast request random --brokers b1=127.0.0.1:7001
  shardcast request lookup color`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, opts, args)
		},
	}

	addNodeFlags(cmd, opts)
	return cmd
}

func runRequest(cmd *cobra.Command, opts *NodeOptions, args []string) error {
	cfg := opts.Config
	applyNodeFlags(cmd, opts, cfg)
	if !cmd.Flags().Changed("id") {
		cfg.NodeID = "cli-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	n, err := node.NewNode(cfg, node.Options{Logger: opts.Logger})
	if err != nil {
		return err
	}
	defer n.Stop()

	ctx := cmd.Context()
	if err := n.Engine().Start(ctx); err != nil {
		return err
	}

	tag := args[0]
	var reqArgs any
	if len(args) == 2 {
		reqArgs = args[1]
	}

	result, err := n.Engine().Request(ctx, tag, reqArgs)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", tag, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
