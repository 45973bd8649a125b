package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shardcast/internal/broker"
	"shardcast/internal/metrics"
)

// BrokerOptions holds flags for the broker command.
type BrokerOptions struct {
	*RootOptions
	ID          string
	ListenAddr  string
	Peers       string
	MetricsAddr string
}

// NewBrokerCommand creates the broker command.
func NewBrokerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BrokerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a bus broker",
		Long: `Run one broker of the bus cluster. Nodes attach to it over gRPC; every
publish it receives from a node is forwarded once to each peer broker.

Example:
  shardcast broker --id b1 --listen 127.0.0.1:7001 --peers b2=127.0.0.1:7002`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "broker id (overrides broker.id)")
	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "gRPC listen address (overrides broker.listen_addr)")
	cmd.Flags().StringVar(&opts.Peers, "peers", "", "peer brokers as id=addr,... (overrides broker.peers)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address serving /metrics (overrides broker.metrics_addr)")

	return cmd
}

func runBroker(cmd *cobra.Command, opts *BrokerOptions) error {
	cfg := opts.Config
	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.Broker.ID = opts.ID
	}
	if flags.Changed("listen") {
		cfg.Broker.ListenAddr = opts.ListenAddr
	}
	if flags.Changed("peers") {
		cfg.Broker.Peers = opts.Peers
	}
	if flags.Changed("metrics-addr") {
		cfg.Broker.MetricsAddr = opts.MetricsAddr
	}
	if err := cfg.ValidateBroker(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	srv := broker.NewServer(broker.ServerOptions{
		ID:         cfg.Broker.ID,
		ListenAddr: cfg.Broker.ListenAddr,
		Peers:      cfg.BrokerPeers(),
		Logger:     opts.Logger,
		Metrics:    m,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	if cfg.Broker.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.Broker.MetricsAddr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				opts.Logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		srv.Stop()
		return <-errCh
	case err := <-errCh:
		srv.Stop()
		if err != nil {
			return fmt.Errorf("broker %s: %w", cfg.Broker.ID, err)
		}
		return nil
	}
}
