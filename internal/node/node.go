package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"shardcast/internal/broker"
	"shardcast/internal/bus"
	"shardcast/internal/config"
	"shardcast/internal/engine"
	"shardcast/internal/metrics"
	"shardcast/internal/ops"
	"shardcast/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Node.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Bus overrides the broker client built from the config.
	Bus bus.Bus
}

// Node represents a single node in the distributed system.
type Node struct {
	nodeID   string
	httpAddr string
	shard    *storage.Shard
	engine   *engine.Engine
	client   *broker.Client // nil when Options.Bus was given
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	lis        net.Listener
}

// NewNode creates a node from cfg. Nothing is started until Start.
func NewNode(cfg *config.Config, opts Options) (*Node, error) {
	if err := cfg.ValidateNode(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", cfg.NodeID)

	n := &Node{
		nodeID:   cfg.NodeID,
		httpAddr: cfg.HTTPAddr,
		shard:    storage.NewShard(cfg.NodeID),
		metrics:  opts.Metrics,
		logger:   logger,
	}

	b := opts.Bus
	if b == nil {
		client, err := broker.NewClient(cfg.BrokerList(), broker.ClientOptions{
			Logger: logger,
			OnError: func(err error) {
				logger.Error("Broker stream failed", "error", err)
				n.metrics.RecordError(engine.KindTransport)
			},
		})
		if err != nil {
			return nil, err
		}
		n.client = client
		b = client
	}

	n.engine = engine.New(b, engine.Options{
		NodeID:         cfg.NodeID,
		Channels:       bus.ChannelsFor(cfg.Prefix, cfg.Namespace),
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	if err := ops.RegisterAll(n.engine, n.shard); err != nil {
		return nil, err
	}

	return n, nil
}

// Engine returns the node's engine.
func (n *Node) Engine() *engine.Engine { return n.engine }

// Shard returns the node's shard.
func (n *Node) Shard() *storage.Shard { return n.shard }

// ApplyConfig applies the settings that can change at runtime.
func (n *Node) ApplyConfig(cfg *config.Config) {
	if cfg.RequestTimeout != n.engine.RequestTimeout() {
		n.logger.Info("Request timeout changed", "from", n.engine.RequestTimeout(), "to", cfg.RequestTimeout)
		n.engine.SetRequestTimeout(cfg.RequestTimeout)
	}
}

// Listen starts the engine and binds the HTTP address.
func (n *Node) Listen(ctx context.Context) error {
	if err := n.engine.Start(ctx); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", n.httpAddr)
	if err != nil {
		// Drop the bus subscriptions Start opened
		_ = n.engine.Close()
		return fmt.Errorf("failed to listen on %s: %w", n.httpAddr, err)
	}

	n.mu.Lock()
	n.lis = lis
	n.httpServer = &http.Server{
		Handler:           otelhttp.NewHandler(n.Handler(), "shardcast.node"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	n.mu.Unlock()
	return nil
}

// Serve blocks serving HTTP on the listener bound by Listen.
func (n *Node) Serve() error {
	n.mu.Lock()
	lis, srv := n.lis, n.httpServer
	n.mu.Unlock()
	if srv == nil {
		return errors.New("node is not listening")
	}

	n.logger.Info("Starting node", "http_addr", lis.Addr().String(), "channels", n.engine.Channels().Request)

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Start listens and serves until Stop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Listen(ctx); err != nil {
		return err
	}
	return n.Serve()
}

// Addr returns the bound HTTP address, or the configured one before Listen.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lis != nil {
		return n.lis.Addr().String()
	}
	return n.httpAddr
}

// Stop shuts down HTTP, rejects in-flight requests and closes the broker client.
func (n *Node) Stop() error {
	n.mu.Lock()
	srv := n.httpServer
	n.mu.Unlock()

	var errs []error
	if srv != nil {
		n.logger.Info("Stopping node")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
