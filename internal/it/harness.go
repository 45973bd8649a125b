package it

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"shardcast/internal/broker"
	"shardcast/internal/config"
	"shardcast/internal/metrics"
	"shardcast/internal/node"
	"shardcast/internal/storage"
)

// Cluster is an in-process broker cluster with nodes attached to it.
type Cluster struct {
	brokers []*broker.Server
	peers   []config.Peer
	nodes   []*Node
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
}

// Node represents a single node in the test cluster
type Node struct {
	ID     string
	URL    string
	Home   string
	node   *node.Node
	served chan error
}

// NewCluster creates a new test cluster harness. timeout is every node's request timeout.
func NewCluster(timeout time.Duration) *Cluster {
	return &Cluster{
		timeout: timeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// StartBrokers starts n fully meshed brokers on ephemeral ports.
func (c *Cluster) StartBrokers(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("b%d", i)
		srv := broker.NewServer(broker.ServerOptions{
			ID:         id,
			ListenAddr: "127.0.0.1:0",
			Logger:     c.logger,
			Metrics:    metrics.New(),
		})
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("failed to start broker %s: %w", id, err)
		}
		c.brokers = append(c.brokers, srv)
		c.peers = append(c.peers, config.Peer{ID: id, Addr: srv.Addr()})
	}

	for i, srv := range c.brokers {
		others := make([]config.Peer, 0, len(c.peers)-1)
		for j, p := range c.peers {
			if j != i {
				others = append(others, p)
			}
		}
		srv.SetPeers(others)
		go func(s *broker.Server) {
			_ = s.Serve()
		}(srv)
	}
	return nil
}

// StartNode starts a node whose home broker is the one at index home.
func (c *Cluster) StartNode(ctx context.Context, nodeID string, home int) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if home < 0 || home >= len(c.peers) {
		return nil, fmt.Errorf("no broker at index %d", home)
	}

	// Home broker first, then the rest
	brokers := []string{fmt.Sprintf("%s=%s", c.peers[home].ID, c.peers[home].Addr)}
	for i, p := range c.peers {
		if i != home {
			brokers = append(brokers, fmt.Sprintf("%s=%s", p.ID, p.Addr))
		}
	}

	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Brokers = strings.Join(brokers, ",")
	cfg.RequestTimeout = c.timeout

	n, err := node.NewNode(cfg, node.Options{Logger: c.logger, Metrics: metrics.New()})
	if err != nil {
		return nil, err
	}
	if err := n.Listen(ctx); err != nil {
		_ = n.Stop()
		return nil, fmt.Errorf("failed to start node %s: %w", nodeID, err)
	}

	tn := &Node{
		ID:     nodeID,
		URL:    "http://" + n.Addr(),
		Home:   c.peers[home].ID,
		node:   n,
		served: make(chan error, 1),
	}
	go func() { tn.served <- n.Serve() }()

	if err := waitForReady(ctx, tn, 5*time.Second); err != nil {
		_ = n.Stop()
		return nil, err
	}

	c.nodes = append(c.nodes, tn)
	return tn, nil
}

// StartCluster starts two brokers and three nodes, n3 homed on the second broker.
func (c *Cluster) StartCluster(ctx context.Context) error {
	if err := c.StartBrokers(2); err != nil {
		return err
	}
	for i, home := range []int{0, 0, 1} {
		if _, err := c.StartNode(ctx, fmt.Sprintf("n%d", i+1), home); err != nil {
			return err
		}
	}
	return nil
}

// waitForReady waits for a node to be ready by checking health endpoint
func waitForReady(ctx context.Context, n *Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for node %s to be ready", n.ID)
			}
			resp, err := http.Get(n.URL + "/health")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

// GetNode returns a node by ID
func (c *Cluster) GetNode(nodeID string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// KillNode stops a specific node and removes it from the cluster.
func (c *Cluster) KillNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.nodes {
		if n.ID == nodeID {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			return n.Stop()
		}
	}
	return fmt.Errorf("node %s not found", nodeID)
}

// Stop stops all nodes, then all brokers.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		_ = n.Stop()
	}
	c.nodes = nil

	for _, b := range c.brokers {
		b.Stop()
	}
	c.brokers = nil
}

// Stop stops a single node
func (n *Node) Stop() error {
	err := n.node.Stop()
	<-n.served
	return err
}

// Shard returns the node's shard for seeding test data.
func (n *Node) Shard() *storage.Shard {
	return n.node.Shard()
}
