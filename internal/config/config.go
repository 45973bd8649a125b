package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shardcast/internal/logging"
)

const (
	DefaultNamespace      = "/"
	DefaultPrefix         = "shardcast"
	DefaultRequestTimeout = 5 * time.Second
	DefaultHTTPAddr       = "127.0.0.1:8081"
	DefaultBrokerAddr     = "127.0.0.1:7001"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Peer represents a broker in the cluster.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the configuration of a node and, when run as one, a broker.
type Config struct {
	NodeID         string         `yaml:"node_id"`
	Namespace      string         `yaml:"namespace"`
	Prefix         string         `yaml:"prefix"`
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	HTTPAddr       string         `yaml:"http_addr"`
	Brokers        string         `yaml:"brokers"`
	Broker         BrokerConfig   `yaml:"broker"`
	Log            logging.Config `yaml:"log"`
}

// BrokerConfig holds the broker process settings.
type BrokerConfig struct {
	ID          string `yaml:"id"`
	ListenAddr  string `yaml:"listen_addr"`
	Peers       string `yaml:"peers"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a config for a single local broker and node.
func Default() *Config {
	return &Config{
		NodeID:         "n1",
		Namespace:      DefaultNamespace,
		Prefix:         DefaultPrefix,
		RequestTimeout: DefaultRequestTimeout,
		HTTPAddr:       DefaultHTTPAddr,
		Brokers:        "b1=" + DefaultBrokerAddr,
		Broker: BrokerConfig{
			ID:         "b1",
			ListenAddr: DefaultBrokerAddr,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path comes from the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive, got %s", ErrInvalidConfig, c.RequestTimeout)
	}
	if strings.ContainsRune(c.Namespace, '#') || strings.ContainsRune(c.Prefix, '#') {
		return fmt.Errorf("%w: namespace and prefix must not contain '#'", ErrInvalidConfig)
	}
	if _, err := ParsePeers(c.Brokers); err != nil {
		return fmt.Errorf("%w: brokers: %v", ErrInvalidConfig, err)
	}
	if _, err := ParsePeers(c.Broker.Peers); err != nil {
		return fmt.Errorf("%w: broker.peers: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// ValidateNode checks the settings a node needs.
func (c *Config) ValidateNode() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalidConfig)
	}
	brokers, _ := ParsePeers(c.Brokers)
	if len(brokers) == 0 {
		return fmt.Errorf("%w: at least one broker is required", ErrInvalidConfig)
	}
	return nil
}

// ValidateBroker checks the settings a broker needs.
func (c *Config) ValidateBroker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Broker.ID == "" || c.Broker.ListenAddr == "" {
		return fmt.Errorf("%w: broker.id and broker.listen_addr are required", ErrInvalidConfig)
	}
	return nil
}

// BrokerList returns the parsed broker cluster. The first entry is the node's home broker.
func (c *Config) BrokerList() []Peer {
	peers, _ := ParsePeers(c.Brokers)
	return peers
}

// BrokerPeers returns the broker's peers, excluding itself.
func (c *Config) BrokerPeers() []Peer {
	peers, _ := ParsePeers(c.Broker.Peers)
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		// Skip self if it appears in peers list
		if p.ID != c.Broker.ID {
			out = append(out, p)
		}
	}
	return out
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate peer ID: %s", id)
		}
		seen[id] = true

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}
