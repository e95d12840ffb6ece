package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSTUNServer      = "stun.l.google.com:19302"
	DefaultSTUNTimeoutSec  = 5
	DefaultLocalBind       = "0.0.0.0"
	DefaultRelayTimeoutSec = 5
	DefaultRelayTransport  = TransportTCP
	DefaultRelayPath       = "/relay"
	DefaultRelayListen     = ":8888"
	DefaultSTUNListen      = ":3478"
	DefaultLogLevel        = "info"

	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config holds node, relay hub and STUN responder settings.
type Config struct {
	LogLevel string       `yaml:"log_level,omitempty"`
	Node     *NodeConfig  `yaml:"node,omitempty"`
	Relay    *RelayConfig `yaml:"relay,omitempty"`
	STUN     *STUNConfig  `yaml:"stun,omitempty"`
}

// NodeConfig is used by the node process (discover, rank, run).
type NodeConfig struct {
	RoutingTable       string   `yaml:"routing_table"`
	STUNServer         string   `yaml:"stun_server"`
	STUNTimeoutSec     int      `yaml:"stun_timeout_sec"`
	STUNCompareServers []string `yaml:"stun_compare_servers,omitempty"`
	LocalBind          string   `yaml:"local_bind"`
	RelayTimeoutSec    int      `yaml:"relay_timeout_sec"`
	RelayTransport     string   `yaml:"relay_transport"`
	RelayPath          string   `yaml:"relay_path"`
}

// RelayConfig is used by the relay hub process.
type RelayConfig struct {
	Listen          string `yaml:"listen"`
	WebSocketListen string `yaml:"websocket_listen,omitempty"`
	WebSocketPath   string `yaml:"websocket_path"`
}

// STUNConfig is used by the STUN responder process.
type STUNConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Node == nil && cfg.Relay == nil && cfg.STUN == nil {
		return fmt.Errorf("config must contain node, relay or stun section")
	}
	if cfg.Node != nil {
		if cfg.Node.RoutingTable == "" {
			return fmt.Errorf("node.routing_table is required")
		}
		switch cfg.Node.RelayTransport {
		case TransportTCP, TransportWebSocket:
		default:
			return fmt.Errorf("node.relay_transport must be %q or %q", TransportTCP, TransportWebSocket)
		}
	}
	if cfg.Relay != nil && cfg.Relay.Listen == "" {
		return fmt.Errorf("relay.listen is required")
	}
	if cfg.STUN != nil && cfg.STUN.Listen == "" {
		return fmt.Errorf("stun.listen is required")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Node != nil {
		if cfg.Node.STUNServer == "" {
			cfg.Node.STUNServer = DefaultSTUNServer
		}
		if cfg.Node.STUNTimeoutSec == 0 {
			cfg.Node.STUNTimeoutSec = DefaultSTUNTimeoutSec
		}
		if cfg.Node.LocalBind == "" {
			cfg.Node.LocalBind = DefaultLocalBind
		}
		if cfg.Node.RelayTimeoutSec == 0 {
			cfg.Node.RelayTimeoutSec = DefaultRelayTimeoutSec
		}
		if cfg.Node.RelayTransport == "" {
			cfg.Node.RelayTransport = DefaultRelayTransport
		}
		if cfg.Node.RelayPath == "" {
			cfg.Node.RelayPath = DefaultRelayPath
		}
	}

	if cfg.Relay != nil {
		if cfg.Relay.Listen == "" {
			cfg.Relay.Listen = DefaultRelayListen
		}
		if cfg.Relay.WebSocketPath == "" {
			cfg.Relay.WebSocketPath = DefaultRelayPath
		}
	}

	if cfg.STUN != nil && cfg.STUN.Listen == "" {
		cfg.STUN.Listen = DefaultSTUNListen
	}
}
