// Package node provides the libp2p node implementation for the Crosslock P2P network.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkType represents the network (mainnet or testnet).
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

// Network-specific constants for peer separation.
const (
	// Mainnet
	MainnetDHTPrefix   = "/crosslock"
	MainnetDiscoveryNS = "crosslock-mainnet"

	// Testnet
	TestnetDHTPrefix   = "/crosslock-testnet"
	TestnetDiscoveryNS = "crosslock-testnet"
)

// Config holds all configuration for the Crosslock node.
type Config struct {
	// NetworkType is the network type (mainnet or testnet).
	NetworkType NetworkType `yaml:"network_type"`

	// Identity
	Identity IdentityConfig `yaml:"identity"`

	// Network settings
	Network NetworkConfig `yaml:"network"`

	// Chain settings for this coordinator instance.
	Chain ChainConfig `yaml:"chain"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// RPC server settings
	RPC RPCConfig `yaml:"rpc"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	if c.NetworkType == NetworkTestnet {
		return TestnetDHTPrefix
	}
	return MainnetDHTPrefix
}

// DiscoveryNamespace returns the discovery namespace for the configured network.
func (c *Config) DiscoveryNamespace() string {
	if c.NetworkType == NetworkTestnet {
		return TestnetDiscoveryNS
	}
	return MainnetDiscoveryNS
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path to the node's private key file.
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	// ListenAddrs are the multiaddrs to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are the initial peers to connect to.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// EnableMDNS enables local peer discovery via mDNS.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables the Kademlia DHT for peer discovery.
	EnableDHT bool `yaml:"enable_dht"`

	// EnableRelay enables circuit relay for NAT traversal.
	EnableRelay bool `yaml:"enable_relay"`

	// EnableNAT enables NAT port mapping (UPnP/NAT-PMP).
	EnableNAT bool `yaml:"enable_nat"`

	// EnableHolePunching enables direct connection establishment through NAT.
	EnableHolePunching bool `yaml:"enable_hole_punching"`

	// ConnectionManager settings
	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	// LowWater is the minimum number of connections to maintain.
	LowWater int `yaml:"low_water"`

	// HighWater is the maximum number of connections before pruning.
	HighWater int `yaml:"high_water"`

	// GracePeriod is how long to wait before closing new connections.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// ChainConfig identifies this node's chain and its channel to the counterparty.
type ChainConfig struct {
	// Name is this chain's identifier on the network (e.g. "crosslock-1").
	Name string `yaml:"name"`

	// ChannelID is the channel bound to the counterparty coordinator.
	ChannelID string `yaml:"channel_id"`

	// Admin is the administrator account address.
	Admin string `yaml:"admin"`

	// EscrowCodeID is the stored escrow code used for deployments.
	EscrowCodeID uint64 `yaml:"escrow_code_id"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	// ListenAddr is the host:port to serve the RPC API on.
	ListenAddr string `yaml:"listen_addr"`

	// EnableWS enables the websocket event stream.
	EnableWS bool `yaml:"enable_ws"`

	// EnableMetrics exposes Prometheus metrics on /metrics.
	EnableMetrics bool `yaml:"enable_metrics"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4002",
				"/ip4/0.0.0.0/udp/4002/quic-v1",
				"/ip6/::/tcp/4002",
				"/ip6/::/udp/4002/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    100,
				HighWater:   400,
				GracePeriod: time.Minute,
			},
		},
		Chain: ChainConfig{
			Name:         "crosslock-1",
			ChannelID:    "channel-0",
			EscrowCodeID: 1,
		},
		Storage: StorageConfig{
			DataDir: "~/.crosslock",
		},
		RPC: RPCConfig{
			ListenAddr:    "127.0.0.1:8547",
			EnableWS:      true,
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from the default file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	return LoadConfigFile(configPath)
}

// LoadConfigFile loads configuration from an explicit file path.
// If the file doesn't exist, it creates one there with default values.
func LoadConfigFile(configPath string) (*Config, error) {
	configPath = expandPath(configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := []byte("# Crosslock Node Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
