package node

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NetworkType != NetworkMainnet {
		t.Errorf("expected NetworkMainnet, got %s", cfg.NetworkType)
	}

	if cfg.Identity.KeyFile != "node.key" {
		t.Errorf("expected node.key, got %s", cfg.Identity.KeyFile)
	}

	if len(cfg.Network.ListenAddrs) != 4 {
		t.Errorf("expected 4 listen addresses, got %d", len(cfg.Network.ListenAddrs))
	}

	if !cfg.Network.EnableMDNS {
		t.Error("expected EnableMDNS to be true")
	}

	if !cfg.Network.EnableDHT {
		t.Error("expected EnableDHT to be true")
	}

	if cfg.Network.ConnMgr.LowWater != 100 {
		t.Errorf("expected LowWater 100, got %d", cfg.Network.ConnMgr.LowWater)
	}

	if cfg.Network.ConnMgr.GracePeriod != time.Minute {
		t.Errorf("expected GracePeriod 1m, got %v", cfg.Network.ConnMgr.GracePeriod)
	}

	if cfg.Chain.ChannelID != "channel-0" {
		t.Errorf("expected channel-0, got %s", cfg.Chain.ChannelID)
	}

	if cfg.RPC.ListenAddr == "" {
		t.Error("expected default RPC listen address")
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestConfigDHTPrefix(t *testing.T) {
	tests := []struct {
		networkType NetworkType
		expected    string
	}{
		{NetworkMainnet, MainnetDHTPrefix},
		{NetworkTestnet, TestnetDHTPrefix},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.NetworkType = tt.networkType

		if got := cfg.DHTPrefix(); got != tt.expected {
			t.Errorf("DHTPrefix() for %s = %s, want %s", tt.networkType, got, tt.expected)
		}
	}
}

func TestConfigDiscoveryNamespace(t *testing.T) {
	tests := []struct {
		networkType NetworkType
		expected    string
	}{
		{NetworkMainnet, MainnetDiscoveryNS},
		{NetworkTestnet, TestnetDiscoveryNS},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.NetworkType = tt.networkType

		if got := cfg.DiscoveryNamespace(); got != tt.expected {
			t.Errorf("DiscoveryNamespace() for %s = %s, want %s", tt.networkType, got, tt.expected)
		}
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// Load config (should create default)
	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	// Verify config was created
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Verify default values
	if cfg.NetworkType != NetworkMainnet {
		t.Errorf("expected NetworkMainnet, got %s", cfg.NetworkType)
	}

	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("expected DataDir %s, got %s", tmpDir, cfg.Storage.DataDir)
	}
}

func TestLoadConfigFileHonorsExactPath(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	customConfig := `chain:
  name: crosslock-prod-1
  channel_id: channel-3
`
	configPath := filepath.Join(tmpDir, "prod.yaml")
	if err := os.WriteFile(configPath, []byte(customConfig), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfigFile(configPath)
	if err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}

	if cfg.Chain.Name != "crosslock-prod-1" {
		t.Errorf("Chain.Name = %s, want crosslock-prod-1", cfg.Chain.Name)
	}
	if cfg.Chain.ChannelID != "channel-3" {
		t.Errorf("Chain.ChannelID = %s, want channel-3", cfg.Chain.ChannelID)
	}

	// The default-named file in the same directory is never touched.
	if _, err := os.Stat(filepath.Join(tmpDir, ConfigFileName)); !os.IsNotExist(err) {
		t.Errorf("unexpected %s alongside the explicit config", ConfigFileName)
	}
}

func TestLoadConfigFileCreatesAtExactPath(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "node.yaml")
	cfg, err := LoadConfigFile(configPath)
	if err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}
	if cfg.Chain.ChannelID != "channel-0" {
		t.Errorf("Chain.ChannelID = %s, want channel-0", cfg.Chain.ChannelID)
	}

	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("config file not created at %s: %v", configPath, err)
	}
}

func TestLoadConfigReadsExisting(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	customConfig := `network_type: testnet
identity:
  key_file: custom.key
network:
  listen_addrs:
    - /ip4/0.0.0.0/tcp/5001
  enable_mdns: false
  enable_dht: true
chain:
  name: crosslock-test-1
  channel_id: channel-7
logging:
  level: debug
`
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(customConfig), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.NetworkType != NetworkTestnet {
		t.Errorf("expected NetworkTestnet, got %s", cfg.NetworkType)
	}

	if cfg.Identity.KeyFile != "custom.key" {
		t.Errorf("expected custom.key, got %s", cfg.Identity.KeyFile)
	}

	if len(cfg.Network.ListenAddrs) != 1 || cfg.Network.ListenAddrs[0] != "/ip4/0.0.0.0/tcp/5001" {
		t.Errorf("unexpected listen addrs: %v", cfg.Network.ListenAddrs)
	}

	if cfg.Network.EnableMDNS {
		t.Error("expected EnableMDNS to be false")
	}

	if cfg.Chain.Name != "crosslock-test-1" {
		t.Errorf("expected crosslock-test-1, got %s", cfg.Chain.Name)
	}

	if cfg.Chain.ChannelID != "channel-7" {
		t.Errorf("expected channel-7, got %s", cfg.Chain.ChannelID)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Logging.Level)
	}
}

func TestConfigSave(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := DefaultConfig()
	cfg.NetworkType = NetworkTestnet
	cfg.Logging.Level = "debug"

	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "# Crosslock Node Configuration") {
		t.Error("config file missing header comment")
	}

	if !strings.Contains(content, "network_type: testnet") {
		t.Error("config file missing network_type")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.crosslock", filepath.Join(home, ".crosslock")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		got := expandPath(tt.input)
		if got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
