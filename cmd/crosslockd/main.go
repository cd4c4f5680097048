// Package main provides the crosslockd daemon - a cross-chain swap coordinator node.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/crosslock-exchange/crosslock/internal/bank"
	"github.com/crosslock-exchange/crosslock/internal/coordinator"
	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/factory"
	"github.com/crosslock-exchange/crosslock/internal/metrics"
	"github.com/crosslock-exchange/crosslock/internal/node"
	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/rpc"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir        = flag.String("data-dir", "~/.crosslock", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr        = flag.String("api", "", "JSON-RPC API address (overrides config)")
		adminAddr      = flag.String("admin", "", "Administrator account address (first run only)")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosslockd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create config file
	var cfg *node.Config
	var err error

	configPath := node.ConfigPath(effectiveDataDir)
	if *configFile != "" {
		// Use specified config file
		configPath = *configFile
		cfg, err = node.LoadConfigFile(*configFile)
	} else {
		// Use default config location in data directory
		cfg, err = node.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir

	// Set network type
	if *testnet {
		cfg.NetworkType = node.NetworkTestnet
	} else {
		cfg.NetworkType = node.NetworkMainnet
	}

	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	if *adminAddr != "" {
		cfg.Chain.Admin = *adminAddr
	}
	if *apiAddr == "" {
		*apiAddr = cfg.RPC.ListenAddr
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", configPath)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := expandPath(cfg.Storage.DataDir)
	storeCfg := &storage.Config{
		DataDir: dataPath,
	}
	store, err := storage.New(storeCfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Seed the chain config record on first run
	if _, err := store.GetConfig(); err != nil {
		if !errors.Is(err, storage.ErrConfigNotFound) {
			log.Fatal("Failed to read chain config", "error", err)
		}
		if cfg.Chain.Admin == "" {
			log.Fatal("Admin address required on first run (set -admin or chain.admin in config)")
		}
		rec := &storage.ConfigRecord{
			Admin:        cfg.Chain.Admin,
			EscrowCodeID: cfg.Chain.EscrowCodeID,
			ChannelID:    cfg.Chain.ChannelID,
			ChainName:    cfg.Chain.Name,
		}
		if err := store.InitConfig(rec); err != nil {
			log.Fatal("Failed to initialize chain config", "error", err)
		}
		log.Info("Chain config initialized",
			"chain", cfg.Chain.Name,
			"channel", cfg.Chain.ChannelID,
			"admin", cfg.Chain.Admin)
	}

	// Initialize swap services
	escrowHost := escrow.NewHost(log.Component("escrow"))
	fac := factory.New(log.Component("factory"))
	rtr := router.New(log.Component("router"))
	coord := coordinator.New(fac, rtr, log.Component("coordinator"))
	keeper := bank.NewKeeper(log.Component("bank"))
	log.Info("Swap services initialized")

	// Initialize the execution runtime
	exec := runtime.NewExecutor(store, log.Component("runtime"))
	exec.SetDeployer(escrowHost, fac)

	mtr := metrics.New()
	exec.AddEventSink(mtr)

	// Create node
	log.Info("Starting Crosslock Node...")
	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	// Initialize the packet transport (outbox delivery + inbound handling)
	if err := n.SetupPacketTransport(store, exec, coord, rtr); err != nil {
		log.Fatal("Failed to setup packet transport", "error", err)
	}
	exec.SetPacketNotifier(n.PacketSender())

	// Start node
	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	// Broadcast order status changes over gossip
	exec.AddEventSink(&statusBroadcaster{ctx: ctx, node: n})
	if sh := n.StatusHandler(); sh != nil {
		gossipLog := log.Component("gossip")
		sh.OnStatus(func(ctx context.Context, msg *node.StatusMessage) error {
			gossipLog.Info("Swap status from network",
				"swap_hash", msg.SwapHash,
				"status", msg.Status,
				"chain", msg.Chain)
			return nil
		})
	}

	// Start RPC server
	rpcServer := rpc.NewServer(n, store, exec, fac, coord, rtr, keeper)
	if cfg.RPC.EnableMetrics {
		rpcServer.SetMetricsHandler(mtr.Handler())
	}
	if err := rpcServer.Start(*apiAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}
	exec.AddEventSink(rpcServer.WSHub())

	// Print node info
	printBanner(log, n, cfg, *apiAddr)

	// Set up peer connection logging and WebSocket broadcasting
	nodeLog := log.Component("p2p")
	n.OnPeerConnected(func(p peer.ID) {
		nodeLog.Info("Peer connected", "peer", shortID(p), "total", n.PeerCount())
		// Broadcast to WebSocket clients
		if hub := rpcServer.WSHub(); hub != nil {
			hub.Broadcast(rpc.EventPeerConnected, map[string]interface{}{
				"peer_id":     p.String(),
				"total_peers": n.PeerCount(),
			})
		}
	})

	n.OnPeerDisconnected(func(p peer.ID) {
		nodeLog.Info("Peer disconnected", "peer", shortID(p), "total", n.PeerCount())
		// Broadcast to WebSocket clients
		if hub := rpcServer.WSHub(); hub != nil {
			hub.Broadcast(rpc.EventPeerDisconnected, map[string]interface{}{
				"peer_id":     p.String(),
				"total_peers": n.PeerCount(),
			})
		}
	})

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status", "peers", n.PeerCount(), "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown
	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

// statusBroadcaster publishes order status transitions to the gossip
// topic so counterparty coordinators can track swap progress.
type statusBroadcaster struct {
	ctx  context.Context
	node *node.Node
}

func (b *statusBroadcaster) PublishEvents(events []runtime.Event) {
	sh := b.node.StatusHandler()
	if sh == nil {
		return
	}
	for _, ev := range events {
		if ev.Type != "update_order_status" && ev.Type != "order_expired" {
			continue
		}
		var swapHash, status string
		for _, attr := range ev.Attributes {
			switch attr.Key {
			case "swap_hash":
				swapHash = attr.Value
			case "status":
				status = attr.Value
			}
		}
		if ev.Type == "order_expired" {
			status = string(storage.OrderStatusExpired)
		}
		if swapHash == "" || status == "" {
			continue
		}
		if err := sh.Publish(b.ctx, swapHash, status); err != nil {
			logging.GetDefault().Debug("Status broadcast failed", "swap_hash", swapHash, "error", err)
		}
	}
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *node.Config, apiAddr string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crosslock Coordinator Node (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  Chain: %s | Channel: %s", cfg.Chain.Name, cfg.Chain.ChannelID)
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Network: %s | mDNS: %v | DHT: %v", networkLabel, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
