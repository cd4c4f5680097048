package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Version of the node
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	PeerID      string   `json:"peer_id"`
	Addrs       []string `json:"addrs"`
	Peers       int      `json:"peers"`
	Chain       string   `json:"chain"`
	Uptime      string   `json:"uptime"`
	Version     string   `json:"version"`
	DataDir     string   `json:"data_dir"`
	MDNSEnabled bool     `json:"mdns_enabled"`
	DHTEnabled  bool     `json:"dht_enabled"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil {
		return nil, fmt.Errorf("node not available")
	}

	addrs := make([]string, 0)
	for _, addr := range s.node.Addrs() {
		addrs = append(addrs, addr.String()+"/p2p/"+s.node.ID().String())
	}

	cfg := s.node.Config()

	return &NodeInfoResult{
		PeerID:      s.node.ID().String(),
		Addrs:       addrs,
		Peers:       s.node.PeerCount(),
		Chain:       cfg.Chain.Name,
		Uptime:      s.node.Uptime().Round(time.Second).String(),
		Version:     Version,
		DataDir:     cfg.Storage.DataDir,
		MDNSEnabled: cfg.Network.EnableMDNS,
		DHTEnabled:  cfg.Network.EnableDHT,
	}, nil
}

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running   bool   `json:"running"`
	PeerCount int    `json:"peer_count"`
	Uptime    string `json:"uptime"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil {
		return nil, fmt.Errorf("node not available")
	}

	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	return &NodeStatusResult{
		Running:   true,
		PeerCount: s.node.PeerCount(),
		Uptime:    s.node.Uptime().Round(time.Second).String(),
		WSClients: wsClients,
	}, nil
}

// ========================================
// Peers handlers
// ========================================

// PeerInfo represents information about a connected peer.
type PeerInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs,omitempty"`
}

// PeersListResult is the response for peers_list.
type PeersListResult struct {
	Peers []PeerInfo `json:"peers"`
	Count int        `json:"count"`
}

func (s *Server) peersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil {
		return nil, fmt.Errorf("node not available")
	}

	peers := s.node.Peers()
	result := make([]PeerInfo, 0, len(peers))

	host := s.node.Host()
	for _, p := range peers {
		addrs := host.Peerstore().Addrs(p)
		addrStrs := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addrStrs = append(addrStrs, addr.String())
		}

		result = append(result, PeerInfo{
			PeerID: p.String(),
			Addrs:  addrStrs,
		})
	}

	return &PeersListResult{
		Peers: result,
		Count: len(result),
	}, nil
}

// PeersCountResult is the response for peers_count.
type PeersCountResult struct {
	Connected int `json:"connected"`
}

func (s *Server) peersCount(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil {
		return nil, fmt.Errorf("node not available")
	}

	return &PeersCountResult{
		Connected: s.node.PeerCount(),
	}, nil
}

// ConnectParams is the parameters for peers_connect.
type ConnectParams struct {
	Addr string `json:"addr"`
}

func (s *Server) peersConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil {
		return nil, fmt.Errorf("node not available")
	}

	var p ConnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if p.Addr == "" {
		return nil, fmt.Errorf("addr is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.node.ConnectByAddr(connectCtx, p.Addr); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return map[string]interface{}{
		"success": true,
		"addr":    p.Addr,
	}, nil
}

// DisconnectParams is the parameters for peers_disconnect.
type DisconnectParams struct {
	PeerID string `json:"peer_id"`
}

func (s *Server) peersDisconnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil {
		return nil, fmt.Errorf("node not available")
	}

	var p DisconnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if p.PeerID == "" {
		return nil, fmt.Errorf("peer_id is required")
	}

	peerID, err := peer.Decode(p.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer_id: %w", err)
	}

	if err := s.node.Host().Network().ClosePeer(peerID); err != nil {
		return nil, fmt.Errorf("failed to disconnect: %w", err)
	}

	return map[string]interface{}{
		"success": true,
		"peer_id": p.PeerID,
	}, nil
}
