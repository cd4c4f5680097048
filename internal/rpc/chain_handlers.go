package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// ========================================
// Router handlers
// ========================================

// SetRouteParams is the parameters for router_setRoute.
type SetRouteParams struct {
	Sender    string `json:"sender"`
	Chain     string `json:"chain"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) routerSetRoute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SetRouteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Chain == "" || p.ChannelID == "" {
		return nil, fmt.Errorf("chain and channel_id are required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.router.SetRoute(tx, p.Sender, p.Chain, p.ChannelID)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":    true,
		"chain":      p.Chain,
		"channel_id": p.ChannelID,
	}, nil
}

// RouterSendParams is the parameters for router_send. The action is
// a raw envelope action, validated through the same closed union the
// packet path uses.
type RouterSendParams struct {
	DestChain string          `json:"dest_chain"`
	Action    json.RawMessage `json:"action"`
}

func (s *Server) routerSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RouterSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.DestChain == "" || len(p.Action) == 0 {
		return nil, fmt.Errorf("dest_chain and action are required")
	}

	var action router.Action
	if err := json.Unmarshal(p.Action, &action); err != nil {
		return nil, err
	}

	var packetID string
	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		eff, err := s.router.SendAction(tx, now, p.DestChain, action)
		if err != nil {
			return nil, err
		}
		for _, ev := range eff.Events {
			for _, attr := range ev.Attributes {
				if attr.Key == "packet_id" {
					packetID = attr.Value
				}
			}
		}
		return eff, nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":    true,
		"dest_chain": p.DestChain,
		"packet_id":  packetID,
	}, nil
}

// RouteInfo represents a chain to channel mapping.
type RouteInfo struct {
	Chain     string `json:"chain"`
	ChannelID string `json:"channel_id"`
}

// RoutesListResult is the response for router_listRoutes.
type RoutesListResult struct {
	Routes []RouteInfo `json:"routes"`
	Count  int         `json:"count"`
}

func (s *Server) routerListRoutes(ctx context.Context, params json.RawMessage) (interface{}, error) {
	routes, err := s.store.ListRoutes()
	if err != nil {
		return nil, err
	}

	result := make([]RouteInfo, 0, len(routes))
	for _, r := range routes {
		result = append(result, RouteInfo{Chain: r.Chain, ChannelID: r.ChannelID})
	}

	return &RoutesListResult{
		Routes: result,
		Count:  len(result),
	}, nil
}

// ========================================
// Channel handlers
// ========================================

// ChannelInfo represents a channel binding.
type ChannelInfo struct {
	ChannelID         string `json:"channel_id"`
	PeerID            string `json:"peer_id,omitempty"`
	CounterpartyChain string `json:"counterparty_chain,omitempty"`
	State             string `json:"state"`
	CreatedAt         int64  `json:"created_at"`
}

// ChannelsListResult is the response for channels_list.
type ChannelsListResult struct {
	Channels []ChannelInfo `json:"channels"`
	Count    int           `json:"count"`
}

func (s *Server) channelsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	channels, err := s.store.ListChannels()
	if err != nil {
		return nil, err
	}

	result := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		result = append(result, ChannelInfo{
			ChannelID:         ch.ChannelID,
			PeerID:            ch.PeerID,
			CounterpartyChain: ch.CounterpartyChain,
			State:             ch.State,
			CreatedAt:         ch.CreatedAt,
		})
	}

	return &ChannelsListResult{
		Channels: result,
		Count:    len(result),
	}, nil
}

// ChannelOpenParams is the parameters for channels_open.
type ChannelOpenParams struct {
	ChannelID string `json:"channel_id"`
	PeerID    string `json:"peer_id"`
}

func (s *Server) channelsOpen(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.node == nil || s.node.PacketSender() == nil {
		return nil, fmt.Errorf("packet transport not available")
	}

	var p ChannelOpenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ChannelID == "" || p.PeerID == "" {
		return nil, fmt.Errorf("channel_id and peer_id are required")
	}

	peerID, err := peer.Decode(p.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer_id: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.node.PacketSender().OpenChannel(openCtx, peerID, p.ChannelID); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":    true,
		"channel_id": p.ChannelID,
		"peer_id":    p.PeerID,
	}, nil
}

// ========================================
// Config handlers
// ========================================

// ConfigResult is the response for config_get.
type ConfigResult struct {
	Version      uint64 `json:"version"`
	Admin        string `json:"admin"`
	EscrowCodeID uint64 `json:"escrow_code_id"`
	FactoryAddr  string `json:"factory_address,omitempty"`
	ChannelID    string `json:"channel_id"`
	ChainName    string `json:"chain_name"`
	UpdatedAt    int64  `json:"updated_at"`
}

func (s *Server) configGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	cfg, err := s.store.GetConfig()
	if err != nil {
		return nil, err
	}

	return &ConfigResult{
		Version:      cfg.Version,
		Admin:        cfg.Admin,
		EscrowCodeID: cfg.EscrowCodeID,
		FactoryAddr:  cfg.FactoryAddr,
		ChannelID:    cfg.ChannelID,
		ChainName:    cfg.ChainName,
		UpdatedAt:    cfg.UpdatedAtUnix,
	}, nil
}

// ConfigUpdateFactoryParams is the parameters for config_updateFactory.
type ConfigUpdateFactoryParams struct {
	Sender      string `json:"sender"`
	FactoryAddr string `json:"factory_address"`
}

func (s *Server) configUpdateFactory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ConfigUpdateFactoryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.FactoryAddr == "" {
		return nil, fmt.Errorf("factory_address is required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.coord.UpdateFactoryAddr(tx, p.Sender, p.FactoryAddr)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":         true,
		"factory_address": p.FactoryAddr,
	}, nil
}

// ConfigUpdateAdminParams is the parameters for config_updateAdmin.
type ConfigUpdateAdminParams struct {
	Sender   string `json:"sender"`
	NewAdmin string `json:"new_admin"`
}

func (s *Server) configUpdateAdmin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ConfigUpdateAdminParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.NewAdmin == "" {
		return nil, fmt.Errorf("new_admin is required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.coord.UpdateAdmin(tx, p.Sender, p.NewAdmin)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"admin":   p.NewAdmin,
	}, nil
}

// ConfigUpdateChannelParams is the parameters for config_updateChannel.
type ConfigUpdateChannelParams struct {
	Sender    string `json:"sender"`
	ChannelID string `json:"channel_id"`
}

func (s *Server) configUpdateChannel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ConfigUpdateChannelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.ChannelID == "" {
		return nil, fmt.Errorf("channel_id is required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.coord.UpdateChannel(tx, p.Sender, p.ChannelID)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":    true,
		"channel_id": p.ChannelID,
	}, nil
}

// ========================================
// Bank handlers
// ========================================

// BankDepositParams is the parameters for bank_deposit.
type BankDepositParams struct {
	Account string `json:"account"`
	Denom   string `json:"denom"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) bankDeposit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BankDepositParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.bank.Deposit(tx, p.Account, p.Denom, p.Amount)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"account": p.Account,
		"amount":  p.Amount,
		"denom":   p.Denom,
	}, nil
}

// BankBalanceParams is the parameters for bank_balance.
type BankBalanceParams struct {
	Account string `json:"account"`
	Denom   string `json:"denom"`
}

// BankBalanceResult is the response for bank_balance.
type BankBalanceResult struct {
	Account string `json:"account"`
	Denom   string `json:"denom"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) bankBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BankBalanceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Account == "" || p.Denom == "" {
		return nil, fmt.Errorf("account and denom are required")
	}

	amount, err := s.bank.Balance(s.store, p.Account, p.Denom)
	if err != nil {
		return nil, err
	}

	return &BankBalanceResult{
		Account: p.Account,
		Denom:   p.Denom,
		Amount:  amount,
	}, nil
}
