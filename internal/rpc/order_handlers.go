package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/coordinator"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

// ========================================
// Order handlers
// ========================================

// OrderCreateParams is the parameters for order_create.
type OrderCreateParams struct {
	SwapHash    string `json:"swap_hash"`
	Maker       string `json:"maker"`
	Amount      uint64 `json:"amount"`
	Denom       string `json:"denom"`
	Hashlock    string `json:"hashlock"` // hex-encoded
	Timelock    int64  `json:"timelock"`
	TargetChain string `json:"target_chain"`
}

func (s *Server) orderCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SwapHash == "" || p.Maker == "" || p.TargetChain == "" {
		return nil, fmt.Errorf("swap_hash, maker and target_chain are required")
	}

	hashlock, err := helpers.HexToBytes(p.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("invalid hashlock: %w", err)
	}

	msg := &coordinator.CreateOrderMsg{
		SwapHash:    p.SwapHash,
		Maker:       p.Maker,
		Amount:      p.Amount,
		Denom:       p.Denom,
		Hashlock:    hashlock,
		Timelock:    p.Timelock,
		TargetChain: p.TargetChain,
	}

	_, err = s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.coord.CreateOrder(tx, now, msg)
	})
	if err != nil {
		return nil, err
	}

	order, err := s.coord.GetOrder(s.store, p.SwapHash)
	if err != nil {
		return nil, err
	}

	return orderToInfo(order), nil
}

// OrderGetParams is the parameters for order_get.
type OrderGetParams struct {
	SwapHash string `json:"swap_hash"`
}

// OrderInfoResult is the response for order_get.
type OrderInfoResult struct {
	SwapHash    string `json:"swap_hash"`
	Maker       string `json:"maker"`
	Amount      uint64 `json:"amount"`
	Denom       string `json:"denom"`
	Hashlock    string `json:"hashlock"`
	Timelock    int64  `json:"timelock"`
	TargetChain string `json:"target_chain"`
	HTLCAddress string `json:"htlc_address,omitempty"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (s *Server) orderGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SwapHash == "" {
		return nil, fmt.Errorf("swap_hash is required")
	}

	order, err := s.coord.GetOrder(s.store, p.SwapHash)
	if err != nil {
		return nil, err
	}

	return orderToInfo(order), nil
}

// OrderListParams is the parameters for order_listByMaker.
type OrderListParams struct {
	Maker string `json:"maker"`
}

// OrderListResult is the response for order_listByMaker.
type OrderListResult struct {
	Orders []*OrderInfoResult `json:"orders"`
	Count  int                `json:"count"`
}

func (s *Server) orderListByMaker(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Maker == "" {
		return nil, fmt.Errorf("maker is required")
	}

	orders, err := s.coord.GetOrdersByMaker(s.store, p.Maker)
	if err != nil {
		return nil, err
	}

	result := make([]*OrderInfoResult, 0, len(orders))
	for _, order := range orders {
		result = append(result, orderToInfo(order))
	}

	return &OrderListResult{
		Orders: result,
		Count:  len(result),
	}, nil
}

// OrderUpdateStatusParams is the parameters for order_updateStatus.
type OrderUpdateStatusParams struct {
	Sender   string `json:"sender"`
	SwapHash string `json:"swap_hash"`
	Status   string `json:"status"`
}

func (s *Server) orderUpdateStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderUpdateStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SwapHash == "" || p.Status == "" {
		return nil, fmt.Errorf("swap_hash and status are required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.coord.UpdateOrderStatus(tx, now, p.Sender, p.SwapHash, storage.OrderStatus(p.Status))
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":   true,
		"swap_hash": p.SwapHash,
		"status":    p.Status,
	}, nil
}

func orderToInfo(order *storage.OrderRecord) *OrderInfoResult {
	return &OrderInfoResult{
		SwapHash:    order.SwapHash,
		Maker:       order.Maker,
		Amount:      order.Amount,
		Denom:       order.Denom,
		Hashlock:    helpers.BytesToHex(order.Hashlock),
		Timelock:    order.Timelock,
		TargetChain: order.TargetChain,
		HTLCAddress: order.HTLCAddress,
		Status:      string(order.Status),
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
}
