package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

// ========================================
// Escrow handlers
// ========================================

// EscrowLockParams is the parameters for escrow_lock.
type EscrowLockParams struct {
	Sender    string `json:"sender"`
	Address   string `json:"address"`
	Amount    uint64 `json:"amount"`
	Denom     string `json:"denom"`
	Paid      uint64 `json:"paid"`
	PaidDenom string `json:"paid_denom"`
}

func (s *Server) escrowLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowLockParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Sender == "" || p.Address == "" {
		return nil, fmt.Errorf("sender and address are required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return escrow.LockFunds(tx, now, p.Sender, p.Address, p.Amount, p.Denom, p.Paid, p.PaidDenom)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"address": p.Address,
	}, nil
}

// EscrowRevealParams is the parameters for escrow_reveal.
type EscrowRevealParams struct {
	Address string `json:"address"`
	Secret  string `json:"secret"` // hex-encoded preimage
}

func (s *Server) escrowReveal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowRevealParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	secret, err := helpers.HexToBytes(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret: %w", err)
	}

	_, err = s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return escrow.RevealSecret(tx, now, p.Address, secret)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"address": p.Address,
	}, nil
}

// EscrowCancelParams is the parameters for escrow_cancel.
type EscrowCancelParams struct {
	Address string `json:"address"`
}

func (s *Server) escrowCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return escrow.CancelSwap(tx, now, p.Address)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"address": p.Address,
	}, nil
}

// EscrowInfoParams is the parameters for escrow_info.
type EscrowInfoParams struct {
	Address string `json:"address"`
}

// EscrowInfoResult is the response for escrow_info.
type EscrowInfoResult struct {
	Address     string `json:"address"`
	SwapHash    string `json:"swap_hash"`
	Maker       string `json:"maker"`
	Resolver    string `json:"resolver,omitempty"`
	Amount      uint64 `json:"amount"`
	Denom       string `json:"denom"`
	Hashlock    string `json:"hashlock"`
	Timelock    int64  `json:"timelock"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	FundedAt    int64  `json:"funded_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}

func (s *Server) escrowInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EscrowInfoParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Address == "" {
		return nil, fmt.Errorf("address is required")
	}

	rec, err := escrow.GetSwapInfo(s.store, p.Address)
	if err != nil {
		return nil, err
	}

	return escrowToInfo(rec), nil
}

func escrowToInfo(rec *storage.EscrowRecord) *EscrowInfoResult {
	return &EscrowInfoResult{
		Address:     rec.Address,
		SwapHash:    rec.SwapHash,
		Maker:       rec.Maker,
		Resolver:    rec.Resolver,
		Amount:      rec.Amount,
		Denom:       rec.Denom,
		Hashlock:    helpers.BytesToHex(rec.Hashlock),
		Timelock:    rec.Timelock,
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
		FundedAt:    rec.FundedAt,
		CompletedAt: rec.CompletedAt,
	}
}
