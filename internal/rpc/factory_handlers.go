package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/factory"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

// ========================================
// Factory handlers
// ========================================

// FactoryCreateParams is the parameters for factory_createHTLC.
type FactoryCreateParams struct {
	SwapHash string `json:"swap_hash"`
	Maker    string `json:"maker"`
	Amount   uint64 `json:"amount"`
	Denom    string `json:"denom"`
	Hashlock string `json:"hashlock"` // hex-encoded
	Timelock int64  `json:"timelock"`
}

func (s *Server) factoryCreateHTLC(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FactoryCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SwapHash == "" || p.Maker == "" {
		return nil, fmt.Errorf("swap_hash and maker are required")
	}

	hashlock, err := helpers.HexToBytes(p.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("invalid hashlock: %w", err)
	}

	msg := &factory.CreateHTLCMsg{
		SwapHash: p.SwapHash,
		Maker:    p.Maker,
		Amount:   p.Amount,
		Denom:    p.Denom,
		Hashlock: hashlock,
		Timelock: p.Timelock,
	}

	_, err = s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.factory.CreateHTLC(tx, now, msg)
	})
	if err != nil {
		return nil, err
	}

	// The deploy resolves within the same unit, the address is available.
	info, err := s.factory.GetHTLC(s.store, p.SwapHash)
	if err != nil {
		return nil, err
	}

	return htlcToInfo(info), nil
}

// FactoryGetParams is the parameters for factory_getHTLC.
type FactoryGetParams struct {
	SwapHash string `json:"swap_hash"`
}

// HTLCInfoResult is the response for factory_getHTLC.
type HTLCInfoResult struct {
	SwapHash    string `json:"swap_hash"`
	HTLCAddress string `json:"htlc_address,omitempty"`
	Maker       string `json:"maker"`
	Amount      uint64 `json:"amount"`
	Denom       string `json:"denom"`
	Hashlock    string `json:"hashlock"`
	Timelock    int64  `json:"timelock"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *Server) factoryGetHTLC(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FactoryGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SwapHash == "" {
		return nil, fmt.Errorf("swap_hash is required")
	}

	info, err := s.factory.GetHTLC(s.store, p.SwapHash)
	if err != nil {
		return nil, err
	}

	return htlcToInfo(info), nil
}

// FactoryListParams is the parameters for factory_listByMaker.
type FactoryListParams struct {
	Maker string `json:"maker"`
}

// FactoryListResult is the response for factory_listByMaker.
type FactoryListResult struct {
	HTLCs []*HTLCInfoResult `json:"htlcs"`
	Count int               `json:"count"`
}

func (s *Server) factoryListByMaker(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FactoryListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Maker == "" {
		return nil, fmt.Errorf("maker is required")
	}

	infos, err := s.factory.GetHTLCsByMaker(s.store, p.Maker)
	if err != nil {
		return nil, err
	}

	result := make([]*HTLCInfoResult, 0, len(infos))
	for _, info := range infos {
		result = append(result, htlcToInfo(info))
	}

	return &FactoryListResult{
		HTLCs: result,
		Count: len(result),
	}, nil
}

// FactoryUpdateCodeIDParams is the parameters for factory_updateCodeID.
type FactoryUpdateCodeIDParams struct {
	Sender string `json:"sender"`
	CodeID uint64 `json:"code_id"`
}

func (s *Server) factoryUpdateCodeID(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FactoryUpdateCodeIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.factory.UpdateCodeID(tx, p.Sender, p.CodeID)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"code_id": p.CodeID,
	}, nil
}

// FactoryUpdateAdminParams is the parameters for factory_updateAdmin.
type FactoryUpdateAdminParams struct {
	Sender   string `json:"sender"`
	NewAdmin string `json:"new_admin"`
}

func (s *Server) factoryUpdateAdmin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FactoryUpdateAdminParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.NewAdmin == "" {
		return nil, fmt.Errorf("new_admin is required")
	}

	_, err := s.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return s.factory.UpdateAdmin(tx, p.Sender, p.NewAdmin)
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"admin":   p.NewAdmin,
	}, nil
}

func htlcToInfo(info *storage.EscrowInfo) *HTLCInfoResult {
	return &HTLCInfoResult{
		SwapHash:    info.SwapHash,
		HTLCAddress: info.HTLCAddress,
		Maker:       info.Maker,
		Amount:      info.Amount,
		Denom:       info.Denom,
		Hashlock:    helpers.BytesToHex(info.Hashlock),
		Timelock:    info.Timelock,
		CreatedAt:   info.CreatedAt,
	}
}
