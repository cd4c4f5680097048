// Package factory deploys one escrow instance per swap and tracks
// them by swap hash.
//
// Deployment is asynchronous from the factory's point of view: the
// request carries a correlation token, and the confirmation reply is
// matched back through that token. The factory never guesses which
// record a reply belongs to.
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/crosslock-exchange/crosslock/internal/escrow"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var (
	ErrHTLCAlreadyExists = errors.New("htlc already exists")
	ErrHTLCNotFound      = errors.New("htlc not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrDeployCorrelation = errors.New("deployment correlation failed")
	ErrMissingAddress    = errors.New("deployment reply missing escrow address")
)

// CreateHTLCMsg carries the parameters for a new swap escrow.
type CreateHTLCMsg struct {
	SwapHash string `json:"swap_hash"`
	Maker    string `json:"maker"`
	Amount   uint64 `json:"amount"`
	Denom    string `json:"denom"`
	Hashlock []byte `json:"hashlock"`
	Timelock int64  `json:"timelock"`
}

// Factory manages escrow deployment and lookup.
type Factory struct {
	logger *logging.Logger
}

// New creates a factory.
func New(logger *logging.Logger) *Factory {
	return &Factory{logger: logger.Component("factory")}
}

// CreateHTLC registers a new swap and requests deployment of its
// escrow instance. The stored record keeps the unresolved address
// sentinel until the deployment reply fills it in; both writes commit
// or roll back with the surrounding unit.
func (f *Factory) CreateHTLC(tx *storage.Storage, now time.Time, msg *CreateHTLCMsg) (*runtime.Effects, error) {
	if msg.SwapHash == "" {
		return nil, fmt.Errorf("swap hash must not be empty")
	}

	initMsg := &escrow.InitMsg{
		SwapHash: msg.SwapHash,
		Maker:    msg.Maker,
		Amount:   msg.Amount,
		Denom:    msg.Denom,
		Hashlock: msg.Hashlock,
		Timelock: msg.Timelock,
	}
	if err := initMsg.Validate(now); err != nil {
		return nil, err
	}

	exists, err := tx.HasEscrowInfo(msg.SwapHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrHTLCAlreadyExists
	}

	info := &storage.EscrowInfo{
		SwapHash:  msg.SwapHash,
		Maker:     msg.Maker,
		Amount:    msg.Amount,
		Denom:     msg.Denom,
		Hashlock:  msg.Hashlock,
		Timelock:  msg.Timelock,
		CreatedAt: now.Unix(),
	}
	if err := tx.SaveEscrowInfo(info); err != nil {
		return nil, err
	}
	if err := tx.AppendMakerEscrow(msg.Maker, msg.SwapHash); err != nil {
		return nil, err
	}

	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}

	token := uuid.New().String()
	if err := tx.SavePendingDeploy(token, msg.SwapHash); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(initMsg)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("requesting escrow deployment", "swap_hash", msg.SwapHash, "token", token)

	eff := &runtime.Effects{}
	eff.AddDeploy(runtime.Deploy{
		Token:   token,
		CodeID:  cfg.EscrowCodeID,
		InitMsg: raw,
		Label:   "escrow-" + msg.SwapHash,
	})
	eff.Emit("create_htlc",
		"swap_hash", msg.SwapHash,
		"maker", msg.Maker,
		"amount", strconv.FormatUint(msg.Amount, 10),
		"timelock", strconv.FormatInt(msg.Timelock, 10))
	return eff, nil
}

// HandleDeployReply resolves a deployment confirmation. The token
// identifies exactly which pending record the reply belongs to; the
// new instance address is read from the confirmation's instantiate
// event. Correlation failures are not recoverable and error the unit.
func (f *Factory) HandleDeployReply(tx *storage.Storage, now time.Time, token string, events []runtime.Event) (*runtime.Effects, error) {
	swapHash, err := tx.TakePendingDeploy(token)
	if err != nil {
		return nil, err
	}
	if swapHash == "" {
		return nil, fmt.Errorf("%w: unknown token %s", ErrDeployCorrelation, token)
	}

	address := findEscrowAddress(events)
	if address == "" {
		return nil, fmt.Errorf("%w: token %s", ErrMissingAddress, token)
	}

	if err := tx.SetEscrowInfoAddress(swapHash, address); err != nil {
		return nil, err
	}

	// Mirror the resolved address onto the order, if one exists for
	// this swap.
	order, err := tx.GetOrder(swapHash)
	if err != nil {
		return nil, err
	}
	if order != nil {
		if err := tx.SetOrderHTLCAddress(swapHash, address); err != nil {
			return nil, err
		}
	}

	f.logger.Debug("escrow deployed", "swap_hash", swapHash, "address", address)

	eff := &runtime.Effects{}
	eff.Emit("escrow_deployed",
		"swap_hash", swapHash,
		"escrow_address", address)
	return eff, nil
}

// findEscrowAddress searches the confirmation events for the deployed
// instance address.
func findEscrowAddress(events []runtime.Event) string {
	for _, ev := range events {
		if ev.Type != "instantiate" {
			continue
		}
		if addr, ok := ev.Attr("escrow_address"); ok {
			return addr
		}
		if addr, ok := ev.Attr("_contract_address"); ok {
			return addr
		}
	}
	return ""
}

// GetHTLC returns the factory record for a swap hash.
func (f *Factory) GetHTLC(s *storage.Storage, swapHash string) (*storage.EscrowInfo, error) {
	info, err := s.GetEscrowInfo(swapHash)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, ErrHTLCNotFound
	}
	return info, nil
}

// GetHTLCsByMaker resolves the maker's index against current records.
// Index entries whose record is missing are skipped rather than
// surfaced as errors.
func (f *Factory) GetHTLCsByMaker(s *storage.Storage, maker string) ([]*storage.EscrowInfo, error) {
	hashes, err := s.GetMakerEscrowHashes(maker)
	if err != nil {
		return nil, err
	}

	infos := make([]*storage.EscrowInfo, 0, len(hashes))
	for _, h := range hashes {
		info, err := s.GetEscrowInfo(h)
		if err != nil {
			return nil, err
		}
		if info == nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// UpdateCodeID changes the escrow code id used for new deployments.
// Admin only.
func (f *Factory) UpdateCodeID(tx *storage.Storage, sender string, codeID uint64) (*runtime.Effects, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}
	if sender != cfg.Admin {
		return nil, ErrUnauthorized
	}

	cfg.EscrowCodeID = codeID
	if err := tx.UpdateConfig(cfg); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("update_code_id", "code_id", strconv.FormatUint(codeID, 10))
	return eff, nil
}

// UpdateAdmin rotates the admin address. Admin only.
func (f *Factory) UpdateAdmin(tx *storage.Storage, sender, newAdmin string) (*runtime.Effects, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}
	if sender != cfg.Admin {
		return nil, ErrUnauthorized
	}
	if newAdmin == "" {
		return nil, fmt.Errorf("new admin must not be empty")
	}

	cfg.Admin = newAdmin
	if err := tx.UpdateConfig(cfg); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("update_admin", "admin", newAdmin)
	return eff, nil
}
