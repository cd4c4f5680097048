// Package escrow implements the per-swap HTLC escrow state machine.
//
// Each escrow holds funds for one swap and moves through
// Pending -> Funded -> Completed or Cancelled. A resolver locks funds
// against a hash commitment; revealing the matching preimage before
// the timelock releases the funds to the maker, and cancellation
// after the timelock returns them to the resolver.
package escrow

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrAlreadyCompleted   = errors.New("swap already completed")
	ErrSwapNotFunded      = errors.New("swap not funded")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDenom       = errors.New("invalid denom")
	ErrInvalidHashlock    = errors.New("invalid hashlock")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidSecret      = errors.New("invalid secret")
	ErrTimelockExpired    = errors.New("timelock expired")
	ErrTimelockNotExpired = errors.New("timelock not expired")
)

// InitMsg carries the parameters for a new escrow instance.
type InitMsg struct {
	SwapHash string `json:"swap_hash"`
	Maker    string `json:"maker"`
	Amount   uint64 `json:"amount"`
	Denom    string `json:"denom"`
	Hashlock []byte `json:"hashlock"`
	Timelock int64  `json:"timelock"`
}

// Validate checks the instantiation parameters against now.
func (m *InitMsg) Validate(now time.Time) error {
	if m.Timelock <= now.Unix() {
		return ErrTimelockExpired
	}
	if m.Amount == 0 {
		return ErrInvalidAmount
	}
	if m.Denom == "" {
		return ErrInvalidDenom
	}
	if len(m.Hashlock) != sha256.Size {
		return ErrInvalidHashlock
	}
	return nil
}

// Instantiate creates a new escrow record at address.
func Instantiate(tx *storage.Storage, now time.Time, address string, msg *InitMsg) (*runtime.Effects, error) {
	if err := msg.Validate(now); err != nil {
		return nil, err
	}

	existing, err := tx.GetEscrow(address)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("escrow %s already exists", address)
	}

	rec := &storage.EscrowRecord{
		Address:   address,
		SwapHash:  msg.SwapHash,
		Maker:     msg.Maker,
		Amount:    msg.Amount,
		Denom:     msg.Denom,
		Hashlock:  msg.Hashlock,
		Timelock:  msg.Timelock,
		Status:    storage.EscrowStatusPending,
		CreatedAt: now.Unix(),
	}
	if err := tx.SaveEscrow(rec); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("instantiate",
		"escrow_address", address,
		"swap_hash", msg.SwapHash,
		"maker", msg.Maker,
		"amount", strconv.FormatUint(msg.Amount, 10),
		"timelock", strconv.FormatInt(msg.Timelock, 10))
	return eff, nil
}

// LockFunds transitions a pending escrow to Funded. The sender must
// attach exactly the committed amount of the committed denom; the
// attached funds move into the escrow's own balance and the sender is
// recorded as resolver.
func LockFunds(tx *storage.Storage, now time.Time, sender, address string, amount uint64, denom string, paid uint64, paidDenom string) (*runtime.Effects, error) {
	swap, err := loadEscrow(tx, address)
	if err != nil {
		return nil, err
	}

	if swap.Status != storage.EscrowStatusPending {
		return nil, ErrAlreadyCompleted
	}
	if amount != swap.Amount {
		return nil, ErrInvalidAmount
	}
	if denom != swap.Denom {
		return nil, ErrInvalidDenom
	}
	if paidDenom != swap.Denom || paid != amount {
		return nil, fmt.Errorf("%w: required %d%s, got %d%s",
			ErrInsufficientFunds, amount, denom, paid, paidDenom)
	}

	swap.Status = storage.EscrowStatusFunded
	swap.Resolver = sender
	swap.FundedAt = now.Unix()
	if err := tx.SaveEscrow(swap); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.AddTransfer(runtime.Transfer{From: sender, To: address, Denom: denom, Amount: amount})
	eff.Emit("lock_funds",
		"escrow_address", address,
		"resolver", sender,
		"amount", strconv.FormatUint(amount, 10))
	return eff, nil
}

// RevealSecret releases the escrowed funds to the maker when the
// preimage matches the hashlock. Reveal at the exact timelock second
// is still legal; only strictly later fails.
func RevealSecret(tx *storage.Storage, now time.Time, address string, secret []byte) (*runtime.Effects, error) {
	swap, err := loadEscrow(tx, address)
	if err != nil {
		return nil, err
	}

	if swap.Status != storage.EscrowStatusFunded {
		return nil, ErrSwapNotFunded
	}
	if now.Unix() > swap.Timelock {
		return nil, ErrTimelockExpired
	}

	digest := sha256.Sum256(secret)
	if !helpers.ConstantTimeCompare(digest[:], swap.Hashlock) {
		return nil, ErrInvalidSecret
	}

	swap.Status = storage.EscrowStatusCompleted
	swap.CompletedAt = now.Unix()
	if err := tx.SaveEscrow(swap); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.AddTransfer(runtime.Transfer{From: address, To: swap.Maker, Denom: swap.Denom, Amount: swap.Amount})
	eff.Emit("reveal_secret",
		"escrow_address", address,
		"maker", swap.Maker,
		"amount", strconv.FormatUint(swap.Amount, 10))
	return eff, nil
}

// CancelSwap cancels an escrow after its timelock has strictly
// passed. A funded escrow refunds the resolver; a never-funded escrow
// has nothing to return. The maker never receives funds on this path.
func CancelSwap(tx *storage.Storage, now time.Time, address string) (*runtime.Effects, error) {
	swap, err := loadEscrow(tx, address)
	if err != nil {
		return nil, err
	}

	if swap.Status == storage.EscrowStatusCompleted || swap.Status == storage.EscrowStatusCancelled {
		return nil, ErrAlreadyCompleted
	}
	if now.Unix() <= swap.Timelock {
		return nil, ErrTimelockNotExpired
	}

	refundTo := ""
	if swap.Status == storage.EscrowStatusFunded {
		refundTo = swap.Resolver
	}

	swap.Status = storage.EscrowStatusCancelled
	if err := tx.SaveEscrow(swap); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	recipient := "none"
	if refundTo != "" {
		eff.AddTransfer(runtime.Transfer{From: address, To: refundTo, Denom: swap.Denom, Amount: swap.Amount})
		recipient = refundTo
	}
	eff.Emit("cancel_swap",
		"escrow_address", address,
		"status", "cancelled",
		"refund_recipient", recipient)
	return eff, nil
}

// GetSwapInfo returns the current escrow record.
func GetSwapInfo(s *storage.Storage, address string) (*storage.EscrowRecord, error) {
	return loadEscrow(s, address)
}

func loadEscrow(s *storage.Storage, address string) (*storage.EscrowRecord, error) {
	rec, err := s.GetEscrow(address)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrEscrowNotFound
	}
	return rec, nil
}
