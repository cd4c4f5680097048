// Package bank exposes the ledger the escrows settle against.
package bank

import (
	"errors"
	"strconv"

	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var ErrInvalidDeposit = errors.New("invalid deposit")

// Keeper provides ledger operations outside the transfer effects the
// runtime applies itself.
type Keeper struct {
	logger *logging.Logger
}

// NewKeeper creates a bank keeper.
func NewKeeper(logger *logging.Logger) *Keeper {
	return &Keeper{logger: logger.Component("bank")}
}

// Deposit credits an account from outside the ledger. This is how
// externally held funds enter the node's view before they can be
// locked into an escrow.
func (k *Keeper) Deposit(tx *storage.Storage, account, denom string, amount uint64) (*runtime.Effects, error) {
	if account == "" || denom == "" || amount == 0 {
		return nil, ErrInvalidDeposit
	}

	eff := &runtime.Effects{}
	eff.AddTransfer(runtime.Transfer{To: account, Denom: denom, Amount: amount})
	eff.Emit("deposit",
		"account", account,
		"denom", denom,
		"amount", strconv.FormatUint(amount, 10))
	return eff, nil
}

// Balance returns an account's balance for a denom.
func (k *Keeper) Balance(s *storage.Storage, account, denom string) (uint64, error) {
	return s.GetBalance(account, denom)
}
