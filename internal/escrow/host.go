package escrow

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// addressPrefix is the bech32-style prefix for derived addresses.
const addressPrefix = "crosslock1"

// Host instantiates escrow instances on behalf of the runtime. It is
// the deployer wired into the executor: deployment requests resolve
// within the requesting unit's transaction.
type Host struct {
	logger *logging.Logger
}

// NewHost creates an escrow deployment host.
func NewHost(logger *logging.Logger) *Host {
	return &Host{logger: logger.Component("escrow")}
}

// Instantiate decodes the deployment's init message and creates the
// escrow instance at a deterministic address derived from the label.
func (h *Host) Instantiate(tx *storage.Storage, now time.Time, d runtime.Deploy) (*runtime.Effects, error) {
	var msg InitMsg
	if err := json.Unmarshal(d.InitMsg, &msg); err != nil {
		return nil, fmt.Errorf("invalid escrow init message: %w", err)
	}

	address := DeriveAddress(d.Label)
	h.logger.Debug("instantiating escrow", "address", address, "swap_hash", msg.SwapHash, "label", d.Label)

	return Instantiate(tx, now, address, &msg)
}

// DeriveAddress computes the deterministic instance address for a
// deployment label.
func DeriveAddress(label string) string {
	sum := sha256.Sum256([]byte("escrow|" + label))
	return addressPrefix + helpers.BytesToHex(sum[:])[:40]
}
