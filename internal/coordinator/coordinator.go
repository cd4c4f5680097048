// Package coordinator composes orders, escrow creation and
// cross-chain propagation into single atomic operations.
package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/factory"
	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var (
	ErrOrderAlreadyExists      = errors.New("order already exists")
	ErrOrderNotFound           = errors.New("order not found")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInvalidChannel          = errors.New("invalid channel")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// statusRank orders the forward-only order lifecycle. Terminal
// statuses share the highest rank; no transition between them is
// legal.
var statusRank = map[storage.OrderStatus]int{
	storage.OrderStatusPending:   0,
	storage.OrderStatusCreated:   1,
	storage.OrderStatusFunded:    2,
	storage.OrderStatusCompleted: 3,
	storage.OrderStatusCancelled: 3,
	storage.OrderStatusExpired:   3,
}

// CreateOrderMsg carries the parameters for a new cross-chain order.
type CreateOrderMsg struct {
	SwapHash    string `json:"swap_hash"`
	Maker       string `json:"maker"`
	Amount      uint64 `json:"amount"`
	Denom       string `json:"denom"`
	Hashlock    []byte `json:"hashlock"`
	Timelock    int64  `json:"timelock"`
	TargetChain string `json:"target_chain"`
}

// Coordinator drives the order lifecycle.
type Coordinator struct {
	factory *factory.Factory
	router  *router.Router
	logger  *logging.Logger
}

// New creates a coordinator over the given factory and router.
func New(f *factory.Factory, r *router.Router, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		factory: f,
		router:  r,
		logger:  logger.Component("coordinator"),
	}
}

// CreateOrder registers an order, creates the local escrow through
// the factory, and stages the swap-creation packet for the target
// chain. All three commit or roll back together.
func (c *Coordinator) CreateOrder(tx *storage.Storage, now time.Time, msg *CreateOrderMsg) (*runtime.Effects, error) {
	if msg.TargetChain == "" {
		return nil, fmt.Errorf("target chain must not be empty")
	}

	exists, err := tx.HasOrder(msg.SwapHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrOrderAlreadyExists
	}

	order := &storage.OrderRecord{
		SwapHash:    msg.SwapHash,
		Maker:       msg.Maker,
		Amount:      msg.Amount,
		Denom:       msg.Denom,
		Hashlock:    msg.Hashlock,
		Timelock:    msg.Timelock,
		TargetChain: msg.TargetChain,
		Status:      storage.OrderStatusPending,
		CreatedAt:   now.Unix(),
		UpdatedAt:   now.Unix(),
	}
	if err := tx.SaveOrder(order); err != nil {
		return nil, err
	}
	if err := tx.AppendMakerOrder(msg.Maker, msg.SwapHash); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}

	created, err := c.factory.CreateHTLC(tx, now, &factory.CreateHTLCMsg{
		SwapHash: msg.SwapHash,
		Maker:    msg.Maker,
		Amount:   msg.Amount,
		Denom:    msg.Denom,
		Hashlock: msg.Hashlock,
		Timelock: msg.Timelock,
	})
	if err != nil {
		return nil, err
	}
	eff.Merge(created)

	sent, err := c.router.SendAction(tx, now, msg.TargetChain, router.Action{
		CreateHTLC: &router.CreateHTLCAction{
			SwapHash: msg.SwapHash,
			Maker:    msg.Maker,
			Amount:   msg.Amount,
			Denom:    msg.Denom,
			Hashlock: msg.Hashlock,
			Timelock: msg.Timelock,
		},
	})
	if err != nil {
		return nil, err
	}
	eff.Merge(sent)

	eff.Emit("create_order",
		"swap_hash", msg.SwapHash,
		"maker", msg.Maker,
		"target_chain", msg.TargetChain)
	return eff, nil
}

// UpdateOrderStatus applies a status change. Only the admin or the
// factory address may call it, and the lifecycle only moves forward:
// Pending < Created < Funded < terminal, terminal states never
// change.
func (c *Coordinator) UpdateOrderStatus(tx *storage.Storage, now time.Time, sender, swapHash string, status storage.OrderStatus) (*runtime.Effects, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}
	if sender != cfg.Admin && (cfg.FactoryAddr == "" || sender != cfg.FactoryAddr) {
		return nil, ErrUnauthorized
	}
	return c.applyStatus(tx, swapHash, status)
}

func (c *Coordinator) applyStatus(tx *storage.Storage, swapHash string, status storage.OrderStatus) (*runtime.Effects, error) {
	newRank, ok := statusRank[status]
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatusTransition, status)
	}

	order, err := tx.GetOrder(swapHash)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, swapHash)
	}

	if newRank <= statusRank[order.Status] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, order.Status, status)
	}

	if err := tx.SetOrderStatus(swapHash, status); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("update_order_status",
		"swap_hash", swapHash,
		"status", string(status))
	return eff, nil
}

// ProcessPacket handles an inbound cross-chain packet. The channel
// must match the configured channel before anything is parsed or
// mutated. Returns the acknowledgment payload on success.
func (c *Coordinator) ProcessPacket(tx *storage.Storage, now time.Time, channelID string, data []byte) (*runtime.Effects, []byte, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, nil, err
	}
	if channelID != cfg.ChannelID {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidChannel, channelID)
	}

	return c.router.Receive(tx, now, data, c)
}

// HandleCreateHTLC creates the counter-side order and escrow for a
// swap initiated on another chain. The originating chain is not
// carried in the packet.
func (c *Coordinator) HandleCreateHTLC(tx *storage.Storage, now time.Time, msg *router.CreateHTLCAction) (*runtime.Effects, error) {
	exists, err := tx.HasOrder(msg.SwapHash)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrOrderAlreadyExists
	}

	order := &storage.OrderRecord{
		SwapHash:    msg.SwapHash,
		Maker:       msg.Maker,
		Amount:      msg.Amount,
		Denom:       msg.Denom,
		Hashlock:    msg.Hashlock,
		Timelock:    msg.Timelock,
		TargetChain: "unknown",
		Status:      storage.OrderStatusPending,
		CreatedAt:   now.Unix(),
		UpdatedAt:   now.Unix(),
	}
	if err := tx.SaveOrder(order); err != nil {
		return nil, err
	}
	if err := tx.AppendMakerOrder(msg.Maker, msg.SwapHash); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	created, err := c.factory.CreateHTLC(tx, now, &factory.CreateHTLCMsg{
		SwapHash: msg.SwapHash,
		Maker:    msg.Maker,
		Amount:   msg.Amount,
		Denom:    msg.Denom,
		Hashlock: msg.Hashlock,
		Timelock: msg.Timelock,
	})
	if err != nil {
		return nil, err
	}
	eff.Merge(created)
	eff.Emit("create_htlc_from_packet", "swap_hash", msg.SwapHash)
	return eff, nil
}

// HandleUpdateStatus applies a status change carried by an
// authenticated packet. The forward-only rule still holds.
func (c *Coordinator) HandleUpdateStatus(tx *storage.Storage, now time.Time, swapHash string, status storage.OrderStatus) (*runtime.Effects, error) {
	return c.applyStatus(tx, swapHash, status)
}

// GetOrder returns an order by swap hash.
func (c *Coordinator) GetOrder(s *storage.Storage, swapHash string) (*storage.OrderRecord, error) {
	order, err := s.GetOrder(swapHash)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, swapHash)
	}
	return order, nil
}

// GetOrdersByMaker resolves the maker's order index, skipping
// dangling entries.
func (c *Coordinator) GetOrdersByMaker(s *storage.Storage, maker string) ([]*storage.OrderRecord, error) {
	hashes, err := s.GetMakerOrderHashes(maker)
	if err != nil {
		return nil, err
	}

	orders := make([]*storage.OrderRecord, 0, len(hashes))
	for _, h := range hashes {
		order, err := s.GetOrder(h)
		if err != nil {
			return nil, err
		}
		if order == nil {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// UpdateFactoryAddr rotates the factory address used for status
// authorization. Admin only.
func (c *Coordinator) UpdateFactoryAddr(tx *storage.Storage, sender, addr string) (*runtime.Effects, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}
	if sender != cfg.Admin {
		return nil, ErrUnauthorized
	}

	cfg.FactoryAddr = addr
	if err := tx.UpdateConfig(cfg); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("update_htlc_factory", "htlc_factory", addr)
	return eff, nil
}

// UpdateAdmin transfers coordinator administration to a new account.
// Admin only.
func (c *Coordinator) UpdateAdmin(tx *storage.Storage, sender, newAdmin string) (*runtime.Effects, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}
	if sender != cfg.Admin {
		return nil, ErrUnauthorized
	}
	if newAdmin == "" {
		return nil, fmt.Errorf("new admin address is empty")
	}

	cfg.Admin = newAdmin
	if err := tx.UpdateConfig(cfg); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("update_admin", "admin", newAdmin)
	return eff, nil
}

// UpdateChannel rotates the authenticated inbound channel. Admin
// only.
func (c *Coordinator) UpdateChannel(tx *storage.Storage, sender, channelID string) (*runtime.Effects, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}
	if sender != cfg.Admin {
		return nil, ErrUnauthorized
	}

	cfg.ChannelID = channelID
	if err := tx.UpdateConfig(cfg); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("update_ibc_channel", "channel_id", channelID)
	return eff, nil
}
