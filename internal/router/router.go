package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var (
	ErrUnmappedChain = errors.New("no route for destination chain")
	ErrUnauthorized  = errors.New("unauthorized")
)

// PacketTimeout is the fixed lifetime of an outbound packet,
// expressed as an absolute deadline at send time.
const PacketTimeout = 300 * time.Second

// ActionHandler processes decoded inbound actions.
type ActionHandler interface {
	HandleCreateHTLC(tx *storage.Storage, now time.Time, msg *CreateHTLCAction) (*runtime.Effects, error)
	HandleUpdateStatus(tx *storage.Storage, now time.Time, swapHash string, status storage.OrderStatus) (*runtime.Effects, error)
}

// Router resolves destination chains to channels and tracks outbound
// packets through acknowledgment or timeout.
type Router struct {
	logger *logging.Logger
}

// New creates a router.
func New(logger *logging.Logger) *Router {
	return &Router{logger: logger.Component("router")}
}

// SetRoute maps a destination chain to a channel. Admin only.
func (r *Router) SetRoute(tx *storage.Storage, sender, chain, channelID string) (*runtime.Effects, error) {
	cfg, err := tx.GetConfig()
	if err != nil {
		return nil, err
	}
	if sender != cfg.Admin {
		return nil, ErrUnauthorized
	}
	if chain == "" || channelID == "" {
		return nil, fmt.Errorf("chain and channel must not be empty")
	}

	if err := tx.SetRoute(chain, channelID); err != nil {
		return nil, err
	}

	eff := &runtime.Effects{}
	eff.Emit("set_route", "chain", chain, "channel_id", channelID)
	return eff, nil
}

// SendAction encodes an action for destChain and stages it as an
// outbound packet with the fixed timeout. The packet leaves the node
// only after the surrounding unit commits.
func (r *Router) SendAction(tx *storage.Storage, now time.Time, destChain string, action Action) (*runtime.Effects, error) {
	channelID, err := tx.GetRoute(destChain)
	if err != nil {
		return nil, err
	}
	if channelID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnmappedChain, destChain)
	}

	data, err := json.Marshal(&Envelope{Action: action})
	if err != nil {
		return nil, err
	}

	packetID := uuid.New().String()
	r.logger.Debug("staging packet", "packet_id", packetID, "dest_chain", destChain, "channel_id", channelID)

	eff := &runtime.Effects{}
	eff.AddPacket(runtime.Packet{
		ID:        packetID,
		ChannelID: channelID,
		DestChain: destChain,
		Data:      data,
		Timeout:   now.Add(PacketTimeout),
	})
	eff.Emit("send_packet", "packet_id", packetID, "dest_chain", destChain, "channel_id", channelID)
	return eff, nil
}

// Receive decodes an inbound packet payload and dispatches it to the
// handler. The caller has already authenticated the channel. Returns
// the effects plus the acknowledgment payload.
func (r *Router) Receive(tx *storage.Storage, now time.Time, data []byte, handler ActionHandler) (*runtime.Effects, []byte, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, nil, err
	}

	var eff *runtime.Effects
	switch {
	case env.Action.CreateHTLC != nil:
		eff, err = handler.HandleCreateHTLC(tx, now, env.Action.CreateHTLC)
	case env.Action.UpdateStatus != nil:
		eff, err = handler.HandleUpdateStatus(tx, now, env.Action.UpdateStatus.SwapHash, env.Action.UpdateStatus.Status)
	}
	if err != nil {
		return nil, nil, err
	}
	return eff, AckSuccess, nil
}

// OnAcknowledge records a successful acknowledgment for an outbound
// packet. Duplicate or late acks are ignored.
func (r *Router) OnAcknowledge(tx *storage.Storage, packetID string, ack []byte) (*runtime.Effects, error) {
	acked, err := tx.MarkPacketAcked(packetID)
	if err != nil {
		return nil, err
	}
	if !acked {
		r.logger.Debug("ignoring ack for settled packet", "packet_id", packetID)
		return &runtime.Effects{}, nil
	}

	eff := &runtime.Effects{}
	eff.Emit("packet_acked", "packet_id", packetID, "ack", string(ack))
	return eff, nil
}

// OnTimeout settles an outbound packet whose deadline passed without
// acknowledgment. A timed-out swap-creation packet expires its order:
// the counter escrow never came into existence, so the order cannot
// progress.
func (r *Router) OnTimeout(tx *storage.Storage, packetID string) (*runtime.Effects, error) {
	pkt, err := tx.GetOutboundPacket(packetID)
	if err != nil {
		return nil, err
	}
	if pkt == nil {
		return nil, fmt.Errorf("unknown packet %s", packetID)
	}

	timedOut, err := tx.MarkPacketTimedOut(packetID)
	if err != nil {
		return nil, err
	}
	if !timedOut {
		return &runtime.Effects{}, nil
	}

	eff := &runtime.Effects{}
	eff.Emit("packet_timeout", "packet_id", packetID, "dest_chain", pkt.DestChain)

	env, err := DecodeEnvelope(pkt.Payload)
	if err != nil {
		// Nothing further to compensate for an undecodable payload
		r.logger.Warn("timed-out packet has undecodable payload", "packet_id", packetID)
		return eff, nil
	}

	if env.Action.CreateHTLC != nil {
		swapHash := env.Action.CreateHTLC.SwapHash
		order, err := tx.GetOrder(swapHash)
		if err != nil {
			return nil, err
		}
		if order != nil && !isTerminalOrderStatus(order.Status) {
			if err := tx.SetOrderStatus(swapHash, storage.OrderStatusExpired); err != nil {
				return nil, err
			}
			eff.Emit("order_expired", "swap_hash", swapHash, "packet_id", packetID)
		}
	}
	return eff, nil
}

func isTerminalOrderStatus(s storage.OrderStatus) bool {
	switch s {
	case storage.OrderStatusCompleted, storage.OrderStatusCancelled, storage.OrderStatusExpired:
		return true
	}
	return false
}
