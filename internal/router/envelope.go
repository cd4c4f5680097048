// Package router moves swap actions between chains over authenticated
// packet channels.
package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crosslock-exchange/crosslock/internal/storage"
)

// ErrInvalidMessageFormat is returned for packets that do not decode
// to exactly one known action variant.
var ErrInvalidMessageFormat = errors.New("invalid message format")

// AckSuccess is the fixed acknowledgment payload for a successfully
// processed packet.
var AckSuccess = []byte("ok")

// CreateHTLCAction asks the receiving chain to create the counter
// escrow for a swap.
type CreateHTLCAction struct {
	SwapHash string `json:"swap_hash"`
	Maker    string `json:"maker"`
	Amount   uint64 `json:"amount"`
	Denom    string `json:"denom"`
	Hashlock []byte `json:"hashlock"`
	Timelock int64  `json:"timelock"`
}

// UpdateStatusAction propagates an order status change.
type UpdateStatusAction struct {
	SwapHash string              `json:"swap_hash"`
	Status   storage.OrderStatus `json:"status"`
}

// Action is the closed set of packet payload variants. Exactly one
// field is set.
type Action struct {
	CreateHTLC   *CreateHTLCAction   `json:"create_htlc,omitempty"`
	UpdateStatus *UpdateStatusAction `json:"update_status,omitempty"`
}

// Envelope is the wire form of a cross-chain packet payload.
type Envelope struct {
	Action Action `json:"action"`
}

// UnmarshalJSON rejects payloads with zero, multiple, or unknown
// action tags.
func (a *Action) UnmarshalJSON(data []byte) error {
	var tags map[string]json.RawMessage
	if err := json.Unmarshal(data, &tags); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
	}
	if len(tags) != 1 {
		return fmt.Errorf("%w: expected exactly one action, got %d", ErrInvalidMessageFormat, len(tags))
	}

	for tag, raw := range tags {
		switch tag {
		case "create_htlc":
			var msg CreateHTLCAction
			if err := json.Unmarshal(raw, &msg); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
			}
			a.CreateHTLC = &msg
		case "update_status":
			var msg UpdateStatusAction
			if err := json.Unmarshal(raw, &msg); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
			}
			if !validOrderStatus(msg.Status) {
				return fmt.Errorf("%w: unknown order status %q", ErrInvalidMessageFormat, msg.Status)
			}
			a.UpdateStatus = &msg
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidMessageFormat, tag)
		}
	}
	return nil
}

// DecodeEnvelope parses a packet payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrInvalidMessageFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessageFormat, err)
	}
	if env.Action.CreateHTLC == nil && env.Action.UpdateStatus == nil {
		return nil, fmt.Errorf("%w: missing action", ErrInvalidMessageFormat)
	}
	return &env, nil
}

func validOrderStatus(s storage.OrderStatus) bool {
	switch s {
	case storage.OrderStatusPending, storage.OrderStatusCreated, storage.OrderStatusFunded,
		storage.OrderStatusCompleted, storage.OrderStatusCancelled, storage.OrderStatusExpired:
		return true
	}
	return false
}
