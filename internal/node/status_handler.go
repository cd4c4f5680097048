// Package node - Gossip handler for swap status broadcasts.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// StatusTopic is the PubSub topic for swap status broadcasts.
const StatusTopic = "/crosslock/status/1.0.0"

// StatusMessage announces a swap status change to the network.
type StatusMessage struct {
	SwapHash  string `json:"swap_hash"`
	Status    string `json:"status"`
	Chain     string `json:"chain"`
	FromPeer  string `json:"from_peer"`
	Timestamp int64  `json:"timestamp"`
}

// StatusMessageHandler handles incoming status messages.
type StatusMessageHandler func(ctx context.Context, msg *StatusMessage) error

// StatusHandler manages status gossip over PubSub.
type StatusHandler struct {
	node *Node
	log  *logging.Logger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	handlers []StatusMessageHandler
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStatusHandler creates a new status gossip handler.
func NewStatusHandler(n *Node) (*StatusHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &StatusHandler{
		node:   n,
		log:    logging.GetDefault().Component("status-handler"),
		ctx:    ctx,
		cancel: cancel,
	}

	return h, nil
}

// Start joins the status topic and starts the processing loop.
func (h *StatusHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	topic, err := h.node.pubsub.Join(StatusTopic)
	if err != nil {
		return fmt.Errorf("failed to join status topic: %w", err)
	}
	h.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}
	h.sub = sub

	go h.processMessages()

	h.log.Info("Status handler started", "topic", StatusTopic)
	return nil
}

// Stop stops the status handler.
func (h *StatusHandler) Stop() error {
	h.cancel()

	if h.sub != nil {
		h.sub.Cancel()
	}
	if h.topic != nil {
		h.topic.Close()
	}

	h.log.Info("Status handler stopped")
	return nil
}

// OnStatus registers a handler for incoming status messages.
func (h *StatusHandler) OnStatus(handler StatusMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, handler)
}

// Publish broadcasts a status change to the network.
func (h *StatusHandler) Publish(ctx context.Context, swapHash, status string) error {
	if h.topic == nil {
		return fmt.Errorf("not connected to status topic")
	}

	msg := &StatusMessage{
		SwapHash:  swapHash,
		Status:    status,
		Chain:     h.node.Config().Chain.Name,
		FromPeer:  h.node.ID().String(),
		Timestamp: time.Now().Unix(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal status message: %w", err)
	}

	if err := h.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish status message: %w", err)
	}

	h.log.Debug("Published status", "swap_hash", swapHash, "status", status)
	return nil
}

// processMessages processes incoming status messages.
func (h *StatusHandler) processMessages() {
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return // Context cancelled, shutting down
			}
			h.log.Warn("Error receiving message", "error", err)
			continue
		}

		// Don't process our own messages
		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		var statusMsg StatusMessage
		if err := json.Unmarshal(msg.Data, &statusMsg); err != nil {
			h.log.Warn("Failed to parse status message", "error", err)
			continue
		}

		h.mu.RLock()
		handlers := make([]StatusMessageHandler, len(h.handlers))
		copy(handlers, h.handlers)
		h.mu.RUnlock()

		h.log.Debug("Received status", "swap_hash", statusMsg.SwapHash,
			"status", statusMsg.Status, "from", shortID(msg.ReceivedFrom))

		for _, handler := range handlers {
			go func(fn StatusMessageHandler) {
				if err := fn(h.ctx, &statusMsg); err != nil {
					h.log.Warn("Error handling status message", "error", err)
				}
			}(handler)
		}
	}
}
