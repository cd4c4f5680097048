// Package node - Background worker delivering outbound channel packets.
package node

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// PacketSenderConfig configures the packet sender behavior.
type PacketSenderConfig struct {
	PollInterval time.Duration // How often to check the outbox
	BatchSize    int           // Max packets to process per poll
	SendTimeout  time.Duration // Per-packet stream deadline
}

// DefaultPacketSenderConfig returns the default configuration.
func DefaultPacketSenderConfig() PacketSenderConfig {
	return PacketSenderConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		SendTimeout:  30 * time.Second,
	}
}

// PacketSender drains the packet outbox, delivering packets to the peer
// bound to each channel and settling acknowledgements and timeouts.
type PacketSender struct {
	node    *Node
	storage *storage.Storage
	exec    *runtime.Executor
	router  *router.Router
	config  PacketSenderConfig
	log     *logging.Logger

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPacketSender creates a new packet sender.
func NewPacketSender(n *Node, store *storage.Storage, exec *runtime.Executor, rtr *router.Router, cfg PacketSenderConfig) *PacketSender {
	ctx, cancel := context.WithCancel(context.Background())

	return &PacketSender{
		node:    n,
		storage: store,
		exec:    exec,
		router:  rtr,
		config:  cfg,
		log:     logging.GetDefault().Component("packet-sender"),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the sender background goroutine.
func (w *PacketSender) Start() {
	go w.run()
	w.log.Info("Packet sender started", "poll_interval", w.config.PollInterval)
}

// Stop stops the packet sender.
func (w *PacketSender) Stop() {
	w.cancel()
	w.log.Info("Packet sender stopped")
}

// PacketsEnqueued wakes the sender after a unit commits new outbound packets.
func (w *PacketSender) PacketsEnqueued() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// OpenChannel sends a channel_open frame to a peer and records the binding.
func (w *PacketSender) OpenChannel(ctx context.Context, peerID peer.ID, channelID string) error {
	frame := &Frame{
		Type:      FrameChannelOpen,
		ChannelID: channelID,
		Chain:     w.node.Config().Chain.Name,
	}

	ack, err := w.sendFrame(ctx, peerID, frame)
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("channel open rejected by peer: %s", ack.Error)
	}

	ch := &storage.Channel{
		ChannelID: channelID,
		PeerID:    peerID.String(),
		State:     "open",
	}
	if err := w.storage.SaveChannel(ch); err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}

	w.log.Info("Channel opened", "channel", channelID, "peer", shortID(peerID))
	return nil
}

// run is the main loop of the packet sender.
func (w *PacketSender) run() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
			w.processOutbox()
		case <-ticker.C:
			w.expirePackets()
			w.processOutbox()
		}
	}
}

// expirePackets settles timeout compensation for packets past their deadline.
func (w *PacketSender) expirePackets() {
	packets, err := w.storage.GetExpiredPackets(w.exec.Now())
	if err != nil {
		w.log.Warn("Failed to get expired packets", "error", err)
		return
	}

	for _, p := range packets {
		packetID := p.PacketID
		_, err := w.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
			return w.router.OnTimeout(tx, packetID)
		})
		if err != nil {
			w.log.Warn("Failed to settle packet timeout", "packet_id", packetID, "error", err)
			continue
		}
		w.log.Info("Packet timed out", "packet_id", packetID, "channel", p.ChannelID)
	}
}

// processOutbox attempts delivery for all packets that are due.
func (w *PacketSender) processOutbox() {
	packets, err := w.storage.GetDeliverablePackets(w.exec.Now(), w.config.BatchSize)
	if err != nil {
		w.log.Warn("Failed to get deliverable packets", "error", err)
		return
	}

	if len(packets) == 0 {
		return
	}

	w.log.Debug("Processing outbound packets", "count", len(packets))

	for _, p := range packets {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		w.deliver(p)
	}
}

// deliver attempts a single delivery, scheduling a retry on failure.
func (w *PacketSender) deliver(p *storage.OutboundPacket) {
	ch, err := w.storage.GetChannel(p.ChannelID)
	if err != nil {
		w.log.Warn("Failed to look up channel", "channel", p.ChannelID, "error", err)
		return
	}
	if ch == nil || ch.PeerID == "" {
		// No peer bound yet, try again later
		w.scheduleRetry(p, "channel has no bound peer")
		return
	}

	peerID, err := peer.Decode(ch.PeerID)
	if err != nil {
		w.log.Warn("Invalid peer ID", "peer", ch.PeerID, "packet_id", p.PacketID)
		if err := w.storage.MarkPacketFailed(p.PacketID, "invalid peer ID"); err != nil {
			w.log.Warn("Failed to mark packet failed", "error", err)
		}
		return
	}

	if !w.ensureConnected(peerID) {
		w.log.Debug("Peer not reachable, scheduling retry",
			"peer", shortID(peerID),
			"packet_id", p.PacketID,
			"retry_count", p.RetryCount)
		w.scheduleRetry(p, "peer not reachable")
		return
	}

	frame := &Frame{
		Type:      FramePacket,
		ChannelID: p.ChannelID,
		Chain:     w.node.Config().Chain.Name,
		PacketID:  p.PacketID,
		Data:      json.RawMessage(p.Payload),
		Timeout:   p.Deadline,
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.config.SendTimeout)
	ack, err := w.sendFrame(ctx, peerID, frame)
	cancel()

	if err != nil {
		w.log.Debug("Packet delivery failed",
			"packet_id", p.PacketID,
			"peer", shortID(peerID),
			"error", err)
		w.scheduleRetry(p, err.Error())
		return
	}

	if !ack.Success {
		// Rejected by the counterparty. Keep retrying until the deadline
		// expires, the remote state may still converge.
		w.log.Debug("Packet rejected by peer",
			"packet_id", p.PacketID,
			"error", ack.Error)
		w.scheduleRetry(p, ack.Error)
		return
	}

	// Delivered. Settle the acknowledgement.
	ackData := ack.Ack
	_, err = w.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		return w.router.OnAcknowledge(tx, p.PacketID, ackData)
	})
	if err != nil {
		w.log.Warn("Failed to settle acknowledgement", "packet_id", p.PacketID, "error", err)
		return
	}

	w.log.Debug("Packet delivered", "packet_id", p.PacketID, "channel", p.ChannelID)
}

// ensureConnected checks connectedness, falling back to a DHT lookup.
func (w *PacketSender) ensureConnected(peerID peer.ID) bool {
	if w.node.Host().Network().Connectedness(peerID) == network.Connected {
		return true
	}

	if w.node.DHT() == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	pi, err := w.node.DHT().FindPeer(ctx, peerID)
	cancel()
	if err != nil {
		return false
	}

	ctx, cancel = context.WithTimeout(w.ctx, 10*time.Second)
	err = w.node.Connect(ctx, pi)
	cancel()
	if err != nil {
		return false
	}

	w.log.Debug("Reconnected to peer via DHT", "peer", shortID(peerID))
	return true
}

// sendFrame opens a stream to the peer, writes the frame and reads the ACK.
func (w *PacketSender) sendFrame(ctx context.Context, peerID peer.ID, frame *Frame) (*FrameAck, error) {
	stream, err := w.node.Host().NewStream(ctx, peerID, PacketProtocol)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}

	stream.SetWriteDeadline(time.Now().Add(w.config.SendTimeout))
	if err := writeLengthPrefixed(stream, frameBytes); err != nil {
		return nil, fmt.Errorf("failed to send frame: %w", err)
	}

	// Wait for ACK
	stream.SetReadDeadline(time.Now().Add(w.config.SendTimeout))
	reader := bufio.NewReader(stream)
	ackBytes, err := readLengthPrefixed(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read ACK: %w", err)
	}

	var ack FrameAck
	if err := json.Unmarshal(ackBytes, &ack); err != nil {
		return nil, fmt.Errorf("failed to parse ACK: %w", err)
	}

	return &ack, nil
}

// scheduleRetry marks the packet for a later attempt with backoff.
func (w *PacketSender) scheduleRetry(p *storage.OutboundPacket, reason string) {
	nextRetry := calculateNextRetry(p.RetryCount)
	if err := w.storage.MarkPacketRetry(p.PacketID, nextRetry, reason); err != nil {
		w.log.Warn("Failed to schedule retry", "packet_id", p.PacketID, "error", err)
	}
}

// calculateNextRetry calculates the next retry time using exponential backoff.
func calculateNextRetry(retryCount int) time.Time {
	// Exponential backoff: 10s → 20s → 40s → 80s (capped)
	baseInterval := 10 * time.Second
	maxInterval := 80 * time.Second
	backoffMultiplier := 2.0

	backoff := baseInterval
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * backoffMultiplier)
		if backoff > maxInterval {
			backoff = maxInterval
			break
		}
	}

	return time.Now().Add(backoff)
}
