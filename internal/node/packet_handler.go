// Package node - Inbound stream handler for channel packets.
package node

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/crosslock-exchange/crosslock/internal/coordinator"
	"github.com/crosslock-exchange/crosslock/internal/router"
	"github.com/crosslock-exchange/crosslock/internal/runtime"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// PacketHandler handles incoming channel packet streams.
type PacketHandler struct {
	node    *Node
	storage *storage.Storage
	exec    *runtime.Executor
	coord   *coordinator.Coordinator
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPacketHandler creates a new packet stream handler.
func NewPacketHandler(n *Node, store *storage.Storage, exec *runtime.Executor, coord *coordinator.Coordinator) *PacketHandler {
	ctx, cancel := context.WithCancel(context.Background())

	return &PacketHandler{
		node:    n,
		storage: store,
		exec:    exec,
		coord:   coord,
		log:     logging.GetDefault().Component("packet-handler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the stream handler with the libp2p host.
func (h *PacketHandler) Start() error {
	h.node.Host().SetStreamHandler(PacketProtocol, h.handleStream)
	h.log.Info("Packet handler started", "protocol", PacketProtocol)
	return nil
}

// Stop stops the packet handler.
func (h *PacketHandler) Stop() {
	h.cancel()
	h.node.Host().RemoveStreamHandler(PacketProtocol)
	h.log.Info("Packet handler stopped")
}

// handleStream handles an incoming packet stream.
func (h *PacketHandler) handleStream(s network.Stream) {
	defer s.Close()

	remotePeer := s.Conn().RemotePeer()
	h.log.Debug("Incoming packet stream", "peer", shortID(remotePeer))

	// Set read deadline
	s.SetReadDeadline(time.Now().Add(60 * time.Second))

	// Read frame
	reader := bufio.NewReader(s)
	frameBytes, err := readLengthPrefixed(reader)
	if err != nil {
		h.log.Warn("Failed to read frame", "peer", shortID(remotePeer), "error", err)
		return
	}

	// Parse frame
	var frame Frame
	if err := json.Unmarshal(frameBytes, &frame); err != nil {
		h.log.Warn("Failed to parse frame", "peer", shortID(remotePeer), "error", err)
		return
	}

	switch frame.Type {
	case FrameChannelOpen:
		h.handleChannelOpen(s, remotePeer.String(), &frame)
	case FramePacket:
		h.handlePacket(s, remotePeer.String(), &frame)
	default:
		h.log.Warn("Unknown frame type", "type", frame.Type, "peer", shortID(remotePeer))
		h.sendAck(s, &FrameAck{Success: false, Error: "unknown frame type"})
	}
}

// handleChannelOpen binds a channel to the remote peer.
func (h *PacketHandler) handleChannelOpen(s network.Stream, remotePeer string, frame *Frame) {
	if frame.ChannelID == "" {
		h.sendAck(s, &FrameAck{Success: false, Error: "missing channel id"})
		return
	}

	// An existing binding to another peer cannot be taken over.
	existing, err := h.storage.GetChannel(frame.ChannelID)
	if err != nil {
		h.log.Warn("Failed to look up channel", "channel", frame.ChannelID, "error", err)
		h.sendAck(s, &FrameAck{Success: false, Error: "internal error"})
		return
	}
	if existing != nil && existing.PeerID != "" && existing.PeerID != remotePeer {
		h.log.Warn("Channel open rejected, bound to another peer",
			"channel", frame.ChannelID, "peer", remotePeer)
		h.sendAck(s, &FrameAck{Success: false, Error: "channel bound to another peer"})
		return
	}

	ch := &storage.Channel{
		ChannelID:         frame.ChannelID,
		PeerID:            remotePeer,
		CounterpartyChain: frame.Chain,
		State:             "open",
	}
	if err := h.storage.SaveChannel(ch); err != nil {
		h.log.Warn("Failed to save channel", "channel", frame.ChannelID, "error", err)
		h.sendAck(s, &FrameAck{Success: false, Error: "internal error"})
		return
	}

	h.log.Info("Channel opened", "channel", frame.ChannelID,
		"counterparty", frame.Chain, "peer", remotePeer)
	h.sendAck(s, &FrameAck{Success: true})
}

// handlePacket processes an application packet and returns its acknowledgement.
func (h *PacketHandler) handlePacket(s network.Stream, remotePeer string, frame *Frame) {
	h.sendAck(s, h.processPacket(remotePeer, frame))
}

// processPacket validates and executes an inbound packet, returning
// the acknowledgement to send back.
func (h *PacketHandler) processPacket(remotePeer string, frame *Frame) *FrameAck {
	if frame.PacketID == "" || frame.ChannelID == "" {
		return &FrameAck{PacketID: frame.PacketID, Success: false, Error: "missing packet or channel id"}
	}

	// The channel must be open and bound to the sending peer.
	ch, err := h.storage.GetChannel(frame.ChannelID)
	if err != nil {
		h.log.Warn("Failed to look up channel", "channel", frame.ChannelID, "error", err)
		return &FrameAck{PacketID: frame.PacketID, Success: false, Error: "internal error"}
	}
	if ch == nil {
		return &FrameAck{PacketID: frame.PacketID, Success: false, Error: "unknown channel"}
	}
	if ch.PeerID != remotePeer {
		h.log.Warn("Packet rejected, channel bound to another peer",
			"channel", frame.ChannelID, "packet_id", frame.PacketID, "peer", remotePeer)
		return &FrameAck{PacketID: frame.PacketID, Success: false, Error: "channel bound to another peer"}
	}

	// Expired packets are never executed.
	if frame.Timeout > 0 && h.exec.Now().Unix() > frame.Timeout {
		return &FrameAck{PacketID: frame.PacketID, Success: false, Error: "packet timed out"}
	}

	// The dedup record, the packet effects and the processed mark
	// commit as one unit. A failed unit leaves no inbox row, so
	// redelivery reprocesses; only an applied packet re-ACKs.
	var ack []byte
	var duplicate bool
	_, err = h.exec.Execute(func(tx *storage.Storage, now time.Time) (*runtime.Effects, error) {
		fresh, err := tx.RecordInboundPacket(frame.PacketID, frame.ChannelID)
		if err != nil {
			return nil, err
		}
		if !fresh {
			processed, err := tx.InboundProcessed(frame.PacketID)
			if err != nil {
				return nil, err
			}
			if processed {
				duplicate = true
				return nil, nil
			}
		}

		effects, a, err := h.coord.ProcessPacket(tx, now, frame.ChannelID, frame.Data)
		if err != nil {
			return nil, err
		}
		if err := tx.MarkInboundProcessed(frame.PacketID); err != nil {
			return nil, err
		}
		ack = a
		return effects, nil
	})
	if err != nil {
		h.log.Debug("Packet processing failed", "packet_id", frame.PacketID, "error", err)
		return &FrameAck{PacketID: frame.PacketID, Success: false, Error: err.Error()}
	}
	if duplicate {
		h.log.Debug("Duplicate packet, re-sending ACK", "packet_id", frame.PacketID)
		return &FrameAck{PacketID: frame.PacketID, Success: true, Ack: router.AckSuccess}
	}

	h.log.Debug("Packet processed", "packet_id", frame.PacketID, "channel", frame.ChannelID)
	return &FrameAck{PacketID: frame.PacketID, Success: true, Ack: ack}
}

// sendAck writes an acknowledgement frame back through the stream.
func (h *PacketHandler) sendAck(s network.Stream, ack *FrameAck) {
	ackBytes, err := json.Marshal(ack)
	if err != nil {
		h.log.Warn("Failed to marshal ACK", "error", err)
		return
	}

	s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeLengthPrefixed(s, ackBytes); err != nil {
		h.log.Warn("Failed to send ACK", "error", err)
	}
}
