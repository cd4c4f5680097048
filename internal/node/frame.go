// Package node - Wire framing for the channel packet protocol.
package node

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// PacketProtocol is the protocol ID for channel packet streams.
const PacketProtocol protocol.ID = "/crosslock/packet/1.0.0"

// Frame types carried over packet streams.
const (
	// FrameChannelOpen binds a channel ID to the sending peer.
	FrameChannelOpen = "channel_open"

	// FramePacket carries an application packet over an open channel.
	FramePacket = "packet"
)

// Frame is a single message on a packet stream.
type Frame struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id"`
	Chain     string          `json:"chain,omitempty"`     // sender's chain name
	PacketID  string          `json:"packet_id,omitempty"` // set for packet frames
	Data      json.RawMessage `json:"data,omitempty"`
	Timeout   int64           `json:"timeout,omitempty"` // absolute unix deadline
}

// FrameAck is the response written back on the same stream.
type FrameAck struct {
	PacketID string `json:"packet_id,omitempty"`
	Success  bool   `json:"success"`
	Ack      []byte `json:"ack,omitempty"`
	Error    string `json:"error,omitempty"`
}

// =============================================================================
// Length-prefixed message framing utilities
// =============================================================================

const maxFrameSize = 1024 * 1024 // 1MB max frame size

// readLengthPrefixed reads a length-prefixed message from the reader.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	// Read 4-byte length prefix (big endian)
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}

	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	// Read message body
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	return data, nil
}

// writeLengthPrefixed writes a length-prefixed message to the writer.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	// Write 4-byte length prefix (big endian)
	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}

	// Write message body
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}
