package node

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := &Frame{
		Type:      FramePacket,
		ChannelID: "channel-1",
		Chain:     "crosslock-1",
		PacketID:  "pkt-abc",
		Data:      json.RawMessage(`{"action":{"update_status":{"swap_hash":"h1","status":"funded"}}}`),
		Timeout:   1700000300,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, data); err != nil {
		t.Fatalf("writeLengthPrefixed() error = %v", err)
	}

	read, err := readLengthPrefixed(&buf)
	if err != nil {
		t.Fatalf("readLengthPrefixed() error = %v", err)
	}

	var got Frame
	if err := json.Unmarshal(read, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Type != FramePacket {
		t.Errorf("expected type %s, got %s", FramePacket, got.Type)
	}
	if got.ChannelID != "channel-1" {
		t.Errorf("expected channel-1, got %s", got.ChannelID)
	}
	if got.PacketID != "pkt-abc" {
		t.Errorf("expected pkt-abc, got %s", got.PacketID)
	}
	if got.Timeout != 1700000300 {
		t.Errorf("expected timeout 1700000300, got %d", got.Timeout)
	}
	if !bytes.Equal(got.Data, frame.Data) {
		t.Errorf("payload mismatch: %s", got.Data)
	}
}

func TestFrameAckRoundTrip(t *testing.T) {
	ack := &FrameAck{
		PacketID: "pkt-abc",
		Success:  true,
		Ack:      []byte("ok"),
	}

	data, err := json.Marshal(ack)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got FrameAck
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !got.Success {
		t.Error("expected success")
	}
	if string(got.Ack) != "ok" {
		t.Errorf("expected ack ok, got %q", got.Ack)
	}
}

func TestReadLengthPrefixedRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	// Length prefix claiming 2MB
	buf.Write([]byte{0x00, 0x20, 0x00, 0x00})

	if _, err := readLengthPrefixed(&buf); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestWriteLengthPrefixedRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	data := make([]byte, maxFrameSize+1)

	if err := writeLengthPrefixed(&buf, data); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestReadLengthPrefixedTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, []byte("hello")); err != nil {
		t.Fatalf("writeLengthPrefixed() error = %v", err)
	}

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	if _, err := readLengthPrefixed(truncated); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestCalculateNextRetryBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{10, 80 * time.Second}, // capped
	}

	for _, tt := range tests {
		before := time.Now()
		got := calculateNextRetry(tt.retryCount)
		delay := got.Sub(before)

		// Allow a small scheduling margin
		if delay < tt.expected-time.Second || delay > tt.expected+time.Second {
			t.Errorf("calculateNextRetry(%d) delay = %v, want ~%v", tt.retryCount, delay, tt.expected)
		}
	}
}
