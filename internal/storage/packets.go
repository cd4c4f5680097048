package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// PacketStatus tracks an outbound packet through delivery.
type PacketStatus string

const (
	PacketStatusPending  PacketStatus = "pending"
	PacketStatusSent     PacketStatus = "sent"
	PacketStatusAcked    PacketStatus = "acked"
	PacketStatusTimedOut PacketStatus = "timed_out"
	PacketStatusFailed   PacketStatus = "failed"
)

// OutboundPacket is a cross-chain packet awaiting delivery or
// acknowledgement.
type OutboundPacket struct {
	ID          int64        `json:"id"`
	PacketID    string       `json:"packet_id"`
	ChannelID   string       `json:"channel_id"`
	DestChain   string       `json:"dest_chain"`
	Payload     []byte       `json:"payload"`
	Deadline    int64        `json:"deadline"`
	Status      PacketStatus `json:"status"`
	RetryCount  int          `json:"retry_count"`
	NextRetryAt int64        `json:"next_retry_at"`
	CreatedAt   int64        `json:"created_at"`
	AckedAt     int64        `json:"acked_at,omitempty"`
	ErrorMsg    string       `json:"error_message,omitempty"`
}

// EnqueuePacket persists an outbound packet in pending state.
func (s *Storage) EnqueuePacket(p *OutboundPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	if p.Status == "" {
		p.Status = PacketStatusPending
	}

	_, err := s.q.Exec(`
		INSERT INTO packet_outbox (packet_id, channel_id, dest_chain, payload, deadline, status, retry_count, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, p.PacketID, p.ChannelID, p.DestChain, p.Payload, p.Deadline, string(p.Status), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue packet: %w", err)
	}
	return nil
}

// GetOutboundPacket retrieves an outbound packet by packet ID.
// Returns nil if not found.
func (s *Storage) GetOutboundPacket(packetID string) (*OutboundPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.q.QueryRow(`
		SELECT id, packet_id, channel_id, dest_chain, payload, deadline, status, retry_count, next_retry_at, created_at, acked_at, error_message
		FROM packet_outbox WHERE packet_id = ?
	`, packetID)
	p, err := scanOutboundPacket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbound packet: %w", err)
	}
	return p, nil
}

// GetDeliverablePackets returns undelivered packets whose retry time
// has arrived, oldest first.
func (s *Storage) GetDeliverablePackets(now time.Time, limit int) ([]*OutboundPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`
		SELECT id, packet_id, channel_id, dest_chain, payload, deadline, status, retry_count, next_retry_at, created_at, acked_at, error_message
		FROM packet_outbox
		WHERE (status = 'pending' OR status = 'sent') AND next_retry_at <= ?
		ORDER BY id ASC LIMIT ?
	`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliverable packets: %w", err)
	}
	defer rows.Close()

	var out []*OutboundPacket
	for rows.Next() {
		p, err := scanOutboundPacket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbound packet: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetExpiredPackets returns unacked packets past their deadline.
func (s *Storage) GetExpiredPackets(now time.Time) ([]*OutboundPacket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`
		SELECT id, packet_id, channel_id, dest_chain, payload, deadline, status, retry_count, next_retry_at, created_at, acked_at, error_message
		FROM packet_outbox
		WHERE (status = 'pending' OR status = 'sent') AND deadline <= ?
		ORDER BY id ASC
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired packets: %w", err)
	}
	defer rows.Close()

	var out []*OutboundPacket
	for rows.Next() {
		p, err := scanOutboundPacket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbound packet: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPacketSent records a delivery attempt and schedules the next
// retry.
func (s *Storage) MarkPacketSent(packetID string, nextRetryAt time.Time) error {
	return s.setPacketDelivery(packetID, PacketStatusSent, nextRetryAt, "")
}

// MarkPacketRetry records a failed attempt and schedules the next
// retry.
func (s *Storage) MarkPacketRetry(packetID string, nextRetryAt time.Time, errMsg string) error {
	return s.setPacketDelivery(packetID, PacketStatusPending, nextRetryAt, errMsg)
}

func (s *Storage) setPacketDelivery(packetID string, status PacketStatus, nextRetryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		UPDATE packet_outbox
		SET status = ?, retry_count = retry_count + 1, next_retry_at = ?, error_message = ?
		WHERE packet_id = ? AND (status = 'pending' OR status = 'sent')
	`, string(status), nextRetryAt.Unix(), nullString(errMsg), packetID)
	if err != nil {
		return fmt.Errorf("failed to update packet delivery: %w", err)
	}
	return nil
}

// MarkPacketAcked records a successful acknowledgement. Packets in a
// terminal state are left untouched.
func (s *Storage) MarkPacketAcked(packetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.Exec(`
		UPDATE packet_outbox SET status = 'acked', acked_at = ?
		WHERE packet_id = ? AND (status = 'pending' OR status = 'sent')
	`, time.Now().Unix(), packetID)
	if err != nil {
		return false, fmt.Errorf("failed to mark packet acked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkPacketTimedOut moves an undelivered packet to the timed_out
// terminal state.
func (s *Storage) MarkPacketTimedOut(packetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.Exec(`
		UPDATE packet_outbox SET status = 'timed_out'
		WHERE packet_id = ? AND (status = 'pending' OR status = 'sent')
	`, packetID)
	if err != nil {
		return false, fmt.Errorf("failed to mark packet timed out: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkPacketFailed moves a packet to the failed terminal state.
func (s *Storage) MarkPacketFailed(packetID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		UPDATE packet_outbox SET status = 'failed', error_message = ? WHERE packet_id = ?
	`, errMsg, packetID)
	if err != nil {
		return fmt.Errorf("failed to mark packet failed: %w", err)
	}
	return nil
}

func scanOutboundPacket(sc rowScanner) (*OutboundPacket, error) {
	p := &OutboundPacket{}
	var status string
	var ackedAt sql.NullInt64
	var errMsg sql.NullString

	err := sc.Scan(&p.ID, &p.PacketID, &p.ChannelID, &p.DestChain, &p.Payload,
		&p.Deadline, &status, &p.RetryCount, &p.NextRetryAt, &p.CreatedAt,
		&ackedAt, &errMsg)
	if err != nil {
		return nil, err
	}
	p.Status = PacketStatus(status)
	p.AckedAt = ackedAt.Int64
	p.ErrorMsg = errMsg.String
	return p, nil
}

// RecordInboundPacket logs a received packet for deduplication.
// Returns false if the packet was already seen.
func (s *Storage) RecordInboundPacket(packetID, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.Exec(`
		INSERT OR IGNORE INTO packet_inbox (packet_id, channel_id, received_at) VALUES (?, ?, ?)
	`, packetID, channelID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record inbound packet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InboundProcessed reports whether a recorded inbound packet has been
// applied. Returns false for packets that were never recorded.
func (s *Storage) InboundProcessed(packetID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var processed int
	err := s.q.QueryRow(`SELECT processed FROM packet_inbox WHERE packet_id = ?`, packetID).Scan(&processed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query inbound packet: %w", err)
	}
	return processed == 1, nil
}

// MarkInboundProcessed flags an inbound packet as handled.
func (s *Storage) MarkInboundProcessed(packetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`UPDATE packet_inbox SET processed = 1 WHERE packet_id = ?`, packetID)
	if err != nil {
		return fmt.Errorf("failed to mark inbound packet processed: %w", err)
	}
	return nil
}
