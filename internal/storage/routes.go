package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Route maps a destination chain name to an outbound channel.
type Route struct {
	Chain     string `json:"chain"`
	ChannelID string `json:"channel_id"`
	UpdatedAt int64  `json:"updated_at"`
}

// SetRoute creates or replaces the route for a chain.
func (s *Storage) SetRoute(chain, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		INSERT INTO routes (chain, channel_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chain) DO UPDATE SET channel_id = excluded.channel_id, updated_at = excluded.updated_at
	`, chain, channelID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set route: %w", err)
	}
	return nil
}

// GetRoute returns the channel mapped to a chain, or "" if unmapped.
func (s *Storage) GetRoute(chain string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var channelID string
	err := s.q.QueryRow(`SELECT channel_id FROM routes WHERE chain = ?`, chain).Scan(&channelID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get route: %w", err)
	}
	return channelID, nil
}

// ListRoutes returns all configured routes ordered by chain name.
func (s *Storage) ListRoutes() ([]*Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`SELECT chain, channel_id, updated_at FROM routes ORDER BY chain ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer rows.Close()

	var routes []*Route
	for rows.Next() {
		r := &Route{}
		if err := rows.Scan(&r.Chain, &r.ChannelID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// Channel binds a channel identifier to the peer authenticated when
// the channel was opened.
type Channel struct {
	ChannelID         string `json:"channel_id"`
	PeerID            string `json:"peer_id"`
	CounterpartyChain string `json:"counterparty_chain"`
	State             string `json:"state"`
	CreatedAt         int64  `json:"created_at"`
}

// SaveChannel inserts or replaces a channel binding.
func (s *Storage) SaveChannel(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.CreatedAt == 0 {
		ch.CreatedAt = time.Now().Unix()
	}
	if ch.State == "" {
		ch.State = "open"
	}

	_, err := s.q.Exec(`
		INSERT INTO channels (channel_id, peer_id, counterparty_chain, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			peer_id = excluded.peer_id,
			counterparty_chain = excluded.counterparty_chain,
			state = excluded.state
	`, ch.ChannelID, ch.PeerID, ch.CounterpartyChain, ch.State, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel binding. Returns nil if not found.
func (s *Storage) GetChannel(channelID string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch := &Channel{}
	err := s.q.QueryRow(`
		SELECT channel_id, peer_id, counterparty_chain, state, created_at
		FROM channels WHERE channel_id = ?
	`, channelID).Scan(&ch.ChannelID, &ch.PeerID, &ch.CounterpartyChain, &ch.State, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

// ListChannels returns all channel bindings.
func (s *Storage) ListChannels() ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`
		SELECT channel_id, peer_id, counterparty_chain, state, created_at
		FROM channels ORDER BY channel_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(&ch.ChannelID, &ch.PeerID, &ch.CounterpartyChain, &ch.State, &ch.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
