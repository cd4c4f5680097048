package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConfigNotFound is returned when the node has not been initialized.
var ErrConfigNotFound = errors.New("config record not found")

// ConfigRecord is the singleton node configuration. Every successful
// update bumps Version so concurrent readers can detect staleness.
type ConfigRecord struct {
	Version       uint64 `json:"version"`
	Admin         string `json:"admin"`
	EscrowCodeID  uint64 `json:"escrow_code_id"`
	FactoryAddr   string `json:"factory_address"`
	ChannelID     string `json:"channel_id"`
	ChainName     string `json:"chain_name"`
	UpdatedAtUnix int64  `json:"updated_at"`
}

// InitConfig writes the initial config record. It fails if a record
// already exists.
func (s *Storage) InitConfig(rec *ConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		INSERT INTO config (id, version, admin, escrow_code_id, factory_address, channel_id, chain_name, updated_at)
		VALUES (1, 1, ?, ?, ?, ?, ?, ?)
	`, rec.Admin, rec.EscrowCodeID, rec.FactoryAddr, rec.ChannelID, rec.ChainName, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	return nil
}

// GetConfig returns the current config record.
func (s *Storage) GetConfig() (*ConfigRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &ConfigRecord{}
	err := s.q.QueryRow(`
		SELECT version, admin, escrow_code_id, factory_address, channel_id, chain_name, updated_at
		FROM config WHERE id = 1
	`).Scan(&rec.Version, &rec.Admin, &rec.EscrowCodeID, &rec.FactoryAddr,
		&rec.ChannelID, &rec.ChainName, &rec.UpdatedAtUnix)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return rec, nil
}

// UpdateConfig persists rec and bumps the version. The caller passes
// the record it read; the stored version is incremented regardless of
// which fields changed.
func (s *Storage) UpdateConfig(rec *ConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.Exec(`
		UPDATE config
		SET version = version + 1, admin = ?, escrow_code_id = ?, factory_address = ?,
		    channel_id = ?, chain_name = ?, updated_at = ?
		WHERE id = 1
	`, rec.Admin, rec.EscrowCodeID, rec.FactoryAddr, rec.ChannelID, rec.ChainName, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConfigNotFound
	}
	return nil
}
