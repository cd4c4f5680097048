package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EscrowStatus represents the lifecycle state of an escrow instance.
type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusFunded    EscrowStatus = "funded"
	EscrowStatusCompleted EscrowStatus = "completed"
	EscrowStatusCancelled EscrowStatus = "cancelled"
)

// EscrowRecord is a deployed escrow instance.
type EscrowRecord struct {
	Address     string       `json:"address"`
	SwapHash    string       `json:"swap_hash"`
	Maker       string       `json:"maker"`
	Resolver    string       `json:"resolver,omitempty"`
	Amount      uint64       `json:"amount"`
	Denom       string       `json:"denom"`
	Hashlock    []byte       `json:"hashlock"`
	Timelock    int64        `json:"timelock"`
	Status      EscrowStatus `json:"status"`
	CreatedAt   int64        `json:"created_at"`
	FundedAt    int64        `json:"funded_at,omitempty"`
	CompletedAt int64        `json:"completed_at,omitempty"`
}

// SaveEscrow inserts or updates an escrow record.
func (s *Storage) SaveEscrow(rec *EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	_, err := s.q.Exec(`
		INSERT INTO escrows (address, swap_hash, maker, resolver, amount, denom, hashlock, timelock, status, created_at, funded_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			resolver = excluded.resolver,
			status = excluded.status,
			funded_at = excluded.funded_at,
			completed_at = excluded.completed_at
	`, rec.Address, rec.SwapHash, rec.Maker, nullString(rec.Resolver), int64(rec.Amount),
		rec.Denom, rec.Hashlock, rec.Timelock, string(rec.Status), rec.CreatedAt,
		nullInt64(rec.FundedAt), nullInt64(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save escrow: %w", err)
	}
	return nil
}

// GetEscrow retrieves an escrow by address. Returns nil if not found.
func (s *Storage) GetEscrow(address string) (*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.q.QueryRow(`
		SELECT address, swap_hash, maker, resolver, amount, denom, hashlock, timelock, status, created_at, funded_at, completed_at
		FROM escrows WHERE address = ?
	`, address)
	return scanEscrow(row)
}

// GetEscrowsByStatus returns all escrows in the given status.
func (s *Storage) GetEscrowsByStatus(status EscrowStatus) ([]*EscrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`
		SELECT address, swap_hash, maker, resolver, amount, denom, hashlock, timelock, status, created_at, funded_at, completed_at
		FROM escrows WHERE status = ? ORDER BY created_at DESC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query escrows: %w", err)
	}
	defer rows.Close()

	var out []*EscrowRecord
	for rows.Next() {
		rec, err := scanEscrowRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrowFrom(sc rowScanner) (*EscrowRecord, error) {
	rec := &EscrowRecord{}
	var resolver sql.NullString
	var amount int64
	var status string
	var fundedAt, completedAt sql.NullInt64

	err := sc.Scan(&rec.Address, &rec.SwapHash, &rec.Maker, &resolver, &amount,
		&rec.Denom, &rec.Hashlock, &rec.Timelock, &status, &rec.CreatedAt,
		&fundedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.Resolver = resolver.String
	rec.Amount = uint64(amount)
	rec.Status = EscrowStatus(status)
	rec.FundedAt = fundedAt.Int64
	rec.CompletedAt = completedAt.Int64
	return rec, nil
}

func scanEscrow(row *sql.Row) (*EscrowRecord, error) {
	rec, err := scanEscrowFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}
	return rec, nil
}

func scanEscrowRows(rows *sql.Rows) (*EscrowRecord, error) {
	rec, err := scanEscrowFrom(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}
	return rec, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
