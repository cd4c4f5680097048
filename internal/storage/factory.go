package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EscrowInfo is the factory's record of a requested escrow. The
// HTLCAddress field holds the empty-string sentinel until the deploy
// reply fills it in.
type EscrowInfo struct {
	SwapHash    string `json:"swap_hash"`
	HTLCAddress string `json:"htlc_address"`
	Maker       string `json:"maker"`
	Amount      uint64 `json:"amount"`
	Denom       string `json:"denom"`
	Hashlock    []byte `json:"hashlock"`
	Timelock    int64  `json:"timelock"`
	CreatedAt   int64  `json:"created_at"`
}

// SaveEscrowInfo inserts a factory escrow record. Fails if the swap
// hash already exists.
func (s *Storage) SaveEscrowInfo(info *EscrowInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.CreatedAt == 0 {
		info.CreatedAt = time.Now().Unix()
	}

	_, err := s.q.Exec(`
		INSERT INTO escrow_infos (swap_hash, htlc_address, maker, amount, denom, hashlock, timelock, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, info.SwapHash, info.HTLCAddress, info.Maker, int64(info.Amount),
		info.Denom, info.Hashlock, info.Timelock, info.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save escrow info: %w", err)
	}
	return nil
}

// GetEscrowInfo retrieves a factory record by swap hash. Returns nil
// if not found.
func (s *Storage) GetEscrowInfo(swapHash string) (*EscrowInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &EscrowInfo{}
	var amount int64
	err := s.q.QueryRow(`
		SELECT swap_hash, htlc_address, maker, amount, denom, hashlock, timelock, created_at
		FROM escrow_infos WHERE swap_hash = ?
	`, swapHash).Scan(&info.SwapHash, &info.HTLCAddress, &info.Maker, &amount,
		&info.Denom, &info.Hashlock, &info.Timelock, &info.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow info: %w", err)
	}
	info.Amount = uint64(amount)
	return info, nil
}

// HasEscrowInfo reports whether a factory record exists for the hash.
func (s *Storage) HasEscrowInfo(swapHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.q.QueryRow(`SELECT COUNT(1) FROM escrow_infos WHERE swap_hash = ?`, swapHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check escrow info: %w", err)
	}
	return n > 0, nil
}

// SetEscrowInfoAddress resolves the address sentinel for a swap hash.
func (s *Storage) SetEscrowInfoAddress(swapHash, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.Exec(`UPDATE escrow_infos SET htlc_address = ? WHERE swap_hash = ?`, address, swapHash)
	if err != nil {
		return fmt.Errorf("failed to set escrow address: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no escrow info for swap hash %s", swapHash)
	}
	return nil
}

// AppendMakerEscrow appends a swap hash to the maker's index. The
// index is append-only; duplicates are allowed and reads tolerate
// dangling entries.
func (s *Storage) AppendMakerEscrow(maker, swapHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`INSERT INTO maker_escrows (maker, swap_hash) VALUES (?, ?)`, maker, swapHash)
	if err != nil {
		return fmt.Errorf("failed to append maker escrow: %w", err)
	}
	return nil
}

// GetMakerEscrowHashes returns the swap hashes recorded for a maker,
// oldest first.
func (s *Storage) GetMakerEscrowHashes(maker string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`SELECT swap_hash FROM maker_escrows WHERE maker = ? ORDER BY id ASC`, maker)
	if err != nil {
		return nil, fmt.Errorf("failed to query maker escrows: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// SavePendingDeploy records a correlation token for an in-flight
// escrow deployment.
func (s *Storage) SavePendingDeploy(token, swapHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		INSERT INTO pending_deploys (token, swap_hash, created_at) VALUES (?, ?, ?)
	`, token, swapHash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save pending deploy: %w", err)
	}
	return nil
}

// TakePendingDeploy resolves and removes a correlation token,
// returning the swap hash it was issued for. Returns "" if the token
// is unknown.
func (s *Storage) TakePendingDeploy(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swapHash string
	err := s.q.QueryRow(`SELECT swap_hash FROM pending_deploys WHERE token = ?`, token).Scan(&swapHash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve pending deploy: %w", err)
	}

	if _, err := s.q.Exec(`DELETE FROM pending_deploys WHERE token = ?`, token); err != nil {
		return "", fmt.Errorf("failed to remove pending deploy: %w", err)
	}
	return swapHash, nil
}
