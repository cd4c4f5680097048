package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// OrderStatus represents the lifecycle state of a cross-chain order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusFunded    OrderStatus = "funded"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// OrderRecord is a cross-chain swap order tracked by the coordinator.
type OrderRecord struct {
	SwapHash    string      `json:"swap_hash"`
	Maker       string      `json:"maker"`
	Amount      uint64      `json:"amount"`
	Denom       string      `json:"denom"`
	Hashlock    []byte      `json:"hashlock"`
	Timelock    int64       `json:"timelock"`
	TargetChain string      `json:"target_chain"`
	HTLCAddress string      `json:"htlc_address"`
	Status      OrderStatus `json:"status"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// SaveOrder inserts a new order. Fails if the swap hash already exists.
func (s *Storage) SaveOrder(rec *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = now
	}

	_, err := s.q.Exec(`
		INSERT INTO orders (swap_hash, maker, amount, denom, hashlock, timelock, target_chain, htlc_address, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SwapHash, rec.Maker, int64(rec.Amount), rec.Denom, rec.Hashlock,
		rec.Timelock, rec.TargetChain, rec.HTLCAddress, string(rec.Status),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by swap hash. Returns nil if not found.
func (s *Storage) GetOrder(swapHash string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &OrderRecord{}
	var amount int64
	var status string
	err := s.q.QueryRow(`
		SELECT swap_hash, maker, amount, denom, hashlock, timelock, target_chain, htlc_address, status, created_at, updated_at
		FROM orders WHERE swap_hash = ?
	`, swapHash).Scan(&rec.SwapHash, &rec.Maker, &amount, &rec.Denom, &rec.Hashlock,
		&rec.Timelock, &rec.TargetChain, &rec.HTLCAddress, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	rec.Amount = uint64(amount)
	rec.Status = OrderStatus(status)
	return rec, nil
}

// HasOrder reports whether an order exists for the swap hash.
func (s *Storage) HasOrder(swapHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.q.QueryRow(`SELECT COUNT(1) FROM orders WHERE swap_hash = ?`, swapHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check order: %w", err)
	}
	return n > 0, nil
}

// SetOrderStatus updates the status of an existing order.
func (s *Storage) SetOrderStatus(swapHash string, status OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.Exec(`
		UPDATE orders SET status = ?, updated_at = ? WHERE swap_hash = ?
	`, string(status), time.Now().Unix(), swapHash)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no order for swap hash %s", swapHash)
	}
	return nil
}

// SetOrderHTLCAddress fills in the escrow address once deployment
// resolves.
func (s *Storage) SetOrderHTLCAddress(swapHash, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		UPDATE orders SET htlc_address = ?, updated_at = ? WHERE swap_hash = ?
	`, address, time.Now().Unix(), swapHash)
	if err != nil {
		return fmt.Errorf("failed to set order escrow address: %w", err)
	}
	return nil
}

// AppendMakerOrder appends a swap hash to the maker's order index.
func (s *Storage) AppendMakerOrder(maker, swapHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`INSERT INTO maker_orders (maker, swap_hash) VALUES (?, ?)`, maker, swapHash)
	if err != nil {
		return fmt.Errorf("failed to append maker order: %w", err)
	}
	return nil
}

// GetMakerOrderHashes returns the swap hashes recorded for a maker,
// oldest first.
func (s *Storage) GetMakerOrderHashes(maker string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.q.Query(`SELECT swap_hash FROM maker_orders WHERE maker = ? ORDER BY id ASC`, maker)
	if err != nil {
		return nil, fmt.Errorf("failed to query maker orders: %w", err)
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
