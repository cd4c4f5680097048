package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrInsufficientFunds is returned when a debit would take an account
// balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// GetBalance returns the balance of an account for a denom.
func (s *Storage) GetBalance(account, denom string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var amount int64
	err := s.q.QueryRow(`
		SELECT amount FROM balances WHERE account = ? AND denom = ?
	`, account, denom).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return uint64(amount), nil
}

// CreditBalance adds amount to an account balance.
func (s *Storage) CreditBalance(account, denom string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.Exec(`
		INSERT INTO balances (account, denom, amount) VALUES (?, ?, ?)
		ON CONFLICT(account, denom) DO UPDATE SET amount = amount + excluded.amount
	`, account, denom, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// DebitBalance subtracts amount from an account balance. Fails with
// ErrInsufficientFunds if the balance would go negative.
func (s *Storage) DebitBalance(account, denom string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.Exec(`
		UPDATE balances SET amount = amount - ?
		WHERE account = ? AND denom = ? AND amount >= ?
	`, int64(amount), account, denom, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}
