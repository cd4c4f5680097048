// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same record
// methods can run standalone or inside a unit-of-work transaction.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Storage provides persistent storage for the Crosslock node.
type Storage struct {
	db     *sql.DB
	q      dbtx
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crosslock.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		q:      db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Transact runs fn against a transaction-scoped view of the store.
// All writes made through the view commit together or roll back
// together. Nested calls reuse the enclosing transaction.
func (s *Storage) Transact(fn func(tx *Storage) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	view := &Storage{db: s.db, q: tx, dbPath: s.dbPath}
	if err := fn(view); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Versioned singleton configuration record
	CREATE TABLE IF NOT EXISTS config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL DEFAULT 1,
		admin TEXT NOT NULL,
		escrow_code_id INTEGER NOT NULL DEFAULT 1,
		factory_address TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		chain_name TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	-- Deployed escrow instances (one row per swap-side escrow)
	CREATE TABLE IF NOT EXISTS escrows (
		address TEXT PRIMARY KEY,
		swap_hash TEXT NOT NULL,
		maker TEXT NOT NULL,
		resolver TEXT,
		amount INTEGER NOT NULL,
		denom TEXT NOT NULL,
		hashlock BLOB NOT NULL,
		timelock INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		funded_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_swap_hash ON escrows(swap_hash);
	CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);

	-- Factory shadow records (htlc_address starts as the '' sentinel)
	CREATE TABLE IF NOT EXISTS escrow_infos (
		swap_hash TEXT PRIMARY KEY,
		htlc_address TEXT NOT NULL DEFAULT '',
		maker TEXT NOT NULL,
		amount INTEGER NOT NULL,
		denom TEXT NOT NULL,
		hashlock BLOB NOT NULL,
		timelock INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Append-only maker -> swap hash index (never pruned; reads are
	-- tolerant of dangling entries)
	CREATE TABLE IF NOT EXISTS maker_escrows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		maker TEXT NOT NULL,
		swap_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_maker_escrows_maker ON maker_escrows(maker);

	-- Correlation token -> swap hash for in-flight escrow deployments
	CREATE TABLE IF NOT EXISTS pending_deploys (
		token TEXT PRIMARY KEY,
		swap_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Cross-chain order mirror
	CREATE TABLE IF NOT EXISTS orders (
		swap_hash TEXT PRIMARY KEY,
		maker TEXT NOT NULL,
		amount INTEGER NOT NULL,
		denom TEXT NOT NULL,
		hashlock BLOB NOT NULL,
		timelock INTEGER NOT NULL,
		target_chain TEXT NOT NULL,
		htlc_address TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

	CREATE TABLE IF NOT EXISTS maker_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		maker TEXT NOT NULL,
		swap_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_maker_orders_maker ON maker_orders(maker);

	-- Outbound route table: chain name -> channel identifier
	CREATE TABLE IF NOT EXISTS routes (
		chain TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Channel -> authenticated counterpart peer binding
	CREATE TABLE IF NOT EXISTS channels (
		channel_id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		counterparty_chain TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL
	);

	-- Outbound packets pending delivery, with timeout/ack bookkeeping
	CREATE TABLE IF NOT EXISTS packet_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		packet_id TEXT UNIQUE NOT NULL,
		channel_id TEXT NOT NULL,
		dest_chain TEXT NOT NULL,
		payload BLOB NOT NULL,
		deadline INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER DEFAULT 0,
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		acked_at INTEGER,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON packet_outbox(status, next_retry_at)
		WHERE status = 'pending' OR status = 'sent';
	CREATE INDEX IF NOT EXISTS idx_outbox_packet ON packet_outbox(packet_id);

	-- Inbound packet log for deduplication
	CREATE TABLE IF NOT EXISTS packet_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		packet_id TEXT UNIQUE NOT NULL,
		channel_id TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		processed INTEGER DEFAULT 0
	);

	-- Bank ledger: per-account balances by denom
	CREATE TABLE IF NOT EXISTS balances (
		account TEXT NOT NULL,
		denom TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account, denom)
	);

	-- Settings/misc table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.q.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
