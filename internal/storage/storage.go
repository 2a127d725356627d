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

// Storage persists orders, escrow legs and execution state so the resolver
// can resume in-flight swaps after a restart.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (or creates) the resolver database.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "resolver.db")

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

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Orders observed on the source chain.
	-- Amounts are decimal strings; they can exceed 64 bits.
	CREATE TABLE IF NOT EXISTS orders (
		order_hash TEXT PRIMARY KEY,
		maker TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'created',

		source_chain TEXT NOT NULL,
		source_amount TEXT NOT NULL,
		dest_chain TEXT NOT NULL,
		dest_amount TEXT NOT NULL,
		dest_recipient TEXT,

		hashlock TEXT NOT NULL,
		execution_params BLOB,

		resolver_fee TEXT,
		safety_deposit TEXT,

		resolver TEXT,

		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER,

		created_block INTEGER DEFAULT 0,
		created_tx TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_expires ON orders(expires_at);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(source_chain, dest_chain);

	-- Escrow legs, one row per order side.
	CREATE TABLE IF NOT EXISTS escrows (
		order_hash TEXT NOT NULL,
		side TEXT NOT NULL,

		chain TEXT NOT NULL,
		network TEXT NOT NULL,
		hashlock TEXT NOT NULL,
		maker TEXT,
		taker TEXT,
		asset TEXT,
		amount TEXT NOT NULL,
		safety_deposit TEXT,

		address TEXT,
		state TEXT NOT NULL DEFAULT 'initialized',

		-- Timelock schedule as JSON array of unix seconds
		timelocks TEXT,

		lock_txid TEXT,
		claim_txid TEXT,
		refund_txid TEXT,

		-- Revealed preimage, hex; set once the secret is public
		secret TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,

		PRIMARY KEY (order_hash, side),
		FOREIGN KEY (order_hash) REFERENCES orders(order_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_state ON escrows(state);
	CREATE INDEX IF NOT EXISTS idx_escrows_chain ON escrows(chain, state);

	-- Execution state machine, one row per swap attempt.
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		order_hash TEXT NOT NULL,
		state TEXT NOT NULL,

		-- Destination lock reference as JSON (destchain.Lock)
		dest_lock TEXT,

		-- Transaction references per chain as JSON {chain: [txid,...]}
		tx_refs TEXT,

		realized_profit TEXT,
		failure_reason TEXT,

		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,

		FOREIGN KEY (order_hash) REFERENCES orders(order_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_hash);
	CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
	CREATE INDEX IF NOT EXISTS idx_executions_updated ON executions(updated_at);
	`

	_, err := s.db.Exec(schema)
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
