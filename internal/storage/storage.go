// Package storage provides the durable swap store and inventory ledger,
// backed by SQLite. It is the single source of truth for swap lifecycle
// state; resolver engines coordinate exclusively through it.
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

// Storage provides persistent storage for the resolver daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex

	sinkMu    sync.RWMutex
	eventSink func(*SwapEvent)
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

	dbPath := filepath.Join(dataDir, "omnimonster.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports a single writer
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

// SetEventSink registers a callback invoked after a swap event commits.
// Used by the API layer to fan events out to websocket subscribers; the
// durable event log remains authoritative.
func (s *Storage) SetEventSink(sink func(*SwapEvent)) {
	s.sinkMu.Lock()
	s.eventSink = sink
	s.sinkMu.Unlock()
}

func (s *Storage) notify(ev *SwapEvent) {
	s.sinkMu.RLock()
	sink := s.eventSink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Swaps: authoritative lifecycle record, one row per swap
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,

		-- Parties
		user_address TEXT NOT NULL,
		beneficiary TEXT NOT NULL,

		-- Economics (amounts stored as decimal strings in smallest units)
		source_chain TEXT NOT NULL,
		source_token TEXT NOT NULL,
		source_amount TEXT NOT NULL,
		target_chain TEXT NOT NULL,
		target_token TEXT NOT NULL,
		expected_amount TEXT NOT NULL,
		slippage_tolerance REAL NOT NULL DEFAULT 0,

		-- Crypto (hex-encoded; preimage never leaves the server)
		preimage TEXT NOT NULL,
		hash_lock TEXT NOT NULL,
		expiration_time INTEGER NOT NULL,

		-- On-chain handles (hex-encoded 32-byte ids, empty until known)
		user_lock_id TEXT NOT NULL DEFAULT '',
		pool_lock_id TEXT NOT NULL DEFAULT '',

		status TEXT NOT NULL DEFAULT 'PENDING',
		error_message TEXT NOT NULL DEFAULT '',

		-- Timing
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		matched_at INTEGER NOT NULL DEFAULT 0,
		pool_claimed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_user ON swaps(user_address);
	CREATE INDEX IF NOT EXISTS idx_swaps_source_role ON swaps(source_chain, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_swaps_target_role ON swaps(target_chain, status, created_at);

	-- =========================================================================
	-- Swap events: append-only log, committed with the swap update
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS swap_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		swap_id TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		tx_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,

		FOREIGN KEY (swap_id) REFERENCES swaps(id)
	);

	CREATE INDEX IF NOT EXISTS idx_swap_events_swap ON swap_events(swap_id, seq);

	-- =========================================================================
	-- Pool inventory: one row per (chain, token)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS pool_inventory (
		chain TEXT NOT NULL,
		token TEXT NOT NULL,

		total TEXT NOT NULL DEFAULT '0',
		reserved TEXT NOT NULL DEFAULT '0',
		min_threshold TEXT NOT NULL DEFAULT '0',

		updated_at INTEGER NOT NULL,

		PRIMARY KEY (chain, token)
	);

	-- Reservation ledger: one row per swap so reserving survives crash
	-- recovery without double-counting.
	CREATE TABLE IF NOT EXISTS inventory_reservations (
		swap_id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		reserved_at INTEGER NOT NULL,

		FOREIGN KEY (swap_id) REFERENCES swaps(id)
	);

	-- Release ledger: one row per (swap, leg) so releases stay idempotent
	-- across crash recovery.
	CREATE TABLE IF NOT EXISTS inventory_releases (
		swap_id TEXT NOT NULL,
		leg TEXT NOT NULL,
		amount TEXT NOT NULL,
		released_at INTEGER NOT NULL,

		PRIMARY KEY (swap_id, leg),
		FOREIGN KEY (swap_id) REFERENCES swaps(id)
	);

	-- =========================================================================
	-- Resolver operations: per-attempt diagnostics and retry accounting
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS resolver_operations (
		id TEXT PRIMARY KEY,
		swap_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'IN_PROGRESS',
		error_message TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0,

		FOREIGN KEY (swap_id) REFERENCES swaps(id)
	);

	CREATE INDEX IF NOT EXISTS idx_operations_swap ON resolver_operations(swap_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_operations_type ON resolver_operations(swap_id, type, status);

	-- =========================================================================
	-- Supported tokens snapshot (loaded from the registry at startup,
	-- queryable for diagnostics)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS supported_tokens (
		chain TEXT NOT NULL,
		symbol TEXT NOT NULL,
		address TEXT NOT NULL,
		decimals INTEGER NOT NULL,

		PRIMARY KEY (chain, symbol)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSupportedToken records a registry token for diagnostics queries.
func (s *Storage) SaveSupportedToken(chain, symbol, address string, decimals uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO supported_tokens (chain, symbol, address, decimals)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain, symbol) DO UPDATE SET
			address = excluded.address,
			decimals = excluded.decimals
	`, chain, symbol, address, decimals)
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
