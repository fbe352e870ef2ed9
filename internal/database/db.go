package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database connection
	// Use WAL mode for better concurrency
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{
		conn: conn,
		path: dbPath,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// schema is the logical table layout from spec.md §6.4. It is applied with
// CREATE TABLE IF NOT EXISTS so Migrate is safe to call on every boot.
const schema = `
CREATE TABLE IF NOT EXISTS broker_credentials (
	user_id TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	encrypted_api_key BLOB NOT NULL,
	key_iv BLOB NOT NULL,
	key_tag BLOB NOT NULL,
	encrypted_api_secret BLOB NOT NULL,
	secret_iv BLOB NOT NULL,
	secret_tag BLOB NOT NULL,
	base_url TEXT,
	PRIMARY KEY (user_id, credential_type)
);

CREATE TABLE IF NOT EXISTS trading_settings (
	user_id TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 0,
	minutes_before_close INTEGER NOT NULL DEFAULT 10,
	order_type TEXT NOT NULL DEFAULT 'market',
	limit_percent REAL NOT NULL DEFAULT 0,
	max_allocation_percent REAL NOT NULL DEFAULT 99,
	fallback_ticker TEXT,
	cash_reserve_mode TEXT NOT NULL DEFAULT 'dollars',
	cash_reserve_amount REAL NOT NULL DEFAULT 0,
	paired_tickers TEXT NOT NULL DEFAULT '[]',
	market_hours_check_hour INTEGER NOT NULL DEFAULT 4,
	use_v2_execution INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS user_bot_investments (
	user_id TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	bot_id TEXT NOT NULL,
	investment_amount REAL NOT NULL,
	weight_mode TEXT NOT NULL DEFAULT 'dollars',
	PRIMARY KEY (user_id, credential_type, bot_id)
);

CREATE TABLE IF NOT EXISTS bot_position_ledger (
	user_id TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	bot_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	shares REAL NOT NULL,
	avg_price REAL NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, credential_type, bot_id, symbol)
);

CREATE TABLE IF NOT EXISTS bots (
	id TEXT PRIMARY KEY,
	payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_executions_v2 (
	execution_id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	status TEXT,
	total_users INTEGER NOT NULL DEFAULT 0,
	total_systems INTEGER NOT NULL DEFAULT 0,
	total_tickers INTEGER NOT NULL DEFAULT 0,
	total_trades INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS execution_queue (
	execution_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	queue_position INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	started_at TEXT,
	completed_at TEXT,
	PRIMARY KEY (execution_id, user_id, credential_type)
);

CREATE TABLE IF NOT EXISTS user_execution_results (
	execution_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	queue_position INTEGER NOT NULL,
	status TEXT NOT NULL,
	net_trades TEXT NOT NULL DEFAULT '{}',
	orders_executed TEXT NOT NULL DEFAULT '[]',
	attribution_results TEXT NOT NULL DEFAULT '{}',
	pnl_results TEXT NOT NULL DEFAULT '{}',
	errors TEXT NOT NULL DEFAULT '[]',
	started_at TEXT,
	completed_at TEXT,
	PRIMARY KEY (execution_id, user_id, credential_type)
);

CREATE TABLE IF NOT EXISTS system_deduplication (
	system_id TEXT PRIMARY KEY,
	user_count INTEGER NOT NULL,
	last_allocation TEXT NOT NULL DEFAULT '{}',
	last_updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduler_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_manual_sells (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	credential_type TEXT NOT NULL,
	symbol TEXT NOT NULL,
	qty REAL NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	executed_at TEXT,
	error_message TEXT
);
`

// Migrate runs database migrations. CREATE TABLE IF NOT EXISTS makes this
// idempotent, so it is safe to run on every boot instead of needing a
// separate migration runner.
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Begin starts a new transaction
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}
