// Package replica provides the client's local copy of the ledger.
//
// The replica is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding the user's transactions, client-owned records, server categories,
// the delete queue and the sync session. Every operation works offline.
//
// Layout:
//   - transactions: one row per ledger entry, with a synced flag, the signed
//     amount the server balance already includes (confirmed) and the server
//     version the local edit is based on
//   - records: budgets and notifications as opaque JSON
//   - delete_queue: tombstones awaiting server confirmation
//   - conflicts: server copies that rejected a local edit
//   - categories: read-only copy of the server's categories
//   - session: sync cursor, credentials and cached balance
package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fintrack/fintrack/internal/schema"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a local row does not exist.
var ErrNotFound = errors.New("not found in local replica")

// DB wraps the replica database connection.
type DB struct {
	conn   *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// Open opens the replica at path, creating the file and schema if needed.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	db, err := replica.Open("fintrack.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// SetClock replaces the clock used to stamp local edits.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// SetLogger replaces the replica's logger.
func (db *DB) SetLogger(logger *slog.Logger) {
	if logger != nil {
		db.logger = logger
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", "error", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the replica tables. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the replica tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		client_ref TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		-- Sync bookkeeping
		synced INTEGER NOT NULL DEFAULT 0,
		confirmed TEXT NOT NULL DEFAULT '0.00',
		base_updated_at INTEGER NOT NULL DEFAULT 0,
		push_attempted INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS delete_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL UNIQUE,
		enqueued_at INTEGER NOT NULL,
		reversal TEXT NOT NULL DEFAULT '0.00'
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		server_data TEXT NOT NULL,
		detected_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS categories (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		icon TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, date);
	CREATE INDEX IF NOT EXISTS idx_transactions_synced ON transactions(synced, seq);
	CREATE INDEX IF NOT EXISTS idx_records_kind_user ON records(kind, user_id);
	CREATE INDEX IF NOT EXISTS idx_records_kind_synced ON records(kind, synced);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Replicas created before tombstones had an owner.
	if err := db.addColumn(ctx, "delete_queue", "user_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_delete_queue_user ON delete_queue(user_id, seq)`); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// addColumn adds a column to an existing table unless it is already there.
func (db *DB) addColumn(ctx context.Context, table, column, decl string) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	rows.Close()

	if _, err := db.conn.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

const sessionKey = "session"

// LoadSession returns the stored sync session, or an empty one if the
// client has never signed in.
func (db *DB) LoadSession(ctx context.Context) (schema.Session, error) {
	var (
		s   schema.Session
		raw string
	)
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM session WHERE key = ?`, sessionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		s.Settings = schema.EmptySettings
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to load session: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("failed to decode session: %w", err)
	}
	if len(s.Settings) == 0 {
		s.Settings = schema.EmptySettings
	}
	return s, nil
}

// SaveSession stores the sync session.
func (db *DB) SaveSession(ctx context.Context, s schema.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO session (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		sessionKey, string(data))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ClearSession forgets credentials and sync state. Local rows are kept.
func (db *DB) ClearSession(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM session WHERE key = ?`, sessionKey); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (db *DB) millis() int64 {
	return db.now().UnixMilli()
}

// inTx runs fn inside a write transaction.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
