// Package ledger is the server-side store of record for users,
// transactions, categories and running balances.
//
// The store runs on embedded SQLite (modernc.org/sqlite) with its schema
// managed by golang-migrate. A user's balance is a running field changed by
// exactly one compare-and-swap adjustment per push batch.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Common errors returned by the store.
var (
	// ErrNotFound is returned when a user or transaction does not exist
	// for the requesting owner.
	ErrNotFound = errors.New("not found")

	// ErrUserExists is returned when registering an email that is taken.
	ErrUserExists = errors.New("user already exists")

	// ErrIDTaken is returned when a client-chosen id belongs to another
	// user.
	ErrIDTaken = errors.New("id already in use")

	// ErrBalanceContention is returned when the balance compare-and-swap
	// keeps losing to concurrent writers.
	ErrBalanceContention = errors.New("balance update contention")
)

// maxBalanceRetries bounds the compare-and-swap loop in adjustBalance.
const maxBalanceRetries = 5

// Store is the ledger database.
type Store struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used to stamp modifications.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating if needed) the ledger database at path and applies
// pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer and every push batch runs
	// in one write transaction anyway.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     conn,
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate() error {
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would close the shared *sql.DB, so only the source is closed.
	defer source.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			s.logger.Debug("ledger schema up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, _, _ := m.Version()
	s.logger.Info("ledger migrations applied", "version", version)
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", "error", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.db = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Now returns the store clock as epoch milliseconds.
func (s *Store) Now() int64 {
	return s.now().UnixMilli()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a write transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
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
