package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/google/uuid"
)

// UserRecord is a user row including the password hash.
type UserRecord struct {
	schema.User
	PasswordHash string
}

// CreateUser registers a new account. The email is normalised to lower case.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, name string) (*schema.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", schema.ErrValidation)
	}
	now := s.Now()
	user := &schema.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		Settings:  schema.EmptySettings,
		Balance:   money.Zero,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, name, settings, balance, balance_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		user.ID, user.Email, passwordHash, user.Name, string(user.Settings), user.Balance, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// UserByEmail looks up a user and password hash by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, settings, balance, created_at
		FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// UserByID looks up a user by id.
func (s *Store) UserByID(ctx context.Context, userID string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, settings, balance, created_at
		FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*UserRecord, error) {
	var (
		u        UserRecord
		settings string
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &settings, &u.Balance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.Settings = json.RawMessage(settings)
	return &u, nil
}

// Balance returns the user's running balance.
func (s *Store) Balance(ctx context.Context, userID string) (money.Amount, error) {
	balance, _, err := readBalance(ctx, s.db, userID)
	return balance, err
}

// Settings returns the user's opaque settings blob.
func (s *Store) Settings(ctx context.Context, userID string) (json.RawMessage, error) {
	return readSettings(ctx, s.db, userID)
}

// ReplaceSettings replaces the settings blob wholesale.
func (s *Store) ReplaceSettings(ctx context.Context, userID string, blob json.RawMessage) (json.RawMessage, error) {
	if !schema.ValidSettings(blob) {
		return nil, fmt.Errorf("%w: settings must be a JSON object", schema.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET settings = ?, updated_at = ? WHERE id = ?`,
		string(blob), s.Now(), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return blob, nil
}

// AdjustBalance applies delta to the user's balance on its own.
func (s *Store) AdjustBalance(ctx context.Context, userID string, delta money.Amount) (money.Amount, error) {
	var balance money.Amount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = adjustBalance(ctx, tx, userID, delta)
		return err
	})
	return balance, err
}

func readSettings(ctx context.Context, q querier, userID string) (json.RawMessage, error) {
	var settings string
	err := q.QueryRowContext(ctx, `SELECT settings FROM users WHERE id = ?`, userID).Scan(&settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	return json.RawMessage(settings), nil
}

func readBalance(ctx context.Context, q querier, userID string) (money.Amount, int64, error) {
	var (
		balance money.Amount
		version int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT balance, balance_version FROM users WHERE id = ?`, userID).Scan(&balance, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return money.Zero, 0, ErrNotFound
	}
	if err != nil {
		return money.Zero, 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, version, nil
}

// adjustBalance adds delta to the balance with an optimistic
// compare-and-swap on balance_version, retrying when another writer wins.
func adjustBalance(ctx context.Context, q querier, userID string, delta money.Amount) (money.Amount, error) {
	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		current, version, err := readBalance(ctx, q, userID)
		if err != nil {
			return money.Zero, err
		}
		if delta.IsZero() {
			return current, nil
		}

		next := current.Add(delta)
		res, err := q.ExecContext(ctx, `
			UPDATE users SET balance = ?, balance_version = balance_version + 1
			WHERE id = ? AND balance_version = ?`,
			next, userID, version)
		if err != nil {
			return money.Zero, fmt.Errorf("failed to update balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, nil
		}
	}
	return money.Zero, ErrBalanceContention
}
