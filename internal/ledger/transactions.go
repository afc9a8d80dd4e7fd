package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/google/uuid"
)

const txColumns = `id, user_id, client_ref, amount, type, category, description, date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*schema.Transaction, error) {
	var (
		t         schema.Transaction
		clientRef sql.NullString
		typ       string
		date      string
	)
	if err := row.Scan(&t.ID, &t.UserID, &clientRef, &t.Amount, &typ, &t.Category,
		&t.Description, &date, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = schema.TxType(typ)
	t.ClientRef = clientRef.String
	parsed, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date of %s: %w", t.ID, err)
	}
	t.Date = parsed
	t.Synced = true
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]schema.Transaction, error) {
	defer rows.Close()
	out := []schema.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Transaction returns one of the user's transactions.
func (s *Store) Transaction(ctx context.Context, userID, id string) (*schema.Transaction, error) {
	return getTransaction(ctx, s.db, userID, id)
}

// Transactions lists the user's transactions, newest event date first.
func (s *Store) Transactions(ctx context.Context, userID string) ([]schema.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = ? ORDER BY date DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return scanTransactions(rows)
}

// TransactionsModifiedSince returns the user's transactions with
// updated_at strictly greater than cursor, oldest first.
func (s *Store) TransactionsModifiedSince(ctx context.Context, userID string, cursor int64) ([]schema.Transaction, error) {
	return transactionsModifiedSince(ctx, s.db, userID, cursor)
}

func transactionsModifiedSince(ctx context.Context, q querier, userID string, cursor int64) ([]schema.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = ? AND updated_at > ? ORDER BY updated_at, id`,
		userID, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to query modified transactions: %w", err)
	}
	return scanTransactions(rows)
}

func deletedSince(ctx context.Context, q querier, userID string, cursor int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM deleted_transactions WHERE user_id = ? AND deleted_at > ? ORDER BY deleted_at, id`,
		userID, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to query deleted transactions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func getTransaction(ctx context.Context, q querier, userID, id string) (*schema.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ? AND user_id = ?`, id, userID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return t, nil
}

func getByClientRef(ctx context.Context, q querier, userID, clientRef string) (*schema.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = ? AND client_ref = ?`, userID, clientRef)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by client ref %s: %w", clientRef, err)
	}
	return t, nil
}

// insertTransaction writes a new row. An empty id gets a fresh uuid.
func insertTransaction(ctx context.Context, q querier, userID string, item *schema.PushItem, now int64) (*schema.Transaction, error) {
	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := &schema.Transaction{
		ID:          id,
		UserID:      userID,
		ClientRef:   item.ClientRef,
		Amount:      item.Amount,
		Type:        item.Type,
		Category:    item.Category,
		Description: item.Description,
		Date:        item.Date,
		CreatedAt:   now,
		UpdatedAt:   now,
		Synced:      true,
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, nullString(t.ClientRef), t.Amount, string(t.Type), t.Category,
		t.Description, formatDate(t.Date), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrIDTaken
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM deleted_transactions WHERE id = ?`, t.ID); err != nil {
		return nil, fmt.Errorf("failed to clear tombstone: %w", err)
	}
	return t, nil
}

// overwriteTransaction replaces the mutable fields of an existing row.
func overwriteTransaction(ctx context.Context, q querier, existing *schema.Transaction, item *schema.PushItem, now int64) (*schema.Transaction, error) {
	t := *existing
	t.Amount = item.Amount
	t.Type = item.Type
	t.Category = item.Category
	t.Description = item.Description
	t.Date = item.Date
	t.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		UPDATE transactions
		SET amount = ?, type = ?, category = ?, description = ?, date = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		t.Amount, string(t.Type), t.Category, t.Description, formatDate(t.Date), t.UpdatedAt,
		t.ID, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction %s: %w", t.ID, err)
	}
	return &t, nil
}

// validateItem checks the item's fields and its category.
func validateItem(ctx context.Context, q querier, item *schema.PushItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	cat, err := getCategory(ctx, q, item.Category)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown category %q", schema.ErrValidation, item.Category)
	}
	if err != nil {
		return err
	}
	if !cat.Allows(item.Type) {
		return fmt.Errorf("%w: category %q does not accept %s", schema.ErrValidation, item.Category, item.Type)
	}
	return nil
}

// CreateTransaction inserts a transaction and adjusts the balance.
func (s *Store) CreateTransaction(ctx context.Context, userID string, item schema.PushItem) (*schema.Transaction, money.Amount, error) {
	var (
		created *schema.Transaction
		balance money.Amount
	)
	item.ID = ""
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := validateItem(ctx, tx, &item); err != nil {
			return err
		}
		var err error
		created, err = insertTransaction(ctx, tx, userID, &item, s.Now())
		if err != nil {
			return err
		}
		balance, err = adjustBalance(ctx, tx, userID, created.Signed())
		return err
	})
	if err != nil {
		return nil, money.Zero, err
	}
	return created, balance, nil
}

// UpdateTransaction overwrites a transaction and adjusts the balance by the
// difference of its signed contributions.
func (s *Store) UpdateTransaction(ctx context.Context, userID, id string, item schema.PushItem) (*schema.Transaction, money.Amount, error) {
	var (
		updated *schema.Transaction
		balance money.Amount
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTransaction(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if err := validateItem(ctx, tx, &item); err != nil {
			return err
		}
		updated, err = overwriteTransaction(ctx, tx, existing, &item, s.Now())
		if err != nil {
			return err
		}
		balance, err = adjustBalance(ctx, tx, userID, updated.Signed().Sub(existing.Signed()))
		return err
	})
	if err != nil {
		return nil, money.Zero, err
	}
	return updated, balance, nil
}

// DeleteTransaction removes a transaction, records a tombstone for other
// devices and subtracts its contribution from the balance. id may also be
// the client reference the row was created with, for clients that never
// learned the server id. Returns ErrNotFound when the user has no such
// transaction.
func (s *Store) DeleteTransaction(ctx context.Context, userID, id string) (money.Amount, error) {
	var balance money.Amount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTransaction(ctx, tx, userID, id)
		if errors.Is(err, ErrNotFound) {
			existing, err = getByClientRef(ctx, tx, userID, id)
		}
		if err != nil {
			return err
		}
		id = existing.ID
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM transactions WHERE id = ? AND user_id = ?`, id, userID); err != nil {
			return fmt.Errorf("failed to delete transaction %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deleted_transactions (id, user_id, deleted_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET deleted_at = excluded.deleted_at`,
			id, userID, s.Now()); err != nil {
			return fmt.Errorf("failed to record tombstone for %s: %w", id, err)
		}
		balance, err = adjustBalance(ctx, tx, userID, existing.Signed().Neg())
		return err
	})
	if err != nil {
		return money.Zero, err
	}
	return balance, nil
}
