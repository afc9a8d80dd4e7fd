package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
)

const txColumns = `id, user_id, client_ref, amount, type, category, description, date,
	created_at, updated_at, synced, confirmed, base_updated_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*schema.Transaction, error) {
	var (
		t      schema.Transaction
		typ    string
		date   string
		synced int
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.ClientRef, &t.Amount, &typ, &t.Category, &t.Description,
		&date, &t.CreatedAt, &t.UpdatedAt, &synced, &t.Confirmed, &t.BaseUpdatedAt); err != nil {
		return nil, err
	}
	t.Type = schema.TxType(typ)
	t.Synced = synced == 1
	parsed, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse date of %s: %w", t.ID, err)
	}
	t.Date = parsed
	return &t, nil
}

// scanTransactions is a helper to scan multiple transactions from rows.
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func getTransaction(ctx context.Context, q querier, id string) (*schema.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return t, nil
}

// upsertRow writes every column of t. seq is bumped to the end of the push
// order when bumpSeq is set.
func upsertRow(ctx context.Context, q querier, t *schema.Transaction, bumpSeq bool) error {
	query := `
	INSERT INTO transactions (
		id, user_id, client_ref, amount, type, category, description, date,
		created_at, updated_at, synced, confirmed, base_updated_at, seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions))
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		client_ref = excluded.client_ref,
		amount = excluded.amount,
		type = excluded.type,
		category = excluded.category,
		description = excluded.description,
		date = excluded.date,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		synced = excluded.synced,
		confirmed = excluded.confirmed,
		base_updated_at = excluded.base_updated_at,
		last_error = CASE WHEN excluded.synced = 1 THEN '' ELSE transactions.last_error END`
	if bumpSeq {
		query += `,
		seq = excluded.seq`
	}

	_, err := q.ExecContext(ctx, query,
		t.ID, t.UserID, t.ClientRef, t.Amount, string(t.Type), t.Category, t.Description,
		formatDate(t.Date), t.CreatedAt, t.UpdatedAt, boolInt(t.Synced), t.Confirmed, t.BaseUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction %s: %w", t.ID, err)
	}
	return nil
}

// Transaction returns one local transaction.
func (db *DB) Transaction(ctx context.Context, id string) (*schema.Transaction, error) {
	return getTransaction(ctx, db.conn, id)
}

// TransactionsByOwner lists the user's transactions, newest event date first.
func (db *DB) TransactionsByOwner(ctx context.Context, userID string) ([]schema.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = ? ORDER BY date DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return scanTransactions(rows)
}

// TransactionsBetween lists the user's transactions with from <= date < to.
func (db *DB) TransactionsBetween(ctx context.Context, userID string, from, to time.Time) ([]schema.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = ? AND date >= ? AND date < ?
		ORDER BY date, id`,
		userID, formatDate(from), formatDate(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return scanTransactions(rows)
}

// UnsyncedTransactions returns the user's rows with local edits, in the
// order they were last modified.
func (db *DB) UnsyncedTransactions(ctx context.Context, userID string) ([]schema.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = ? AND synced = 0 ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced transactions: %w", err)
	}
	return scanTransactions(rows)
}

// PushCandidates returns the unsynced rows to send in the next push, in
// append order. Rows with an unresolved conflict are held back until the
// user settles them.
func (db *DB) PushCandidates(ctx context.Context, userID string) ([]schema.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = ? AND synced = 0 AND id NOT IN (SELECT id FROM conflicts)
		ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push candidates: %w", err)
	}
	return scanTransactions(rows)
}

// LastErrors returns the last push error recorded per unsynced row.
func (db *DB) LastErrors(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, last_error FROM transactions WHERE user_id = ? AND synced = 0 AND last_error != ''`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push errors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, msg string
		if err := rows.Scan(&id, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan push error: %w", err)
		}
		out[id] = msg
	}
	return out, rows.Err()
}

// CreateLocal records a new transaction made on this device. It gets a
// provisional id unless one is set, and stays unsynced until pushed.
func (db *DB) CreateLocal(ctx context.Context, t *schema.Transaction) error {
	if t.ID == "" {
		t.ID = schema.NewProvisionalID()
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}
	now := db.millis()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Synced = false
	t.Confirmed = money.Zero
	t.BaseUpdatedAt = 0

	return upsertRow(ctx, db.conn, t, true)
}

// UpdateLocal applies a local edit. What the server already counts for the
// row (confirmed amount, base version) is preserved.
func (db *DB) UpdateLocal(ctx context.Context, t *schema.Transaction) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTransaction(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		t.UserID = existing.UserID
		t.ClientRef = existing.ClientRef
		t.CreatedAt = existing.CreatedAt
		t.Confirmed = existing.Confirmed
		t.BaseUpdatedAt = existing.BaseUpdatedAt
		t.UpdatedAt = db.millis()
		t.Synced = false
		return upsertRow(ctx, tx, t, true)
	})
}

// DeleteLocal removes a transaction from the replica. If the server may
// hold a copy, a tombstone is queued in the same SQL transaction; its
// reversal is the negated amount the server balance includes for the row.
// Returns whether a tombstone was queued.
func (db *DB) DeleteLocal(ctx context.Context, id string) (bool, error) {
	queued := false
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}

		var attempted int
		if err := tx.QueryRowContext(ctx,
			`SELECT push_attempted FROM transactions WHERE id = ?`, id).Scan(&attempted); err != nil {
			return fmt.Errorf("failed to read push state of %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete transaction %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear conflict for %s: %w", id, err)
		}

		// Never pushed and never seen by the server: nothing to tell it.
		if existing.IsProvisional() && attempted == 0 {
			return nil
		}

		queued, err = enqueue(ctx, tx, schema.DeleteQueueEntry{
			UserID:     existing.UserID,
			EntityType: schema.EntityTransaction,
			EntityID:   id,
			EnqueuedAt: db.millis(),
			Reversal:   existing.Confirmed.Neg(),
		})
		return err
	})
	return queued, err
}

// MarkPushAttempted flags rows that were sent to the server, so a later
// local delete of a provisional row still reaches the server.
func (db *DB) MarkPushAttempted(ctx context.Context, ids []string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE transactions SET push_attempted = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to mark %s as pushed: %w", id, err)
			}
		}
		return nil
	})
}

// RecordPushError stores the server's reason for rejecting a row. The row
// stays unsynced.
func (db *DB) RecordPushError(ctx context.Context, id, msg string) error {
	if _, err := db.conn.ExecContext(ctx,
		`UPDATE transactions SET last_error = ? WHERE id = ?`, msg, id); err != nil {
		return fmt.Errorf("failed to record push error for %s: %w", id, err)
	}
	return nil
}

// ApplyServerTransaction merges a pulled server record into the replica.
//
// A row with unpushed local edits is not overwritten, so the next push can
// surface the conflict; only its confirmed amount is updated to what the
// server balance now includes. Returns false when the record was deferred
// that way. Applying the same record twice leaves the same state.
func (db *DB) ApplyServerTransaction(ctx context.Context, server schema.Transaction) (bool, error) {
	applied := false
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = applyServer(ctx, tx, server)
		return err
	})
	return applied, err
}

func applyServer(ctx context.Context, tx *sql.Tx, server schema.Transaction) (bool, error) {
	// Deleted here but not yet on the server: keep it deleted, and make the
	// tombstone reverse what the server now counts.
	for _, key := range []string{server.ID, server.ClientRef} {
		if key == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE delete_queue SET entity_id = ?, reversal = ? WHERE entity_id = ?`,
			server.ID, server.Signed().Neg(), key)
		if err != nil {
			return false, fmt.Errorf("failed to check tombstone for %s: %w", server.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return false, nil
		}
	}

	// The server may already hold a row we still know under its
	// provisional id (a push whose response was lost). Rekey it.
	if server.ClientRef != "" && server.ClientRef != server.ID {
		provisional, err := getTransaction(ctx, tx, server.ClientRef)
		if err == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, provisional.ID); err != nil {
				return false, fmt.Errorf("failed to rekey %s: %w", provisional.ID, err)
			}
			if !provisional.Synced && !sameContent(provisional, &server) {
				provisional.ID = server.ID
				provisional.ClientRef = server.ClientRef
				provisional.Confirmed = server.Signed()
				provisional.BaseUpdatedAt = server.UpdatedAt
				return false, upsertRow(ctx, tx, provisional, false)
			}
		} else if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}

	local, err := getTransaction(ctx, tx, server.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if local != nil && !local.Synced {
		if _, err := tx.ExecContext(ctx, `UPDATE transactions SET confirmed = ? WHERE id = ?`,
			server.Signed(), server.ID); err != nil {
			return false, fmt.Errorf("failed to update confirmed amount of %s: %w", server.ID, err)
		}
		return false, nil
	}

	row := server
	row.Synced = true
	row.Confirmed = server.Signed()
	row.BaseUpdatedAt = server.UpdatedAt
	return true, upsertRow(ctx, tx, &row, false)
}

// ApplyServerDeletion applies a deletion pulled from the server. A synced
// row is removed. A row with local edits is kept as a fresh insert: the
// server no longer counts it, and pushing it recreates it under the same id.
// Any queued tombstone for the id is dropped since the server already
// applied the deletion. Returns whether a row was removed.
func (db *DB) ApplyServerDeletion(ctx context.Context, id string) (bool, error) {
	removed := false
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM delete_queue WHERE entity_id = ?`, id); err != nil {
			return fmt.Errorf("failed to drop tombstone for %s: %w", id, err)
		}

		local, err := getTransaction(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if local.Synced {
			if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete transaction %s: %w", id, err)
			}
			removed = true
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE transactions SET confirmed = '0.00', base_updated_at = 0 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to reset %s after server deletion: %w", id, err)
		}
		return nil
	})
	return removed, err
}

// ConfirmPushed records the server's acceptance of a pushed row. local is
// the row as it was sent; the provisional row (if any) is replaced by the
// server record in one SQL transaction. If the row was edited again while
// the push was in flight, the newer local content is kept unsynced on top
// of the server version.
func (db *DB) ConfirmPushed(ctx context.Context, local schema.Transaction, server schema.Transaction) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getTransaction(ctx, tx, local.ID)
		if errors.Is(err, ErrNotFound) {
			// Deleted locally while the push was in flight; the tombstone
			// (if any) will remove the server copy.
			return nil
		}
		if err != nil {
			return err
		}

		if current.ID != server.ID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, current.ID); err != nil {
				return fmt.Errorf("failed to replace provisional %s: %w", current.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE delete_queue SET entity_id = ? WHERE entity_id = ?`, server.ID, current.ID); err != nil {
				return fmt.Errorf("failed to rekey tombstone for %s: %w", current.ID, err)
			}
		}

		if current.UpdatedAt != local.UpdatedAt {
			current.ID = server.ID
			current.ClientRef = server.ClientRef
			current.Confirmed = server.Signed()
			current.BaseUpdatedAt = server.UpdatedAt
			current.Synced = false
			return upsertRow(ctx, tx, current, false)
		}

		row := server
		row.Synced = true
		row.Confirmed = server.Signed()
		row.BaseUpdatedAt = server.UpdatedAt
		if err := upsertRow(ctx, tx, &row, false); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, server.ID)
		return err
	})
}

func sameContent(a, b *schema.Transaction) bool {
	return a.Amount.Equal(b.Amount) &&
		a.Type == b.Type &&
		a.Category == b.Category &&
		a.Description == b.Description &&
		a.Date.Equal(b.Date)
}
