package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fintrack/fintrack/internal/schema"
	"github.com/google/uuid"
)

// PutRecord inserts or replaces a client-owned record. A missing id is
// generated. The record is marked unsynced; records are never pushed, the
// flag only tells the user which rows exist on this device alone.
func (db *DB) PutRecord(ctx context.Context, r *schema.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Kind == "" {
		return fmt.Errorf("record %s has no kind", r.ID)
	}
	if !json.Valid(r.Data) {
		return fmt.Errorf("record %s: payload is not valid JSON", r.ID)
	}
	r.UpdatedAt = db.millis()
	r.Synced = false

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO records (id, kind, user_id, synced, updated_at, data)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			user_id = excluded.user_id,
			synced = 0,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		r.ID, string(r.Kind), r.UserID, r.UpdatedAt, string(r.Data))
	if err != nil {
		return fmt.Errorf("failed to store %s record %s: %w", r.Kind, r.ID, err)
	}
	return nil
}

// Record returns one record by id.
func (db *DB) Record(ctx context.Context, id string) (*schema.Record, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, kind, user_id, synced, updated_at, data FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return r, nil
}

// Records lists the user's records of one kind, most recent first.
func (db *DB) Records(ctx context.Context, kind schema.RecordKind, userID string) ([]schema.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, kind, user_id, synced, updated_at, data FROM records
		WHERE kind = ? AND user_id = ?
		ORDER BY updated_at DESC, id`,
		string(kind), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", kind, err)
	}
	return scanRecords(rows)
}

// UnsyncedRecords lists records of one kind that exist only on this device.
func (db *DB) UnsyncedRecords(ctx context.Context, kind schema.RecordKind) ([]schema.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, kind, user_id, synced, updated_at, data FROM records
		WHERE kind = ? AND synced = 0
		ORDER BY updated_at, id`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced %s records: %w", kind, err)
	}
	return scanRecords(rows)
}

// DeleteRecord removes a record. Missing ids are not an error.
func (db *DB) DeleteRecord(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

func scanRecord(row rowScanner) (*schema.Record, error) {
	var (
		r      schema.Record
		kind   string
		synced int
		data   string
	)
	if err := row.Scan(&r.ID, &kind, &r.UserID, &synced, &r.UpdatedAt, &data); err != nil {
		return nil, err
	}
	r.Kind = schema.RecordKind(kind)
	r.Synced = synced == 1
	r.Data = json.RawMessage(data)
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]schema.Record, error) {
	defer rows.Close()

	out := []schema.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
