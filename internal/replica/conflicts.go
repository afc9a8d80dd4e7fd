package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fintrack/fintrack/internal/schema"
)

// Conflict pairs a local row with the server copy that rejected it.
type Conflict struct {
	Local      schema.Transaction
	Server     schema.Transaction
	DetectedAt int64
}

// RecordConflict stores the server copy of a rejected row. The local row
// stays unsynced and now counts the server's amount as confirmed, since
// that is what the server balance includes.
func (db *DB) RecordConflict(ctx context.Context, localID string, server schema.Transaction) error {
	data, err := json.Marshal(server)
	if err != nil {
		return fmt.Errorf("failed to encode server copy of %s: %w", server.ID, err)
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTransaction(ctx, tx, localID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (id, server_data, detected_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				server_data = excluded.server_data,
				detected_at = excluded.detected_at`,
			localID, string(data), db.millis())
		if err != nil {
			return fmt.Errorf("failed to record conflict for %s: %w", localID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET confirmed = ?, last_error = 'conflict: server copy changed'
			WHERE id = ?`, server.Signed(), localID)
		if err != nil {
			return fmt.Errorf("failed to update confirmed amount of %s: %w", localID, err)
		}
		return nil
	})
}

// Conflicts lists unresolved conflicts, oldest first.
func (db *DB) Conflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, server_data, detected_at FROM conflicts ORDER BY detected_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}

	type pending struct {
		id   string
		data string
		at   int64
	}
	var found []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.data, &p.at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		found = append(found, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	out := []Conflict{}
	for _, p := range found {
		local, err := db.Transaction(ctx, p.id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var server schema.Transaction
		if err := json.Unmarshal([]byte(p.data), &server); err != nil {
			return nil, fmt.Errorf("failed to decode server copy of %s: %w", p.id, err)
		}
		out = append(out, Conflict{Local: *local, Server: server, DetectedAt: p.at})
	}
	return out, nil
}

// ResolveConflict settles a conflict. Keeping the server copy overwrites
// the local row and marks it synced. Keeping the local copy rebases it on
// the server version so the next push overwrites the server.
func (db *DB) ResolveConflict(ctx context.Context, id string, keepLocal bool) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		var data string
		err := tx.QueryRowContext(ctx, `SELECT server_data FROM conflicts WHERE id = ?`, id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load conflict %s: %w", id, err)
		}
		var server schema.Transaction
		if err := json.Unmarshal([]byte(data), &server); err != nil {
			return fmt.Errorf("failed to decode server copy of %s: %w", id, err)
		}

		local, err := getTransaction(ctx, tx, id)
		if err != nil {
			return err
		}

		if keepLocal {
			local.BaseUpdatedAt = server.UpdatedAt
			local.Confirmed = server.Signed()
			local.Synced = false
			if err := upsertRow(ctx, tx, local, false); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE transactions SET last_error = '' WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to clear error on %s: %w", id, err)
			}
		} else {
			row := server
			row.Synced = true
			row.Confirmed = server.Signed()
			row.BaseUpdatedAt = server.UpdatedAt
			if err := upsertRow(ctx, tx, &row, false); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear conflict %s: %w", id, err)
		}
		return nil
	})
}
