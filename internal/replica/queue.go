package replica

import (
	"context"
	"fmt"

	"github.com/fintrack/fintrack/internal/schema"
)

// enqueue inserts a tombstone unless one is already queued for the entity.
// Returns whether a new entry was added.
func enqueue(ctx context.Context, q querier, e schema.DeleteQueueEntry) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO delete_queue (user_id, entity_type, entity_id, enqueued_at, reversal)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO NOTHING`,
		e.UserID, e.EntityType, e.EntityID, e.EnqueuedAt, e.Reversal)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue deletion of %s: %w", e.EntityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue deletion of %s: %w", e.EntityID, err)
	}
	return n > 0, nil
}

// Enqueue adds a tombstone for an entity owned by userID. Enqueuing an id
// that is already queued is a no-op and returns false.
func (db *DB) Enqueue(ctx context.Context, userID, entityType, entityID string) (bool, error) {
	return enqueue(ctx, db.conn, schema.DeleteQueueEntry{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		EnqueuedAt: db.millis(),
	})
}

// DeleteQueue returns the tombstones queued by userID in insertion order.
// Other accounts' deletions stay queued until their owner syncs.
func (db *DB) DeleteQueue(ctx context.Context, userID string) ([]schema.DeleteQueueEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT seq, user_id, entity_type, entity_id, enqueued_at, reversal
		FROM delete_queue WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delete queue: %w", err)
	}
	defer rows.Close()

	out := []schema.DeleteQueueEntry{}
	for rows.Next() {
		var e schema.DeleteQueueEntry
		if err := rows.Scan(&e.Seq, &e.UserID, &e.EntityType, &e.EntityID, &e.EnqueuedAt, &e.Reversal); err != nil {
			return nil, fmt.Errorf("failed to scan delete queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delete queue: %w", err)
	}
	return out, nil
}

// Dequeue removes a tombstone after the server confirmed the deletion.
func (db *DB) Dequeue(ctx context.Context, seq int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM delete_queue WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to dequeue %d: %w", seq, err)
	}
	return nil
}
