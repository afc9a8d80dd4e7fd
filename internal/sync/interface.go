package sync

import (
	"context"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
)

// LocalStore is the replica capability the engine needs. The engine never
// sees SQL; replica.DB implements it.
type LocalStore interface {
	// LoadSession returns the stored session, or an empty one.
	LoadSession(ctx context.Context) (schema.Session, error)

	// SaveSession persists the session.
	SaveSession(ctx context.Context, s schema.Session) error

	// ApplyServerTransaction upserts a pulled record as synced. A row with
	// local edits is kept and false is returned. Must be idempotent.
	ApplyServerTransaction(ctx context.Context, tx schema.Transaction) (bool, error)

	// ApplyServerDeletion applies a pulled deletion. Missing ids are not an
	// error.
	ApplyServerDeletion(ctx context.Context, id string) (bool, error)

	// ReplaceCategory stores a pulled category.
	ReplaceCategory(ctx context.Context, c schema.Category) error

	// UnsyncedTransactions returns every row with local edits.
	UnsyncedTransactions(ctx context.Context, userID string) ([]schema.Transaction, error)

	// PushCandidates returns the unsynced rows to push, in append order.
	PushCandidates(ctx context.Context, userID string) ([]schema.Transaction, error)

	// MarkPushAttempted records that rows were sent to the server.
	MarkPushAttempted(ctx context.Context, ids []string) error

	// ConfirmPushed replaces the row as it was sent with the server record.
	ConfirmPushed(ctx context.Context, sent, server schema.Transaction) error

	// RecordConflict stores the server copy that rejected a local edit.
	RecordConflict(ctx context.Context, localID string, server schema.Transaction) error

	// RecordPushError stores why the server rejected a row.
	RecordPushError(ctx context.Context, id, msg string) error

	// DeleteQueue returns the user's queued tombstones in enqueue order.
	DeleteQueue(ctx context.Context, userID string) ([]schema.DeleteQueueEntry, error)

	// Dequeue removes a tombstone.
	Dequeue(ctx context.Context, seq int64) error
}

// Remote is the server API the engine talks to. Implementations wrap
// failures in ErrNetwork, ErrUnauthorized, ErrServer and ErrNotFound.
type Remote interface {
	Pull(ctx context.Context, token string, cursor int64) (*schema.PullResponse, error)
	Push(ctx context.Context, token string, req schema.PushRequest) (*schema.PushResponse, error)
	Delete(ctx context.Context, token, id string) (*schema.DeleteResponse, error)
	Balance(ctx context.Context, token string) (money.Amount, error)
}

// Connectivity reports whether the server is reachable right now.
type Connectivity interface {
	Online(ctx context.Context) bool
}
