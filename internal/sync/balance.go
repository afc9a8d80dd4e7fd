package sync

import (
	"context"
	"fmt"

	"github.com/fintrack/fintrack/internal/money"
)

// Reconciliation is the balance the user sees, split into what the server
// has confirmed and what is still pending on this device.
type Reconciliation struct {
	// Server is the last balance the server reported.
	Server money.Amount
	// Pending is the effect of local edits and deletions the server has not
	// applied yet.
	Pending money.Amount
	// Displayed is Server + Pending.
	Displayed money.Amount

	UnsyncedCount int
	QueuedDeletes int
}

// Balance computes the displayed balance from the replica alone. It never
// touches the network.
//
// Each unsynced row contributes its signed amount minus the amount the
// server already counts for it. Each queued deletion contributes its
// reversal. Rows and queued deletions are disjoint, so no id is counted
// twice.
func (e *Engine) Balance(ctx context.Context) (*Reconciliation, error) {
	session, err := e.store.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	unsynced, err := e.store.UnsyncedTransactions(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	queue, err := e.store.DeleteQueue(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	pending := money.Zero
	for _, tx := range unsynced {
		pending = pending.Add(tx.Signed().Sub(tx.Confirmed))
	}
	for _, entry := range queue {
		pending = pending.Add(entry.Reversal)
	}

	return &Reconciliation{
		Server:        session.CachedBalance,
		Pending:       pending,
		Displayed:     session.CachedBalance.Add(pending),
		UnsyncedCount: len(unsynced),
		QueuedDeletes: len(queue),
	}, nil
}
