package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
)

// Pull returns everything the user's devices need to catch up from cursor:
// transactions and categories modified after it, ids deleted after it, the
// settings blob and the current balance.
//
// The returned timestamp is read inside the same transaction as the queries
// and set one millisecond back, so a write committed afterwards always has
// updated_at greater than it.
func (s *Store) Pull(ctx context.Context, userID string, cursor int64) (*schema.PullResponse, error) {
	resp := &schema.PullResponse{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		resp.Timestamp = s.Now() - 1

		var err error
		if resp.Transactions, err = transactionsModifiedSince(ctx, tx, userID, cursor); err != nil {
			return err
		}
		if resp.Deleted, err = deletedSince(ctx, tx, userID, cursor); err != nil {
			return err
		}
		if resp.Categories, err = categoriesModifiedSince(ctx, tx, cursor); err != nil {
			return err
		}
		if resp.UserSettings, err = readSettings(ctx, tx, userID); err != nil {
			return err
		}
		resp.Balance, _, err = readBalance(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ProcessPush applies a batch of client changes in request order.
//
// Each item ends in exactly one bucket:
//   - success: inserted, overwritten, or recognised as a replay of an earlier
//     insert (same clientRef)
//   - conflicts: the server copy changed after the client last saw it
//   - errors: the item failed to decode, validate or persist
//
// Item failures never abort the batch. The balance moves once, by the sum of
// the successful items' signed deltas, in the same SQL transaction as the
// item writes.
func (s *Store) ProcessPush(ctx context.Context, userID string, batch schema.PushBatch) (*schema.PushResponse, error) {
	resp := &schema.PushResponse{
		Results: schema.PushResults{
			Success:   []schema.Transaction{},
			Conflicts: []schema.Conflict{},
			Errors:    []schema.PushError{},
		},
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, _, err := readBalance(ctx, tx, userID); err != nil {
			return err
		}

		now := s.Now()
		delta := money.Zero
		for _, raw := range batch.Transactions {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := s.pushItem(ctx, tx, userID, batch.LastSyncTimestamp, raw, now, &resp.Results)
			if err != nil {
				return err
			}
			delta = delta.Add(d)
		}

		balance, err := adjustBalance(ctx, tx, userID, delta)
		if err != nil {
			return err
		}
		resp.Balance = balance
		resp.Timestamp = now

		s.logger.Debug("push applied",
			"user", userID,
			"success", len(resp.Results.Success),
			"conflicts", len(resp.Results.Conflicts),
			"errors", len(resp.Results.Errors),
			"delta", delta.String())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// pushItem applies one raw item and returns its balance delta. A non-nil
// error aborts the whole batch and is reserved for context cancellation.
func (s *Store) pushItem(ctx context.Context, tx *sql.Tx, userID string, cursor int64, raw json.RawMessage, now int64, results *schema.PushResults) (money.Amount, error) {
	var item schema.PushItem
	if err := json.Unmarshal(raw, &item); err != nil {
		results.Errors = append(results.Errors, schema.PushError{
			Data:  raw,
			Error: fmt.Sprintf("invalid transaction: %v", err),
		})
		return money.Zero, nil
	}

	fail := func(err error) (money.Amount, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return money.Zero, ctxErr
		}
		results.Errors = append(results.Errors, schema.PushError{
			ClientRef: item.ClientRef,
			ID:        item.ID,
			Data:      raw,
			Error:     err.Error(),
		})
		return money.Zero, nil
	}

	if err := validateItem(ctx, tx, &item); err != nil {
		return fail(err)
	}

	if item.ID == "" {
		if item.ClientRef != "" {
			prior, err := getByClientRef(ctx, tx, userID, item.ClientRef)
			if err == nil {
				// Replay of an insert whose response the client never saw.
				results.Success = append(results.Success, *prior)
				return money.Zero, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return fail(err)
			}
		}
		created, err := insertTransaction(ctx, tx, userID, &item, now)
		if err != nil {
			return fail(err)
		}
		results.Success = append(results.Success, *created)
		return created.Signed(), nil
	}

	existing, err := getTransaction(ctx, tx, userID, item.ID)
	if errors.Is(err, ErrNotFound) {
		created, err := insertTransaction(ctx, tx, userID, &item, now)
		if err != nil {
			return fail(err)
		}
		results.Success = append(results.Success, *created)
		return created.Signed(), nil
	}
	if err != nil {
		return fail(err)
	}

	if isConflict(existing.UpdatedAt, cursor, item.BaseUpdatedAt) {
		results.Conflicts = append(results.Conflicts, schema.Conflict{
			ClientRef:  item.ClientRef,
			ClientData: item,
			ServerData: *existing,
		})
		return money.Zero, nil
	}

	updated, err := overwriteTransaction(ctx, tx, existing, &item, now)
	if err != nil {
		return fail(err)
	}
	results.Success = append(results.Success, *updated)
	return updated.Signed().Sub(existing.Signed()), nil
}

// isConflict reports whether the server copy changed after the client last
// saw it. The client's knowledge is the later of its sync cursor and the
// record's base version. A client with neither has seen nothing, so every
// existing record conflicts.
func isConflict(serverUpdatedAt, cursor, base int64) bool {
	return serverUpdatedAt > max(cursor, base)
}
