package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fintrack/fintrack/internal/schema"
)

// Engine runs sync cycles for one replica.
type Engine struct {
	store  LocalStore
	remote Remote
	oracle Connectivity

	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces the clock used to stamp the session's last sync time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine. oracle may be nil, in which case the server is
// assumed reachable and failures surface from the first request.
func New(store LocalStore, remote Remote, oracle Connectivity, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		remote: remote,
		oracle: oracle,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run executes one sync cycle.
//
// The returned Report is non-nil whenever the cycle got past loading the
// session, including failed cycles. The error is non-nil when the cycle
// failed; use IsRetryable and IsFatal to decide what to do next.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer e.running.Store(false)

	session, err := e.store.LoadSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !session.SignedIn() {
		return nil, ErrNoSession
	}

	c := &cycle{
		Engine:  e,
		session: session,
		report: &Report{
			CursorBefore: session.Cursor,
			CursorAfter:  session.Cursor,
		},
		logger: e.logger.With("user", session.UserID, "cursor", session.Cursor),
	}
	start := e.now()
	err = c.run(ctx)
	c.report.Duration = e.now().Sub(start)
	c.finish(ctx, err)
	return c.report, err
}

// cycle holds the state of one Run.
type cycle struct {
	*Engine
	session schema.Session
	report  *Report
	logger  *slog.Logger
}

func (c *cycle) run(ctx context.Context) error {
	if c.oracle != nil && !c.oracle.Online(ctx) {
		return ErrOffline
	}

	// Every phase uses the cursor read at cycle start.
	cursor := c.session.Cursor

	pullTS, err := c.pull(ctx, cursor)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	if err := c.push(ctx, cursor); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	if err := c.flush(ctx); err != nil {
		return fmt.Errorf("delete flush failed: %w", err)
	}

	// The cycle's session only moves once the new cursor is stored; finish
	// saves it again and must not persist a cursor that failed to save.
	next := c.session
	next.Cursor = pullTS
	if err := c.store.SaveSession(ctx, next); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	c.session = next
	c.report.CursorAfter = pullTS
	c.logger.Debug("cursor advanced", "to", pullTS)

	c.refreshBalance(ctx)
	return nil
}

// pull applies everything the server changed after cursor and returns the
// server timestamp of the pull.
func (c *cycle) pull(ctx context.Context, cursor int64) (int64, error) {
	resp, err := c.remote.Pull(ctx, c.session.Token, cursor)
	if err != nil {
		return 0, err
	}

	for _, cat := range resp.Categories {
		if err := c.store.ReplaceCategory(ctx, cat); err != nil {
			return 0, err
		}
	}

	for _, tx := range resp.Transactions {
		applied, err := c.store.ApplyServerTransaction(ctx, tx)
		if err != nil {
			return 0, err
		}
		if applied {
			c.report.Pulled++
		} else {
			c.report.Deferred++
		}
	}

	for _, id := range resp.Deleted {
		removed, err := c.store.ApplyServerDeletion(ctx, id)
		if err != nil {
			return 0, err
		}
		if removed {
			c.report.PulledDeletions++
		}
	}

	if len(resp.UserSettings) > 0 {
		c.session.Settings = resp.UserSettings
	}
	c.session.CachedBalance = resp.Balance
	if err := c.store.SaveSession(ctx, c.session); err != nil {
		return 0, err
	}

	c.logger.Info("pull complete",
		"transactions", len(resp.Transactions),
		"deleted", len(resp.Deleted),
		"categories", len(resp.Categories),
		"deferred", c.report.Deferred)
	return resp.Timestamp, nil
}

// push sends unsynced rows in append order and records the outcome of each.
func (c *cycle) push(ctx context.Context, cursor int64) error {
	pending, err := c.store.PushCandidates(ctx, c.session.UserID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	req := schema.PushRequest{
		Transactions:      make([]schema.PushItem, len(pending)),
		LastSyncTimestamp: cursor,
	}
	sent := make(map[string]schema.Transaction, len(pending))
	ids := make([]string, len(pending))
	for i, tx := range pending {
		req.Transactions[i] = tx.PushItem()
		sent[tx.ID] = tx
		ids[i] = tx.ID
	}

	// Recorded before sending: if the response is lost the server may still
	// hold these rows, and a local delete must reach it.
	if err := c.store.MarkPushAttempted(ctx, ids); err != nil {
		return err
	}

	resp, err := c.remote.Push(ctx, c.session.Token, req)
	if err != nil {
		return err
	}

	for _, server := range resp.Results.Success {
		local, ok := matchSent(sent, server.ID, server.ClientRef)
		if !ok {
			c.logger.Warn("push returned unknown record", "id", server.ID, "clientRef", server.ClientRef)
			continue
		}
		if err := c.store.ConfirmPushed(ctx, local, server); err != nil {
			return err
		}
		c.report.Pushed++
	}

	for _, conflict := range resp.Results.Conflicts {
		local, ok := matchSent(sent, conflict.ClientData.ID, conflict.ClientRef)
		if !ok {
			continue
		}
		if err := c.store.RecordConflict(ctx, local.ID, conflict.ServerData); err != nil {
			return err
		}
		c.report.Conflicts = append(c.report.Conflicts, conflict)
	}

	for _, pushErr := range resp.Results.Errors {
		local, ok := matchSent(sent, pushErr.ID, pushErr.ClientRef)
		if ok {
			if err := c.store.RecordPushError(ctx, local.ID, pushErr.Error); err != nil {
				return err
			}
		}
		c.report.Errors = append(c.report.Errors, pushErr)
	}

	c.session.CachedBalance = resp.Balance
	if err := c.store.SaveSession(ctx, c.session); err != nil {
		return err
	}

	c.logger.Info("push complete",
		"sent", len(pending),
		"success", len(resp.Results.Success),
		"conflicts", len(resp.Results.Conflicts),
		"errors", len(resp.Results.Errors))
	return nil
}

// matchSent finds the local row a server result refers to. Rows the server
// has an id for match on it; rows sent with a provisional id match on the
// client reference.
func matchSent(sent map[string]schema.Transaction, id, clientRef string) (schema.Transaction, bool) {
	if id != "" {
		if tx, ok := sent[id]; ok {
			return tx, true
		}
	}
	if clientRef != "" {
		if tx, ok := sent[clientRef]; ok {
			return tx, true
		}
	}
	return schema.Transaction{}, false
}

// flush sends queued deletions in enqueue order. Entries are independent:
// a rejected entry stays queued and the next one is tried. A transport
// failure stops the phase.
func (c *cycle) flush(ctx context.Context) error {
	queue, err := c.store.DeleteQueue(ctx, c.session.UserID)
	if err != nil {
		return err
	}

	for _, entry := range queue {
		_, err := c.remote.Delete(ctx, c.session.Token, entry.EntityID)
		switch {
		case err == nil:
			if err := c.store.Dequeue(ctx, entry.Seq); err != nil {
				return err
			}
			c.session.CachedBalance = c.session.CachedBalance.Add(entry.Reversal)
			c.report.Flushed++
			c.logger.Debug("deletion confirmed", "id", entry.EntityID, "reversal", entry.Reversal.String())

		case errors.Is(err, ErrNotFound):
			// Already gone on the server: nothing left to reverse.
			if err := c.store.Dequeue(ctx, entry.Seq); err != nil {
				return err
			}
			c.report.Flushed++

		case errors.Is(err, ErrNetwork), errors.Is(err, ErrUnauthorized), ctx.Err() != nil:
			if saveErr := c.store.SaveSession(ctx, c.session); saveErr != nil {
				c.logger.Warn("failed to save session", "error", saveErr)
			}
			return err

		default:
			c.report.FlushFailed++
			c.report.Warnings = append(c.report.Warnings,
				fmt.Sprintf("delete %s: %v", entry.EntityID, err))
			c.logger.Warn("deletion rejected", "id", entry.EntityID, "error", err)
		}
	}

	if len(queue) > 0 {
		c.logger.Info("delete flush complete", "flushed", c.report.Flushed, "failed", c.report.FlushFailed)
	}
	return c.store.SaveSession(ctx, c.session)
}

// refreshBalance replaces the cached balance with the server's current
// value. Failure only adds a warning.
func (c *cycle) refreshBalance(ctx context.Context) {
	balance, err := c.remote.Balance(ctx, c.session.Token)
	if err != nil {
		c.report.Warnings = append(c.report.Warnings, fmt.Sprintf("balance refresh: %v", err))
		c.logger.Warn("balance refresh failed", "error", err)
		return
	}
	c.session.CachedBalance = balance
}

// finish stamps the outcome on the report and the session.
func (c *cycle) finish(ctx context.Context, err error) {
	c.report.Outcome = outcomeOf(c.report, err)
	c.report.Err = err
	c.report.Balance = c.session.CachedBalance

	c.session.LastSyncAt = c.now().UnixMilli()
	c.session.LastOutcome = string(c.report.Outcome)
	if saveErr := c.store.SaveSession(context.WithoutCancel(ctx), c.session); saveErr != nil {
		c.logger.Warn("failed to save session", "error", saveErr)
	}

	if err != nil {
		c.logger.Warn("sync cycle failed", "outcome", c.report.Outcome, "error", err)
		return
	}
	c.logger.Info("sync cycle complete",
		"outcome", c.report.Outcome,
		"pulled", c.report.Pulled,
		"pushed", c.report.Pushed,
		"flushed", c.report.Flushed,
		"balance", c.report.Balance.String(),
		"duration", c.report.Duration)
}
