package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/connectivity"
	"github.com/fintrack/fintrack/internal/remote"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	fsync "github.com/fintrack/fintrack/internal/sync"
	"github.com/fintrack/fintrack/internal/ui"
)

var _ fsync.LocalStore = (*replica.DB)(nil)

// Exit codes distinguish what the user should do next.
const (
	exitError     = 1
	exitRetryable = 2 // try again later
	exitAuth      = 3 // sign in again
)

func exitCode(err error) int {
	switch {
	case fsync.IsFatal(err):
		return exitAuth
	case fsync.IsRetryable(err):
		return exitRetryable
	default:
		return exitError
	}
}

func openReplica() (*replica.DB, error) {
	db, err := replica.Open(cfg.Client.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	db.SetLogger(logger)
	return db, nil
}

// serverURL prefers the server the session signed in to.
func serverURL(session schema.Session) string {
	if session.ServerURL != "" {
		return session.ServerURL
	}
	return strings.TrimRight(cfg.Client.ServerURL, "/")
}

func newRemote(url string) *remote.Client {
	return remote.New(url, remote.WithTimeout(cfg.Client.RequestTimeout))
}

func newOracle(url string) *connectivity.Prober {
	return connectivity.NewProber(url, cfg.Client.ProbeURL, cfg.Client.ProbeTimeout)
}

func newEngine(db *replica.DB, session schema.Session) *fsync.Engine {
	url := serverURL(session)
	return fsync.New(db, newRemote(url), newOracle(url), fsync.WithLogger(logger))
}

// requireSession returns the signed-in session or fsync.ErrNoSession.
func requireSession(ctx context.Context, db *replica.DB) (schema.Session, error) {
	session, err := db.LoadSession(ctx)
	if err != nil {
		return session, err
	}
	if !session.SignedIn() {
		return session, fmt.Errorf("%w (run 'fintrack login')", fsync.ErrNoSession)
	}
	return session, nil
}

// withReplica opens the replica, loads the signed-in session and runs fn.
func withReplica(ctx context.Context, fn func(db *replica.DB, session schema.Session) error) error {
	db, err := openReplica()
	if err != nil {
		return err
	}
	defer db.Close()

	session, err := requireSession(ctx, db)
	if err != nil {
		return err
	}
	return fn(db, session)
}

func printReport(r *fsync.Report) {
	icon := ui.RenderPass("✓")
	switch r.Outcome {
	case fsync.OutcomePartial:
		icon = ui.RenderWarn("⚠")
	case fsync.OutcomeFailed:
		icon = ui.RenderFail("✗")
	}
	fmt.Printf("%s Sync %s in %v\n", icon, r.Outcome, r.Duration.Round(time.Millisecond))
	fmt.Print(ui.KeyValue(
		"Pulled", fmt.Sprintf("%d (%d deletions, %d deferred)", r.Pulled, r.PulledDeletions, r.Deferred),
		"Pushed", fmt.Sprint(r.Pushed),
		"Deleted", fmt.Sprintf("%d (%d failed)", r.Flushed, r.FlushFailed),
		"Balance", ui.RenderAmount(r.Balance.String()),
	))
	for _, c := range r.Conflicts {
		fmt.Printf("   %s conflict on %s: server copy changed (see 'fintrack tx conflicts')\n", ui.RenderWarn("!"), c.ServerData.ID)
	}
	for _, e := range r.Errors {
		fmt.Printf("   %s rejected %s: %s\n", ui.RenderFail("!"), pushErrorID(e), e.Error)
	}
	for _, w := range r.Warnings {
		fmt.Printf("   %s %s\n", ui.RenderMuted("note:"), w)
	}
}

func pushErrorID(e schema.PushError) string {
	if e.ID != "" {
		return e.ID
	}
	return e.ClientRef
}

// describeSyncError adds a hint to the errors a user can act on.
func describeSyncError(err error) error {
	switch {
	case errors.Is(err, fsync.ErrOffline):
		return fmt.Errorf("%w; changes stay queued locally", err)
	case fsync.IsFatal(err):
		return fmt.Errorf("%w; run 'fintrack login' again", err)
	}
	return err
}
