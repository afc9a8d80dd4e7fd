package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/budget"
	"github.com/fintrack/fintrack/internal/daemon"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	fsync "github.com/fintrack/fintrack/internal/sync"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Exchange changes with the server: pull what changed since the last
sync, push local edits, then send queued deletions.

Conflicting edits and rejected rows are reported and kept locally; resolve
them with 'fintrack tx resolve'.

Exit status is 2 when the server could not be reached (try again later) and
3 when the credential was rejected (sign in again).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			report, err := newEngine(db, session).Run(ctx)
			if report != nil {
				printReport(report)
			}
			if err != nil {
				return describeSyncError(err)
			}
			checkBudgets(ctx, db, session.UserID)
			return nil
		})
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon syncs:
  1. at startup and every client.sync_interval
  2. when the server becomes reachable again
  3. shortly after another fintrack command edits the local database
  4. when another device changes the ledger (websocket notification)

It stops when the credential is rejected, or on Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			url := serverURL(session)
			engine := fsync.New(db, newRemote(url), newOracle(url), fsync.WithLogger(logger))

			base := filepath.Base(db.Path())
			conf := &daemon.Config{
				Interval:   cfg.Client.SyncInterval,
				Debounce:   cfg.Client.Debounce,
				WatchDir:   filepath.Dir(db.Path()),
				WatchFiles: []string{base, base + "-wal"},
				Token:      session.Token,
				Logger:     logger,
				OnCycle: func(reason string, report *fsync.Report, err error) {
					if report == nil {
						return
					}
					stamp := ui.RenderMuted(time.Now().Format("15:04:05"))
					if err != nil {
						fmt.Printf("%s %s sync (%s): %v\n", stamp, ui.RenderFail("✗"), reason, err)
						return
					}
					fmt.Printf("%s %s sync (%s): %s, pulled %d, pushed %d, balance %s\n",
						stamp, ui.RenderPass("✓"), reason, report.Outcome, report.Pulled, report.Pushed,
						ui.RenderAmount(report.Balance.String()))
					checkBudgets(ctx, db, session.UserID)
				},
			}
			if noWS, _ := cmd.Flags().GetBool("no-websocket"); !noWS {
				conf.NotifyURL = websocketURL(url)
			}

			d, err := daemon.New(engine, newOracle(url), conf)
			if err != nil {
				return err
			}

			fmt.Printf("%s Sync daemon for %s\n", ui.RenderAccent("▶"), session.Email)
			fmt.Print(ui.KeyValue(
				"Server", url,
				"Database", db.Path(),
				"Interval", conf.Interval.String(),
			))
			fmt.Printf("\nPress Ctrl+C to stop\n\n")

			if err := d.Start(ctx); err != nil {
				return describeSyncError(err)
			}
			st := d.Stats()
			fmt.Printf("\nStopped after %d cycle(s), %d failed\n", st.Cycles, st.Failures)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state without contacting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openReplica()
		if err != nil {
			return err
		}
		defer db.Close()

		session, err := db.LoadSession(ctx)
		if err != nil {
			return err
		}
		if !session.SignedIn() {
			fmt.Printf("\n%s Not signed in\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'fintrack login' or 'fintrack register'\n\n")
			return nil
		}

		rec, err := newEngine(db, session).Balance(ctx)
		if err != nil {
			return err
		}
		conflicts, err := db.Conflicts(ctx)
		if err != nil {
			return err
		}

		lastSync := "never"
		if session.LastSyncAt > 0 {
			lastSync = fmt.Sprintf("%s (%s)", time.UnixMilli(session.LastSyncAt).Format("2006-01-02 15:04:05"), session.LastOutcome)
		}
		online := ui.RenderFail("unreachable")
		if newOracle(serverURL(session)).Online(ctx) {
			online = ui.RenderPass("reachable")
		}

		fmt.Printf("\n%s\n", ui.RenderBold("Sync Status"))
		fmt.Print(ui.KeyValue(
			"User", session.Email,
			"Server", serverURL(session)+" "+online,
			"Database", db.Path(),
			"Last sync", lastSync,
			"Unsynced", fmt.Sprint(rec.UnsyncedCount),
			"Queued deletes", fmt.Sprint(rec.QueuedDeletes),
			"Conflicts", fmt.Sprint(len(conflicts)),
			"Balance", ui.RenderAmount(rec.Displayed.String()),
		))
		fmt.Println()
		return nil
	},
}

func websocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://") + "/ws"
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://") + "/ws"
	}
	return httpURL + "/ws"
}

// checkBudgets raises budget notifications after a cycle brought in new
// expenses. Failures are logged, never fatal to the sync.
func checkBudgets(ctx context.Context, db *replica.DB, owner string) {
	created, err := budget.New(db, logger).Check(ctx, owner, time.Now())
	if err != nil {
		logger.Warn("budget check failed", "error", err)
		return
	}
	for _, n := range created {
		fmt.Fprintf(os.Stdout, "   %s %s: %s\n", levelIcon(n.Level), n.Title, n.Message)
	}
}

func levelIcon(l budget.Level) string {
	switch l {
	case budget.LevelCritical:
		return ui.RenderFail("●")
	case budget.LevelWarning:
		return ui.RenderWarn("●")
	}
	return ui.RenderAccent("●")
}

func init() {
	daemonCmd.Flags().Bool("no-websocket", false, "do not listen for server change notifications")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
}
