// Command fintrack is the ledger server and the offline-first client in one
// binary.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fintrack/fintrack/internal/config"
	"github.com/fintrack/fintrack/internal/logging"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	noColor  bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "fintrack",
	Short: "Offline-first personal finance ledger",
	Long: `fintrack keeps a personal ledger on this device and syncs it with a
fintrack server when one is reachable.

Edits are always made locally first. 'fintrack sync' exchanges changes with
the server, and 'fintrack daemon' keeps doing so in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, logCloser, err = logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
		if err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./fintrack.yaml or ~/.config/fintrack/fintrack.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "ledger", Title: "Ledger:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		cancel()
		os.Exit(exitCode(err))
	}
}
