package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fintrack/fintrack/internal/importer"
	"github.com/fintrack/fintrack/internal/loadtest"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var newsCmd = &cobra.Command{
	Use:     "news",
	GroupID: "account",
	Short:   "Show financial news from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			resp, err := newRemote(serverURL(session)).News(ctx, session.Token)
			if err != nil {
				return describeSyncError(err)
			}
			if resp.Degraded {
				fmt.Printf("%s News feed unavailable; showing cached or sample articles\n\n", ui.RenderWarn("⚠"))
			}
			for _, a := range resp.Articles {
				fmt.Printf("%s %s\n", ui.RenderBold(a.Title), ui.RenderMuted(a.PublishedAt.Format("2006-01-02")))
				if a.Summary != "" {
					fmt.Printf("   %s\n", a.Summary)
				}
				if a.URL != "" {
					fmt.Printf("   %s\n", ui.RenderAccent(a.URL))
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		out, err := cfg.Redacted().Encode(format)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "ledger",
	Short:   "Import transactions from a JSONL file",
	Long: `Import transactions, one JSON object per line:

  {"amount":"12.50","type":"expense","category":"food","description":"Lunch","date":"2026-03-01"}

Imported rows are local changes and reach the server on the next sync.
Invalid lines are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			result, err := importer.Import(ctx, db, importer.Options{
				Path:   args[0],
				Owner:  session.UserID,
				DryRun: dryRun,
				Backup: backup,
			})
			if err != nil {
				return err
			}

			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Printf("%s %s %d of %d transaction(s), net %s\n", ui.RenderPass("✓"), verb,
				result.Imported, result.Lines, ui.RenderAmount(result.Total.String()))
			if result.BackupCreated != "" {
				fmt.Printf("   Backup: %s\n", result.BackupCreated)
			}
			for _, e := range result.Errors {
				fmt.Printf("   %s %v\n", ui.RenderFail("✗"), e)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d line(s) rejected", len(result.Errors))
			}
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file.jsonl]",
	GroupID: "ledger",
	Short:   "Export transactions as JSONL (stdout by default)",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			if len(args) == 0 {
				_, err := importer.Export(ctx, db, session.UserID, os.Stdout)
				return err
			}
			n, err := importer.ExportFile(ctx, db, session.UserID, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s Exported %d transaction(s) to %s\n", ui.RenderPass("✓"), n, args[0])
			return nil
		})
	},
}

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Sync many simulated devices against one account",
	Long: `Simulate devices that share one account: each creates transactions
offline, all sync at once, each deletes some of its rows and syncs again.
The run fails unless the server balance and every device's balance equal
the sum of the surviving transactions.

Without --server an in-process server with a fresh ledger is used. Against
a real server a throwaway account is registered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()
		opts := loadtest.DefaultOptions()
		opts.Devices, _ = flags.GetInt("devices")
		opts.TxPerDevice, _ = flags.GetInt("transactions")
		opts.DeleteEvery, _ = flags.GetInt("delete-every")
		opts.Seed, _ = flags.GetInt64("seed")
		url, _ := flags.GetString("server")

		if url == "" {
			dir, err := os.MkdirTemp("", "fintrack-loadtest-server-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			local, err := loadtest.StartLocal(ctx, dir, logger)
			if err != nil {
				return err
			}
			defer local.Close()
			url = local.URL
		}
		acct, err := loadtest.NewAccount(ctx, url)
		if err != nil {
			return err
		}

		fmt.Printf("%s %d device(s) x %d transaction(s) against %s\n",
			ui.RenderAccent("▶"), opts.Devices, opts.TxPerDevice, url)
		result, err := loadtest.Run(ctx, acct, opts)
		if err != nil {
			return err
		}

		fmt.Print(ui.KeyValue(
			"Created", fmt.Sprint(result.Created),
			"Deleted", fmt.Sprint(result.Deleted),
			"Conflicts", fmt.Sprint(result.Conflicts),
			"Expected", result.Expected.String(),
			"Server", result.Server.String(),
			"Elapsed", result.Elapsed.Round(time.Millisecond).String(),
		))
		fmt.Printf("\n%s\n", ui.RenderBold("Sync cycle latency"))
		fmt.Print(ui.KeyValue(result.Latency.Pairs()...))

		if !result.OK() {
			for _, m := range result.Mismatch {
				fmt.Printf("   %s %s\n", ui.RenderFail("✗"), m)
			}
			return errors.New("balances disagree")
		}
		fmt.Printf("\n%s All balances agree\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "output format: yaml, toml or json")
	configCmd.AddCommand(configShowCmd)

	importCmd.Flags().Bool("dry-run", false, "validate without writing")
	importCmd.Flags().Bool("backup", false, "copy the input file aside first")

	def := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("devices", def.Devices, "simulated devices")
	loadtestCmd.Flags().Int("transactions", def.TxPerDevice, "transactions per device")
	loadtestCmd.Flags().Int("delete-every", def.DeleteEvery, "delete every n-th transaction (0 disables)")
	loadtestCmd.Flags().Int64("seed", def.Seed, "random seed")
	loadtestCmd.Flags().String("server", "", "server URL (default: in-process server)")

	rootCmd.AddCommand(newsCmd, configCmd, importCmd, exportCmd, loadtestCmd)
}
