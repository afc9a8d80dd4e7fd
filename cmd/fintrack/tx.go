package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var txCmd = &cobra.Command{
	Use:     "tx",
	GroupID: "ledger",
	Short:   "Add, edit and list transactions",
	Long: `Manage transactions in the local ledger.

Every change is made on this device first and sent to the server on the
next sync. Transactions are referred to by id; any unique prefix works.`,
}

var txAddCmd = &cobra.Command{
	Use:   "add <amount> <category> [description]",
	Short: "Record a transaction",
	Example: `  fintrack tx add 12.50 food "Lunch"
  fintrack tx add 2500 salary --income --date "last friday"`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			t := &schema.Transaction{UserID: session.UserID}
			if err := applyTxArgs(cmd, t, args); err != nil {
				return err
			}
			if !cmd.Flags().Changed("date") {
				t.Date = day(time.Now())
			}
			if err := checkCategory(ctx, db, t); err != nil {
				return err
			}
			if err := db.CreateLocal(ctx, t); err != nil {
				return err
			}
			fmt.Printf("%s Added %s %s %s on %s\n", ui.RenderPass("✓"), shortID(t.ID), t.Type,
				ui.RenderAmount(t.Signed().String()), t.Date.Format("2006-01-02"))
			return nil
		})
	},
}

var txEditCmd = &cobra.Command{
	Use:   "edit <id> [amount] [category] [description]",
	Short: "Change a transaction",
	Example: `  fintrack tx edit 3f2a 15.00
  fintrack tx edit 3f2a --category transport --date yesterday`,
	Args: cobra.RangeArgs(1, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			t, err := findTx(ctx, db, session.UserID, args[0])
			if err != nil {
				return err
			}
			if err := applyTxArgs(cmd, t, args[1:]); err != nil {
				return err
			}
			if err := checkCategory(ctx, db, t); err != nil {
				return err
			}
			if err := db.UpdateLocal(ctx, t); err != nil {
				return err
			}
			fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), shortID(t.ID))
			return nil
		})
	},
}

var txRmCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"delete"},
	Short:   "Delete transactions",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			for _, arg := range args {
				t, err := findTx(ctx, db, session.UserID, arg)
				if err != nil {
					return err
				}
				queued, err := db.DeleteLocal(ctx, t.ID)
				if err != nil {
					return err
				}
				note := ""
				if queued {
					note = ui.RenderMuted(" (server deletion queued)")
				}
				fmt.Printf("%s Deleted %s%s\n", ui.RenderPass("✓"), shortID(t.ID), note)
			}
			return nil
		})
	},
}

var txListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List transactions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			txs, err := listTxs(cmd, db, session.UserID)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				fmt.Println("No transactions")
				return nil
			}
			errs, err := db.LastErrors(ctx, session.UserID)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(txs))
			for _, t := range txs {
				state := ""
				switch {
				case errs[t.ID] != "":
					state = ui.RenderFail(errs[t.ID])
				case !t.Synced:
					state = ui.RenderWarn("unsynced")
				}
				rows = append(rows, []string{
					shortID(t.ID),
					t.Date.Format("2006-01-02"),
					ui.RenderAmount(t.Signed().String()),
					t.Category,
					t.Description,
					state,
				})
			}
			fmt.Print(ui.Table([]string{"ID", "DATE", "AMOUNT", "CATEGORY", "DESCRIPTION", ""}, rows))
			return nil
		})
	},
}

var txConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List edits the server refused because its copy changed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			conflicts, err := db.Conflicts(ctx)
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
				return nil
			}
			for _, c := range conflicts {
				fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), ui.RenderBold(shortID(c.Local.ID)))
				fmt.Print(ui.KeyValue(
					"Local", describeTx(c.Local),
					"Server", describeTx(c.Server),
				))
			}
			fmt.Println("\nKeep one side with 'fintrack tx resolve <id> --keep local|server'.")
			return nil
		})
	},
}

var txResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Settle a conflict by keeping the local or the server copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		keep, _ := cmd.Flags().GetString("keep")
		if keep != "local" && keep != "server" {
			return fmt.Errorf("--keep must be local or server (got %q)", keep)
		}
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			t, err := findTx(ctx, db, session.UserID, args[0])
			if err != nil {
				return err
			}
			if err := db.ResolveConflict(ctx, t.ID, keep == "local"); err != nil {
				if errors.Is(err, replica.ErrNotFound) {
					return fmt.Errorf("no conflict on %s", shortID(t.ID))
				}
				return err
			}
			fmt.Printf("%s Kept %s copy of %s\n", ui.RenderPass("✓"), keep, shortID(t.ID))
			if keep == "local" {
				fmt.Println("   It overwrites the server on the next sync.")
			}
			return nil
		})
	},
}

// applyTxArgs fills t from positional args (amount, category, description)
// and the shared flags.
func applyTxArgs(cmd *cobra.Command, t *schema.Transaction, args []string) error {
	if len(args) > 0 {
		amount, err := money.Parse(args[0])
		if err != nil {
			return err
		}
		t.Amount = amount
	}
	if len(args) > 1 {
		t.Category = args[1]
	}
	if len(args) > 2 {
		t.Description = args[2]
	}

	flags := cmd.Flags()
	if flags.Changed("category") {
		t.Category, _ = flags.GetString("category")
	}
	if flags.Changed("description") {
		t.Description, _ = flags.GetString("description")
	}
	income, _ := flags.GetBool("income")
	switch {
	case income:
		t.Type = schema.Income
	case flags.Changed("expense") || t.Type == "":
		t.Type = schema.Expense
	}
	if flags.Changed("date") {
		s, _ := flags.GetString("date")
		date, err := parseDate(s, time.Now())
		if err != nil {
			return err
		}
		t.Date = date
	}
	return nil
}

// checkCategory rejects unknown categories once the replica has pulled the
// server's list. Before the first sync anything goes; the server decides.
func checkCategory(ctx context.Context, db *replica.DB, t *schema.Transaction) error {
	cats, err := db.Categories(ctx)
	if err != nil || len(cats) == 0 {
		return err
	}
	c, err := db.Category(ctx, t.Category)
	if errors.Is(err, replica.ErrNotFound) {
		codes := make([]string, 0, len(cats))
		for _, c := range cats {
			codes = append(codes, c.Code)
		}
		return fmt.Errorf("unknown category %q (known: %s)", t.Category, strings.Join(codes, ", "))
	}
	if err != nil {
		return err
	}
	if !c.Allows(t.Type) {
		return fmt.Errorf("category %q is for %s transactions", t.Category, c.Type)
	}
	return nil
}

// findTx looks up a transaction by id or unique id prefix.
func findTx(ctx context.Context, db *replica.DB, owner, ref string) (*schema.Transaction, error) {
	if t, err := db.Transaction(ctx, ref); err == nil && t.UserID == owner {
		return t, nil
	}
	txs, err := db.TransactionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	var match *schema.Transaction
	for i := range txs {
		if !strings.HasPrefix(txs[i].ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("id prefix %q is ambiguous", ref)
		}
		match = &txs[i]
	}
	if match == nil {
		return nil, fmt.Errorf("transaction %q not found", ref)
	}
	return match, nil
}

func listTxs(cmd *cobra.Command, db *replica.DB, owner string) ([]schema.Transaction, error) {
	ctx := cmd.Context()
	flags := cmd.Flags()

	var (
		txs []schema.Transaction
		err error
	)
	if flags.Changed("month") {
		s, _ := flags.GetString("month")
		month, perr := parseMonth(s, time.Now())
		if perr != nil {
			return nil, perr
		}
		from, _ := time.Parse("2006-01", month)
		txs, err = db.TransactionsBetween(ctx, owner, from, from.AddDate(0, 1, 0))
	} else {
		txs, err = db.TransactionsByOwner(ctx, owner)
	}
	if err != nil {
		return nil, err
	}

	category, _ := flags.GetString("category")
	unsynced, _ := flags.GetBool("unsynced")
	limit, _ := flags.GetInt("limit")
	out := txs[:0]
	for _, t := range txs {
		if category != "" && t.Category != category {
			continue
		}
		if unsynced && t.Synced {
			continue
		}
		out = append(out, t)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func describeTx(t schema.Transaction) string {
	s := fmt.Sprintf("%s %s %s", t.Date.Format("2006-01-02"), t.Signed(), t.Category)
	if t.Description != "" {
		s += " " + fmt.Sprintf("%q", t.Description)
	}
	return s
}

// shortID trims server UUIDs for display; provisional ids keep their prefix.
func shortID(id string) string {
	n := 8
	if schema.IsProvisional(id) {
		n += len(schema.ProvisionalPrefix)
	}
	if len(id) > n {
		return id[:n]
	}
	return id
}

func init() {
	for _, c := range []*cobra.Command{txAddCmd, txEditCmd} {
		c.Flags().Bool("income", false, "record as income")
		c.Flags().Bool("expense", false, "record as expense (default)")
		c.Flags().String("date", "", `date: YYYY-MM-DD, RFC 3339 or a phrase like "yesterday"`)
		c.Flags().String("category", "", "category code")
		c.Flags().String("description", "", "description")
		c.MarkFlagsMutuallyExclusive("income", "expense")
	}

	txListCmd.Flags().String("month", "", "only this month (YYYY-MM or a phrase)")
	txListCmd.Flags().String("category", "", "only this category")
	txListCmd.Flags().Bool("unsynced", false, "only rows not yet on the server")
	txListCmd.Flags().Int("limit", 50, "maximum rows (0 for all)")

	txResolveCmd.Flags().String("keep", "", "which copy to keep: local or server")
	_ = txResolveCmd.MarkFlagRequired("keep")

	txCmd.AddCommand(txAddCmd, txEditCmd, txRmCmd, txListCmd, txConflictsCmd, txResolveCmd)
	rootCmd.AddCommand(txCmd)
}
