package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:     "balance",
	GroupID: "ledger",
	Short:   "Show the balance, including changes not yet synced",
	Long: `Show the balance as this device sees it: the last balance the server
reported plus the effect of local changes it has not applied yet. Works
offline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			rec, err := newEngine(db, session).Balance(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", ui.RenderBold("Balance:"), ui.RenderAmount(rec.Displayed.String()))
			if !rec.Pending.IsZero() || rec.UnsyncedCount > 0 || rec.QueuedDeletes > 0 {
				fmt.Print(ui.KeyValue(
					"Server", rec.Server.String(),
					"Pending", fmt.Sprintf("%s (%d unsynced, %d queued deletions)", rec.Pending, rec.UnsyncedCount, rec.QueuedDeletes),
				))
			}
			return nil
		})
	},
}

// Summary totals transactions over a period.
type Summary struct {
	Income     money.Amount
	Expense    money.Amount
	Net        money.Amount
	Count      int
	ByCategory []CategoryTotal
}

// CategoryTotal is one category's share of a summary.
type CategoryTotal struct {
	Category string
	Type     schema.TxType
	Total    money.Amount
	Count    int
	Percent  float64 // of the income or expense total of its type
}

// summarize totals txs. Categories are ordered by type (expense first),
// then largest total.
func summarize(txs []schema.Transaction) Summary {
	s := Summary{Income: money.Zero, Expense: money.Zero}
	type key struct {
		cat string
		typ schema.TxType
	}
	totals := make(map[key]*CategoryTotal)
	for _, t := range txs {
		s.Count++
		if t.Type == schema.Income {
			s.Income = s.Income.Add(t.Amount)
		} else {
			s.Expense = s.Expense.Add(t.Amount)
		}
		k := key{t.Category, t.Type}
		ct, ok := totals[k]
		if !ok {
			ct = &CategoryTotal{Category: t.Category, Type: t.Type, Total: money.Zero}
			totals[k] = ct
		}
		ct.Total = ct.Total.Add(t.Amount)
		ct.Count++
	}
	s.Net = s.Income.Sub(s.Expense)

	for _, ct := range totals {
		base := s.Expense
		if ct.Type == schema.Income {
			base = s.Income
		}
		ct.Percent = ct.Total.Percent(base)
		s.ByCategory = append(s.ByCategory, *ct)
	}
	sort.Slice(s.ByCategory, func(i, j int) bool {
		a, b := s.ByCategory[i], s.ByCategory[j]
		if a.Type != b.Type {
			return a.Type == schema.Expense
		}
		if c := a.Total.Cmp(b.Total); c != 0 {
			return c > 0
		}
		return a.Category < b.Category
	})
	return s
}

var reportCmd = &cobra.Command{
	Use:     "report",
	GroupID: "ledger",
	Short:   "Summarize income and expenses over a period",
	Example: `  fintrack report                      # this month
  fintrack report --month 2026-03
  fintrack report --from 2026-01-01 --to 2026-04-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		from, to, err := reportRange(cmd, time.Now())
		if err != nil {
			return err
		}
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			return printSummary(ctx, db, session.UserID, from, to)
		})
	},
}

// reportRange returns [from, to) from --month or --from/--to; the default
// is the current month.
func reportRange(cmd *cobra.Command, now time.Time) (time.Time, time.Time, error) {
	flags := cmd.Flags()
	if flags.Changed("from") || flags.Changed("to") {
		fromStr, _ := flags.GetString("from")
		toStr, _ := flags.GetString("to")
		from, err := parseDate(fromStr, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to := day(now).AddDate(0, 0, 1)
		if toStr != "" {
			if to, err = parseDate(toStr, now); err != nil {
				return time.Time{}, time.Time{}, err
			}
		}
		if !to.After(from) {
			return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
		}
		return from, to, nil
	}

	monthStr, _ := flags.GetString("month")
	month, err := parseMonth(monthStr, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	from, _ := time.Parse("2006-01", month)
	return from, from.AddDate(0, 1, 0), nil
}

func printSummary(ctx context.Context, db *replica.DB, owner string, from, to time.Time) error {
	txs, err := db.TransactionsBetween(ctx, owner, from, to)
	if err != nil {
		return err
	}
	s := summarize(txs)

	fmt.Printf("\n%s %s to %s\n", ui.RenderBold("Report"),
		from.Format("2006-01-02"), to.AddDate(0, 0, -1).Format("2006-01-02"))
	fmt.Print(ui.KeyValue(
		"Income", ui.RenderAmount(s.Income.String()),
		"Expenses", ui.RenderAmount(s.Expense.Neg().String()),
		"Net", ui.RenderAmount(s.Net.String()),
		"Transactions", fmt.Sprint(s.Count),
	))
	if len(s.ByCategory) == 0 {
		fmt.Println()
		return nil
	}

	rows := make([][]string, 0, len(s.ByCategory))
	for _, ct := range s.ByCategory {
		rows = append(rows, []string{
			ct.Category,
			string(ct.Type),
			ct.Total.String(),
			fmt.Sprintf("%.1f%%", ct.Percent),
			fmt.Sprint(ct.Count),
		})
	}
	fmt.Println()
	fmt.Print(ui.Table([]string{"CATEGORY", "TYPE", "TOTAL", "SHARE", "COUNT"}, rows))
	fmt.Println()
	return nil
}

func init() {
	reportCmd.Flags().String("month", "", "month to report (YYYY-MM or a phrase, default current)")
	reportCmd.Flags().String("from", "", "start date, inclusive")
	reportCmd.Flags().String("to", "", "end date, exclusive (default tomorrow)")
	reportCmd.MarkFlagsMutuallyExclusive("month", "from")
	reportCmd.MarkFlagsMutuallyExclusive("month", "to")

	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(reportCmd)
}
