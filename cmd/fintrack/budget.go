package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/budget"
	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var budgetCmd = &cobra.Command{
	Use:     "budget",
	GroupID: "ledger",
	Short:   "Monthly spending limits per category",
	Long: `Set monthly spending limits per expense category.

After each sync, spending is compared with the limits and a notification is
raised at 75%, 90% and 100% of a limit, each at most once per month.`,
}

var budgetSetCmd = &cobra.Command{
	Use:     "set <category> <limit>",
	Short:   "Set the limit for a category",
	Example: `  fintrack budget set food 400 --month 2026-03`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, err := money.Parse(args[1])
		if err != nil {
			return err
		}
		monthStr, _ := cmd.Flags().GetString("month")
		month, err := parseMonth(monthStr, time.Now())
		if err != nil {
			return err
		}
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			b, err := budget.New(db, logger).SetBudget(ctx, session.UserID, args[0], month, limit)
			if err != nil {
				return err
			}
			fmt.Printf("%s Budget for %s in %s: %s\n", ui.RenderPass("✓"), b.Category, b.Month, b.Limit)
			return nil
		})
	},
}

var budgetListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show budgets and spending for a month",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		monthStr, _ := cmd.Flags().GetString("month")
		month, err := parseMonth(monthStr, time.Now())
		if err != nil {
			return err
		}
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			usage, err := budget.New(db, logger).Usage(ctx, session.UserID, month)
			if err != nil {
				return err
			}
			if len(usage) == 0 {
				fmt.Printf("No budgets for %s\n", month)
				return nil
			}
			rows := make([][]string, 0, len(usage))
			for _, u := range usage {
				pct := fmt.Sprintf("%.1f%%", u.Percent)
				switch {
				case u.Percent >= 100:
					pct = ui.RenderFail(pct)
				case u.Percent >= 75:
					pct = ui.RenderWarn(pct)
				}
				rows = append(rows, []string{shortID(u.ID), u.Category, u.Spent.String(), u.Limit.String(), pct})
			}
			fmt.Printf("%s %s\n", ui.RenderBold("Budgets"), month)
			fmt.Print(ui.Table([]string{"ID", "CATEGORY", "SPENT", "LIMIT", "USED"}, rows))
			return nil
		})
	},
}

var budgetRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			m := budget.New(db, logger)
			all, err := m.Budgets(ctx, session.UserID)
			if err != nil {
				return err
			}
			id := ""
			for _, b := range all {
				if strings.HasPrefix(b.ID, args[0]) {
					if id != "" {
						return fmt.Errorf("id prefix %q is ambiguous", args[0])
					}
					id = b.ID
				}
			}
			if id == "" {
				return fmt.Errorf("budget %q not found", args[0])
			}
			if err := m.DeleteBudget(ctx, session.UserID, id); err != nil {
				return err
			}
			fmt.Printf("%s Removed budget %s\n", ui.RenderPass("✓"), shortID(id))
			return nil
		})
	},
}

var budgetCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare spending with limits now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			created, err := budget.New(db, logger).Check(ctx, session.UserID, time.Now())
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Printf("%s No new alerts\n", ui.RenderPass("✓"))
			}
			for _, n := range created {
				fmt.Printf("%s %s: %s\n", levelIcon(n.Level), n.Title, n.Message)
			}
			return nil
		})
	},
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	GroupID: "ledger",
	Aliases: []string{"notif"},
	Short:   "List budget alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		unread, _ := cmd.Flags().GetBool("unread")
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			list, err := budget.New(db, logger).Notifications(ctx, session.UserID, unread)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No notifications")
				return nil
			}
			for _, n := range list {
				title := n.Title
				if !n.Read {
					title = ui.RenderBold(title)
				}
				fmt.Printf("%s %s %s %s\n", levelIcon(n.Level), ui.RenderMuted(shortID(n.ID)), title,
					ui.RenderMuted(n.CreatedAt.Local().Format("2006-01-02 15:04")))
				fmt.Printf("   %s\n", n.Message)
			}
			return nil
		})
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [id]",
	Short: "Mark a notification, or all of them, as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			m := budget.New(db, logger)
			id := ""
			if len(args) == 1 {
				list, err := m.Notifications(ctx, session.UserID, false)
				if err != nil {
					return err
				}
				for _, n := range list {
					if strings.HasPrefix(n.ID, args[0]) {
						id = n.ID
						break
					}
				}
				if id == "" {
					return fmt.Errorf("notification %q not found", args[0])
				}
			}
			n, err := m.MarkRead(ctx, session.UserID, id)
			if errors.Is(err, budget.ErrNotFound) {
				return fmt.Errorf("notification %q not found", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s Marked %d notification(s) read\n", ui.RenderPass("✓"), n)
			return nil
		})
	},
}

func init() {
	budgetSetCmd.Flags().String("month", "", "month (YYYY-MM or a phrase, default current)")
	budgetListCmd.Flags().String("month", "", "month (YYYY-MM or a phrase, default current)")
	budgetCmd.AddCommand(budgetSetCmd, budgetListCmd, budgetRmCmd, budgetCheckCmd)

	notificationsCmd.Flags().Bool("unread", false, "only unread notifications")
	notificationsCmd.AddCommand(notificationsReadCmd)

	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(notificationsCmd)
}
