// Package budget tracks monthly spending limits per category and raises
// notifications as spending crosses 75%, 90% and 100% of a limit.
//
// Budgets and notifications are client-owned records in the local replica.
// They never leave the device.
package budget

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/schema"
)

// MonthLayout is the format of Budget.Month.
const MonthLayout = "2006-01"

// ErrNotFound is returned for an unknown budget or notification.
var ErrNotFound = errors.New("not found")

// Store is the slice of the replica the budget manager needs.
type Store interface {
	PutRecord(ctx context.Context, r *schema.Record) error
	Records(ctx context.Context, kind schema.RecordKind, userID string) ([]schema.Record, error)
	DeleteRecord(ctx context.Context, id string) error
	TransactionsBetween(ctx context.Context, userID string, from, to time.Time) ([]schema.Transaction, error)
}

// Level is a notification's severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// threshold is a percentage of the limit and the level it raises.
type threshold struct {
	percent float64
	level   Level
}

// thresholds are ordered highest first.
var thresholds = []threshold{
	{100, LevelCritical},
	{90, LevelWarning},
	{75, LevelInfo},
}

// Budget is a spending limit for one category in one month.
type Budget struct {
	ID       string       `json:"id"`
	Category string       `json:"category"`
	Month    string       `json:"month"`
	Limit    money.Amount `json:"limit"`

	// AlertsSent lists the thresholds already notified this month.
	AlertsSent []int `json:"alertsSent,omitempty"`
}

// Notification is a budget alert.
type Notification struct {
	ID        string       `json:"id"`
	BudgetID  string       `json:"budgetId"`
	Category  string       `json:"category"`
	Month     string       `json:"month"`
	Threshold int          `json:"threshold"`
	Level     Level        `json:"level"`
	Title     string       `json:"title"`
	Message   string       `json:"message"`
	Spent     money.Amount `json:"spent"`
	Limit     money.Amount `json:"limit"`
	CreatedAt time.Time    `json:"createdAt"`
	Read      bool         `json:"read"`
}

// Usage is a budget with the month's spending against it.
type Usage struct {
	Budget
	Spent   money.Amount
	Percent float64
}

// Manager reads and writes budgets for one replica.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// New creates a Manager. A nil logger uses slog.Default().
func New(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// MonthBounds returns the first instant of month and of the month after, in
// UTC.
func MonthBounds(month string) (time.Time, time.Time, error) {
	start, err := time.Parse(MonthLayout, month)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: month must look like 2026-03 (got %q)", schema.ErrValidation, month)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// SetBudget creates or replaces the owner's budget for category and month.
func (m *Manager) SetBudget(ctx context.Context, owner, category, month string, limit money.Amount) (*Budget, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return nil, fmt.Errorf("%w: category is required", schema.ErrValidation)
	}
	if !limit.IsPositive() {
		return nil, fmt.Errorf("%w: limit must be positive (got %s)", schema.ErrValidation, limit)
	}
	if _, _, err := MonthBounds(month); err != nil {
		return nil, err
	}

	budgets, err := m.Budgets(ctx, owner)
	if err != nil {
		return nil, err
	}
	b := &Budget{Category: category, Month: month, Limit: limit}
	for _, existing := range budgets {
		if existing.Category == category && existing.Month == month {
			b.ID = existing.ID
			// A raised limit re-arms the alerts.
			if limit.Cmp(existing.Limit) <= 0 {
				b.AlertsSent = existing.AlertsSent
			}
		}
	}
	if err := m.save(ctx, owner, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Budgets returns the owner's budgets, newest month first.
func (m *Manager) Budgets(ctx context.Context, owner string) ([]Budget, error) {
	records, err := m.store.Records(ctx, schema.KindBudget, owner)
	if err != nil {
		return nil, err
	}
	budgets := make([]Budget, 0, len(records))
	for i := range records {
		var b Budget
		if err := records[i].Decode(&b); err != nil {
			m.logger.Warn("skipping unreadable budget", "id", records[i].ID, "error", err)
			continue
		}
		b.ID = records[i].ID
		budgets = append(budgets, b)
	}
	slices.SortFunc(budgets, func(a, b Budget) int {
		if c := cmp.Compare(b.Month, a.Month); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return budgets, nil
}

// DeleteBudget removes a budget by id.
func (m *Manager) DeleteBudget(ctx context.Context, owner, id string) error {
	budgets, err := m.Budgets(ctx, owner)
	if err != nil {
		return err
	}
	for _, b := range budgets {
		if b.ID == id {
			return m.store.DeleteRecord(ctx, id)
		}
	}
	return ErrNotFound
}

// Usage returns each of the owner's budgets for month with what was spent.
func (m *Manager) Usage(ctx context.Context, owner, month string) ([]Usage, error) {
	from, to, err := MonthBounds(month)
	if err != nil {
		return nil, err
	}
	budgets, err := m.Budgets(ctx, owner)
	if err != nil {
		return nil, err
	}
	txs, err := m.store.TransactionsBetween(ctx, owner, from, to)
	if err != nil {
		return nil, err
	}

	spent := make(map[string]money.Amount)
	for _, t := range txs {
		if t.Type == schema.Expense {
			spent[t.Category] = spent[t.Category].Add(t.Amount)
		}
	}

	var out []Usage
	for _, b := range budgets {
		if b.Month != month {
			continue
		}
		s := spent[b.Category]
		out = append(out, Usage{Budget: b, Spent: s, Percent: s.Percent(b.Limit)})
	}
	return out, nil
}

// Check compares the current month's spending with the owner's budgets and
// stores a notification for every budget that crossed a threshold it has not
// been notified about. Only the highest crossed threshold is notified; lower
// ones are marked as sent with it.
func (m *Manager) Check(ctx context.Context, owner string, now time.Time) ([]Notification, error) {
	month := now.UTC().Format(MonthLayout)
	usage, err := m.Usage(ctx, owner, month)
	if err != nil {
		return nil, err
	}

	var created []Notification
	for _, u := range usage {
		for _, th := range thresholds {
			if u.Percent < th.percent {
				continue
			}
			if slices.Contains(u.AlertsSent, int(th.percent)) {
				break
			}

			n := newNotification(u, th, now)
			if err := m.putNotification(ctx, owner, &n); err != nil {
				return created, err
			}
			created = append(created, n)

			b := u.Budget
			for _, lower := range thresholds {
				if lower.percent <= th.percent && !slices.Contains(b.AlertsSent, int(lower.percent)) {
					b.AlertsSent = append(b.AlertsSent, int(lower.percent))
				}
			}
			slices.Sort(b.AlertsSent)
			if err := m.save(ctx, owner, &b); err != nil {
				return created, err
			}
			m.logger.Info("budget alert", "category", b.Category, "month", b.Month, "threshold", th.percent)
			break
		}
	}
	return created, nil
}

func newNotification(u Usage, th threshold, now time.Time) Notification {
	title := fmt.Sprintf("%d%% of %s budget used", int(th.percent), u.Category)
	if th.level == LevelCritical {
		title = fmt.Sprintf("%s budget exceeded", u.Category)
	}
	return Notification{
		BudgetID:  u.ID,
		Category:  u.Category,
		Month:     u.Month,
		Threshold: int(th.percent),
		Level:     th.level,
		Title:     title,
		Message:   fmt.Sprintf("Spent %s of %s on %s in %s.", u.Spent, u.Limit, u.Category, u.Month),
		Spent:     u.Spent,
		Limit:     u.Limit,
		CreatedAt: now.UTC(),
	}
}

// Notifications returns the owner's notifications, newest first.
func (m *Manager) Notifications(ctx context.Context, owner string, unreadOnly bool) ([]Notification, error) {
	records, err := m.store.Records(ctx, schema.KindNotification, owner)
	if err != nil {
		return nil, err
	}
	var out []Notification
	for i := range records {
		var n Notification
		if err := records[i].Decode(&n); err != nil {
			m.logger.Warn("skipping unreadable notification", "id", records[i].ID, "error", err)
			continue
		}
		n.ID = records[i].ID
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// MarkRead marks one notification, or all of them when id is empty, as read.
// It returns how many changed.
func (m *Manager) MarkRead(ctx context.Context, owner, id string) (int, error) {
	all, err := m.Notifications(ctx, owner, false)
	if err != nil {
		return 0, err
	}
	changed, found := 0, false
	for i := range all {
		n := all[i]
		if id != "" && n.ID != id {
			continue
		}
		found = true
		if n.Read {
			continue
		}
		n.Read = true
		if err := m.putNotification(ctx, owner, &n); err != nil {
			return changed, err
		}
		changed++
	}
	if id != "" && !found {
		return 0, ErrNotFound
	}
	return changed, nil
}

func (m *Manager) save(ctx context.Context, owner string, b *Budget) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode budget: %w", err)
	}
	r := &schema.Record{ID: b.ID, UserID: owner, Kind: schema.KindBudget, Data: data}
	if err := m.store.PutRecord(ctx, r); err != nil {
		return err
	}
	b.ID = r.ID
	return nil
}

func (m *Manager) putNotification(ctx context.Context, owner string, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	r := &schema.Record{ID: n.ID, UserID: owner, Kind: schema.KindNotification, Data: data}
	if err := m.store.PutRecord(ctx, r); err != nil {
		return err
	}
	n.ID = r.ID
	return nil
}
