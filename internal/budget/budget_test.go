package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
)

const owner = "u1"

var march = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, *replica.DB) {
	t.Helper()
	db, err := replica.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("replica.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil), db
}

func spend(t *testing.T, db *replica.DB, amount, category string, date time.Time) {
	t.Helper()
	tx := &schema.Transaction{
		UserID:   owner,
		Amount:   money.MustParse(amount),
		Type:     schema.Expense,
		Category: category,
		Date:     date,
	}
	if err := db.CreateLocal(context.Background(), tx); err != nil {
		t.Fatalf("CreateLocal failed: %v", err)
	}
}

func TestSetBudget_Validation(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		category string
		month    string
		limit    string
	}{
		{"no category", "", "2026-03", "100"},
		{"bad month", "food", "March", "100"},
		{"zero limit", "food", "2026-03", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.SetBudget(ctx, owner, tt.category, tt.month, money.MustParse(tt.limit))
			if !errors.Is(err, schema.ErrValidation) {
				t.Errorf("SetBudget() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSetBudget_ReplacesSameMonth(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	first, err := m.SetBudget(ctx, owner, "food", "2026-03", money.MustParse("100"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.SetBudget(ctx, owner, "food", "2026-03", money.MustParse("150"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("replacement got new id %s, want %s", second.ID, first.ID)
	}
	if _, err := m.SetBudget(ctx, owner, "food", "2026-04", money.MustParse("80")); err != nil {
		t.Fatal(err)
	}

	budgets, err := m.Budgets(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(budgets) != 2 {
		t.Fatalf("got %d budgets, want 2", len(budgets))
	}
	if budgets[0].Month != "2026-04" || budgets[1].Limit.String() != "150.00" {
		t.Errorf("budgets = %+v", budgets)
	}
}

func TestCheck_Thresholds(t *testing.T) {
	m, db := setup(t)
	ctx := context.Background()
	if _, err := m.SetBudget(ctx, owner, "food", "2026-03", money.MustParse("100")); err != nil {
		t.Fatal(err)
	}

	spend(t, db, "70.00", "food", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	spend(t, db, "500.00", "food", time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)) // other month
	spend(t, db, "500.00", "transport", time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC))

	got, err := m.Check(ctx, owner, march)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("at 70%% got %d notifications, want 0", len(got))
	}

	spend(t, db, "6.00", "food", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	got, _ = m.Check(ctx, owner, march)
	if len(got) != 1 || got[0].Threshold != 75 || got[0].Level != LevelInfo {
		t.Fatalf("at 76%% got %+v, want one info alert", got)
	}

	// Same state, no repeat.
	got, _ = m.Check(ctx, owner, march)
	if len(got) != 0 {
		t.Errorf("repeat check got %d notifications, want 0", len(got))
	}

	// Jump straight past 90 to 100: only the critical alert fires.
	spend(t, db, "30.00", "food", time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC))
	got, _ = m.Check(ctx, owner, march)
	if len(got) != 1 || got[0].Threshold != 100 || got[0].Level != LevelCritical {
		t.Fatalf("at 106%% got %+v, want one critical alert", got)
	}
	if got[0].Spent.String() != "106.00" {
		t.Errorf("spent = %s, want 106.00", got[0].Spent)
	}
	got, _ = m.Check(ctx, owner, march)
	if len(got) != 0 {
		t.Errorf("after critical got %+v, want nothing (90%% is implied)", got)
	}

	all, err := m.Notifications(ctx, owner, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("stored %d notifications, want 2", len(all))
	}
}

func TestMarkRead(t *testing.T) {
	m, db := setup(t)
	ctx := context.Background()
	m.SetBudget(ctx, owner, "food", "2026-03", money.MustParse("10"))
	m.SetBudget(ctx, owner, "health", "2026-03", money.MustParse("10"))
	spend(t, db, "20.00", "food", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	spend(t, db, "20.00", "health", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	created, err := m.Check(ctx, owner, march)
	if err != nil || len(created) != 2 {
		t.Fatalf("Check() = %d, %v; want 2 notifications", len(created), err)
	}

	n, err := m.MarkRead(ctx, owner, created[0].ID)
	if err != nil || n != 1 {
		t.Fatalf("MarkRead(one) = %d, %v", n, err)
	}
	unread, _ := m.Notifications(ctx, owner, true)
	if len(unread) != 1 {
		t.Errorf("unread = %d, want 1", len(unread))
	}

	n, err = m.MarkRead(ctx, owner, "")
	if err != nil || n != 1 {
		t.Errorf("MarkRead(all) = %d, %v; want 1", n, err)
	}
	if _, err := m.MarkRead(ctx, owner, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteBudget(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()
	b, _ := m.SetBudget(ctx, owner, "food", "2026-03", money.MustParse("10"))

	if err := m.DeleteBudget(ctx, "someone-else", b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting another owner's budget = %v, want ErrNotFound", err)
	}
	if err := m.DeleteBudget(ctx, owner, b.ID); err != nil {
		t.Fatal(err)
	}
	budgets, _ := m.Budgets(ctx, owner)
	if len(budgets) != 0 {
		t.Errorf("budgets after delete = %+v", budgets)
	}
}
