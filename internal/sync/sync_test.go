package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fintrack/fintrack/internal/ledger"
	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
)

// tickingClock advances by one millisecond on every read, so every server
// write gets a distinct updated_at.
type tickingClock struct {
	ms atomic.Int64
}

func (c *tickingClock) now() time.Time {
	return time.UnixMilli(c.ms.Add(1))
}

// ledgerRemote serves the engine from an in-process ledger, with failure
// injection per operation.
type ledgerRemote struct {
	store  *ledger.Store
	userID string

	pullErr    error
	pushErr    error
	balanceErr error
	deleteErrs map[string]error
	deleteErr  error

	// dropPushResponse applies the push on the server, then reports a
	// transport failure to the client.
	dropPushResponse bool

	pulls  int
	pushes int
}

func (r *ledgerRemote) Pull(ctx context.Context, token string, cursor int64) (*schema.PullResponse, error) {
	r.pulls++
	if r.pullErr != nil {
		return nil, r.pullErr
	}
	return r.store.Pull(ctx, r.userID, cursor)
}

func (r *ledgerRemote) Push(ctx context.Context, token string, req schema.PushRequest) (*schema.PushResponse, error) {
	r.pushes++
	if r.pushErr != nil {
		return nil, r.pushErr
	}
	batch := schema.PushBatch{LastSyncTimestamp: req.LastSyncTimestamp}
	for _, item := range req.Transactions {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		batch.Transactions = append(batch.Transactions, data)
	}
	resp, err := r.store.ProcessPush(ctx, r.userID, batch)
	if err != nil {
		return nil, err
	}
	if r.dropPushResponse {
		return nil, fmt.Errorf("%w: connection reset", ErrNetwork)
	}
	return resp, nil
}

func (r *ledgerRemote) Delete(ctx context.Context, token, id string) (*schema.DeleteResponse, error) {
	if r.deleteErr != nil {
		return nil, r.deleteErr
	}
	if err := r.deleteErrs[id]; err != nil {
		return nil, err
	}
	balance, err := r.store.DeleteTransaction(ctx, r.userID, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &schema.DeleteResponse{Message: "deleted", Balance: balance}, nil
}

func (r *ledgerRemote) Balance(ctx context.Context, token string) (money.Amount, error) {
	if r.balanceErr != nil {
		return money.Zero, r.balanceErr
	}
	return r.store.Balance(ctx, r.userID)
}

type staticOracle struct {
	online atomic.Bool
}

func (o *staticOracle) Online(context.Context) bool { return o.online.Load() }

type fixture struct {
	server *ledger.Store
	remote *ledgerRemote
	oracle *staticOracle
	local  *replica.DB
	engine *Engine
	userID string
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	clock := &tickingClock{}
	clock.ms.Store(1000)
	server, err := ledger.Open(filepath.Join(dir, "server.db"), ledger.WithClock(clock.now))
	if err != nil {
		t.Fatalf("ledger.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	user, err := server.CreateUser(ctx, "ann@example.com", "hash", "Ann")
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}

	local, err := replica.Open(filepath.Join(dir, "client.db"))
	if err != nil {
		t.Fatalf("replica.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	if err := local.SaveSession(ctx, schema.Session{UserID: user.ID, Token: "token"}); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}

	remote := &ledgerRemote{store: server, userID: user.ID, deleteErrs: map[string]error{}}
	oracle := &staticOracle{}
	oracle.online.Store(true)

	return &fixture{
		server: server,
		remote: remote,
		oracle: oracle,
		local:  local,
		engine: New(local, remote, oracle),
		userID: user.ID,
	}
}

func (f *fixture) run(t *testing.T) *Report {
	t.Helper()
	report, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	return report
}

func (f *fixture) session(t *testing.T) schema.Session {
	t.Helper()
	s, err := f.local.LoadSession(context.Background())
	if err != nil {
		t.Fatalf("LoadSession() failed: %v", err)
	}
	return s
}

func (f *fixture) createLocal(t *testing.T, amount string, typ schema.TxType, category string) *schema.Transaction {
	t.Helper()
	tx := &schema.Transaction{
		UserID:   f.userID,
		Amount:   money.MustParse(amount),
		Type:     typ,
		Category: category,
		Date:     time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}
	if err := f.local.CreateLocal(context.Background(), tx); err != nil {
		t.Fatalf("CreateLocal() failed: %v", err)
	}
	return tx
}

func (f *fixture) createRemote(t *testing.T, amount string, typ schema.TxType, category string) *schema.Transaction {
	t.Helper()
	tx, _, err := f.server.CreateTransaction(context.Background(), f.userID, schema.PushItem{
		Amount:   money.MustParse(amount),
		Type:     typ,
		Category: category,
		Date:     time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateTransaction() failed: %v", err)
	}
	return tx
}

func wantAmount(t *testing.T, name string, got money.Amount, want string) {
	t.Helper()
	if !got.Equal(money.MustParse(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestRun_RoundTripProvisionalID(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	local := f.createLocal(t, "42.50", schema.Expense, "food")
	report := f.run(t)

	if report.Outcome != OutcomeSuccess || report.Pushed != 1 {
		t.Fatalf("report = %+v, want success with one push", report)
	}

	all, err := f.local.TransactionsByOwner(ctx, f.userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("local rows = %d, want 1", len(all))
	}
	got := all[0]
	if got.IsProvisional() || !got.Synced || got.ClientRef != local.ID {
		t.Errorf("local row = %+v, want synced under server id", got)
	}

	server, err := f.server.Transaction(ctx, f.userID, got.ID)
	if err != nil {
		t.Fatalf("server has no %s: %v", got.ID, err)
	}
	if !server.Amount.Equal(local.Amount) || server.Category != "food" {
		t.Errorf("server row = %+v", server)
	}
	wantAmount(t, "balance", report.Balance, "-42.50")

	// The next cycle re-pulls the pushed row and must not duplicate it.
	f.run(t)
	all, _ = f.local.TransactionsByOwner(ctx, f.userID)
	if len(all) != 1 {
		t.Errorf("local rows after second cycle = %d, want 1", len(all))
	}
}

func TestRun_PullTwiceSameState(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	f.createRemote(t, "500", schema.Income, "salary")
	f.createRemote(t, "70", schema.Expense, "transport")

	f.run(t)
	first, _ := f.local.TransactionsByOwner(ctx, f.userID)
	if len(first) != 2 {
		t.Fatalf("local rows = %d, want 2", len(first))
	}

	// Replay the whole pull from scratch.
	s := f.session(t)
	s.Cursor = 0
	if err := f.local.SaveSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	f.run(t)

	second, _ := f.local.TransactionsByOwner(ctx, f.userID)
	if len(second) != len(first) {
		t.Fatalf("local rows = %d after replay, want %d", len(second), len(first))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.ID != b.ID || !a.Amount.Equal(b.Amount) || a.UpdatedAt != b.UpdatedAt || a.Synced != b.Synced {
			t.Errorf("row %d changed: %+v -> %+v", i, a, b)
		}
	}

	cats, _ := f.local.Categories(ctx)
	if len(cats) != 15 {
		t.Errorf("categories = %d, want 15", len(cats))
	}
}

func TestRun_ConflictKeepsLocalUnsynced(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	remote := f.createRemote(t, "100", schema.Expense, "food")
	f.run(t)

	// Another device edits the record after our cursor.
	if _, _, err := f.server.UpdateTransaction(ctx, f.userID, remote.ID, schema.PushItem{
		Amount: money.MustParse("120"), Type: schema.Expense, Category: "food", Date: remote.Date,
	}); err != nil {
		t.Fatal(err)
	}

	// Meanwhile this device edits it too.
	local, _ := f.local.Transaction(ctx, remote.ID)
	local.Amount = money.MustParse("90")
	if err := f.local.UpdateLocal(ctx, local); err != nil {
		t.Fatal(err)
	}

	report := f.run(t)
	if report.Outcome != OutcomePartial {
		t.Errorf("outcome = %s, want partial", report.Outcome)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0].ServerData.ID != remote.ID {
		t.Fatalf("conflicts = %+v, want one for %s", report.Conflicts, remote.ID)
	}
	wantAmount(t, "server copy", report.Conflicts[0].ServerData.Amount, "120")

	got, _ := f.local.Transaction(ctx, remote.ID)
	if got.Synced || !got.Amount.Equal(money.MustParse("90")) {
		t.Errorf("local row = %+v, want unsynced 90.00", got)
	}
	server, _ := f.server.Transaction(ctx, f.userID, remote.ID)
	wantAmount(t, "server amount", server.Amount, "120")

	// The conflict is held back until resolved.
	report = f.run(t)
	if len(report.Conflicts) != 0 {
		t.Errorf("conflict re-pushed before resolution")
	}
	server, _ = f.server.Transaction(ctx, f.userID, remote.ID)
	wantAmount(t, "server amount", server.Amount, "120")

	// Keeping the local copy overwrites the server on the next cycle.
	if err := f.local.ResolveConflict(ctx, remote.ID, true); err != nil {
		t.Fatal(err)
	}
	report = f.run(t)
	if report.Outcome != OutcomeSuccess || report.Pushed != 1 {
		t.Errorf("report = %+v, want one successful push", report)
	}
	server, _ = f.server.Transaction(ctx, f.userID, remote.ID)
	wantAmount(t, "server amount", server.Amount, "90")
	wantAmount(t, "balance", report.Balance, "-90")
}

// cursorSaveFailer fails the first session save that moves the cursor.
type cursorSaveFailer struct {
	*replica.DB
	failed bool
}

func (s *cursorSaveFailer) SaveSession(ctx context.Context, session schema.Session) error {
	if !s.failed && session.Cursor != 0 {
		s.failed = true
		return errors.New("disk I/O error")
	}
	return s.DB.SaveSession(ctx, session)
}

func TestRun_CursorSaveFailureKeepsCursor(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	store := &cursorSaveFailer{DB: f.local}
	engine := New(store, f.remote, f.oracle)

	report, err := engine.Run(ctx)
	if err == nil {
		t.Fatal("Run() succeeded, want cursor save failure")
	}
	if !store.failed {
		t.Fatal("cursor save was never attempted")
	}
	if report.CursorAfter != report.CursorBefore {
		t.Errorf("report cursor moved from %d to %d", report.CursorBefore, report.CursorAfter)
	}
	if got := f.session(t).Cursor; got != 0 {
		t.Errorf("stored cursor = %d, want 0 after a failed cycle", got)
	}
	if got := f.session(t).LastOutcome; got != string(report.Outcome) {
		t.Errorf("stored outcome = %q, want %q", got, report.Outcome)
	}
}

func TestRun_PushNetworkFailureKeepsCursor(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	f.run(t)
	before := f.session(t).Cursor
	if before == 0 {
		t.Fatal("cursor not advanced by first cycle")
	}

	f.createRemote(t, "300", schema.Income, "salary")
	f.createLocal(t, "10", schema.Expense, "food")
	f.remote.pushErr = fmt.Errorf("%w: connection refused", ErrNetwork)

	report, err := f.engine.Run(ctx)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Run() error = %v, want ErrNetwork", err)
	}
	if !IsRetryable(err) || IsFatal(err) {
		t.Errorf("error classification: retryable=%v fatal=%v", IsRetryable(err), IsFatal(err))
	}
	if report.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", report.Outcome)
	}
	if got := f.session(t).Cursor; got != before {
		t.Errorf("cursor = %d, want unchanged %d", got, before)
	}

	// Pulled rows are kept.
	all, _ := f.local.TransactionsByOwner(ctx, f.userID)
	if len(all) != 2 {
		t.Errorf("local rows = %d, want pulled row plus local row", len(all))
	}

	f.remote.pushErr = nil
	report = f.run(t)
	if report.Pushed != 1 {
		t.Errorf("pushed = %d after recovery, want 1", report.Pushed)
	}
	wantAmount(t, "balance", report.Balance, "290")
}

func TestRun_LostPushResponse(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	local := f.createLocal(t, "25", schema.Expense, "shopping")
	f.remote.dropPushResponse = true
	if _, err := f.engine.Run(ctx); !errors.Is(err, ErrNetwork) {
		t.Fatalf("Run() error = %v, want ErrNetwork", err)
	}

	f.remote.dropPushResponse = false
	f.run(t)

	server, err := f.server.Transactions(ctx, f.userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(server) != 1 {
		t.Fatalf("server rows = %d, want 1 (no duplicate insert)", len(server))
	}
	all, _ := f.local.TransactionsByOwner(ctx, f.userID)
	if len(all) != 1 || all[0].ID != server[0].ID || all[0].ClientRef != local.ID {
		t.Errorf("local rows = %+v, want the server row", all)
	}
	balance, _ := f.server.Balance(ctx, f.userID)
	wantAmount(t, "server balance", balance, "-25")
}

func TestRun_DeleteOfUnconfirmedPushReachesServer(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	local := f.createLocal(t, "25", schema.Expense, "shopping")
	f.remote.dropPushResponse = true
	f.engine.Run(ctx)
	f.remote.dropPushResponse = false

	queued, err := f.local.DeleteLocal(ctx, local.ID)
	if err != nil || !queued {
		t.Fatalf("DeleteLocal() = %v, %v; want queued tombstone", queued, err)
	}

	f.run(t)
	server, _ := f.server.Transactions(ctx, f.userID)
	if len(server) != 0 {
		t.Errorf("server rows = %d, want 0", len(server))
	}
	all, _ := f.local.TransactionsByOwner(ctx, f.userID)
	if len(all) != 0 {
		t.Errorf("local rows = %d, want 0", len(all))
	}
	balance, _ := f.server.Balance(ctx, f.userID)
	wantAmount(t, "server balance", balance, "0")
}

func TestFlush_NotFoundCountsAsSuccess(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	if _, err := f.local.Enqueue(ctx, f.userID, schema.EntityTransaction, "already-gone"); err != nil {
		t.Fatal(err)
	}

	report := f.run(t)
	if report.Outcome != OutcomeSuccess || report.Flushed != 1 {
		t.Errorf("report = %+v, want success with one flushed entry", report)
	}
	queue, _ := f.local.DeleteQueue(ctx, f.userID)
	if len(queue) != 0 {
		t.Errorf("queue = %+v, want empty", queue)
	}
}

func TestFlush_RepeatedDeleteIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	remote := f.createRemote(t, "25", schema.Expense, "food")
	f.run(t)
	if _, err := f.local.DeleteLocal(ctx, remote.ID); err != nil {
		t.Fatal(err)
	}
	if report := f.run(t); report.Flushed != 1 {
		t.Fatalf("first flush = %d, want 1", report.Flushed)
	}

	// The same deletion again: the server no longer has the row.
	if _, err := f.local.Enqueue(ctx, f.userID, schema.EntityTransaction, remote.ID); err != nil {
		t.Fatal(err)
	}
	report := f.run(t)
	if report.Outcome != OutcomeSuccess || report.Flushed != 1 || report.FlushFailed != 0 {
		t.Errorf("second flush report = %+v, want success with one flushed entry", report)
	}
	queue, _ := f.local.DeleteQueue(ctx, f.userID)
	if len(queue) != 0 {
		t.Errorf("queue = %+v, want empty", queue)
	}
	wantAmount(t, "balance", report.Balance, "0")
}

func TestFlush_OtherUsersDeletionsStayQueued(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	row := f.createRemote(t, "100", schema.Expense, "food")
	f.run(t)
	if _, err := f.local.DeleteLocal(ctx, row.ID); err != nil {
		t.Fatal(err)
	}

	bob, err := f.server.CreateUser(ctx, "bob@example.com", "hash", "Bob")
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	if err := f.local.SaveSession(ctx, schema.Session{UserID: bob.ID, Token: "bob-token"}); err != nil {
		t.Fatal(err)
	}
	f.remote.userID = bob.ID

	rec, err := f.engine.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance() failed: %v", err)
	}
	wantAmount(t, "bob displayed balance", rec.Displayed, "0")
	if rec.QueuedDeletes != 0 {
		t.Errorf("bob queued deletes = %d, want 0", rec.QueuedDeletes)
	}

	if report := f.run(t); report.Flushed != 0 {
		t.Errorf("bob flushed = %d, want 0", report.Flushed)
	}
	queue, _ := f.local.DeleteQueue(ctx, f.userID)
	if len(queue) != 1 || queue[0].EntityID != row.ID {
		t.Fatalf("ann queue after bob sync = %+v, want her deletion", queue)
	}
	if _, err := f.server.Transaction(ctx, f.userID, row.ID); err != nil {
		t.Fatalf("ann's row gone before she synced: %v", err)
	}

	// Ann signs back in and her deletion reaches the server.
	if err := f.local.SaveSession(ctx, schema.Session{UserID: f.userID, Token: "token"}); err != nil {
		t.Fatal(err)
	}
	f.remote.userID = f.userID
	report := f.run(t)
	if report.Flushed != 1 {
		t.Errorf("ann flushed = %d, want 1", report.Flushed)
	}
	if _, err := f.server.Transaction(ctx, f.userID, row.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("ann's row still on server: %v", err)
	}
	wantAmount(t, "ann balance", report.Balance, "0")
}

func TestFlush_DeletesOnServer(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	remote := f.createRemote(t, "40", schema.Expense, "health")
	f.run(t)

	if _, err := f.local.DeleteLocal(ctx, remote.ID); err != nil {
		t.Fatal(err)
	}
	report := f.run(t)
	if report.Flushed != 1 {
		t.Errorf("flushed = %d, want 1", report.Flushed)
	}
	if _, err := f.server.Transaction(ctx, f.userID, remote.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("server row still present: %v", err)
	}
	wantAmount(t, "balance", report.Balance, "0")
}

func TestFlush_RejectedEntryStaysQueued(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	for _, id := range []string{"bad", "gone"} {
		if _, err := f.local.Enqueue(ctx, f.userID, schema.EntityTransaction, id); err != nil {
			t.Fatal(err)
		}
	}
	f.remote.deleteErrs["bad"] = fmt.Errorf("%w: status 500", ErrServer)

	report := f.run(t)
	if report.Outcome != OutcomePartial {
		t.Errorf("outcome = %s, want partial", report.Outcome)
	}
	if report.Flushed != 1 || report.FlushFailed != 1 {
		t.Errorf("flushed = %d failed = %d, want 1 and 1", report.Flushed, report.FlushFailed)
	}
	if report.CursorAfter == report.CursorBefore {
		t.Error("cursor not advanced after a non-fatal flush failure")
	}
	queue, _ := f.local.DeleteQueue(ctx, f.userID)
	if len(queue) != 1 || queue[0].EntityID != "bad" {
		t.Errorf("queue = %+v, want only the rejected entry", queue)
	}
}

func TestFlush_NetworkErrorAbortsPhase(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	if _, err := f.local.Enqueue(ctx, f.userID, schema.EntityTransaction, "x"); err != nil {
		t.Fatal(err)
	}
	f.remote.deleteErr = fmt.Errorf("%w: timeout", ErrNetwork)

	report, err := f.engine.Run(ctx)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Run() error = %v, want ErrNetwork", err)
	}
	if report.CursorAfter != report.CursorBefore || f.session(t).Cursor != 0 {
		t.Error("cursor advanced after a flush network failure")
	}
	queue, _ := f.local.DeleteQueue(ctx, f.userID)
	if len(queue) != 1 {
		t.Errorf("queue length = %d, want 1", len(queue))
	}
}

func TestRun_ServerDeletionApplied(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	remote := f.createRemote(t, "15", schema.Expense, "food")
	f.run(t)

	if _, err := f.server.DeleteTransaction(ctx, f.userID, remote.ID); err != nil {
		t.Fatal(err)
	}
	report := f.run(t)
	if report.PulledDeletions != 1 {
		t.Errorf("pulled deletions = %d, want 1", report.PulledDeletions)
	}
	if _, err := f.local.Transaction(ctx, remote.ID); !errors.Is(err, replica.ErrNotFound) {
		t.Errorf("local row still present: %v", err)
	}
}

func TestBalance_OfflineReconciliation(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	salary := f.createRemote(t, "500", schema.Income, "salary")
	rent := f.createRemote(t, "100", schema.Expense, "housing")
	f.run(t)

	f.oracle.online.Store(false)

	// Offline: a new expense, a raised salary and a deleted rent payment.
	f.createLocal(t, "30", schema.Expense, "food")
	edited, _ := f.local.Transaction(ctx, salary.ID)
	edited.Amount = money.MustParse("600")
	if err := f.local.UpdateLocal(ctx, edited); err != nil {
		t.Fatal(err)
	}
	if _, err := f.local.DeleteLocal(ctx, rent.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Run(ctx); !errors.Is(err, ErrOffline) {
		t.Fatalf("Run() error = %v, want ErrOffline", err)
	}

	pulls := f.remote.pulls
	rec, err := f.engine.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance() failed: %v", err)
	}
	if f.remote.pulls != pulls {
		t.Error("Balance() touched the network")
	}
	wantAmount(t, "server", rec.Server, "400")
	wantAmount(t, "pending", rec.Pending, "170")
	wantAmount(t, "displayed", rec.Displayed, "570")
	if rec.UnsyncedCount != 2 || rec.QueuedDeletes != 1 {
		t.Errorf("unsynced = %d queued = %d, want 2 and 1", rec.UnsyncedCount, rec.QueuedDeletes)
	}

	// Back online the server converges on the same number.
	f.oracle.online.Store(true)
	report := f.run(t)
	wantAmount(t, "balance after sync", report.Balance, "570")

	rec, _ = f.engine.Balance(ctx)
	wantAmount(t, "displayed after sync", rec.Displayed, "570")
	wantAmount(t, "pending after sync", rec.Pending, "0")
}

func TestRun_Offline(t *testing.T) {
	f := setupFixture(t)
	f.oracle.online.Store(false)

	report, err := f.engine.Run(context.Background())
	if !errors.Is(err, ErrOffline) || !IsRetryable(err) {
		t.Fatalf("Run() error = %v, want retryable ErrOffline", err)
	}
	if report.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", report.Outcome)
	}
	if f.remote.pulls != 0 {
		t.Errorf("pulls = %d, want 0 while offline", f.remote.pulls)
	}
}

func TestRun_NoSession(t *testing.T) {
	f := setupFixture(t)
	if err := f.local.ClearSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.Run(context.Background())
	if !errors.Is(err, ErrNoSession) || !IsFatal(err) {
		t.Errorf("Run() error = %v, want fatal ErrNoSession", err)
	}
}

func TestRun_UnauthorizedIsFatal(t *testing.T) {
	f := setupFixture(t)
	f.remote.pullErr = fmt.Errorf("%w: status 401", ErrUnauthorized)

	report, err := f.engine.Run(context.Background())
	if !IsFatal(err) || IsRetryable(err) {
		t.Fatalf("Run() error = %v, want fatal", err)
	}
	if report.CursorAfter != 0 {
		t.Errorf("cursor = %d, want 0", report.CursorAfter)
	}
	if f.session(t).LastOutcome != string(OutcomeFailed) {
		t.Errorf("last outcome = %q, want failed", f.session(t).LastOutcome)
	}
}

func TestRun_BalanceRefreshFailureIsWarning(t *testing.T) {
	f := setupFixture(t)
	f.createRemote(t, "5", schema.Income, "gift")
	f.remote.balanceErr = fmt.Errorf("%w: status 503", ErrServer)

	report := f.run(t)
	if report.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", report.Outcome)
	}
	if len(report.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", report.Warnings)
	}
	wantAmount(t, "balance", report.Balance, "5")
}

// blockingRemote parks Pull until released.
type blockingRemote struct {
	ledgerRemote
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRemote) Pull(ctx context.Context, token string, cursor int64) (*schema.PullResponse, error) {
	close(r.entered)
	<-r.release
	return r.ledgerRemote.Pull(ctx, token, cursor)
}

func TestRun_SingleFlight(t *testing.T) {
	f := setupFixture(t)
	remote := &blockingRemote{
		ledgerRemote: *f.remote,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	engine := New(f.local, remote, nil)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background())
		done <- err
	}()

	<-remote.entered
	if !engine.Running() {
		t.Error("Running() = false during a cycle")
	}
	if _, err := engine.Run(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("concurrent Run() error = %v, want ErrCycleInProgress", err)
	}
	close(remote.release)

	if err := <-done; err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}
	if engine.Running() {
		t.Error("Running() = true after the cycle finished")
	}
}
