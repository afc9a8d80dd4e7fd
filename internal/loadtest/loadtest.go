// Package loadtest drives many simulated devices against one ledger account.
//
// Every device is a full client: its own replica file, its own sync engine,
// the same credentials. Devices create transactions offline, sync
// concurrently, delete some of what they created, and sync again. The run
// passes when the server balance and every device's displayed balance equal
// the signed sum of the surviving transactions.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/fintrack/fintrack/internal/connectivity"
	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/remote"
	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/sync"
)

// Options configures a run.
type Options struct {
	Devices     int
	TxPerDevice int
	// DeleteEvery deletes every n-th transaction a device created after the
	// first sync round. Zero disables deletions.
	DeleteEvery int
	// MaxAttempts bounds how often one cycle is retried on a retryable
	// failure.
	MaxAttempts int
	Seed        int64
	// WorkDir holds the device replicas. A temporary directory is used
	// when empty.
	WorkDir string
}

// DefaultOptions returns a small run suitable for a laptop.
func DefaultOptions() Options {
	return Options{
		Devices:     10,
		TxPerDevice: 20,
		DeleteEvery: 4,
		MaxAttempts: 5,
		Seed:        42,
	}
}

// Account is the server and credentials the devices share.
type Account struct {
	ServerURL string
	UserID    string
	Email     string
	Token     string
}

// LatencyStats captures sync cycle latency.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Cycles  int
	Retries int
}

// Result is the outcome of a run.
type Result struct {
	Devices   int
	Created   int
	Deleted   int
	Expected  money.Amount // signed sum of surviving transactions
	Server    money.Amount // balance reported by the server
	Mismatch  []string     // devices whose displayed balance differs
	Conflicts int
	Latency   *LatencyStats
	Elapsed   time.Duration
}

// OK reports whether every balance agreed.
func (r *Result) OK() bool {
	return r.Server.Equal(r.Expected) && len(r.Mismatch) == 0
}

type device struct {
	name    string
	userID  string
	db      *replica.DB
	engine  *sync.Engine
	created []string // descriptions of this device's transactions
	amounts map[string]money.Amount
}

// Run executes the load test against acct.
func Run(ctx context.Context, acct Account, opts Options) (*Result, error) {
	if opts.Devices <= 0 || opts.TxPerDevice <= 0 {
		return nil, errors.New("devices and transactions per device must be positive")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	workDir := opts.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "fintrack-loadtest-")
		if err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
		defer os.RemoveAll(dir)
		workDir = dir
	}

	start := time.Now()
	client := remote.New(acct.ServerURL, remote.WithTimeout(30*time.Second))
	devices, err := openDevices(ctx, workDir, acct, client, opts.Devices)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, d := range devices {
			_ = d.db.Close()
		}
	}()

	result := &Result{Devices: len(devices), Expected: money.Zero}
	rng := rand.New(rand.NewSource(opts.Seed))
	for i, d := range devices {
		if err := d.createOffline(ctx, i, opts.TxPerDevice, rng); err != nil {
			return nil, err
		}
		result.Created += len(d.created)
	}

	var durations []time.Duration
	var retries, conflicts int
	round := func() error {
		d, r, c, err := runRound(ctx, devices, opts.MaxAttempts)
		durations = append(durations, d...)
		retries += r
		conflicts += c
		return err
	}

	if err := round(); err != nil {
		return nil, err
	}
	if opts.DeleteEvery > 0 {
		for _, d := range devices {
			n, err := d.deleteSome(ctx, opts.DeleteEvery)
			if err != nil {
				return nil, err
			}
			result.Deleted += n
		}
	}
	// Two more rounds: one to push deletions, one so every device pulls
	// what the others pushed last.
	for i := 0; i < 2; i++ {
		if err := round(); err != nil {
			return nil, err
		}
	}

	for _, d := range devices {
		for _, amount := range d.amounts {
			result.Expected = result.Expected.Add(amount)
		}
	}
	result.Server, err = client.Balance(ctx, acct.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to read server balance: %w", err)
	}
	for _, d := range devices {
		rec, err := d.engine.Balance(ctx)
		if err != nil {
			return nil, err
		}
		if !rec.Displayed.Equal(result.Expected) {
			result.Mismatch = append(result.Mismatch, fmt.Sprintf("%s: %s", d.name, rec.Displayed))
		}
	}

	result.Conflicts = conflicts
	result.Latency = computeLatencyStats(durations)
	result.Latency.Retries = retries
	result.Elapsed = time.Since(start)
	return result, nil
}

func openDevices(ctx context.Context, dir string, acct Account, client *remote.Client, n int) ([]*device, error) {
	devices := make([]*device, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("device-%03d", i)
		db, err := replica.Open(filepath.Join(dir, name+".db"))
		if err != nil {
			for _, d := range devices {
				_ = d.db.Close()
			}
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		// Device replicas are written from one goroutine each, but the
		// engine and the balance read may overlap.
		db.RawDB().SetMaxOpenConns(4)

		err = db.SaveSession(ctx, schema.Session{
			ServerURL: acct.ServerURL,
			UserID:    acct.UserID,
			Email:     acct.Email,
			Token:     acct.Token,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		devices = append(devices, &device{
			name:    name,
			userID:  acct.UserID,
			db:      db,
			engine:  sync.New(db, client, connectivity.NewStatic(true)),
			amounts: make(map[string]money.Amount),
		})
	}
	return devices, nil
}

// createOffline adds count transactions to the device replica. Amounts are
// whole cents so the expected balance is exact.
func (d *device) createOffline(ctx context.Context, index, count int, rng *rand.Rand) error {
	categories := []struct {
		code string
		typ  schema.TxType
	}{
		{"food", schema.Expense},
		{"transport", schema.Expense},
		{"shopping", schema.Expense},
		{"salary", schema.Income},
		{"gift", schema.Income},
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for j := 0; j < count; j++ {
		c := categories[rng.Intn(len(categories))]
		desc := fmt.Sprintf("%s-%05d", d.name, j)
		tx := &schema.Transaction{
			UserID:      d.userID,
			Amount:      money.FromCents(int64(rng.Intn(50000) + 1)),
			Type:        c.typ,
			Category:    c.code,
			Description: desc,
			Date:        base.Add(time.Duration(index*count+j) * time.Hour),
		}
		if err := d.db.CreateLocal(ctx, tx); err != nil {
			return fmt.Errorf("%s: failed to create transaction: %w", d.name, err)
		}
		d.created = append(d.created, desc)
		d.amounts[desc] = tx.Signed()
	}
	return nil
}

// deleteSome deletes every n-th transaction the device created, looked up by
// description since ids change when the server assigns them.
func (d *device) deleteSome(ctx context.Context, n int) (int, error) {
	rows, err := d.db.TransactionsByOwner(ctx, d.userID)
	if err != nil {
		return 0, err
	}
	byDesc := make(map[string]string, len(rows))
	for _, r := range rows {
		byDesc[r.Description] = r.ID
	}

	deleted := 0
	for i, desc := range d.created {
		if i%n != 0 {
			continue
		}
		id, ok := byDesc[desc]
		if !ok {
			return deleted, fmt.Errorf("%s: transaction %s missing from replica", d.name, desc)
		}
		if _, err := d.db.DeleteLocal(ctx, id); err != nil {
			return deleted, fmt.Errorf("%s: failed to delete %s: %w", d.name, id, err)
		}
		delete(d.amounts, desc)
		deleted++
	}
	return deleted, nil
}

// runRound syncs every device concurrently and waits for all of them.
func runRound(ctx context.Context, devices []*device, maxAttempts int) ([]time.Duration, int, int, error) {
	var (
		wg        gosync.WaitGroup
		mu        gosync.Mutex
		durations []time.Duration
		retries   int
		conflicts int
		firstErr  error
	)
	for _, d := range devices {
		wg.Add(1)
		go func(d *device) {
			defer wg.Done()
			ds, r, c, err := d.syncWithRetry(ctx, maxAttempts)

			mu.Lock()
			defer mu.Unlock()
			durations = append(durations, ds...)
			retries += r
			conflicts += c
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}(d)
	}
	wg.Wait()
	return durations, retries, conflicts, firstErr
}

func (d *device) syncWithRetry(ctx context.Context, maxAttempts int) ([]time.Duration, int, int, error) {
	var durations []time.Duration
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		start := time.Now()
		report, err := d.engine.Run(ctx)
		durations = append(durations, time.Since(start))
		if err == nil {
			return durations, attempt - 1, len(report.Conflicts), nil
		}
		if !retryable(err) || attempt >= maxAttempts {
			return durations, attempt - 1, 0, fmt.Errorf("%s: sync failed after %d attempts: %w", d.name, attempt, err)
		}
		select {
		case <-ctx.Done():
			return durations, attempt - 1, 0, ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)))):
		}
		backoff *= 2
	}
}

// retryable extends the engine's classification with rate limiting, which a
// real client would also wait out.
func retryable(err error) bool {
	var se *remote.StatusError
	if errors.As(err, &se) && se.Code == http.StatusTooManyRequests {
		return true
	}
	return sync.IsRetryable(err)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   sum / time.Duration(len(durations)),
		P50:    sorted[len(sorted)*50/100],
		P95:    sorted[len(sorted)*95/100],
		P99:    sorted[len(sorted)*99/100],
		Cycles: len(durations),
	}
}

// Pairs returns the statistics as label/value pairs for display.
func (s *LatencyStats) Pairs() []string {
	return []string{
		"Cycles", fmt.Sprint(s.Cycles),
		"Retries", fmt.Sprint(s.Retries),
		"Min", s.Min.String(),
		"P50", s.P50.String(),
		"Mean", s.Mean.String(),
		"P95", s.P95.String(),
		"P99", s.P99.String(),
		"Max", s.Max.String(),
	}
}
