package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fintrack/fintrack/internal/connectivity"
	"github.com/fintrack/fintrack/internal/money"
	"github.com/fintrack/fintrack/internal/notify"
	fsync "github.com/fintrack/fintrack/internal/sync"
)

// fakeCycler counts runs and records their reasons through OnCycle.
type fakeCycler struct {
	runs atomic.Int32
	err  atomic.Value // error
}

func (f *fakeCycler) Run(ctx context.Context) (*fsync.Report, error) {
	f.runs.Add(1)
	if err, ok := f.err.Load().(error); ok && err != nil {
		return &fsync.Report{Outcome: fsync.OutcomeFailed}, err
	}
	return &fsync.Report{Outcome: fsync.OutcomeSuccess}, nil
}

type reasons struct {
	ch chan string
}

func newReasons() *reasons {
	return &reasons{ch: make(chan string, 64)}
}

func (r *reasons) hook(reason string, _ *fsync.Report, _ error) {
	r.ch <- reason
}

// wait returns the next cycle reason or fails after timeout.
func (r *reasons) wait(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case reason := <-r.ch:
		return reason
	case <-time.After(timeout):
		t.Fatal("no cycle ran")
		return ""
	}
}

// none fails if a cycle runs within d.
func (r *reasons) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case reason := <-r.ch:
		t.Fatalf("unexpected cycle (%s)", reason)
	case <-time.After(d):
	}
}

func startDaemon(t *testing.T, cycler Cycler, oracle fsync.Connectivity, cfg *Config) (context.CancelFunc, chan error) {
	t.Helper()
	d, err := New(cycler, oracle, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return cancel, done
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, connectivity.NewStatic(true), nil); err == nil {
		t.Error("New accepted a nil cycler")
	}
	if _, err := New(&fakeCycler{}, nil, nil); err == nil {
		t.Error("New accepted a nil oracle")
	}
	d, err := New(&fakeCycler{}, connectivity.NewStatic(true), &Config{})
	if err != nil {
		t.Fatal(err)
	}
	if d.config.Interval != 5*time.Minute || d.config.Debounce != 500*time.Millisecond {
		t.Errorf("defaults not applied: %+v", d.config)
	}
}

func TestDaemon_StartAndInterval(t *testing.T) {
	r := newReasons()
	startDaemon(t, &fakeCycler{}, connectivity.NewStatic(true), &Config{
		Interval: 50 * time.Millisecond,
		OnCycle:  r.hook,
	})

	if got := r.wait(t, time.Second); got != ReasonStart {
		t.Errorf("first cycle reason = %q, want %q", got, ReasonStart)
	}
	if got := r.wait(t, time.Second); got != ReasonInterval {
		t.Errorf("second cycle reason = %q, want %q", got, ReasonInterval)
	}
}

func TestDaemon_Reconnect(t *testing.T) {
	r := newReasons()
	oracle := connectivity.NewStatic(false)
	startDaemon(t, &fakeCycler{}, oracle, &Config{
		Interval:     time.Hour,
		PollInterval: 20 * time.Millisecond,
		OnCycle:      r.hook,
	})
	r.wait(t, time.Second)
	r.none(t, 100*time.Millisecond)

	oracle.Set(true)
	if got := r.wait(t, time.Second); got != ReasonReconnect {
		t.Errorf("reason = %q, want %q", got, ReasonReconnect)
	}
}

func TestDaemon_LocalEditDebounced(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fintrack.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	r := newReasons()
	startDaemon(t, &fakeCycler{}, connectivity.NewStatic(true), &Config{
		Interval:   time.Hour,
		Debounce:   100 * time.Millisecond,
		WatchDir:   dir,
		WatchFiles: []string{"fintrack.db", "fintrack.db-wal"},
		OnCycle:    r.hook,
	})
	r.wait(t, time.Second)
	time.Sleep(250 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(dbPath, []byte(strings.Repeat("y", i+1)), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := r.wait(t, 2*time.Second); got != ReasonLocalEdit {
		t.Errorf("reason = %q, want %q", got, ReasonLocalEdit)
	}
	r.none(t, 300*time.Millisecond)

	// Files outside the watch list are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("z"), 0644); err != nil {
		t.Fatal(err)
	}
	r.none(t, 300*time.Millisecond)
}

func TestDaemon_FatalErrorStops(t *testing.T) {
	cycler := &fakeCycler{}
	cycler.err.Store(error(fsync.ErrNoSession))

	_, done := startDaemon(t, cycler, connectivity.NewStatic(true), &Config{Interval: time.Hour})
	select {
	case err := <-done:
		if !errors.Is(err, fsync.ErrUnauthorized) {
			t.Errorf("Start() = %v, want ErrUnauthorized", err)
		}
		done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("daemon kept running after a fatal error")
	}
}

func TestDaemon_RetryableErrorKeepsRunning(t *testing.T) {
	cycler := &fakeCycler{}
	cycler.err.Store(error(fsync.ErrNetwork))
	r := newReasons()

	startDaemon(t, cycler, connectivity.NewStatic(true), &Config{
		Interval: 30 * time.Millisecond,
		OnCycle:  r.hook,
	})
	r.wait(t, time.Second)
	r.wait(t, time.Second)
	if cycler.runs.Load() < 2 {
		t.Errorf("runs = %d, want at least 2", cycler.runs.Load())
	}
}

func TestDaemon_RemoteChange(t *testing.T) {
	hub := notify.NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), nil)
	}))
	defer func() {
		srv.Close()
		hub.Close()
	}()

	r := newReasons()
	startDaemon(t, &fakeCycler{}, connectivity.NewStatic(true), &Config{
		Interval:  time.Hour,
		NotifyURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:     "u1",
		OnCycle:   r.hook,
	})
	r.wait(t, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount("u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("daemon never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish("u1", notify.NewLedgerChanged("push", money.Zero))
	if got := r.wait(t, 2*time.Second); got != ReasonRemote {
		t.Errorf("reason = %q, want %q", got, ReasonRemote)
	}
}

func TestStats(t *testing.T) {
	cycler := &fakeCycler{}
	d, err := New(cycler, connectivity.NewStatic(true), &Config{Interval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	d.runCycle(context.Background(), ReasonStart)
	cycler.err.Store(error(fsync.ErrNetwork))
	d.runCycle(context.Background(), ReasonInterval)

	s := d.Stats()
	if s.Cycles != 2 || s.Failures != 1 || s.LastReason != ReasonInterval || s.LastOutcome != fsync.OutcomeFailed {
		t.Errorf("Stats() = %+v", s)
	}
}
