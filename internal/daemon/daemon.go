// Package daemon keeps a replica in sync in the background.
//
// The daemon runs a sync cycle:
//  1. once at startup
//  2. every Interval
//  3. when the connectivity oracle flips from offline to online
//  4. shortly after another process writes to the replica (fsnotify on the
//     replica directory, debounced)
//  5. when the server announces a ledger change over the websocket feed
//
// Triggers that arrive while a cycle is running collapse into one follow-up
// cycle. An authorization failure stops the daemon: it cannot recover
// without a new sign-in.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fintrack/fintrack/internal/notify"
	fsync "github.com/fintrack/fintrack/internal/sync"
	"github.com/fsnotify/fsnotify"
)

// Cycler runs one sync cycle. *sync.Engine implements it.
type Cycler interface {
	Run(ctx context.Context) (*fsync.Report, error)
}

// Trigger reasons, reported in logs and Stats.
const (
	ReasonStart     = "start"
	ReasonInterval  = "interval"
	ReasonReconnect = "reconnect"
	ReasonLocalEdit = "local-edit"
	ReasonRemote    = "remote-change"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval between scheduled cycles.
	Interval time.Duration

	// PollInterval is how often connectivity is checked to catch an
	// offline to online transition.
	PollInterval time.Duration

	// Debounce batches rapid replica writes into one cycle.
	Debounce time.Duration

	// WatchDir is the replica's directory; empty disables file watching.
	WatchDir string

	// WatchFiles are the base names in WatchDir whose writes count as local
	// edits, typically the database file and its -wal file. Empty means
	// every file.
	WatchFiles []string

	// NotifyURL is the server's websocket endpoint; empty disables the
	// listener. Token authenticates it.
	NotifyURL string
	Token     string

	// OnCycle, if set, is called after every cycle.
	OnCycle func(reason string, report *fsync.Report, err error)

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:     5 * time.Minute,
		PollInterval: 15 * time.Second,
		Debounce:     500 * time.Millisecond,
		Logger:       slog.Default(),
	}
}

// Stats summarizes what the daemon has done.
type Stats struct {
	Cycles      int64
	Failures    int64
	LastReason  string
	LastOutcome fsync.Outcome
	LastError   string
	LastRunAt   time.Time
}

// Daemon schedules sync cycles.
type Daemon struct {
	cycler Cycler
	oracle fsync.Connectivity
	config *Config
	logger *slog.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	trigger chan string

	cycling   atomic.Bool
	cycleEnd  atomic.Int64 // unix nanos of the last cycle's end
	statsMu   sync.Mutex
	stats     Stats
	wasOnline bool

	wg sync.WaitGroup
}

// New creates a daemon. Call Start to run it.
func New(cycler Cycler, oracle fsync.Connectivity, config *Config) (*Daemon, error) {
	if cycler == nil {
		return nil, errors.New("cycler cannot be nil")
	}
	if oracle == nil {
		return nil, errors.New("oracle cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Debounce <= 0 {
		config.Debounce = def.Debounce
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	d := &Daemon{
		cycler:      cycler,
		oracle:      oracle,
		config:      config,
		logger:      config.Logger.With("component", "daemon"),
		changeQueue: make(map[string]time.Time),
		trigger:     make(chan string, 1),
	}

	if config.WatchDir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs the daemon until ctx is canceled, which returns nil, or until a
// cycle fails with an authorization error, which is returned.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		d.stop()
	}()

	d.logger.Info("starting daemon", "interval", d.config.Interval)

	d.wasOnline = d.oracle.Online(ctx)
	if err := d.runCycle(ctx, ReasonStart); fsync.IsFatal(err) {
		return err
	}

	if d.watcher != nil {
		if err := d.watcher.Add(d.config.WatchDir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d.config.WatchDir, err)
		}
		d.logger.Info("watching replica", "dir", d.config.WatchDir)
		d.wg.Add(2)
		go d.watchFileEvents(ctx)
		go d.processChangeQueue(ctx)
	}

	d.wg.Add(1)
	go d.pollConnectivity(ctx)

	if d.config.NotifyURL != "" {
		d.wg.Add(1)
		go d.listen(ctx)
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		var reason string
		select {
		case <-ctx.Done():
			d.logger.Info("shutdown signal received")
			return nil
		case <-ticker.C:
			reason = ReasonInterval
		case reason = <-d.trigger:
		}

		if err := d.runCycle(ctx, reason); fsync.IsFatal(err) {
			d.logger.Error("sync stopped, sign in again", "error", err)
			return err
		}
	}
}

func (d *Daemon) stop() {
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Warn("error closing watcher", "error", err)
		}
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
}

// Trigger requests a cycle. Requests made while one is pending collapse.
func (d *Daemon) Trigger(reason string) {
	select {
	case d.trigger <- reason:
	default:
	}
}

// Stats returns a snapshot of the daemon counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Daemon) runCycle(ctx context.Context, reason string) error {
	d.cycling.Store(true)
	report, err := d.cycler.Run(ctx)
	// OnCycle may write to the replica too; its writes are not local edits.
	if d.config.OnCycle != nil {
		d.config.OnCycle(reason, report, err)
	}
	d.cycleEnd.Store(time.Now().UnixNano())
	d.cycling.Store(false)

	d.statsMu.Lock()
	d.stats.Cycles++
	d.stats.LastReason = reason
	d.stats.LastRunAt = time.Now()
	d.stats.LastError = ""
	if report != nil {
		d.stats.LastOutcome = report.Outcome
	}
	if err != nil {
		d.stats.Failures++
		d.stats.LastError = err.Error()
	}
	d.statsMu.Unlock()

	switch {
	case err == nil:
		d.logger.Info("sync cycle complete", "reason", reason,
			"outcome", report.Outcome,
			"pulled", report.Pulled,
			"pushed", report.Pushed,
			"flushed", report.Flushed,
			"conflicts", len(report.Conflicts))
	case errors.Is(err, fsync.ErrCycleInProgress), errors.Is(err, fsync.ErrOffline):
		d.logger.Debug("sync cycle skipped", "reason", reason, "error", err)
	case fsync.IsRetryable(err):
		d.logger.Warn("sync cycle failed, will retry", "reason", reason, "error", err)
	default:
		d.logger.Error("sync cycle failed", "reason", reason, "error", err)
	}
	return err
}

// pollConnectivity triggers a cycle on an offline to online transition.
func (d *Daemon) pollConnectivity(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := d.oracle.Online(ctx)
			if online && !d.wasOnline {
				d.logger.Info("connectivity restored")
				d.Trigger(ReasonReconnect)
			} else if !online && d.wasOnline {
				d.logger.Info("connectivity lost")
			}
			d.wasOnline = online
		}
	}
}

// listen subscribes to the server's change feed, reconnecting with backoff.
func (d *Daemon) listen(ctx context.Context) {
	defer d.wg.Done()

	backoff := time.Second
	for {
		err := notify.Subscribe(ctx, d.config.NotifyURL, d.config.Token, func(m notify.Message) {
			if m.Type == notify.MessageLedgerChanged {
				d.Trigger(ReasonRemote)
			}
			backoff = time.Second
		})
		if ctx.Err() != nil {
			return
		}
		d.logger.Debug("change feed disconnected", "error", err, "retry", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

// watchFileEvents queues replica writes made outside a cycle.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) == 0 {
				continue
			}
			if len(d.config.WatchFiles) > 0 && !slices.Contains(d.config.WatchFiles, filepath.Base(event.Name)) {
				continue
			}
			// The cycle's own writes are not local edits.
			if d.cycling.Load() {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

func (d *Daemon) processChangeQueue(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges triggers one cycle once the replica has been quiet
// for the debounce interval. Events that arrived within the debounce
// interval after a cycle ended are dropped: they are the tail of the
// cycle's own writes.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	if len(d.changeQueue) == 0 {
		return
	}

	now := time.Now()
	settleAfter := time.Unix(0, d.cycleEnd.Load()).Add(d.config.Debounce)
	var latest time.Time
	for path, queuedAt := range d.changeQueue {
		if queuedAt.Before(settleAfter) {
			delete(d.changeQueue, path)
			continue
		}
		if queuedAt.After(latest) {
			latest = queuedAt
		}
	}
	if latest.IsZero() || now.Sub(latest) < d.config.Debounce {
		return
	}

	for path := range d.changeQueue {
		d.logger.Debug("local change", "path", path)
		delete(d.changeQueue, path)
	}
	d.Trigger(ReasonLocalEdit)
}
