package loadtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/fintrack/fintrack/internal/auth"
	"github.com/fintrack/fintrack/internal/ledger"
	"github.com/fintrack/fintrack/internal/notify"
	"github.com/fintrack/fintrack/internal/remote"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/server"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Local is an in-process ledger server for runs without a deployed one.
type Local struct {
	URL string

	store  *ledger.Store
	hub    *notify.Hub
	cancel context.CancelFunc
	done   chan error
}

// StartLocal serves a fresh ledger stored in dir on a loopback port.
// Rate limiting is effectively off so the devices measure the ledger, not
// the limiter.
func StartLocal(ctx context.Context, dir string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := ledger.Open(filepath.Join(dir, "ledger.db"), ledger.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewIssuer(uuid.NewString()+uuid.NewString(), time.Hour)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	hub := notify.NewHub(logger)
	srv := server.New(store, issuer, hub, nil, server.Options{
		BcryptCost: bcrypt.MinCost,
		RateLimit:  1e6,
		RateBurst:  1e6,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	l := &Local{
		URL:    "http://" + ln.Addr().String(),
		store:  store,
		hub:    hub,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { l.done <- srv.ServeListener(ctx, ln) }()
	return l, nil
}

// NewAccount registers a throwaway user on the server at serverURL.
func NewAccount(ctx context.Context, serverURL string) (Account, error) {
	email := fmt.Sprintf("loadtest-%s@example.com", uuid.NewString()[:8])
	resp, err := remote.New(serverURL).Register(ctx, schema.Credentials{
		Email:    email,
		Password: uuid.NewString(),
		Name:     "Load Test",
	})
	if err != nil {
		return Account{}, fmt.Errorf("failed to register load test user: %w", err)
	}
	return Account{
		ServerURL: serverURL,
		UserID:    resp.User.ID,
		Email:     email,
		Token:     resp.Token,
	}, nil
}

// Close stops the server and closes the ledger.
func (l *Local) Close() error {
	l.cancel()
	err := <-l.done
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, l.hub.Close(), l.store.Close())
}
