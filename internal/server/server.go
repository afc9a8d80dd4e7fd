// Package server exposes the ledger over HTTP.
//
// Routes:
//
//	POST   /api/auth/register        {email, password, name} -> 201 {token, user}
//	POST   /api/auth/login           {email, password} -> {token, user}
//	GET    /api/auth/verify          -> {isValid, user}
//	GET    /api/sync/pull            ?lastSyncTimestamp=<ms>
//	POST   /api/sync/push            {transactions, lastSyncTimestamp}
//	PUT    /api/sync/settings        {settings}
//	GET    /api/transactions         all of the caller's transactions
//	POST   /api/transactions         -> 201
//	GET    /api/transactions/{id}
//	PUT    /api/transactions/{id}
//	DELETE /api/transactions/{id}    -> {message, balance}
//	GET    /api/categories
//	GET    /api/users/balance        -> {balance}
//	PUT    /api/users/settings       {settings}
//	GET    /api/news
//	GET    /ws                       ledger change notifications
//	GET    /health
//
// Everything under /api except register and login requires a bearer token.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fintrack/fintrack/internal/auth"
	"github.com/fintrack/fintrack/internal/ledger"
	"github.com/fintrack/fintrack/internal/news"
	"github.com/fintrack/fintrack/internal/notify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/microcosm-cc/bluemonday"
)

// maxBodyBytes bounds request bodies; push batches are the largest.
const maxBodyBytes = 5 << 20

// Options tunes the server.
type Options struct {
	BcryptCost  int
	RateLimit   float64 // requests per second per client address
	RateBurst   int
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	ledger   *ledger.Store
	issuer   *auth.Issuer
	hub      *notify.Hub
	news     *news.Provider
	opts     Options
	logger   *slog.Logger
	limiter  *ipLimiter
	sanitize *bluemonday.Policy
	started  time.Time
}

// New creates a Server. hub and newsProvider may be nil.
func New(store *ledger.Store, issuer *auth.Issuer, hub *notify.Hub, newsProvider *news.Provider, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if newsProvider == nil {
		newsProvider = news.New("", time.Hour, news.WithLogger(logger))
	}
	return &Server{
		ledger:   store,
		issuer:   issuer,
		hub:      hub,
		news:     newsProvider,
		opts:     opts,
		logger:   logger,
		limiter:  newIPLimiter(opts.RateLimit, opts.RateBurst),
		sanitize: bluemonday.StrictPolicy(),
		started:  time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.cors)
	r.Use(s.rateLimit)

	r.Get("/health", s.handleHealth)
	r.With(s.authenticate).Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/auth/verify", s.handleVerify)

			r.Get("/sync/pull", s.handlePull)
			r.Post("/sync/push", s.handlePush)
			r.Put("/sync/settings", s.handleSettings)

			r.Get("/transactions", s.handleListTransactions)
			r.Post("/transactions", s.handleCreateTransaction)
			r.Get("/transactions/{id}", s.handleGetTransaction)
			r.Put("/transactions/{id}", s.handleUpdateTransaction)
			r.Delete("/transactions/{id}", s.handleDeleteTransaction)

			r.Get("/categories", s.handleCategories)
			r.Get("/users/balance", s.handleBalance)
			r.Put("/users/settings", s.handleSettings)
			r.Get("/news", s.handleNews)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is canceled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.hub != nil {
		body["notify"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications disabled")
		return
	}
	s.hub.ServeWS(w, r, userFrom(r.Context()), s.opts.CORSOrigins)
}
