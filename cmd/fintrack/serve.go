package main

import (
	"fmt"

	"github.com/fintrack/fintrack/internal/auth"
	"github.com/fintrack/fintrack/internal/ledger"
	"github.com/fintrack/fintrack/internal/news"
	"github.com/fintrack/fintrack/internal/notify"
	"github.com/fintrack/fintrack/internal/server"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run the ledger server",
	Long: `Run the fintrack ledger server.

The server owns the authoritative ledger (a SQLite database at server.db_path)
and exposes the sync, transaction and account API under /api. Clients that
keep a websocket open on /ws are told when another device changes the
ledger.

server.jwt_secret must be set (at least 32 characters), for example with
FINTRACK_SERVER_JWT_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		sc := cfg.Server
		if err := sc.Validate(); err != nil {
			return err
		}

		issuer, err := auth.NewIssuer(sc.JWTSecret, sc.TokenTTL)
		if err != nil {
			return err
		}
		store, err := ledger.Open(sc.DBPath, ledger.WithLogger(logger))
		if err != nil {
			return err
		}
		defer store.Close()

		hub := notify.NewHub(logger)
		defer hub.Close()

		srv := server.New(store, issuer, hub, news.New(sc.NewsURL, sc.NewsTTL, news.WithLogger(logger)), server.Options{
			BcryptCost:  sc.BcryptCost,
			RateLimit:   sc.RateLimit,
			RateBurst:   sc.RateBurst,
			CORSOrigins: sc.CORSOrigins,
			Logger:      logger,
		})

		fmt.Printf("%s fintrack server on %s\n", ui.RenderAccent("▶"), sc.Addr)
		fmt.Print(ui.KeyValue(
			"Ledger", sc.DBPath,
			"WebSocket", "/ws",
		))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		return srv.Serve(cmd.Context(), sc.Addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}
