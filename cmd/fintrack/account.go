package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "account",
	Short:   "Sign in to a fintrack server",
	Long: `Sign in and store the credential in the local database.

Missing flags are prompted for when stdin is a terminal. Signing in as a
different user restarts sync from scratch for that user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, false)
	},
}

var registerCmd = &cobra.Command{
	Use:     "register",
	GroupID: "account",
	Short:   "Create an account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(cmd, true)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "account",
	Short:   "Forget the stored credential",
	Long: `Forget the stored credential. Local transactions are kept, including
changes that have not been synced yet; they are pushed after the next login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openReplica()
		if err != nil {
			return err
		}
		defer db.Close()

		session, err := db.LoadSession(ctx)
		if err != nil {
			return err
		}
		if !session.SignedIn() {
			fmt.Println("Not signed in")
			return nil
		}
		pending, err := db.UnsyncedTransactions(ctx, session.UserID)
		if err != nil {
			return err
		}
		session.Token = ""
		if err := db.SaveSession(ctx, session); err != nil {
			return err
		}
		fmt.Printf("%s Signed out %s\n", ui.RenderPass("✓"), session.Email)
		if len(pending) > 0 {
			fmt.Printf("   %s %d unsynced change(s) stay on this device\n", ui.RenderWarn("⚠"), len(pending))
		}
		return nil
	},
}

func authenticate(cmd *cobra.Command, register bool) error {
	ctx := cmd.Context()
	creds, url, err := credentialsFromFlags(cmd, register)
	if err != nil {
		return err
	}

	db, err := openReplica()
	if err != nil {
		return err
	}
	defer db.Close()

	session, err := db.LoadSession(ctx)
	if err != nil {
		return err
	}
	if url == "" {
		url = serverURL(session)
	}

	client := newRemote(url)
	var resp *schema.AuthResponse
	if register {
		resp, err = client.Register(ctx, creds)
	} else {
		resp, err = client.Login(ctx, creds)
	}
	if err != nil {
		return err
	}

	if session.UserID != resp.User.ID || session.ServerURL != url {
		// Another account or server: nothing learned so far applies.
		session = schema.Session{Settings: schema.EmptySettings}
	}
	session.ServerURL = url
	session.UserID = resp.User.ID
	session.Email = resp.User.Email
	session.Token = resp.Token
	if err := db.SaveSession(ctx, session); err != nil {
		return err
	}

	verb := "Signed in as"
	if register {
		verb = "Registered"
	}
	fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, ui.RenderBold(resp.User.Email))
	fmt.Print(ui.KeyValue("Server", url, "Database", db.Path()))
	fmt.Println("\nRun 'fintrack sync' to fetch your ledger.")
	return nil
}

func credentialsFromFlags(cmd *cobra.Command, register bool) (schema.Credentials, string, error) {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	name, _ := cmd.Flags().GetString("name")
	url, _ := cmd.Flags().GetString("server")
	if password == "" {
		password = os.Getenv("FINTRACK_PASSWORD")
	}

	if email == "" || password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return schema.Credentials{}, "", errors.New("--email and --password are required when stdin is not a terminal")
		}
		if err := promptCredentials(cmd.Context(), register, &email, &password, &name); err != nil {
			return schema.Credentials{}, "", err
		}
	}

	return schema.Credentials{
		Email:    strings.TrimSpace(email),
		Password: password,
		Name:     strings.TrimSpace(name),
	}, strings.TrimRight(url, "/"), nil
}

func promptCredentials(ctx context.Context, register bool, email, password, name *string) error {
	fields := []huh.Field{
		huh.NewInput().
			Title("Email").
			Value(email).
			Validate(func(s string) error {
				if !strings.Contains(s, "@") {
					return errors.New("enter an email address")
				}
				return nil
			}),
		huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(password).
			Validate(func(s string) error {
				if s == "" {
					return errors.New("password is required")
				}
				return nil
			}),
	}
	if register {
		fields = append(fields, huh.NewInput().Title("Name").Value(name))
	}

	form := huh.NewForm(huh.NewGroup(fields...))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("canceled")
		}
		return err
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().String("email", "", "account email")
		c.Flags().String("password", "", "account password (or FINTRACK_PASSWORD)")
		c.Flags().String("server", "", "server URL (default client.server_url)")
	}
	registerCmd.Flags().String("name", "", "display name")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}
