package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fintrack/fintrack/internal/replica"
	"github.com/fintrack/fintrack/internal/schema"
	"github.com/fintrack/fintrack/internal/ui"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:     "settings",
	GroupID: "account",
	Short:   "Show or replace the account settings",
	Long: `Settings are a JSON object stored with the account and shared by all
devices. 'settings show' prints the copy from the last sync; 'settings set'
replaces the whole object on the server.`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings from the last sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(db *replica.DB, session schema.Session) error {
			var out bytes.Buffer
			if err := json.Indent(&out, session.Settings, "", "  "); err != nil {
				return fmt.Errorf("stored settings are not valid JSON: %w", err)
			}
			fmt.Println(out.String())
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:     "set <json>",
	Short:   "Replace the settings on the server",
	Example: `  fintrack settings set '{"currency":"PLN","theme":"dark"}'
  fintrack settings set @settings.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		blob := []byte(args[0])
		if len(blob) > 1 && blob[0] == '@' {
			data, err := os.ReadFile(string(blob[1:]))
			if err != nil {
				return fmt.Errorf("failed to read settings file: %w", err)
			}
			blob = data
		}
		if !schema.ValidSettings(blob) {
			return fmt.Errorf("settings must be a JSON object")
		}

		return withReplica(ctx, func(db *replica.DB, session schema.Session) error {
			stored, err := newRemote(serverURL(session)).PutSettings(ctx, session.Token, blob)
			if err != nil {
				return describeSyncError(err)
			}
			session.Settings = stored
			if err := db.SaveSession(ctx, session); err != nil {
				return err
			}
			fmt.Printf("%s Settings replaced\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
