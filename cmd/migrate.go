package cmd

import (
	"errors"
	"fmt"

	"github.com/soni801/soni-bot/sonibot"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.DatabaseType == "" {
			return errors.New("database type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New("database not set (must be a connection string or sqlite file path)")
		}

		db, err := sonibot.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error migrating database: %w", err)
		}
		if sqlDB, e := db.DB(); e == nil {
			defer sqlDB.Close()
		}

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Migration complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(migrateCmd)
}
