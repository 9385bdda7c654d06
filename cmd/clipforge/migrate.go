package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/clipforge/internal/database"
)

func newMigrateCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:       "migrate [up|down|status|redo|reset|version]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "redo", "reset", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}

			db, err := database.OpenUnmigrated(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(db, command); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok (%s)\n", command, dbPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", envOr("CLIPFORGE_DB_PATH", "clipforge.db"), "SQLite database path")
	return cmd
}
