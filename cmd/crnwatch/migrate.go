package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jdholdren/crnwatch/internal/migrations"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Migrate brings the database named by DATABASE up to the latest schema.

serve migrates on start, so this is only needed to prepare a database ahead
of time or, with --down, to drop everything crnwatch created.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dbx, err := openDB()
		if err != nil {
			return err
		}
		defer dbx.Close()

		if migrateDown {
			if err := migrations.Down(dbx); err != nil {
				return fmt.Errorf("error rolling back: %s", err)
			}
			slog.Info("rolled back")

			return nil
		}

		return migrations.Run(dbx)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back every migration")
}
