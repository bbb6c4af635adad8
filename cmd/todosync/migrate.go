package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/todosync/internal/db"
	"github.com/kimhsiao/todosync/internal/sync/remote"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply local store migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.OpenAndMigrate(cfg.DataDir)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := db.NewMigrator(database.DB).GetAppliedMigrations()
		if err != nil {
			return err
		}
		for _, m := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "%03d  %s  %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"), m.Description)
		}

		if withRemote, _ := cmd.Flags().GetBool("remote"); withRemote {
			if cfg.UseMemoryRemote() {
				return fmt.Errorf("--remote needs database_url")
			}
			pool, err := remote.NewPostgresPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := remote.NewPostgres(pool).EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "remote schema applied")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("remote", false, "also apply the backend schema")
}
