package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/todosync/internal/config"
	"github.com/kimhsiao/todosync/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:           "todosync",
		Short:         "Offline-first todo store with background sync",
		Long:          `todosync keeps todos in a local SQLite store, queues every change and reconciles with a hosted Postgres backend whenever it is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
			return nil
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultFile, "config file")
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd)
}
