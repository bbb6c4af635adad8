package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/todosync/internal/network"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if a.prober.Check(ctx) == network.Offline {
			cmd.PrintErrln("backend unreachable, changes stay queued")
		}
		result, err := a.svc.SyncNow(ctx)
		if result != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(result); encErr != nil {
				return encErr
			}
		}
		return err
	},
}
