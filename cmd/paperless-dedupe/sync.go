package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rknightion/paperless-dedupe/internal/syncengine"
)

// newSyncCmd creates the sync subcommand: run one sync pass and exit.
func newSyncCmd() *cobra.Command {
	var forceRefresh, noProgress bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull documents from Paperless-NGX and refresh local signatures",
	}
	cmd.Flags().BoolVar(&forceRefresh, "force-refresh", false, "Re-fetch and re-sign every document, not just changed ones")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress spinner")
	loader := newLoader(cmd.Flags())

	cmd.RunE = func(*cobra.Command, []string) error {
		cfg, err := loadConfig(loader)
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}
		defer a.Close()

		var result syncengine.Result
		runErr := withProgress(a.bus, "sync_cli", !noProgress, func() error {
			var err error
			result, err = a.syncer.Sync(context.Background(), "sync_cli", forceRefresh)
			return err
		})
		if runErr != nil {
			return fmt.Errorf("sync: %w", runErr)
		}
		fmt.Printf("sync complete: %d created, %d updated, %d skipped, %d failed\n",
			result.Created, result.Updated, result.Skipped, result.Failed)
		return nil
	}

	return cmd
}
