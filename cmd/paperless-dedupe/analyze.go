package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rknightion/paperless-dedupe/internal/types"
)

// newAnalyzeCmd creates the analyze subcommand: run one analysis pass and exit.
func newAnalyzeCmd() *cobra.Command {
	var forceRebuild, noProgress bool
	var limit int
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Score and group documents into duplicate candidates",
	}
	cmd.Flags().BoolVar(&forceRebuild, "force-rebuild", false, "Recompute signatures even if unchanged since the last run")
	cmd.Flags().IntVar(&limit, "limit", 0, "Limit the number of documents considered (0 means no limit)")
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

		params := types.AnalysisParameters{
			Threshold:    cfg.FuzzyMatchThreshold / 100,
			ForceRebuild: forceRebuild,
			Limit:        limit,
		}

		var run types.AnalysisRun
		runErr := withProgress(a.bus, "analysis_cli", !noProgress, func() error {
			var err error
			run, err = a.analyzer.Run(context.Background(), "analysis_cli", params)
			return err
		})
		if runErr != nil {
			return fmt.Errorf("analyze: %w", runErr)
		}
		fmt.Printf("analysis complete: %d documents processed, %d groups found\n", run.DocumentsProcessed, run.GroupsFound)
		return nil
	}

	return cmd
}
