package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/trunkline/internal/app"
)

var directorCmd = &cobra.Command{
	Use:   "director",
	Short: "Run one integration scheduling cycle",
	Long: `Run a single director cycle against the integration manifest:
rebase pending branches that trunk has moved under, then integrate every
eligible ready branch in priority order.`,
	RunE: runDirector,
}

func runDirector(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(verbose)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	a.Director.RunCycle(context.Background())

	man, err := a.Manifest.Load()
	if err != nil {
		return err
	}
	color.Green("Cycle complete")
	fmt.Printf("  ready: %d  pending merge: %d  merged: %d\n",
		len(man.Ready), len(man.PendingMerge), len(man.MergeHistory))
	for _, entry := range man.Ready {
		if entry.LastError != "" {
			color.Yellow("  %s: last error: %s", entry.Branch, entry.LastError)
		}
	}
	return nil
}
