package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/trunkline/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "trunkline",
	Short: "Autonomous delivery pipeline orchestrator",
	Long: `Trunkline runs quality pipelines on feature branches, schedules their
integration into trunk, and reacts to CI and review events without a human
in the loop.

Core capabilities:
- Classifies changes into tiers and runs the matching quality agents
- Applies bounded auto-correction cycles before failing a branch
- Integrates approved branches through short-lived integration PRs
- Rebases pending work when trunk moves underneath it
- Retries, escalates, or auto-merges on CI and review events`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a trunkline config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(directorCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig honors the --config flag, falling back to the standard search
// path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}
