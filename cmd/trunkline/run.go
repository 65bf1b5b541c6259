package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/trunkline/internal/app"
	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

var (
	runBranch    string
	runWorktree  string
	runBase      string
	runTier      string
	runAgents    []string
	runSkipMerge bool
	runPriority  int
	runDependsOn []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a quality pipeline on a branch",
	Long: `Submit a branch for quality review and wait for the outcome.

The run executes in-process: agents operate on the worktree, the tier is
classified from the diff unless overridden, and the terminal result is
printed when the pipeline settles.

Examples:
  trunkline run --branch feat/login --worktree ../worktrees/feat-login
  trunkline run --branch feat/login --worktree . --tier large --skip-merge
  trunkline run --branch feat/api --worktree . --depends-on feat/schema`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Feature branch to review (required)")
	runCmd.Flags().StringVar(&runWorktree, "worktree", "", "Checkout the agents operate on (required)")
	runCmd.Flags().StringVar(&runBase, "base", "", "Base branch for the diff (defaults to trunk)")
	runCmd.Flags().StringVar(&runTier, "tier", "", "Override tier classification (small, medium, large)")
	runCmd.Flags().StringSliceVar(&runAgents, "agents", nil, "Override the tier's agent list")
	runCmd.Flags().BoolVar(&runSkipMerge, "skip-merge", false, "Keep the branch out of the integration manifest")
	runCmd.Flags().IntVar(&runPriority, "priority", 0, "Scheduling priority, lower integrates first")
	runCmd.Flags().StringSliceVar(&runDependsOn, "depends-on", nil, "Branches that must merge before this one")
	runCmd.MarkFlagRequired("branch")
	runCmd.MarkFlagRequired("worktree")
}

func runPipeline(cmd *cobra.Command, args []string) error {
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Shutdown()

	worktree, err := filepath.Abs(runWorktree)
	if err != nil {
		return fmt.Errorf("resolving worktree path: %w", err)
	}
	req := &models.PipelineRequest{
		Branch:       runBranch,
		BaseBranch:   runBase,
		WorktreePath: worktree,
	}
	if runTier != "" || len(runAgents) > 0 || runSkipMerge {
		req.Config = &models.RequestConfig{
			Tier:      models.Tier(runTier),
			Agents:    runAgents,
			SkipMerge: runSkipMerge,
		}
	}
	if runPriority != 0 || len(runDependsOn) > 0 {
		req.Metadata = map[string]any{}
		if runPriority != 0 {
			req.Metadata["priority"] = runPriority
		}
		if len(runDependsOn) > 0 {
			req.Metadata["depends_on"] = runDependsOn
		}
	}

	// Pre-assigning the id lets the terminal-event filter be registered
	// before the run starts.
	req.RequestID = uuid.NewString()
	done := make(chan bus.Event, 1)
	unsub := a.Bus.OnEventTypes([]bus.EventType{
		bus.EventPipelineCompleted,
		bus.EventPipelineFailed,
		bus.EventPipelineError,
		bus.EventPipelineStopped,
	}, func(e bus.Event) {
		if e.RequestID == req.RequestID {
			select {
			case done <- e:
			default:
			}
		}
	})
	defer unsub()

	requestID, err := a.Pipeline.Run(req)
	if err != nil {
		return err
	}
	fmt.Printf("Pipeline %s accepted for %s\n", requestID, runBranch)

	event := <-done
	return printOutcome(event, a)
}

func printOutcome(event bus.Event, a *app.App) error {
	state, _ := a.Pipeline.GetStatus(event.RequestID)

	switch event.Type {
	case bus.EventPipelineCompleted:
		color.Green("✓ Pipeline approved")
		if state != nil {
			fmt.Printf("  tier: %s\n", state.Tier)
			if state.CorrectionsCount > 0 {
				fmt.Printf("  corrections: %s\n", strconv.Itoa(state.CorrectionsCount))
			}
		}
		if event.Bool("skip_merge") {
			fmt.Println("  integration: skipped (--skip-merge)")
		} else {
			fmt.Println("  integration: queued")
		}
		return nil
	case bus.EventPipelineFailed:
		color.Red("✗ Pipeline failed: %s", event.String("reason"))
	case bus.EventPipelineError:
		color.Red("✗ Pipeline error: %s", event.String("error"))
	case bus.EventPipelineStopped:
		color.Yellow("⚠ Pipeline stopped")
	}
	return fmt.Errorf("pipeline did not pass")
}
