package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a trunkline project",
	Long: `Initialize a repository for use with trunkline.

This command sets up everything needed to run pipelines:
  - Verifies prerequisites (git, gh)
  - Creates the .pipeline state directory
  - Writes a starter trunkline.yaml

The directory argument is optional and defaults to the current directory.

Examples:
  trunkline init              # Initialize current directory
  trunkline init ./myproject  # Initialize specific directory
  trunkline init --force      # Rewrite trunkline.yaml even if present`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Rewrite trunkline.yaml even if present")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing trunkline in %s...\n\n", absPath)

	if _, err := exec.LookPath("git"); err != nil {
		printStatus("✗", "git not found in PATH", color.FgRed)
		return fmt.Errorf("git is required")
	}
	printStatus("✓", "git found", color.FgGreen)

	if _, err := exec.LookPath("gh"); err != nil {
		printStatus("⚠", "gh not found; integration PRs will fail until installed", color.FgYellow)
	} else {
		printStatus("✓", "gh found", color.FgGreen)
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	pipelineDir := filepath.Join(absPath, ".pipeline")
	if err := os.MkdirAll(pipelineDir, 0o755); err != nil {
		return fmt.Errorf("creating .pipeline directory: %w", err)
	}
	printStatus("✓", "Created .pipeline directory", color.FgGreen)

	configFile := filepath.Join(absPath, "trunkline.yaml")
	if _, err := os.Stat(configFile); err == nil && !initForce {
		printStatus("•", "trunkline.yaml already exists (use --force to rewrite)", color.FgCyan)
	} else {
		if err := os.WriteFile(configFile, []byte(starterConfig), 0o644); err != nil {
			return fmt.Errorf("writing trunkline.yaml: %w", err)
		}
		printStatus("✓", "Wrote starter trunkline.yaml", color.FgGreen)
	}

	fmt.Println()
	color.Green("Done. Start the daemon with 'trunkline serve'.")
	return nil
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

const starterConfig = `# Trunkline configuration. Every key shown is optional; the built-in
# defaults match the values below unless noted.

branch:
  pipeline_prefix: pipeline/
  integration_prefix: integration/
  main: main

tiers:
  small:
    max_files: 3
    max_lines: 50
    agents: [tests, style]
  medium:
    max_files: 10
    max_lines: 400
    agents: [tests, style, security]
  large:
    max_files: 0
    max_lines: 0
    agents: [tests, style, security, architecture]

auto_correction:
  max_attempts: 2
  backoff_base_ms: 1000
  backoff_factor: 2.0

director:
  auto_trigger_delay_ms: 500
  default_priority: 10
  # schedule_interval_ms: 60000  # enable periodic cycles

reactions:
  ci_failed:
    action: respawn_agent
    max_retries: 2
    prompt: "CI failed on PR #{prNumber}. Investigate and fix."
  changes_requested:
    action: respawn_agent
    max_retries: 2
    prompt: "Review changes requested on PR #{prNumber}. Address the feedback."
  approved_and_green:
    action: notify
  agent_stuck:
    after_min: 30
    action: notify

server:
  port: 8080

# webhook_secret: ${TRUNKLINE_WEBHOOK_SECRET}
# adapters:
#   webhooks:
#     - url: https://example.com/hooks/trunkline
#       secret: changeme
#       events: [pipeline.completed, pipeline.failed, integration.pr.merged]
`
