package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/tui"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status [request-id]",
	Short: "Show pipeline run state",
	Long: `Display recorded pipeline runs from the event log.

Without arguments, prints one line per run. With a request id, prints that
run's full event history. --watch opens a live dashboard that refreshes as
events arrive.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Open a live dashboard")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if statusWatch {
		return tui.Run(tui.NewEventLogSource(cfg.Events.Path))
	}
	if len(args) == 1 {
		return printHistory(cfg.Events.Path, args[0])
	}

	runs, err := tui.NewEventLogSource(cfg.Events.Path).Snapshot()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No pipeline runs recorded. Run 'trunkline run' to start one.")
		return nil
	}

	fmt.Printf("%-24s %-26s %-8s %-12s %s\n", "REQUEST", "BRANCH", "TIER", "STATUS", "FIXES")
	for _, run := range runs {
		status := run.Status
		switch status {
		case "approved":
			status = color.GreenString(status)
		case "failed", "error":
			status = color.RedString(status)
		case "running", "accepted":
			status = color.YellowString(status)
		}
		fmt.Printf("%-24s %-26s %-8s %-12s %d\n", run.RequestID, run.Branch, run.Tier, status, run.Corrections)
	}
	return nil
}

// printHistory replays one request's persisted events.
func printHistory(eventsPath, requestID string) error {
	b, err := bus.New(bus.Options{Path: eventsPath, Workers: 1}, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	events, err := b.GetEvents(requestID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for %s", requestID)
	}
	for _, e := range events {
		fmt.Printf("%s  %-32s", e.Timestamp.Format("15:04:05"), e.Type)
		if text := e.String("text"); text != "" {
			fmt.Printf("  %s", text)
		} else if reason := e.String("reason"); reason != "" {
			fmt.Printf("  %s", reason)
		} else if errMsg := e.String("error"); errMsg != "" {
			fmt.Printf("  %s", errMsg)
		}
		fmt.Println()
	}
	return nil
}
