// Package tui renders the live pipeline dashboard behind `trunkline status
// --watch`. It folds the persisted event logs into one row per run and
// refreshes on a fixed tick.
package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/trunkline/internal/bus"
)

// refreshInterval is how often the watch view re-reads the event logs.
const refreshInterval = time.Second

// RunView is one folded pipeline run as shown in the dashboard.
type RunView struct {
	RequestID   string
	Branch      string
	Tier        string
	Status      string
	Corrections int
	Events      int
	LastMessage string
	UpdatedAt   time.Time
}

// Source provides the current set of runs. The event-log reader is the
// production implementation; tests substitute fixed snapshots.
type Source interface {
	Snapshot() ([]RunView, error)
}

// EventLogSource folds the per-request JSONL logs under a directory into
// RunViews. It tolerates corrupt lines and files appearing mid-read.
type EventLogSource struct {
	dir string
}

// NewEventLogSource creates a source reading the given events directory.
func NewEventLogSource(dir string) *EventLogSource {
	return &EventLogSource{dir: dir}
}

// Snapshot reads every event log and returns runs newest-first.
func (s *EventLogSource) Snapshot() ([]RunView, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read events directory: %w", err)
	}

	var runs []RunView
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		run, ok := foldLog(filepath.Join(s.dir, f.Name()), strings.TrimSuffix(f.Name(), ".jsonl"))
		if ok {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.After(runs[j].UpdatedAt) })
	return runs, nil
}

// foldLog replays one request's event log into a RunView. Logs that contain
// no pipeline events (webhook-only keys, for example) are skipped.
func foldLog(path, requestID string) (RunView, bool) {
	f, err := os.Open(path)
	if err != nil {
		return RunView{}, false
	}
	defer f.Close()

	run := RunView{RequestID: requestID}
	sawPipeline := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e bus.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		run.Events++
		if e.Timestamp.After(run.UpdatedAt) {
			run.UpdatedAt = e.Timestamp
		}

		switch e.Type {
		case bus.EventPipelineAccepted:
			sawPipeline = true
			run.Status = "accepted"
			run.Branch = e.String("branch")
		case bus.EventPipelineTierClassified:
			sawPipeline = true
			run.Tier = e.String("tier")
		case bus.EventPipelineStarted:
			sawPipeline = true
			run.Status = "running"
		case bus.EventPipelineCompleted:
			sawPipeline = true
			run.Status = "approved"
			if corrections, ok := e.Data["corrections_applied"].([]any); ok {
				run.Corrections = len(corrections)
			}
		case bus.EventPipelineFailed:
			sawPipeline = true
			run.Status = "failed"
		case bus.EventPipelineError:
			sawPipeline = true
			run.Status = "error"
		case bus.EventPipelineStopped:
			sawPipeline = true
			run.Status = "stopped"
		case bus.EventCLIMessage:
			if text := e.String("text"); text != "" {
				run.LastMessage = text
			}
		}
	}
	return run, sawPipeline
}

// tickMsg drives the periodic refresh.
type tickMsg time.Time

// snapshotMsg carries a fresh read of the source.
type snapshotMsg struct {
	runs []RunView
	err  error
}

// Model is the bubbletea model for the watch view.
type Model struct {
	source  Source
	spinner spinner.Model
	runs    []RunView
	err     error
	width   int

	titleStyle  lipgloss.Style
	headerStyle lipgloss.Style
	rowStyle    lipgloss.Style
	dimStyle    lipgloss.Style
	statusStyle map[string]lipgloss.Style
}

// NewModel creates the watch model over a source.
func NewModel(source Source) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		source:      source,
		spinner:     sp,
		width:       100,
		titleStyle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4")),
		headerStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("243")),
		rowStyle:    lipgloss.NewStyle(),
		dimStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		statusStyle: map[string]lipgloss.Style{
			"accepted": lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
			"running":  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC857")),
			"approved": lipgloss.NewStyle().Foreground(lipgloss.Color("#96E6A1")),
			"failed":   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
			"error":    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
			"stopped":  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

// Init starts the spinner and the first refresh.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh, tick())
}

// Update handles keys, ticks, and snapshot results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, tea.Batch(m.refresh, tick())
	case snapshotMsg:
		m.runs = msg.runs
		m.err = msg.err
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.titleStyle.Render("Trunkline Pipelines"))
	b.WriteString(" " + m.spinner.View())
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(m.dimStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n")
		return b.String()
	}
	if len(m.runs) == 0 {
		b.WriteString(m.dimStyle.Render("no pipeline runs recorded"))
		b.WriteString("\n\n")
		b.WriteString(m.dimStyle.Render("q to quit"))
		return b.String()
	}

	b.WriteString(m.headerStyle.Render(formatRow("REQUEST", "BRANCH", "TIER", "STATUS", "FIXES", "UPDATED")))
	b.WriteString("\n")
	for _, run := range m.runs {
		status := run.Status
		if style, ok := m.statusStyle[status]; ok {
			status = style.Render(status)
		}
		b.WriteString(m.rowStyle.Render(formatRow(
			truncate(run.RequestID, 20),
			truncate(run.Branch, 24),
			run.Tier,
			status,
			fmt.Sprintf("%d", run.Corrections),
			relativeTime(run.UpdatedAt),
		)))
		b.WriteString("\n")
		if run.LastMessage != "" {
			b.WriteString(m.dimStyle.Render("  " + truncate(run.LastMessage, m.width-4)))
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(m.dimStyle.Render("q to quit"))
	return b.String()
}

func (m Model) refresh() tea.Msg {
	runs, err := m.source.Snapshot()
	return snapshotMsg{runs: runs, err: err}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func formatRow(request, branch, tier, status, fixes, updated string) string {
	return fmt.Sprintf("%-22s %-26s %-8s %-18s %-6s %s", request, branch, tier, status, fixes, updated)
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// relativeTime renders a compact age like 5s, 3m, 2h.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

// Run blocks on the watch program until the user quits.
func Run(source Source) error {
	p := tea.NewProgram(NewModel(source))
	_, err := p.Run()
	return err
}
