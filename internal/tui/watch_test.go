package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/trunkline/internal/bus"
)

func publishRun(t *testing.T, b *bus.Bus, id, branch string, terminal bus.EventType) {
	t.Helper()
	b.Publish(bus.Event{Type: bus.EventPipelineAccepted, RequestID: id, Data: map[string]any{"branch": branch}})
	b.Publish(bus.Event{Type: bus.EventPipelineTierClassified, RequestID: id, Data: map[string]any{"tier": "small"}})
	b.Publish(bus.Event{Type: bus.EventPipelineStarted, RequestID: id})
	if terminal != "" {
		b.Publish(bus.Event{Type: terminal, RequestID: id, Data: map[string]any{
			"corrections_applied": []any{"tests"},
		}})
	}
}

func TestEventLogSource_FoldsRuns(t *testing.T) {
	dir := t.TempDir()
	b, err := bus.New(bus.Options{Path: dir, Workers: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	publishRun(t, b, "r1", "feat/a", bus.EventPipelineCompleted)
	publishRun(t, b, "r2", "feat/b", "")

	runs, err := NewEventLogSource(dir).Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}

	byID := map[string]RunView{}
	for _, run := range runs {
		byID[run.RequestID] = run
	}
	done := byID["r1"]
	if done.Status != "approved" || done.Branch != "feat/a" || done.Tier != "small" {
		t.Errorf("r1 = %+v", done)
	}
	if done.Corrections != 1 {
		t.Errorf("r1 corrections = %d, want 1", done.Corrections)
	}
	active := byID["r2"]
	if active.Status != "running" {
		t.Errorf("r2 status = %q, want running", active.Status)
	}
}

func TestEventLogSource_SkipsNonPipelineLogs(t *testing.T) {
	dir := t.TempDir()
	b, err := bus.New(bus.Options{Path: dir, Workers: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	b.Publish(bus.Event{Type: bus.EventSessionCIFailed, RequestID: "session-1"})
	publishRun(t, b, "r1", "feat/a", bus.EventPipelineFailed)

	runs, err := NewEventLogSource(dir).Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RequestID != "r1" {
		t.Fatalf("runs = %+v, want only r1", runs)
	}
	if runs[0].Status != "failed" {
		t.Errorf("status = %q, want failed", runs[0].Status)
	}
}

func TestEventLogSource_MissingDir(t *testing.T) {
	runs, err := NewEventLogSource("/nonexistent/events").Snapshot()
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("runs = %d, want 0", len(runs))
	}
}

type fixedSource struct{ runs []RunView }

func (f fixedSource) Snapshot() ([]RunView, error) { return f.runs, nil }

func TestModel_ViewRendersRuns(t *testing.T) {
	m := NewModel(fixedSource{})
	updated, _ := m.Update(snapshotMsg{runs: []RunView{
		{RequestID: "r1", Branch: "feat/a", Tier: "small", Status: "running", UpdatedAt: time.Now()},
	}})
	view := updated.(Model).View()

	for _, want := range []string{"r1", "feat/a", "small", "running"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_QuitKeys(t *testing.T) {
	m := NewModel(fixedSource{})
	for _, key := range []string{"q", "esc", "ctrl+c"} {
		t.Run(key, func(t *testing.T) {
			var msg tea.KeyMsg
			switch key {
			case "q":
				msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}
			case "esc":
				msg = tea.KeyMsg{Type: tea.KeyEsc}
			case "ctrl+c":
				msg = tea.KeyMsg{Type: tea.KeyCtrlC}
			}
			_, cmd := m.Update(msg)
			if cmd == nil {
				t.Fatalf("%s did not quit", key)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 20, "short"},
		{"a-very-long-branch-name", 10, "a-very-..."},
		{"abc", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
