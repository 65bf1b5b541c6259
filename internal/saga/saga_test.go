package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestExecute_AllStepsSucceed(t *testing.T) {
	e := newEngine(t)

	var order []string
	step := func(name string) Step {
		return Step{
			Name:       name,
			Run:        func(context.Context) error { order = append(order, name); return nil },
			Compensate: func(context.Context) error { order = append(order, "undo:"+name); return nil },
		}
	}

	err := e.Execute(context.Background(), "integrate", "r1", []Step{step("a"), step("b"), step("c")})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	log, err := e.ReadLog("r1")
	if err != nil {
		t.Fatal(err)
	}
	if log.CompletedAt == nil {
		t.Error("completed saga has no completed_at")
	}
	if len(log.StepsCompleted) != 3 {
		t.Errorf("steps_completed = %v", log.StepsCompleted)
	}
}

func TestExecute_CompensatesInReverseOrder(t *testing.T) {
	e := newEngine(t)

	var undone []string
	undo := func(name string) func(context.Context) error {
		return func(context.Context) error { undone = append(undone, name); return nil }
	}
	boom := errors.New("merge conflict unresolvable")

	err := e.Execute(context.Background(), "integrate", "r2", []Step{
		{Name: "fetch_main", Run: func(context.Context) error { return nil }},
		{Name: "create_integration_branch", Run: func(context.Context) error { return nil }, Compensate: undo("create_integration_branch")},
		{Name: "merge_pipeline", Run: func(context.Context) error { return nil }, Compensate: undo("merge_pipeline")},
		{Name: "push_branch", Run: func(context.Context) error { return boom }, Compensate: undo("push_branch")},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Execute() error = %v, want wrapped %v", err, boom)
	}

	// Only completed steps compensate, newest first. The failed step's own
	// compensation must not run.
	want := []string{"merge_pipeline", "create_integration_branch"}
	if len(undone) != len(want) {
		t.Fatalf("undone = %v, want %v", undone, want)
	}
	for i := range want {
		if undone[i] != want[i] {
			t.Errorf("undone[%d] = %s, want %s", i, undone[i], want[i])
		}
	}

	log, err := e.ReadLog("r2")
	if err != nil {
		t.Fatal(err)
	}
	if log.FailedAtStep != "push_branch" {
		t.Errorf("failed_at_step = %q, want push_branch", log.FailedAtStep)
	}
	if log.Error == "" {
		t.Error("saga log lost the failure cause")
	}
}

func TestExecute_FailedCompensationDoesNotHaltSweep(t *testing.T) {
	e := newEngine(t)

	var undone []string
	err := e.Execute(context.Background(), "integrate", "r3", []Step{
		{
			Name: "first",
			Run:  func(context.Context) error { return nil },
			Compensate: func(context.Context) error {
				undone = append(undone, "first")
				return nil
			},
		},
		{
			Name: "second",
			Run:  func(context.Context) error { return nil },
			Compensate: func(context.Context) error {
				return errors.New("undo blew up")
			},
		},
		{Name: "third", Run: func(context.Context) error { return errors.New("boom") }},
	})
	if err == nil {
		t.Fatal("Execute() should surface the step failure")
	}
	if len(undone) != 1 || undone[0] != "first" {
		t.Errorf("sweep stopped after failed compensation: undone = %v", undone)
	}

	log, _ := e.ReadLog("r3")
	want := []string{"second (FAILED)", "first"}
	if len(log.CompensationsRun) != len(want) {
		t.Fatalf("compensations_run = %v, want %v", log.CompensationsRun, want)
	}
	for i := range want {
		if log.CompensationsRun[i] != want[i] {
			t.Errorf("compensations_run[%d] = %q, want %q", i, log.CompensationsRun[i], want[i])
		}
	}
}

func TestFlagIncomplete_FindsInterruptedSagas(t *testing.T) {
	e := newEngine(t)

	// A completed saga and a failed-then-compensated saga are both settled.
	if err := e.Execute(context.Background(), "integrate", "done", []Step{
		{Name: "fetch_main", Run: func(context.Context) error { return nil }},
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Execute(context.Background(), "integrate", "failed", []Step{
		{Name: "push_branch", Run: func(context.Context) error { return errors.New("boom") }},
	}); err == nil {
		t.Fatal("Execute() should surface the step failure")
	}

	// A process dying mid-step leaves current_step set with no completion.
	e.persist(&Log{
		SagaName:       "integrate",
		RequestID:      "cut-short",
		StepsCompleted: []string{"fetch_main"},
		CurrentStep:    "merge_pipeline",
		StartedAt:      time.Now().UTC(),
	})

	interrupted, err := e.FlagIncomplete()
	if err != nil {
		t.Fatalf("FlagIncomplete() error: %v", err)
	}
	if len(interrupted) != 1 {
		t.Fatalf("FlagIncomplete() = %d sagas, want 1", len(interrupted))
	}
	if interrupted[0].RequestID != "cut-short" || interrupted[0].CurrentStep != "merge_pipeline" {
		t.Errorf("flagged saga = %+v", interrupted[0])
	}
}

func TestFlagIncomplete_EmptyDirectory(t *testing.T) {
	interrupted, err := newEngine(t).FlagIncomplete()
	if err != nil {
		t.Fatalf("FlagIncomplete() error: %v", err)
	}
	if len(interrupted) != 0 {
		t.Errorf("FlagIncomplete() = %v, want none", interrupted)
	}
}

func TestExecute_CancelledContextCompensates(t *testing.T) {
	e := newEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	var undone bool
	err := e.Execute(ctx, "integrate", "r4", []Step{
		{
			Name: "first",
			Run:  func(context.Context) error { cancel(); return nil },
			Compensate: func(context.Context) error {
				undone = true
				return nil
			},
		},
		{Name: "second", Run: func(context.Context) error { return nil }},
	})
	if err == nil {
		t.Fatal("Execute() should fail once the context is cancelled")
	}
	if !undone {
		t.Error("completed step was not compensated after cancellation")
	}
}
