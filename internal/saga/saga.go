// Package saga runs multi-step operations with compensations. A failed step
// triggers the compensations of every completed step in reverse order, and
// every transition is persisted for forensic reconstruction.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Step is one forward action with an optional compensating action.
type Step struct {
	// Name identifies the step in logs and the persisted saga log.
	Name string
	// Run performs the step.
	Run func(ctx context.Context) error
	// Compensate undoes the step after a later failure. Nil means the step
	// needs no undo (idempotent or intentionally left visible).
	Compensate func(ctx context.Context) error
}

// Log is the persisted record of one saga execution.
type Log struct {
	SagaName         string     `json:"saga_name"`
	RequestID        string     `json:"request_id"`
	StepsCompleted   []string   `json:"steps_completed"`
	CurrentStep      string     `json:"current_step,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAtStep     string     `json:"failed_at_step,omitempty"`
	CompensationsRun []string   `json:"compensations_run,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Engine executes sagas and persists their logs under a directory, one JSON
// file per request id.
type Engine struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewEngine creates the saga log directory if needed.
func NewEngine(dir string, logger *zap.SugaredLogger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create saga directory: %w", err)
	}
	return &Engine{dir: dir, logger: logger.Named("saga")}, nil
}

// Execute runs the steps in order. On step failure, compensations of the
// completed steps run in reverse; a failing compensation is logged and the
// sweep continues. The returned error is the original step failure.
func (e *Engine) Execute(ctx context.Context, name, requestID string, steps []Step) error {
	log := &Log{
		SagaName:  name,
		RequestID: requestID,
		StartedAt: time.Now().UTC(),
	}
	e.persist(log)

	var completed []Step
	for _, step := range steps {
		log.CurrentStep = step.Name
		e.persist(log)

		if err := ctx.Err(); err != nil {
			return e.fail(ctx, log, completed, step.Name, err)
		}
		if err := step.Run(ctx); err != nil {
			return e.fail(ctx, log, completed, step.Name, err)
		}

		completed = append(completed, step)
		log.StepsCompleted = append(log.StepsCompleted, step.Name)
		log.CurrentStep = ""
		e.persist(log)
	}

	now := time.Now().UTC()
	log.CompletedAt = &now
	e.persist(log)
	return nil
}

func (e *Engine) fail(ctx context.Context, log *Log, completed []Step, stepName string, cause error) error {
	log.FailedAtStep = stepName
	log.CurrentStep = ""
	log.Error = cause.Error()
	e.persist(log)
	e.logger.Errorw("saga step failed, compensating",
		"saga", log.SagaName, "request_id", log.RequestID, "step", stepName, "error", cause)

	// Compensations run against a fresh context: the original may already be
	// cancelled, and undo work must still complete.
	compCtx := context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(compCtx); err != nil {
			log.CompensationsRun = append(log.CompensationsRun, step.Name+" (FAILED)")
			e.logger.Errorw("saga compensation failed",
				"saga", log.SagaName, "request_id", log.RequestID, "step", step.Name, "error", err)
			continue
		}
		log.CompensationsRun = append(log.CompensationsRun, step.Name)
	}
	e.persist(log)
	return fmt.Errorf("saga %s failed at %s: %w", log.SagaName, stepName, cause)
}

// FlagIncomplete scans the log directory for sagas interrupted mid-step: a
// current step recorded with neither a completion nor a failure, meaning the
// process died while the step ran. Each one is logged with enough context to
// inspect the repository by hand; the logs are returned for callers that
// surface them elsewhere.
func (e *Engine) FlagIncomplete() ([]*Log, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("read saga directory: %w", err)
	}

	var interrupted []*Log
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.dir, entry.Name()))
		if err != nil {
			e.logger.Warnw("unreadable saga log", "file", entry.Name(), "error", err)
			continue
		}
		var log Log
		if err := json.Unmarshal(data, &log); err != nil {
			e.logger.Warnw("corrupt saga log", "file", entry.Name(), "error", err)
			continue
		}
		if log.CurrentStep == "" || log.CompletedAt != nil {
			continue
		}
		e.logger.Warnw("interrupted saga, manual inspection needed",
			"saga", log.SagaName,
			"request_id", log.RequestID,
			"step", log.CurrentStep,
			"steps_completed", log.StepsCompleted,
			"started_at", log.StartedAt)
		interrupted = append(interrupted, &log)
	}
	return interrupted, nil
}

// ReadLog returns the persisted saga log for a request, if any.
func (e *Engine) ReadLog(requestID string) (*Log, error) {
	data, err := os.ReadFile(e.logPath(requestID))
	if err != nil {
		return nil, fmt.Errorf("read saga log: %w", err)
	}
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parse saga log: %w", err)
	}
	return &log, nil
}

func (e *Engine) persist(log *Log) {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		e.logger.Errorw("marshal saga log", "request_id", log.RequestID, "error", err)
		return
	}
	path := e.logPath(log.RequestID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.logger.Errorw("write saga log", "request_id", log.RequestID, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		e.logger.Errorw("rename saga log", "request_id", log.RequestID, "error", err)
	}
}

func (e *Engine) logPath(requestID string) string {
	return filepath.Join(e.dir, requestID+".json")
}
