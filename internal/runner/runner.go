// Package runner owns the pipeline lifecycle: accepting requests, classifying
// them into tiers, driving the quality pipeline, and publishing every
// transition on the bus.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/fsm"
	"github.com/ShayCichocki/trunkline/internal/quality"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// retention is how long terminal state stays queryable before pruning.
const retention = 60 * time.Second

// maxRetained caps non-running entries; the oldest are pruned beyond it.
const maxRetained = 500

// VCS is the version-control surface the runner needs: diff sizing for tier
// classification and the trunk sha recorded into manifest entries.
type VCS interface {
	Stats(ctx context.Context, worktreePath, base, head string) (models.DiffStats, error)
	MainSHA(ctx context.Context, worktreePath string) (string, error)
}

// QualityRunner is the quality pipeline seam.
type QualityRunner interface {
	Run(ctx context.Context, req *models.PipelineRequest, roles []models.AgentRole, diff models.DiffStats) (*quality.Result, error)
}

type runEntry struct {
	state     *models.PipelineState
	machine   *fsm.Machine
	cancel    context.CancelFunc
	request   *models.PipelineRequest
	stopped   bool
	msgSeq    int
	expiresAt time.Time
}

// Runner executes pipeline requests.
type Runner struct {
	cfg     *config.Config
	bus     *bus.Bus
	vcs     VCS
	quality QualityRunner
	roles   map[string]models.AgentRole
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*runEntry
	wg      sync.WaitGroup
	closed  bool
}

// New creates a pipeline runner.
func New(cfg *config.Config, b *bus.Bus, vcs VCS, q QualityRunner, roles map[string]models.AgentRole, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		cfg:     cfg,
		bus:     b,
		vcs:     vcs,
		quality: q,
		roles:   roles,
		logger:  logger.Named("runner"),
		entries: make(map[string]*runEntry),
	}
}

// Run accepts a request and starts its pipeline. The returned request id is
// generated when the request does not carry one.
func (r *Runner) Run(req *models.PipelineRequest) (string, error) {
	if req.Branch == "" {
		return "", fmt.Errorf("request has no branch")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.BaseBranch == "" {
		req.BaseBranch = r.cfg.Branch.Main
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("runner is shutting down")
	}
	if e, ok := r.entries[req.RequestID]; ok && !e.state.Status.Terminal() {
		r.mu.Unlock()
		return "", fmt.Errorf("request %s is already running", req.RequestID)
	}
	r.pruneLocked()

	var ctx context.Context
	var cancel context.CancelFunc
	if r.cfg.PipelineTimeoutMS > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(r.cfg.PipelineTimeoutMS)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	entry := &runEntry{
		state: &models.PipelineState{
			RequestID:      req.RequestID,
			Status:         models.StatusAccepted,
			PipelineBranch: r.cfg.PipelineBranchFor(req.Branch),
			StartedAt:      time.Now().UTC(),
		},
		machine: fsm.New("pipeline:"+req.RequestID, fsm.State(models.StatusAccepted), fsm.PipelineTransitions(), r.logger),
		cancel:  cancel,
		request: req,
	}
	r.entries[req.RequestID] = entry
	r.mu.Unlock()

	r.publish(entry, bus.EventPipelineAccepted, map[string]any{
		"branch":        req.Branch,
		"worktree_path": req.WorktreePath,
		"projectId":     req.ProjectID,
	})
	r.message(entry, "system-init", "")
	r.message(entry, "info", fmt.Sprintf("Pipeline accepted for %s", req.Branch))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.execute(ctx, entry)
	}()
	return req.RequestID, nil
}

// Stop cancels a running pipeline. The run publishes pipeline.stopped.
func (r *Runner) Stop(requestID string) error {
	r.mu.Lock()
	entry, ok := r.entries[requestID]
	if !ok || entry.state.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("request %s is not running", requestID)
	}
	entry.stopped = true
	cancel := entry.cancel
	r.mu.Unlock()
	cancel()
	return nil
}

// StopAll cancels every running pipeline and waits for them to settle.
func (r *Runner) StopAll() {
	r.mu.Lock()
	r.closed = true
	for _, entry := range r.entries {
		if !entry.state.Status.Terminal() {
			entry.stopped = true
			entry.cancel()
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// NotifyCorrecting marks a run as correcting. Wired to the quality
// pipeline's correction-cycle hook.
func (r *Runner) NotifyCorrecting(requestID string, attempt int, agents []string) {
	r.mu.Lock()
	entry, ok := r.entries[requestID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if entry.machine.Current() != fsm.State(models.StatusCorrecting) {
		r.transition(entry, models.StatusCorrecting)
	}
	r.message(entry, "info", fmt.Sprintf("Correction cycle %d: re-running %v", attempt, agents))
}

// GetStatus returns a snapshot of the run state.
func (r *Runner) GetStatus(requestID string) (*models.PipelineState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[requestID]
	if !ok {
		return nil, false
	}
	snapshot := *entry.state
	snapshot.CorrectionsApplied = append([]string(nil), entry.state.CorrectionsApplied...)
	return &snapshot, true
}

// IsRunning reports whether the request has a non-terminal run.
func (r *Runner) IsRunning(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[requestID]
	return ok && !entry.state.Status.Terminal()
}

// ListAll returns snapshots of every retained run, newest first.
func (r *Runner) ListAll() []*models.PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.PipelineState, 0, len(r.entries))
	for _, entry := range r.entries {
		snapshot := *entry.state
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (r *Runner) execute(ctx context.Context, entry *runEntry) {
	req := entry.request

	diff, err := r.vcs.Stats(ctx, req.WorktreePath, req.BaseBranch, req.Branch)
	if err != nil {
		// A stop or deadline firing mid-diff is an abort, not a git failure.
		if ctx.Err() != nil {
			r.finishAborted(ctx, entry)
			return
		}
		r.finish(entry, models.StatusError, bus.EventPipelineError, map[string]any{
			"error": fmt.Sprintf("diff stats: %v", err),
		})
		return
	}

	var override models.Tier
	if req.Config != nil {
		override = req.Config.Tier
	}
	tier, err := Classify(r.cfg, diff, override)
	if err != nil {
		r.finish(entry, models.StatusError, bus.EventPipelineError, map[string]any{
			"error": err.Error(),
		})
		return
	}

	r.mu.Lock()
	entry.state.Tier = tier
	r.mu.Unlock()
	r.publish(entry, bus.EventPipelineTierClassified, map[string]any{
		"tier":          string(tier),
		"files_changed": diff.FilesChanged,
		"total_lines":   diff.TotalLines(),
	})
	r.transition(entry, models.StatusRunning)

	roles, err := r.selectRoles(req, tier)
	if err != nil {
		r.finish(entry, models.StatusError, bus.EventPipelineError, map[string]any{
			"error": err.Error(),
		})
		return
	}
	agentNames := make([]string, len(roles))
	modelSet := map[string]struct{}{}
	for i, role := range roles {
		agentNames[i] = role.Name
		modelSet[role.Model] = struct{}{}
	}

	r.publish(entry, bus.EventPipelineStarted, map[string]any{
		"tier":        string(tier),
		"agents":      agentNames,
		"model_count": len(modelSet),
	})

	result, err := r.quality.Run(ctx, req, roles, diff)
	if err != nil {
		if ctx.Err() != nil {
			r.finishAborted(ctx, entry)
			return
		}
		r.finish(entry, models.StatusError, bus.EventPipelineError, map[string]any{
			"error": err.Error(),
		})
		return
	}

	r.mu.Lock()
	entry.state.CorrectionsCount = len(result.CorrectionsApplied)
	entry.state.CorrectionsApplied = result.CorrectionsApplied
	r.mu.Unlock()

	switch result.OverallStatus {
	case models.AgentError:
		r.finish(entry, models.StatusError, bus.EventPipelineError, map[string]any{
			"error":   "agent error",
			"results": resultPayload(result),
		})
	case models.AgentFailed:
		r.finish(entry, models.StatusFailed, bus.EventPipelineFailed, map[string]any{
			"reason":  "quality gate failed",
			"results": resultPayload(result),
		})
	default:
		skipMerge := req.Config != nil && req.Config.SkipMerge
		baseSHA, shaErr := r.vcs.MainSHA(ctx, req.WorktreePath)
		if shaErr != nil {
			r.logger.Warnw("main sha unavailable", "request_id", req.RequestID, "error", shaErr)
		}
		data := map[string]any{
			"branch":              req.Branch,
			"pipeline_branch":     entry.state.PipelineBranch,
			"worktree_path":       req.WorktreePath,
			"tier":                string(tier),
			"result":              resultPayload(result),
			"corrections_applied": result.CorrectionsApplied,
			"base_branch":         req.BaseBranch,
			"base_main_sha":       baseSHA,
			"skip_merge":          skipMerge,
		}
		// Scheduling hints ride along for the manifest listener.
		if v, ok := req.Metadata["priority"]; ok {
			data["priority"] = v
		}
		if v, ok := req.Metadata["depends_on"]; ok {
			data["depends_on"] = v
		}
		r.finish(entry, models.StatusApproved, bus.EventPipelineCompleted, data)
	}
}

// finishAborted distinguishes a manual stop from a deadline firing.
func (r *Runner) finishAborted(ctx context.Context, entry *runEntry) {
	r.mu.Lock()
	stopped := entry.stopped
	r.mu.Unlock()
	if stopped || ctx.Err() != context.DeadlineExceeded {
		r.finish(entry, models.StatusFailed, bus.EventPipelineStopped, map[string]any{
			"reason": "stopped",
		})
		return
	}
	r.finish(entry, models.StatusFailed, bus.EventPipelineFailed, map[string]any{
		"reason": "timeout",
	})
}

func (r *Runner) finish(entry *runEntry, status models.PipelineStatus, eventType bus.EventType, data map[string]any) {
	r.transition(entry, status)
	now := time.Now().UTC()
	r.mu.Lock()
	entry.state.CompletedAt = &now
	entry.expiresAt = now.Add(retention)
	r.mu.Unlock()
	r.publish(entry, eventType, data)
}

func (r *Runner) transition(entry *runEntry, status models.PipelineStatus) {
	if err := entry.machine.Transition(fsm.State(status)); err != nil {
		r.logger.Errorw("invalid pipeline transition",
			"request_id", entry.state.RequestID, "to", status, "error", err)
		return
	}
	r.mu.Lock()
	entry.state.Status = status
	r.mu.Unlock()
}

func (r *Runner) selectRoles(req *models.PipelineRequest, tier models.Tier) ([]models.AgentRole, error) {
	names := []string{}
	if req.Config != nil && len(req.Config.Agents) > 0 {
		names = req.Config.Agents
	} else if thresholds, ok := r.cfg.TierFor(tier); ok {
		names = thresholds.Agents
	}
	return config.ResolveRoles(names, r.roles)
}

func (r *Runner) publish(entry *runEntry, eventType bus.EventType, data map[string]any) {
	r.mu.Lock()
	entry.state.EventsCount++
	r.mu.Unlock()
	r.bus.Publish(bus.Event{
		Type:      eventType,
		RequestID: entry.state.RequestID,
		Data:      data,
	})
}

// message publishes a cli.message event with a per-run sequence number.
func (r *Runner) message(entry *runEntry, kind, text string) {
	r.mu.Lock()
	entry.msgSeq++
	seq := entry.msgSeq
	r.mu.Unlock()
	r.publish(entry, bus.EventCLIMessage, map[string]any{
		"kind": kind,
		"text": text,
		"seq":  seq,
	})
}

// pruneLocked drops expired terminal entries and enforces the retention cap
// oldest-first. Callers hold r.mu.
func (r *Runner) pruneLocked() {
	now := time.Now()
	for id, entry := range r.entries {
		if entry.state.Status.Terminal() && !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(r.entries, id)
		}
	}

	var terminal []*runEntry
	for _, entry := range r.entries {
		if entry.state.Status.Terminal() {
			terminal = append(terminal, entry)
		}
	}
	if excess := len(terminal) - maxRetained; excess > 0 {
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].state.StartedAt.Before(terminal[j].state.StartedAt)
		})
		for _, entry := range terminal[:excess] {
			delete(r.entries, entry.state.RequestID)
		}
	}
}

func resultPayload(result *quality.Result) map[string]any {
	agents := make([]map[string]any, 0, len(result.AgentResults))
	for _, ar := range result.AgentResults {
		findings := make([]map[string]any, 0, len(ar.Findings))
		for _, f := range ar.Findings {
			findings = append(findings, map[string]any{
				"severity":    f.Severity,
				"description": f.Description,
				"file":        f.File,
				"line":        f.Line,
				"fix_applied": f.FixApplied,
			})
		}
		agents = append(agents, map[string]any{
			"agent":         ar.Agent,
			"status":        string(ar.Status),
			"findings":      findings,
			"fixes_applied": ar.FixesApplied,
		})
	}
	return map[string]any{
		"overall_status": string(result.OverallStatus),
		"agents":         agents,
	}
}
