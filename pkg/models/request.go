package models

import "time"

// PipelineRequest describes a branch submitted for quality review and
// integration. A request is immutable once accepted.
type PipelineRequest struct {
	// RequestID uniquely identifies the run. Generated when absent.
	RequestID string `json:"request_id"`
	// Branch is the feature branch under review.
	Branch string `json:"branch"`
	// BaseBranch is the branch the diff is computed against. Defaults to main.
	BaseBranch string `json:"base_branch,omitempty"`
	// WorktreePath is the checkout the agents operate on.
	WorktreePath string `json:"worktree_path"`
	// ProjectID identifies the owning project, if any.
	ProjectID string `json:"projectId,omitempty"`
	// Metadata carries opaque caller-provided context.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Config carries per-request overrides.
	Config *RequestConfig `json:"config,omitempty"`
}

// RequestConfig holds per-request overrides of the pipeline defaults.
type RequestConfig struct {
	// Tier overrides the classifier when set.
	Tier Tier `json:"tier,omitempty"`
	// Agents overrides the tier's default agent list when non-empty.
	Agents []string `json:"agents,omitempty"`
	// SkipMerge leaves the branch out of the integration manifest.
	SkipMerge bool `json:"skip_merge,omitempty"`
}

// DiffStats summarizes the change a request carries.
type DiffStats struct {
	FilesChanged int      `json:"files_changed"`
	LinesAdded   int      `json:"lines_added"`
	LinesDeleted int      `json:"lines_deleted"`
	ChangedFiles []string `json:"changed_files"`
}

// TotalLines returns the combined added and deleted line count.
func (d DiffStats) TotalLines() int {
	return d.LinesAdded + d.LinesDeleted
}

// Empty reports whether the diff contains no changes at all.
func (d DiffStats) Empty() bool {
	return d.FilesChanged == 0 && d.TotalLines() == 0
}

// PipelineStatus is the lifecycle status of a pipeline run.
type PipelineStatus string

const (
	StatusAccepted   PipelineStatus = "accepted"
	StatusRunning    PipelineStatus = "running"
	StatusCorrecting PipelineStatus = "correcting"
	StatusApproved   PipelineStatus = "approved"
	StatusFailed     PipelineStatus = "failed"
	StatusError      PipelineStatus = "error"
)

// Terminal reports whether the status is a sink state.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusFailed, StatusError:
		return true
	}
	return false
}

// PipelineState is the per-request run record. It is created when a request
// is accepted and mutated only by the pipeline runner.
type PipelineState struct {
	RequestID          string         `json:"request_id"`
	Status             PipelineStatus `json:"status"`
	Tier               Tier           `json:"tier,omitempty"`
	PipelineBranch     string         `json:"pipeline_branch"`
	StartedAt          time.Time      `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	EventsCount        int            `json:"events_count"`
	CorrectionsCount   int            `json:"corrections_count"`
	CorrectionsApplied []string       `json:"corrections_applied"`
}
