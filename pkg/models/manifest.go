package models

import "time"

// ReadyEntry is a branch that completed the quality pipeline and is waiting
// for the director to hand it to the integrator.
type ReadyEntry struct {
	// Branch is the feature branch; it keys the manifest.
	Branch string `json:"branch"`
	// PipelineBranch is the branch the quality agents committed to.
	PipelineBranch string `json:"pipeline_branch"`
	// WorktreePath is the checkout used during the pipeline run.
	WorktreePath string `json:"worktree_path"`
	// RequestID is the originating pipeline request.
	RequestID string `json:"request_id"`
	// Tier the run was classified as.
	Tier Tier `json:"tier"`
	// PipelineResult is the serialized quality verdict.
	PipelineResult map[string]any `json:"pipeline_result,omitempty"`
	// CorrectionsApplied lists agents whose fixes were applied.
	CorrectionsApplied []string `json:"corrections_applied"`
	// ReadyAt is when the entry was appended.
	ReadyAt time.Time `json:"ready_at"`
	// Priority orders integration; lower is more urgent.
	Priority int `json:"priority"`
	// DependsOn lists branches that must be in merge history first.
	DependsOn []string `json:"depends_on"`
	// BaseBranch overrides the trunk the PR targets.
	BaseBranch string `json:"base_branch,omitempty"`
	// BaseMainSHA is the trunk sha the entry was built against.
	BaseMainSHA string `json:"base_main_sha"`
	// SkipMerge excludes the branch from integration.
	SkipMerge bool `json:"skip_merge"`
	// LastError records the most recent integration failure, if any.
	LastError string `json:"last_error,omitempty"`
	// Attempts counts failed integration attempts for cooldown.
	Attempts int `json:"attempts,omitempty"`
	// NextAttemptAt is the earliest time the director may retry the entry.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// PendingMergeEntry is a ready entry after PR creation, waiting for the PR
// to merge.
type PendingMergeEntry struct {
	ReadyEntry
	// IntegrationBranch is the integration/<branch> ref the PR is built from.
	IntegrationBranch string `json:"integration_branch"`
	// PRNumber is the pull request number parsed from the PR URL.
	PRNumber int `json:"pr_number"`
	// PRURL is the pull request URL.
	PRURL string `json:"pr_url"`
	// ConflictsResolved counts files the conflict agent resolved.
	ConflictsResolved int `json:"conflicts_resolved"`
}

// MergeRecord is the terminal manifest entry for a merged branch.
type MergeRecord struct {
	Branch         string    `json:"branch"`
	PipelineBranch string    `json:"pipeline_branch,omitempty"`
	PRNumber       int       `json:"pr_number,omitempty"`
	MergeCommitSHA string    `json:"merge_commit_sha"`
	MergedAt       time.Time `json:"merged_at"`
}

// Manifest holds the three lifecycle containers. Each branch occupies
// exactly one container at any time.
type Manifest struct {
	Ready        []ReadyEntry        `json:"ready"`
	PendingMerge []PendingMergeEntry `json:"pending_merge"`
	MergeHistory []MergeRecord       `json:"merge_history"`
}

// Merged reports whether the branch is already in merge history.
func (m *Manifest) Merged(branch string) bool {
	for _, r := range m.MergeHistory {
		if r.Branch == branch {
			return true
		}
	}
	return false
}

// Contains reports whether the branch exists in any container.
func (m *Manifest) Contains(branch string) bool {
	for _, e := range m.Ready {
		if e.Branch == branch {
			return true
		}
	}
	for _, e := range m.PendingMerge {
		if e.Branch == branch {
			return true
		}
	}
	return m.Merged(branch)
}
