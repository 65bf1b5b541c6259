package models

import "time"

// SessionStatus is the lifecycle status of a reactive workflow session.
type SessionStatus string

const (
	SessionPlanning      SessionStatus = "planning"
	SessionImplementing  SessionStatus = "implementing"
	SessionPRCreated     SessionStatus = "pr_created"
	SessionCIRunning     SessionStatus = "ci_running"
	SessionReviewPending SessionStatus = "review_pending"
	SessionFailed        SessionStatus = "failed"
	SessionEscalated     SessionStatus = "escalated"
	SessionMerged        SessionStatus = "merged"
)

// Terminal reports whether the status ends the session.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionFailed, SessionEscalated, SessionMerged:
		return true
	}
	return false
}

// SessionAttempts tracks retry budgets consumed per trigger kind.
type SessionAttempts struct {
	CI     int `json:"ci"`
	Review int `json:"review"`
}

// Session is the persistent record driving reactive workflows.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`
	// IssueNumber is the tracked issue, when the branch encodes one.
	IssueNumber int `json:"issueNumber,omitempty"`
	// PRNumber is the open pull request, once created.
	PRNumber int `json:"prNumber,omitempty"`
	// Status is the session lifecycle status.
	Status SessionStatus `json:"status"`
	// Stage is a free-form sub-stage label within the status.
	Stage string `json:"stage,omitempty"`
	// Attempts tracks retry budgets consumed.
	Attempts SessionAttempts `json:"attempts"`
	// Branch is the working branch, if known.
	Branch string `json:"branch,omitempty"`
	// WorktreePath is the working checkout, if known.
	WorktreePath string `json:"worktreePath,omitempty"`
	// CreatedAt is when the session was first stored.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last mutated.
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsActive reports whether the session still participates in reactions.
func (s *Session) IsActive() bool {
	return !s.Status.Terminal()
}

// IsTerminal reports whether the session reached a sink state.
func (s *Session) IsTerminal() bool {
	return s.Status.Terminal()
}
