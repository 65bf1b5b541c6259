// Package fsm provides a small guarded state machine used for pipeline,
// branch, and session lifecycles. Invalid transitions are rejected, never
// fatal: the holder keeps its prior state.
package fsm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

// State is a node in a transition map.
type State string

// Transitions maps each state to the states it may move to. States absent
// from the map are terminal.
type Transitions map[State][]State

// Machine is a thread-safe state machine over a fixed transition map.
type Machine struct {
	name        string
	mu          sync.RWMutex
	current     State
	transitions Transitions
	logger      *zap.SugaredLogger
}

// New creates a machine starting at initial.
func New(name string, initial State, transitions Transitions, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Machine{
		name:        name,
		current:     initial,
		transitions: transitions,
		logger:      logger,
	}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanTransition reports whether a move to the target state is allowed.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowed(m.current, to)
}

// Transition moves the machine to the target state. An invalid transition is
// logged and rejected with no state change.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.allowed(m.current, to) {
		m.logger.Errorw("invalid state transition rejected",
			"machine", m.name, "from", m.current, "to", to)
		return fmt.Errorf("fsm %s: invalid transition %s -> %s", m.name, m.current, to)
	}
	m.current = to
	return nil
}

// Terminal reports whether the current state has no outgoing transitions.
func (m *Machine) Terminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transitions[m.current]) == 0
}

func (m *Machine) allowed(from, to State) bool {
	for _, next := range m.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PipelineTransitions is the pipeline status map. Terminal states are
// approved, failed, and error; a run can fail or error before it ever
// reaches running (diff sizing, classification, or an early stop).
func PipelineTransitions() Transitions {
	return Transitions{
		State(models.StatusAccepted):   {State(models.StatusRunning), State(models.StatusFailed), State(models.StatusError)},
		State(models.StatusRunning):    {State(models.StatusCorrecting), State(models.StatusApproved), State(models.StatusFailed), State(models.StatusError)},
		State(models.StatusCorrecting): {State(models.StatusRunning), State(models.StatusApproved), State(models.StatusFailed), State(models.StatusError)},
	}
}

// Branch lifecycle states tracked by the manifest.
const (
	BranchRunning      State = "running"
	BranchReady        State = "ready"
	BranchPendingMerge State = "pending_merge"
	BranchMergeHistory State = "merge_history"
	BranchRemoved      State = "removed"
)

// BranchTransitions is the branch lifecycle map. A pending-merge branch may
// stay in pending_merge through a rebase, roll back to ready, or land in
// merge history.
func BranchTransitions() Transitions {
	return Transitions{
		BranchRunning:      {BranchReady, BranchRemoved},
		BranchReady:        {BranchPendingMerge},
		BranchPendingMerge: {BranchPendingMerge, BranchReady, BranchMergeHistory},
	}
}

// SessionTransitions is the reactive session lifecycle map.
func SessionTransitions() Transitions {
	return Transitions{
		State(models.SessionPlanning):      {State(models.SessionImplementing)},
		State(models.SessionImplementing):  {State(models.SessionPRCreated), State(models.SessionFailed), State(models.SessionEscalated)},
		State(models.SessionPRCreated):     {State(models.SessionCIRunning), State(models.SessionFailed), State(models.SessionEscalated)},
		State(models.SessionCIRunning):     {State(models.SessionReviewPending), State(models.SessionCIRunning), State(models.SessionFailed), State(models.SessionEscalated), State(models.SessionMerged)},
		State(models.SessionReviewPending): {State(models.SessionCIRunning), State(models.SessionFailed), State(models.SessionEscalated), State(models.SessionMerged)},
	}
}
