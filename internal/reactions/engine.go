// Package reactions drives event-triggered session workflows: CI and review
// retry budgets, stuck-agent timers, auto-merge, and escalation.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
	"github.com/ShayCichocki/trunkline/internal/session"
	"github.com/ShayCichocki/trunkline/pkg/models"
)

// Reaction action names accepted in config.
const (
	ActionRespawnAgent = "respawn_agent"
	ActionNotify       = "notify"
	ActionEscalate     = "escalate"
	ActionAutoMerge    = "auto_merge"
)

// AgentProcess spawns a follow-up agent for a session. The underlying
// subprocess protocol is opaque to the engine.
type AgentProcess interface {
	Respawn(ctx context.Context, s *models.Session, prompt string) error
}

// Merger lands an approved, green PR.
type Merger interface {
	Merge(ctx context.Context, s *models.Session) error
}

// Engine subscribes to session events and executes the configured reactors.
type Engine struct {
	cfg    config.ReactionsConfig
	store  *session.Store
	bus    *bus.Bus
	agent  AgentProcess
	merger Merger
	logger *zap.SugaredLogger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	approved map[string]bool

	subs []func()

	// stuckAfter is overridable in tests.
	stuckAfter func(sessionID string, d time.Duration)
}

// New creates a reaction engine.
func New(cfg config.ReactionsConfig, store *session.Store, b *bus.Bus, agent AgentProcess, merger Merger, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		bus:      b,
		agent:    agent,
		merger:   merger,
		logger:   logger.Named("reactions"),
		timers:   make(map[string]*time.Timer),
		approved: make(map[string]bool),
	}
	e.stuckAfter = e.startStuckTimer
	return e
}

// Start subscribes the engine to the bus.
func (e *Engine) Start() {
	sub := func(t bus.EventType, fn func(bus.Event)) {
		e.subs = append(e.subs, e.bus.OnEventType(t, fn))
	}
	sub(bus.EventSessionCIFailed, e.onCIFailed)
	sub(bus.EventSessionChangesRequested, e.onChangesRequested)
	sub(bus.EventSessionCIPassed, e.onCIPassed)
	sub(bus.EventPRApproved, e.onPRApproved)
	sub(bus.EventSessionImplementing, e.onSessionStarted)
	sub(bus.EventSessionPRCreated, e.onSessionStarted)
	sub(bus.EventSessionMerged, e.onSessionTerminal)
	sub(bus.EventSessionFailed, e.onSessionTerminal)
	sub(bus.EventSessionEscalated, e.onSessionTerminal)
}

// Stop unsubscribes and cancels all stuck timers.
func (e *Engine) Stop() {
	for _, unsub := range e.subs {
		unsub()
	}
	e.subs = nil

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

// onCIFailed consumes the CI retry budget and respawns or escalates.
func (e *Engine) onCIFailed(ev bus.Event) {
	e.retryOrEscalate(ev, "ci_failed", e.cfg.CIFailed,
		e.store.IncrementCIAttempts,
		func(attempts int) string {
			return fmt.Sprintf("CI failed %d times — exceeded retry budget", attempts)
		})
}

// onChangesRequested consumes the review retry budget.
func (e *Engine) onChangesRequested(ev bus.Event) {
	e.retryOrEscalate(ev, "changes_requested", e.cfg.ChangesRequested,
		e.store.IncrementReviewAttempts,
		func(attempts int) string {
			return fmt.Sprintf("Changes requested %d times — exceeded retry budget", attempts)
		})
}

func (e *Engine) retryOrEscalate(ev bus.Event, trigger string, cfg config.ReactionConfig, increment func(string) (int, error), budgetMessage func(int) string) {
	s, ok := e.lookup(ev.RequestID)
	if !ok {
		return
	}
	attempts, err := increment(s.ID)
	if err != nil {
		e.logger.Errorw("attempt counter update failed", "session_id", s.ID, "error", err)
		return
	}

	if attempts > cfg.MaxRetries {
		e.escalate(s, trigger, attempts, cfg.MaxRetries, budgetMessage(attempts))
		return
	}

	e.triggered(s.ID, trigger, cfg.Action, attempts, cfg.MaxRetries, nil)
	switch cfg.Action {
	case ActionRespawnAgent:
		prompt := interpolate(cfg.Prompt, s)
		if err := e.agent.Respawn(context.Background(), s, prompt); err != nil {
			e.logger.Errorw("agent respawn failed", "session_id", s.ID, "error", err)
		}
	case ActionNotify:
		e.logger.Infow("notify", "session_id", s.ID, "trigger", trigger, "message", cfg.Message)
	case ActionEscalate:
		e.escalate(s, trigger, attempts, cfg.MaxRetries, cfg.Message)
	}
}

// onCIPassed auto-merges when the PR is already approved and auto-merge is
// configured.
func (e *Engine) onCIPassed(ev bus.Event) {
	s, ok := e.lookup(ev.RequestID)
	if !ok {
		return
	}

	e.mu.Lock()
	approved := e.approved[s.ID]
	e.mu.Unlock()
	if !approved && !ev.Bool("prApproved") {
		return
	}
	if e.cfg.ApprovedAndGreen.Action != ActionAutoMerge {
		return
	}

	e.triggered(s.ID, "approved_and_green", ActionAutoMerge, 0, 0, nil)
	if err := e.merger.Merge(context.Background(), s); err != nil {
		e.logger.Errorw("auto-merge failed", "session_id", s.ID, "error", err)
	}
}

// onPRApproved records approval so a later ci_passed can auto-merge.
func (e *Engine) onPRApproved(ev bus.Event) {
	e.mu.Lock()
	e.approved[ev.RequestID] = true
	e.mu.Unlock()
}

// onSessionStarted arms the stuck timer for the session.
func (e *Engine) onSessionStarted(ev bus.Event) {
	if e.cfg.AgentStuck.AfterMin <= 0 {
		return
	}
	e.stuckAfter(ev.RequestID, time.Duration(e.cfg.AgentStuck.AfterMin)*time.Minute)
}

// onSessionTerminal clears the stuck timer and forgets approval state.
func (e *Engine) onSessionTerminal(ev bus.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[ev.RequestID]; ok {
		timer.Stop()
		delete(e.timers, ev.RequestID)
	}
	delete(e.approved, ev.RequestID)
}

func (e *Engine) startStuckTimer(sessionID string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[sessionID]; ok {
		timer.Stop()
	}
	e.timers[sessionID] = time.AfterFunc(d, func() { e.onStuck(sessionID) })
}

// onStuck fires when a session made no progress within the window.
func (e *Engine) onStuck(sessionID string) {
	e.mu.Lock()
	delete(e.timers, sessionID)
	e.mu.Unlock()

	s, err := e.store.Get(sessionID)
	if err != nil || !s.IsActive() {
		return
	}

	message := e.cfg.AgentStuck.Message
	if message == "" {
		message = fmt.Sprintf("No progress in %d minutes", e.cfg.AgentStuck.AfterMin)
	}
	switch e.cfg.AgentStuck.Action {
	case ActionEscalate:
		e.escalate(s, "agent_stuck", 0, 0, message)
	default:
		e.triggered(s.ID, "agent_stuck", ActionNotify, 0, 0, map[string]any{"message": message})
		e.logger.Warnw("session stuck", "session_id", s.ID, "message", message)
	}
}

// escalate moves the session to escalated and announces the transition.
func (e *Engine) escalate(s *models.Session, trigger string, attempts, maxRetries int, reason string) {
	from := s.Status
	if err := e.store.SetStatus(s.ID, models.SessionEscalated, reason); err != nil {
		e.logger.Errorw("escalation status update failed", "session_id", s.ID, "error", err)
	}
	e.triggered(s.ID, trigger, ActionEscalate, attempts, maxRetries, map[string]any{"reason": reason})
	e.bus.Publish(bus.Event{
		Type:      bus.EventSessionTransition,
		RequestID: s.ID,
		Data: map[string]any{
			"from":   string(from),
			"to":     string(models.SessionEscalated),
			"reason": reason,
		},
	})
	e.bus.Publish(bus.Event{
		Type:      bus.EventSessionEscalated,
		RequestID: s.ID,
		Data:      map[string]any{"reason": reason},
	})
}

// triggered publishes the reaction.triggered audit event.
func (e *Engine) triggered(sessionID, trigger, action string, attempts, maxRetries int, extra map[string]any) {
	data := map[string]any{
		"trigger":    trigger,
		"action":     action,
		"attempts":   attempts,
		"maxRetries": maxRetries,
		"session_id": sessionID,
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(bus.Event{Type: bus.EventReactionTriggered, RequestID: sessionID, Data: data})
}

func (e *Engine) lookup(sessionID string) (*models.Session, bool) {
	s, err := e.store.Get(sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			e.logger.Errorw("session lookup failed", "session_id", sessionID, "error", err)
		} else {
			e.logger.Debugw("event for unknown session", "session_id", sessionID)
		}
		return nil, false
	}
	if !s.IsActive() {
		return nil, false
	}
	return s, true
}

// interpolate substitutes #{issueNumber} and #{prNumber} in reactor prompts.
func interpolate(prompt string, s *models.Session) string {
	prompt = strings.ReplaceAll(prompt, "#{issueNumber}", strconv.Itoa(s.IssueNumber))
	prompt = strings.ReplaceAll(prompt, "#{prNumber}", strconv.Itoa(s.PRNumber))
	return prompt
}
