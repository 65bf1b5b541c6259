// Package bus provides the typed publish/subscribe conduit between pipeline
// stages, with append-only JSONL persistence per request id.
package bus

import (
	"encoding/json"
	"time"
)

// EventType identifies an event kind. Components match on these constants
// rather than comparing raw strings.
type EventType string

// Pipeline lifecycle events.
const (
	EventPipelineAccepted       EventType = "pipeline.accepted"
	EventPipelineTierClassified EventType = "pipeline.tier_classified"
	EventPipelineStarted        EventType = "pipeline.started"
	EventPipelineCompleted      EventType = "pipeline.completed"
	EventPipelineFailed         EventType = "pipeline.failed"
	EventPipelineError          EventType = "pipeline.error"
	EventPipelineStopped        EventType = "pipeline.stopped"
	EventCLIMessage             EventType = "cli.message"
)

// Integration saga events.
const (
	EventIntegrationStarted          EventType = "integration.started"
	EventIntegrationConflictDetected EventType = "integration.conflict.detected"
	EventIntegrationConflictResolved EventType = "integration.conflict.resolved"
	EventIntegrationPRCreated        EventType = "integration.pr.created"
	EventIntegrationPRMerged         EventType = "integration.pr.merged"
	EventIntegrationPRRebased        EventType = "integration.pr.rebased"
	EventIntegrationPRRebaseFailed   EventType = "integration.pr.rebase_failed"
	EventIntegrationFailed           EventType = "integration.failed"
)

// Reactive session events.
const (
	EventSessionReviewRequested  EventType = "session.review_requested"
	EventSessionChangesRequested EventType = "session.changes_requested"
	EventSessionCIPassed         EventType = "session.ci_passed"
	EventSessionCIFailed         EventType = "session.ci_failed"
	EventSessionImplementing     EventType = "session.implementing"
	EventSessionPRCreated        EventType = "session.pr_created"
	EventSessionMerged           EventType = "session.merged"
	EventSessionFailed           EventType = "session.failed"
	EventSessionEscalated        EventType = "session.escalated"
	EventSessionTransition       EventType = "session.transition"
	EventPRApproved              EventType = "pr.approved"
	EventReactionTriggered       EventType = "reaction.triggered"
)

// Event is the unit of communication between stages. Every published event
// is appended to the request's JSONL log before subscribers see it.
type Event struct {
	// Type is the event kind.
	Type EventType `json:"event_type"`
	// RequestID keys the event log; for session events it is the session id.
	RequestID string `json:"request_id"`
	// Timestamp is when the event was published (RFC3339).
	Timestamp time.Time `json:"timestamp"`
	// Data is the event payload.
	Data map[string]any `json:"data"`
	// Metadata carries optional context that is not part of the payload.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarshalLine serializes the event as a single JSONL line including the
// trailing newline.
func (e Event) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// String returns the data value for key as a string, or "".
func (e Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the data value for key as an int, tolerating the float64
// produced by JSON round-trips.
func (e Event) Int(key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bool returns the data value for key as a bool, or false.
func (e Event) Bool(key string) bool {
	if v, ok := e.Data[key].(bool); ok {
		return v
	}
	return false
}
