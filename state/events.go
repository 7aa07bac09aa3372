// ABOUTME: Domain event types for execution state, the envelope every state mutation travels in.
// ABOUTME: Defines Event with scope, payload, and pipeline metadata, plus Status and TokenUsage.
package state

import (
	"time"
)

// EventType identifies the kind of domain event.
type EventType string

const (
	EventExecutionStarted   EventType = "EXECUTION_STARTED"
	EventExecutionCompleted EventType = "EXECUTION_COMPLETED"
	EventExecutionError     EventType = "EXECUTION_ERROR"
	EventNodeStarted        EventType = "NODE_STARTED"
	EventNodeCompleted      EventType = "NODE_COMPLETED"
	EventNodeError          EventType = "NODE_ERROR"
)

// AllEventTypes lists every domain event type, in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventExecutionStarted,
		EventExecutionCompleted,
		EventExecutionError,
		EventNodeStarted,
		EventNodeCompleted,
		EventNodeError,
	}
}

// Status represents the lifecycle status of an execution or a node.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusAborted        Status = "ABORTED"
	StatusSkipped        Status = "SKIPPED"
	StatusMaxIterReached Status = "MAXITER_REACHED"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted, StatusSkipped, StatusMaxIterReached:
		return true
	}
	return false
}

// TokenUsage tracks LLM token consumption.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Add combines two usages, summing all fields.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + other.Input,
		Output: u.Output + other.Output,
		Total:  u.Total + other.Total,
	}
}

// Scope identifies the execution an event belongs to, linking sub-diagram
// executions to their parent.
type Scope struct {
	ExecutionID       string  `json:"execution_id"`
	ParentExecutionID *string `json:"parent_execution_id"`
}

// EventMeta carries pipeline bookkeeping stamped on every event.
type EventMeta struct {
	Seq                int   `json:"seq"`
	PipelineEventCount int   `json:"pipeline_event_count"`
	PipelineUptimeMS   int64 `json:"pipeline_uptime_ms"`
}

// EventPayload carries the event-specific data. Fields are populated per
// event type; unused fields are omitted from the wire format.
type EventPayload struct {
	NodeID         string         `json:"node_id,omitempty"`
	Status         Status         `json:"status,omitempty"`
	ExecutionCount int            `json:"execution_count,omitempty"`
	OutputSummary  string         `json:"output_summary,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
	TokenUsage     *TokenUsage    `json:"token_usage,omitempty"`
	PersonID       string         `json:"person_id,omitempty"`
	Model          string         `json:"model,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorType      string         `json:"error_type,omitempty"`
	DiagramID      string         `json:"diagram_id,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`

	// Finalization lists carried on EXECUTION_COMPLETED so terminal node
	// statuses remain derivable from the event log alone.
	SkippedNodes        []string `json:"skipped_nodes,omitempty"`
	MaxIterReachedNodes []string `json:"max_iter_reached_nodes,omitempty"`
}

// Event is the immutable envelope for a single execution state mutation.
// Events are ordered by Meta.Seq within their execution.
type Event struct {
	Type      EventType    `json:"type"`
	Scope     Scope        `json:"scope"`
	Payload   EventPayload `json:"payload"`
	Meta      EventMeta    `json:"meta"`
	Timestamp time.Time    `json:"timestamp"`
}
