// ABOUTME: Immutable execution snapshots and the pure event-application functions that produce them.
// ABOUTME: Applying an event to a snapshot yields a new snapshot with version+1; snapshots never mutate.
package state

import (
	"time"
)

// NodeState is the per-node slice of an execution snapshot.
type NodeState struct {
	Status         Status      `json:"status"`
	ExecutionCount int         `json:"execution_count"`
	StartTime      *time.Time  `json:"start_time,omitempty"`
	EndTime        *time.Time  `json:"end_time,omitempty"`
	Error          string      `json:"error,omitempty"`
	TokenUsage     *TokenUsage `json:"token_usage,omitempty"`
}

// clone returns an independent copy of the node state.
func (n *NodeState) clone() *NodeState {
	cp := *n
	if n.StartTime != nil {
		t := *n.StartTime
		cp.StartTime = &t
	}
	if n.EndTime != nil {
		t := *n.EndTime
		cp.EndTime = &t
	}
	if n.TokenUsage != nil {
		u := *n.TokenUsage
		cp.TokenUsage = &u
	}
	return &cp
}

// Snapshot is the immutable state of an execution at a given version.
type Snapshot struct {
	ExecutionID string                `json:"execution_id"`
	Status      Status                `json:"status"`
	StartTime   time.Time             `json:"start_time"`
	EndTime     *time.Time            `json:"end_time,omitempty"`
	Error       string                `json:"error,omitempty"`
	NodeStates  map[string]*NodeState `json:"node_states"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	Version     int                   `json:"version"`
}

// NodeState returns the state for the given node, or nil if the node has not
// appeared in any event yet.
func (s *Snapshot) NodeState(nodeID string) *NodeState {
	if s == nil || s.NodeStates == nil {
		return nil
	}
	return s.NodeStates[nodeID]
}

// TotalTokenUsage sums token usage across all node states.
func (s *Snapshot) TotalTokenUsage() TokenUsage {
	var total TokenUsage
	for _, ns := range s.NodeStates {
		if ns.TokenUsage != nil {
			total = total.Add(*ns.TokenUsage)
		}
	}
	return total
}

// clone returns a copy of the snapshot with independent node states.
func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.NodeStates = make(map[string]*NodeState, len(s.NodeStates))
	for id, ns := range s.NodeStates {
		cp.NodeStates[id] = ns.clone()
	}
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	cp.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// ApplySnapshot applies a single event to a snapshot, returning a new snapshot
// with version+1. The input snapshot is never modified. A nil snapshot is
// valid only for EXECUTION_STARTED events; any other type on nil yields a
// fresh pending snapshot first so replay never panics on partial logs.
func ApplySnapshot(snap *Snapshot, event *Event) *Snapshot {
	var next *Snapshot
	if snap == nil {
		next = &Snapshot{
			ExecutionID: event.Scope.ExecutionID,
			Status:      StatusPending,
			StartTime:   event.Timestamp,
			NodeStates:  make(map[string]*NodeState),
			Metadata:    make(map[string]any),
		}
	} else {
		next = snap.clone()
	}
	next.Version++

	switch event.Type {
	case EventExecutionStarted:
		next.Status = StatusRunning
		next.StartTime = event.Timestamp
		if event.Payload.DiagramID != "" {
			next.Metadata["diagram_id"] = event.Payload.DiagramID
		}
		if event.Payload.Variables != nil {
			next.Metadata["variables"] = event.Payload.Variables
		}
		if event.Scope.ParentExecutionID != nil {
			next.Metadata["parent_execution_id"] = *event.Scope.ParentExecutionID
		}

	case EventNodeStarted:
		ns := nodeStateFor(next, event.Payload.NodeID)
		ns.Status = StatusRunning
		t := event.Timestamp
		ns.StartTime = &t
		ns.ExecutionCount++

	case EventNodeCompleted:
		ns := nodeStateFor(next, event.Payload.NodeID)
		ns.Status = StatusCompleted
		if event.Payload.Status != "" {
			ns.Status = event.Payload.Status
		}
		t := event.Timestamp
		ns.EndTime = &t
		if event.Payload.TokenUsage != nil {
			merged := event.Payload.TokenUsage.Add(usageOrZero(ns.TokenUsage))
			ns.TokenUsage = &merged
		}

	case EventNodeError:
		ns := nodeStateFor(next, event.Payload.NodeID)
		ns.Status = StatusFailed
		t := event.Timestamp
		ns.EndTime = &t
		ns.Error = event.Payload.ErrorMessage

	case EventExecutionCompleted:
		next.Status = StatusCompleted
		t := event.Timestamp
		next.EndTime = &t
		for _, id := range event.Payload.SkippedNodes {
			ns := nodeStateFor(next, id)
			ns.Status = StatusSkipped
		}
		for _, id := range event.Payload.MaxIterReachedNodes {
			ns := nodeStateFor(next, id)
			ns.Status = StatusMaxIterReached
		}

	case EventExecutionError:
		next.Status = StatusFailed
		if event.Payload.Status != "" {
			next.Status = event.Payload.Status
		}
		t := event.Timestamp
		next.EndTime = &t
		next.Error = event.Payload.ErrorMessage
		if event.Payload.ErrorType != "" {
			next.Metadata["error_type"] = event.Payload.ErrorType
		}
	}

	return next
}

// nodeStateFor returns the node state for the given ID, creating a pending
// entry if the node has not appeared before.
func nodeStateFor(snap *Snapshot, nodeID string) *NodeState {
	ns, ok := snap.NodeStates[nodeID]
	if !ok {
		ns = &NodeState{Status: StatusPending}
		snap.NodeStates[nodeID] = ns
	}
	return ns
}

func usageOrZero(u *TokenUsage) TokenUsage {
	if u == nil {
		return TokenUsage{}
	}
	return *u
}

// Replay rebuilds a snapshot from an ordered event sequence.
func Replay(events []Event) *Snapshot {
	var snap *Snapshot
	for i := range events {
		snap = ApplySnapshot(snap, &events[i])
	}
	return snap
}
