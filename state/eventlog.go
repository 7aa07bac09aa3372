// ABOUTME: Query API for the per-execution event log held by the Manager.
// ABOUTME: Provides filtering, pagination, tailing, and summarization of domain events.
package state

import (
	"time"
)

// EventFilter specifies criteria for filtering events from an execution's log.
type EventFilter struct {
	Types  []EventType // filter by event type(s); empty means all types
	NodeID string      // filter by specific node; empty means all nodes
	Since  *time.Time  // events at or after this time; nil means no lower bound
	Until  *time.Time  // events at or before this time; nil means no upper bound
	Limit  int         // max results; 0 means unlimited
	Offset int         // skip first N results after filtering
}

// EventSummary holds aggregate statistics about an execution's events.
type EventSummary struct {
	TotalEvents int
	ByType      map[EventType]int
	ByNode      map[string]int
	FirstEvent  *time.Time
	LastEvent   *time.Time
}

// QueryEvents returns events from the given execution matching the filter.
func (m *Manager) QueryEvents(execID string, filter EventFilter) []Event {
	all := m.GetEvents(execID, 0)
	filtered := applyFilter(all, filter)
	return applyPagination(filtered, filter.Offset, filter.Limit)
}

// CountEvents returns the count of events matching the filter criteria.
// Pagination (Limit/Offset) is ignored for counting purposes.
func (m *Manager) CountEvents(execID string, filter EventFilter) int {
	return len(applyFilter(m.GetEvents(execID, 0), filter))
}

// TailEvents returns the last n events from the execution. If there are
// fewer than n events, all events are returned.
func (m *Manager) TailEvents(execID string, n int) []Event {
	all := m.GetEvents(execID, 0)
	if n <= 0 {
		return []Event{}
	}
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// SummarizeEvents produces aggregate statistics about an execution's events.
func (m *Manager) SummarizeEvents(execID string) *EventSummary {
	all := m.GetEvents(execID, 0)

	summary := &EventSummary{
		TotalEvents: len(all),
		ByType:      make(map[EventType]int),
		ByNode:      make(map[string]int),
	}

	for i, evt := range all {
		summary.ByType[evt.Type]++
		if evt.Payload.NodeID != "" {
			summary.ByNode[evt.Payload.NodeID]++
		}

		ts := evt.Timestamp
		if i == 0 || ts.Before(*summary.FirstEvent) {
			t := ts
			summary.FirstEvent = &t
		}
		if i == 0 || ts.After(*summary.LastEvent) {
			t := ts
			summary.LastEvent = &t
		}
	}

	return summary
}

// applyFilter returns only the events that match all specified filter criteria.
// An empty filter matches all events.
func applyFilter(events []Event, filter EventFilter) []Event {
	result := make([]Event, 0, len(events))
	for _, evt := range events {
		if !matchesFilter(evt, filter) {
			continue
		}
		result = append(result, evt)
	}
	return result
}

// matchesFilter checks whether a single event matches all filter criteria.
func matchesFilter(evt Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if evt.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.NodeID != "" && evt.Payload.NodeID != filter.NodeID {
		return false
	}

	if filter.Since != nil && evt.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && evt.Timestamp.After(*filter.Until) {
		return false
	}

	return true
}

// applyPagination applies offset and limit to a slice of events.
func applyPagination(events []Event, offset, limit int) []Event {
	if offset > 0 {
		if offset >= len(events) {
			return []Event{}
		}
		events = events[offset:]
	}

	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}

	return events
}
