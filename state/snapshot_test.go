// ABOUTME: Tests for the pure snapshot reducer: immutability, status transitions, finalization lists.
package state

import (
	"testing"
	"time"
)

func evt(typ EventType, seq int, payload EventPayload) *Event {
	return &Event{
		Type:      typ,
		Scope:     Scope{ExecutionID: "exec_33333333333333333333333333333333"},
		Payload:   payload,
		Meta:      EventMeta{Seq: seq},
		Timestamp: time.Date(2026, 1, 1, 0, 0, seq, 0, time.UTC),
	}
}

func TestApplySnapshotDoesNotMutateInput(t *testing.T) {
	base := ApplySnapshot(nil, evt(EventExecutionStarted, 1, EventPayload{}))
	base = ApplySnapshot(base, evt(EventNodeStarted, 2, EventPayload{NodeID: "n"}))

	next := ApplySnapshot(base, evt(EventNodeCompleted, 3, EventPayload{NodeID: "n"}))

	if base.NodeState("n").Status != StatusRunning {
		t.Error("input snapshot was mutated")
	}
	if next.NodeState("n").Status != StatusCompleted {
		t.Error("output snapshot missing the update")
	}
	if next.Version != base.Version+1 {
		t.Errorf("version should advance by 1: %d -> %d", base.Version, next.Version)
	}
}

func TestApplySnapshotExecutionCountAccumulates(t *testing.T) {
	snap := ApplySnapshot(nil, evt(EventExecutionStarted, 1, EventPayload{}))
	for seq := 2; seq <= 7; seq += 2 {
		snap = ApplySnapshot(snap, evt(EventNodeStarted, seq, EventPayload{NodeID: "loop"}))
		snap = ApplySnapshot(snap, evt(EventNodeCompleted, seq+1, EventPayload{
			NodeID:     "loop",
			TokenUsage: &TokenUsage{Input: 1, Output: 1, Total: 2},
		}))
	}

	ns := snap.NodeState("loop")
	if ns.ExecutionCount != 3 {
		t.Errorf("expected 3 runs, got %d", ns.ExecutionCount)
	}
	if ns.TokenUsage.Total != 6 {
		t.Errorf("usage should accumulate, got %+v", ns.TokenUsage)
	}
}

func TestApplySnapshotFinalizationLists(t *testing.T) {
	snap := ApplySnapshot(nil, evt(EventExecutionStarted, 1, EventPayload{}))
	snap = ApplySnapshot(snap, evt(EventNodeStarted, 2, EventPayload{NodeID: "ran"}))
	snap = ApplySnapshot(snap, evt(EventNodeCompleted, 3, EventPayload{NodeID: "ran"}))
	snap = ApplySnapshot(snap, evt(EventExecutionCompleted, 4, EventPayload{
		SkippedNodes:        []string{"never"},
		MaxIterReachedNodes: []string{"looper"},
	}))

	if snap.Status != StatusCompleted {
		t.Errorf("wrong status: %s", snap.Status)
	}
	if snap.NodeState("never").Status != StatusSkipped {
		t.Errorf("skipped node wrong: %+v", snap.NodeState("never"))
	}
	if snap.NodeState("looper").Status != StatusMaxIterReached {
		t.Errorf("maxiter node wrong: %+v", snap.NodeState("looper"))
	}
	if snap.EndTime == nil {
		t.Error("terminal snapshot should have an end time")
	}
}

func TestApplySnapshotAbort(t *testing.T) {
	snap := ApplySnapshot(nil, evt(EventExecutionStarted, 1, EventPayload{}))
	snap = ApplySnapshot(snap, evt(EventExecutionError, 2, EventPayload{
		Status:       StatusAborted,
		ErrorMessage: "execution timed out",
		ErrorType:    "Timeout",
	}))

	if snap.Status != StatusAborted {
		t.Errorf("payload status should override FAILED: %s", snap.Status)
	}
	if snap.Error != "execution timed out" {
		t.Errorf("wrong error: %q", snap.Error)
	}
	if snap.Metadata["error_type"] != "Timeout" {
		t.Errorf("error type not recorded: %v", snap.Metadata)
	}
}

func TestApplySnapshotPartialLog(t *testing.T) {
	// Replay of a log whose head was lost must not panic.
	snap := Replay([]Event{
		*evt(EventNodeStarted, 5, EventPayload{NodeID: "n"}),
		*evt(EventNodeCompleted, 6, EventPayload{NodeID: "n"}),
	})
	if snap == nil || snap.NodeState("n").Status != StatusCompleted {
		t.Errorf("partial replay wrong: %+v", snap)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusAborted, StatusSkipped, StatusMaxIterReached} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
