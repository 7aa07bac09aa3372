// ABOUTME: Tests for the state manager: idempotent apply, seq gaps, replay invariant, durability.
package state

import (
	"path/filepath"
	"testing"
	"time"
)

func event(execID string, seq int, typ EventType, payload EventPayload) *Event {
	return &Event{
		Type:      typ,
		Scope:     Scope{ExecutionID: execID},
		Payload:   payload,
		Meta:      EventMeta{Seq: seq},
		Timestamp: time.Now(),
	}
}

func newMemManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestApplyEventAdvancesSnapshot(t *testing.T) {
	m := newMemManager(t)
	execID := "exec_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	events := []*Event{
		event(execID, 1, EventExecutionStarted, EventPayload{Status: StatusRunning, DiagramID: "d1"}),
		event(execID, 2, EventNodeStarted, EventPayload{NodeID: "n1", Status: StatusRunning}),
		event(execID, 3, EventNodeCompleted, EventPayload{
			NodeID: "n1", TokenUsage: &TokenUsage{Input: 5, Output: 5, Total: 10},
		}),
		event(execID, 4, EventExecutionCompleted, EventPayload{Status: StatusCompleted}),
	}
	for _, evt := range events {
		if err := m.ApplyEvent(evt); err != nil {
			t.Fatalf("ApplyEvent seq %d failed: %v", evt.Meta.Seq, err)
		}
	}

	snap := m.GetState(execID)
	if snap.Status != StatusCompleted || snap.Version != 4 {
		t.Errorf("wrong snapshot: status=%s version=%d", snap.Status, snap.Version)
	}
	ns := snap.NodeState("n1")
	if ns.Status != StatusCompleted || ns.ExecutionCount != 1 {
		t.Errorf("wrong node state: %+v", ns)
	}
	if got := snap.TotalTokenUsage(); got.Total != 10 {
		t.Errorf("wrong usage: %+v", got)
	}
	if snap.Metadata["diagram_id"] != "d1" {
		t.Errorf("diagram id not recorded: %v", snap.Metadata)
	}
}

func TestApplyEventIdempotent(t *testing.T) {
	m := newMemManager(t)
	execID := "exec_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	evt := event(execID, 1, EventExecutionStarted, EventPayload{Status: StatusRunning})
	if err := m.ApplyEvent(evt); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same seq must be a silent no-op.
	if err := m.ApplyEvent(evt); err != nil {
		t.Fatalf("redelivery should be a no-op: %v", err)
	}
	if got := len(m.GetEvents(execID, 0)); got != 1 {
		t.Errorf("duplicate should not append, have %d events", got)
	}
	if m.GetState(execID).Version != 1 {
		t.Errorf("duplicate should not advance version: %d", m.GetState(execID).Version)
	}
}

func TestApplyEventRejectsSeqGap(t *testing.T) {
	m := newMemManager(t)
	execID := "exec_cccccccccccccccccccccccccccccccc"

	if err := m.ApplyEvent(event(execID, 1, EventExecutionStarted, EventPayload{})); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyEvent(event(execID, 3, EventNodeStarted, EventPayload{NodeID: "n"})); err == nil {
		t.Error("seq gap should be rejected")
	}
}

func TestRebuildMatchesCached(t *testing.T) {
	m := newMemManager(t)
	execID := "exec_dddddddddddddddddddddddddddddddd"

	seq := 0
	emit := func(typ EventType, payload EventPayload) {
		seq++
		if err := m.ApplyEvent(event(execID, seq, typ, payload)); err != nil {
			t.Fatalf("ApplyEvent failed: %v", err)
		}
	}
	emit(EventExecutionStarted, EventPayload{Status: StatusRunning})
	emit(EventNodeStarted, EventPayload{NodeID: "a"})
	emit(EventNodeCompleted, EventPayload{NodeID: "a"})
	emit(EventNodeStarted, EventPayload{NodeID: "b"})
	emit(EventNodeError, EventPayload{NodeID: "b", ErrorMessage: "boom"})
	emit(EventExecutionError, EventPayload{Status: StatusFailed, ErrorMessage: "boom"})

	cached := m.GetState(execID)
	rebuilt := m.Rebuild(execID)

	if rebuilt.Version != cached.Version || rebuilt.Status != cached.Status {
		t.Errorf("rebuild diverges: %+v vs %+v", rebuilt, cached)
	}
	for id, ns := range cached.NodeStates {
		rns := rebuilt.NodeState(id)
		if rns == nil || rns.Status != ns.Status || rns.ExecutionCount != ns.ExecutionCount {
			t.Errorf("node %s diverges: %+v vs %+v", id, rns, ns)
		}
	}
}

func TestDurableLogAndIndex(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{LogDir: dir, IndexPath: filepath.Join(dir, "index.db")})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	execID := "exec_eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

	if err := m.ApplyEvent(event(execID, 1, EventExecutionStarted, EventPayload{Status: StatusRunning})); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyEvent(event(execID, 2, EventExecutionCompleted, EventPayload{Status: StatusCompleted})); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	// Replay the durable log directly.
	events, err := ReplayJsonl(eventLogPath(dir, execID))
	if err != nil {
		t.Fatalf("ReplayJsonl failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 durable events, got %d", len(events))
	}
	snap := Replay(events)
	if snap.Status != StatusCompleted {
		t.Errorf("replayed status wrong: %s", snap.Status)
	}

	// The index row survives the restart.
	idx, err := OpenSqlite(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}
	defer func() { _ = idx.Close() }()
	row, err := idx.GetExecution(execID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if row == nil || row.Status != StatusCompleted || row.LastSeq != 2 {
		t.Errorf("wrong index row: %+v", row)
	}
}

func TestClearExecution(t *testing.T) {
	m := newMemManager(t)
	execID := "exec_ffffffffffffffffffffffffffffffff"

	if err := m.ApplyEvent(event(execID, 1, EventExecutionStarted, EventPayload{})); err != nil {
		t.Fatal(err)
	}
	m.ClearExecution(execID)
	if m.GetState(execID) != nil {
		t.Error("cleared execution should have no state")
	}
	if len(m.ExecutionIDs()) != 0 {
		t.Error("cleared execution should not be listed")
	}
}

func TestQueryEvents(t *testing.T) {
	m := newMemManager(t)
	execID := "exec_11111111111111111111111111111111"

	seq := 0
	emit := func(typ EventType, node string) {
		seq++
		if err := m.ApplyEvent(event(execID, seq, typ, EventPayload{NodeID: node})); err != nil {
			t.Fatal(err)
		}
	}
	emit(EventExecutionStarted, "")
	emit(EventNodeStarted, "a")
	emit(EventNodeCompleted, "a")
	emit(EventNodeStarted, "b")
	emit(EventNodeCompleted, "b")
	emit(EventExecutionCompleted, "")

	byNode := m.QueryEvents(execID, EventFilter{NodeID: "a"})
	if len(byNode) != 2 {
		t.Errorf("expected 2 events for node a, got %d", len(byNode))
	}

	byType := m.QueryEvents(execID, EventFilter{Types: []EventType{EventNodeCompleted}})
	if len(byType) != 2 {
		t.Errorf("expected 2 completions, got %d", len(byType))
	}

	paged := m.QueryEvents(execID, EventFilter{Limit: 2, Offset: 1})
	if len(paged) != 2 || paged[0].Meta.Seq != 2 {
		t.Errorf("wrong page: %+v", paged)
	}

	tail := m.TailEvents(execID, 2)
	if len(tail) != 2 || tail[1].Type != EventExecutionCompleted {
		t.Errorf("wrong tail: %+v", tail)
	}

	summary := m.SummarizeEvents(execID)
	if summary.TotalEvents != 6 || summary.ByNode["a"] != 2 {
		t.Errorf("wrong summary: %+v", summary)
	}
	if summary.FirstEvent == nil || summary.LastEvent == nil {
		t.Error("summary should have first/last timestamps")
	}
}
