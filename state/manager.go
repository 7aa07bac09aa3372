// ABOUTME: Event-sourced state manager holding the authoritative event log and cached snapshots.
// ABOUTME: All mutation flows through ApplyEvent; queries return immutable snapshots and event slices.
package state

import (
	"fmt"
	"log"
	"sync"
)

// Config holds construction options for a Manager.
type Config struct {
	// LogDir enables durable JSONL event logs, one file per execution.
	// Empty disables durable logging.
	LogDir string
	// IndexPath enables the SQLite snapshot index. Empty disables it.
	IndexPath string
}

// Manager owns the event log and snapshot cache for all executions in this
// process. Writers serialize per execution; readers receive immutable values.
type Manager struct {
	mu         sync.RWMutex
	executions map[string]*executionRecord

	logDir string
	index  *SqliteIndex
}

// executionRecord is the per-execution log plus its cached snapshot.
type executionRecord struct {
	mu       sync.Mutex
	events   []Event
	snapshot *Snapshot
	jsonl    *JsonlLog
}

// NewManager creates a state manager. The SQLite index is opened lazily on the
// first checkpoint if IndexPath is set.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		executions: make(map[string]*executionRecord),
		logDir:     cfg.LogDir,
	}
	if cfg.IndexPath != "" {
		idx, err := OpenSqlite(cfg.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("open state index: %w", err)
		}
		m.index = idx
	}
	return m, nil
}

// Close releases the SQLite index and any open JSONL logs.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.executions {
		if rec.jsonl != nil {
			_ = rec.jsonl.Close()
		}
	}
	if m.index != nil {
		return m.index.Close()
	}
	return nil
}

// record returns the record for an execution, creating it on first use.
func (m *Manager) record(execID string) *executionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[execID]
	if !ok {
		rec = &executionRecord{}
		m.executions[execID] = rec
	}
	return rec
}

// ApplyEvent appends an event to the execution's log and advances the cached
// snapshot. Re-applying an event with a seq at or below the last applied seq
// is a no-op, making delivery idempotent.
func (m *Manager) ApplyEvent(event *Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	execID := event.Scope.ExecutionID
	if execID == "" {
		return fmt.Errorf("event has no execution_id")
	}

	rec := m.record(execID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.events) > 0 && event.Meta.Seq <= rec.events[len(rec.events)-1].Meta.Seq {
		return nil
	}
	if want := len(rec.events) + 1; event.Meta.Seq != want {
		return fmt.Errorf("event seq gap for %s: got %d, want %d", execID, event.Meta.Seq, want)
	}

	rec.events = append(rec.events, *event)
	rec.snapshot = ApplySnapshot(rec.snapshot, event)

	if m.logDir != "" {
		if rec.jsonl == nil {
			jl, err := OpenJsonl(eventLogPath(m.logDir, execID))
			if err != nil {
				log.Printf("state: open event log for %s: %v", execID, err)
			} else {
				rec.jsonl = jl
			}
		}
		if rec.jsonl != nil {
			if err := rec.jsonl.Append(event); err != nil {
				log.Printf("state: append event log for %s: %v", execID, err)
			}
		}
	}

	// Checkpoint the index on terminal events so restarts see final state.
	if m.index != nil && isTerminalEvent(event.Type) {
		if err := m.index.SaveSnapshot(rec.snapshot, event.Meta.Seq); err != nil {
			log.Printf("state: checkpoint snapshot for %s: %v", execID, err)
		}
	}

	return nil
}

func isTerminalEvent(t EventType) bool {
	return t == EventExecutionCompleted || t == EventExecutionError
}

// GetState returns the current snapshot for an execution, or nil if unknown.
func (m *Manager) GetState(execID string) *Snapshot {
	m.mu.RLock()
	rec, ok := m.executions[execID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot
}

// GetNodeState returns the node state for an execution, or nil if unknown.
func (m *Manager) GetNodeState(execID, nodeID string) *NodeState {
	snap := m.GetState(execID)
	if snap == nil {
		return nil
	}
	return snap.NodeState(nodeID)
}

// GetEvents returns the events for an execution with seq strictly greater
// than afterSeq, in seq order.
func (m *Manager) GetEvents(execID string, afterSeq int) []Event {
	m.mu.RLock()
	rec, ok := m.executions[execID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []Event
	for _, evt := range rec.events {
		if evt.Meta.Seq > afterSeq {
			out = append(out, evt)
		}
	}
	return out
}

// Rebuild replays the full event log for an execution and returns the
// resulting snapshot. The cached snapshot must equal the rebuilt one at the
// same version; this is the event-sourcing invariant check.
func (m *Manager) Rebuild(execID string) *Snapshot {
	events := m.GetEvents(execID, 0)
	return Replay(events)
}

// ClearExecution drops an execution's in-memory log and snapshot. Durable
// logs and index rows are left in place for post-mortem queries.
func (m *Manager) ClearExecution(execID string) {
	m.mu.Lock()
	rec, ok := m.executions[execID]
	if ok {
		delete(m.executions, execID)
	}
	m.mu.Unlock()
	if ok && rec.jsonl != nil {
		_ = rec.jsonl.Close()
	}
}

// ExecutionIDs returns all execution IDs known to the manager.
func (m *Manager) ExecutionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.executions))
	for id := range m.executions {
		ids = append(ids, id)
	}
	return ids
}
