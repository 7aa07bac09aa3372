// ABOUTME: SQLite-backed snapshot index for fast execution queries without replaying event logs.
// ABOUTME: Stores one row per execution; always rebuildable from the JSONL logs, never the source of truth.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ExecutionRow is a row from the executions table for list query results.
type ExecutionRow struct {
	ExecutionID       string
	ParentExecutionID *string
	Status            Status
	StartTime         string
	EndTime           *string
	Error             *string
	NodeStates        string // JSON-encoded map[nodeID]NodeState
	TokenUsage        string // JSON-encoded TokenUsage
	LastSeq           int
}

// SqliteIndex is a SQLite-backed index mirroring execution snapshots for
// fast reads across process restarts.
type SqliteIndex struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite index database at the given path.
func OpenSqlite(path string) (*SqliteIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			parent_execution_id TEXT,
			status TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			error TEXT,
			node_states TEXT NOT NULL,
			token_usage TEXT NOT NULL,
			last_seq INTEGER NOT NULL
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteIndex{db: db}, nil
}

// Close closes the SQLite database connection.
func (idx *SqliteIndex) Close() error {
	return idx.db.Close()
}

// SaveSnapshot upserts the execution row from a snapshot. Re-applying the
// same seq is a no-op, so duplicate checkpoints are harmless.
func (idx *SqliteIndex) SaveSnapshot(snap *Snapshot, lastSeq int) error {
	existing, err := idx.LastSeq(snap.ExecutionID)
	if err != nil {
		return err
	}
	if existing >= lastSeq {
		return nil
	}

	nodeStates, err := json.Marshal(snap.NodeStates)
	if err != nil {
		return fmt.Errorf("marshal node states: %w", err)
	}
	usage, err := json.Marshal(snap.TotalTokenUsage())
	if err != nil {
		return fmt.Errorf("marshal token usage: %w", err)
	}

	var endTime *string
	if snap.EndTime != nil {
		s := snap.EndTime.Format(time.RFC3339)
		endTime = &s
	}
	var errStr *string
	if snap.Error != "" {
		errStr = &snap.Error
	}
	var parent *string
	if p, ok := snap.Metadata["parent_execution_id"].(string); ok && p != "" {
		parent = &p
	}

	_, err = idx.db.Exec(
		`INSERT INTO executions (execution_id, parent_execution_id, status, start_time, end_time, error, node_states, token_usage, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
			parent_execution_id = excluded.parent_execution_id,
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			error = excluded.error,
			node_states = excluded.node_states,
			token_usage = excluded.token_usage,
			last_seq = excluded.last_seq`,
		snap.ExecutionID,
		parent,
		string(snap.Status),
		snap.StartTime.Format(time.RFC3339),
		endTime,
		errStr,
		string(nodeStates),
		string(usage),
		lastSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

// LastSeq returns the last event seq checkpointed for an execution, or 0.
func (idx *SqliteIndex) LastSeq(execID string) (int, error) {
	var seq int
	err := idx.db.QueryRow(
		"SELECT last_seq FROM executions WHERE execution_id = ?", execID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query last_seq: %w", err)
	}
	return seq, nil
}

// GetExecution returns the indexed row for an execution, or nil if absent.
func (idx *SqliteIndex) GetExecution(execID string) (*ExecutionRow, error) {
	row := idx.db.QueryRow(
		`SELECT execution_id, parent_execution_id, status, start_time, end_time, error, node_states, token_usage, last_seq
		 FROM executions WHERE execution_id = ?`, execID)

	var r ExecutionRow
	var status string
	err := row.Scan(&r.ExecutionID, &r.ParentExecutionID, &status, &r.StartTime,
		&r.EndTime, &r.Error, &r.NodeStates, &r.TokenUsage, &r.LastSeq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution row: %w", err)
	}
	r.Status = Status(status)
	return &r, nil
}

// ListExecutions returns all indexed executions, newest first.
func (idx *SqliteIndex) ListExecutions() ([]ExecutionRow, error) {
	rows, err := idx.db.Query(
		`SELECT execution_id, parent_execution_id, status, start_time, end_time, error, node_states, token_usage, last_seq
		 FROM executions ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []ExecutionRow
	for rows.Next() {
		var r ExecutionRow
		var status string
		if err := rows.Scan(&r.ExecutionID, &r.ParentExecutionID, &status, &r.StartTime,
			&r.EndTime, &r.Error, &r.NodeStates, &r.TokenUsage, &r.LastSeq); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		r.Status = Status(status)
		result = append(result, r)
	}
	return result, rows.Err()
}

// ChildExecutions returns all executions whose parent is the given execution.
func (idx *SqliteIndex) ChildExecutions(parentID string) ([]ExecutionRow, error) {
	rows, err := idx.db.Query(
		`SELECT execution_id, parent_execution_id, status, start_time, end_time, error, node_states, token_usage, last_seq
		 FROM executions WHERE parent_execution_id = ? ORDER BY start_time ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query child executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []ExecutionRow
	for rows.Next() {
		var r ExecutionRow
		var status string
		if err := rows.Scan(&r.ExecutionID, &r.ParentExecutionID, &status, &r.StartTime,
			&r.EndTime, &r.Error, &r.NodeStates, &r.TokenUsage, &r.LastSeq); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		r.Status = Status(status)
		result = append(result, r)
	}
	return result, rows.Err()
}
