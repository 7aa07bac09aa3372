// ABOUTME: HTTP surface over the execution engine: start, inspect, abort, and stream executions.
// ABOUTME: The SSE stream replays the persisted event log before switching to live bus delivery.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/runtime"
	"github.com/dipeo/dipeo/state"
)

// sseHeartbeatInterval is how often the SSE handler sends keep-alive comments.
const sseHeartbeatInterval = 30 * time.Second

// Server exposes executions over HTTP.
type Server struct {
	engine  *runtime.Engine
	manager *state.Manager
	bus     *runtime.Bus
	repo    diagram.Repository

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a server over an engine and its collaborators.
func New(engine *runtime.Engine, manager *state.Manager, bus *runtime.Bus, repo diagram.Repository) *Server {
	return &Server{
		engine:  engine,
		manager: manager,
		bus:     bus,
		repo:    repo,
		running: make(map[string]context.CancelFunc),
	}
}

// Router builds the chi router for all execution routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/executions", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/events", s.handleEvents)
			r.Get("/stream", s.handleStream)
			r.Post("/abort", s.handleAbort)
		})
	})
	return r
}

// startRequest is the POST /executions body.
type startRequest struct {
	Diagram        string         `json:"diagram"`
	Variables      map[string]any `json:"variables,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MaxSteps       int            `json:"max_steps,omitempty"`
	Debug          bool           `json:"debug,omitempty"`
}

// handleStart loads and compiles the named diagram, then runs it in the
// background. The response carries the execution ID for follow-up queries.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Diagram == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "diagram is required"})
		return
	}

	d, err := s.repo.Load(req.Diagram)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	execID := runtime.NewExecutionID()
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[execID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, execID)
			s.mu.Unlock()
			cancel()
		}()
		_, err := s.engine.Execute(ctx, d, runtime.Options{
			ExecutionID:    execID,
			Variables:      req.Variables,
			TimeoutSeconds: req.TimeoutSeconds,
			MaxSteps:       req.MaxSteps,
			DebugMode:      req.Debug,
		})
		if err != nil {
			log.Printf("server: execution %s: %v", execID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

// handleList returns the snapshot headers of all known executions.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	type row struct {
		ExecutionID string       `json:"execution_id"`
		Status      state.Status `json:"status"`
		StartTime   time.Time    `json:"start_time"`
		Version     int          `json:"version"`
	}
	var out []row
	for _, id := range s.manager.ExecutionIDs() {
		if snap := s.manager.GetState(id); snap != nil {
			out = append(out, row{
				ExecutionID: snap.ExecutionID,
				Status:      snap.Status,
				StartTime:   snap.StartTime,
				Version:     snap.Version,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

// handleGet returns the full snapshot for one execution.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshotFor(w, r)
	if snap == nil {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents returns the event log, optionally after a seq watermark.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "id")
	if !runtime.ValidExecutionID(execID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid execution id"})
		return
	}

	afterSeq := 0
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &afterSeq); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
			return
		}
	}

	events := s.manager.GetEvents(execID, afterSeq)
	if events == nil && s.manager.GetState(execID) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleStream serves the execution's events as SSE: persisted events first,
// then live delivery, with periodic heartbeats. The stream ends after the
// terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "id")
	if !runtime.ValidExecutionID(execID) {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replay so no event falls between the two phases;
	// duplicates are filtered by seq watermark instead.
	sub := s.bus.Subscribe("sse:"+execID, false, 256)
	defer sub.Unsubscribe()

	_, _ = fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	lastSeq := 0
	for _, evt := range s.manager.GetEvents(execID, 0) {
		if writeSSE(w, evt) {
			flusher.Flush()
			lastSeq = evt.Meta.Seq
		}
		if isTerminal(evt) {
			return
		}
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	ctx := r.Context()

	for {
		select {
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if evt.Scope.ExecutionID != execID || evt.Meta.Seq <= lastSeq {
				continue
			}
			if writeSSE(w, evt) {
				flusher.Flush()
				lastSeq = evt.Meta.Seq
			}
			if isTerminal(evt) {
				return
			}

		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}

// handleAbort cancels a running execution.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "id")
	s.mu.Lock()
	cancel, ok := s.running[execID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not running"})
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

// snapshotFor resolves the {id} parameter to a snapshot or writes an error.
func (s *Server) snapshotFor(w http.ResponseWriter, r *http.Request) *state.Snapshot {
	execID := chi.URLParam(r, "id")
	if !runtime.ValidExecutionID(execID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid execution id"})
		return nil
	}
	snap := s.manager.GetState(execID)
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return nil
	}
	return snap
}

func isTerminal(evt state.Event) bool {
	return evt.Type == state.EventExecutionCompleted || evt.Type == state.EventExecutionError
}

// writeSSE writes one event in text/event-stream framing.
func writeSSE(w http.ResponseWriter, evt state.Event) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		return false
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
