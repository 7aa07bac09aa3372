// ABOUTME: Execution engine: token-driven tick loop dispatching ready nodes until completion.
// ABOUTME: Handles concurrency limits, panic recovery, timeouts, abort, deadlock, and finalization.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/state"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxSteps       = 100
	DefaultTimeoutSeconds = 300
)

// ErrDeadlock marks an execution where no node ever became ready.
var ErrDeadlock = errors.New("deadlock: no node ever became ready")

// NodeError wraps a handler failure with the node that produced it.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %q: %v", e.NodeID, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }

// Options configures one execution.
type Options struct {
	ExecutionID       string
	ParentExecutionID *string
	Variables         map[string]any
	// MaxSteps caps total node dispatches; 0 means DefaultMaxSteps.
	MaxSteps int
	// TimeoutSeconds bounds the whole execution; 0 means the default.
	TimeoutSeconds int
	// ConcurrencyLimit caps simultaneously running nodes; 0 means unlimited.
	ConcurrencyLimit int
	// ContinueOnError records node failures without failing the execution.
	ContinueOnError bool
	// DebugMode logs each dispatch and completion.
	DebugMode bool
	// DiagramSourcePath is recorded on the start event for traceability.
	DiagramSourcePath string
}

// Result is the outcome of one execution.
type Result struct {
	ExecutionID string
	Status      state.Status
	Output      *Envelope
	Error       string
	TokenUsage  state.TokenUsage
	Duration    time.Duration
}

// Engine executes compiled diagrams. One engine serves many executions.
type Engine struct {
	registry *Registry
	services *Services
	manager  *state.Manager
	bus      *Bus
}

// NewEngine creates an engine over a handler registry, service bundle, state
// manager, and bus.
func NewEngine(registry *Registry, services *Services, manager *state.Manager, bus *Bus) *Engine {
	return &Engine{registry: registry, services: services, manager: manager, bus: bus}
}

// nodeCompletion carries one finished dispatch back to the tick loop.
type nodeCompletion struct {
	node     diagram.Node
	envelope *Envelope
	err      error
	duration time.Duration
}

// Execute runs a diagram to completion and returns its result. The returned
// error covers infrastructure failures; domain failures surface in
// Result.Status and Result.Error.
func (e *Engine) Execute(ctx context.Context, d *diagram.ExecutableDiagram, opts Options) (*Result, error) {
	execID := opts.ExecutionID
	if execID == "" {
		execID = NewExecutionID()
	}
	if !ValidExecutionID(execID) {
		return nil, fmt.Errorf("invalid execution id %q", execID)
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	timeout := time.Duration(opts.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pipeline := NewPipeline(e.manager, e.bus, state.Scope{
		ExecutionID:       execID,
		ParentExecutionID: opts.ParentExecutionID,
	})
	run := &executionRun{
		engine:   e,
		diagram:  d,
		opts:     opts,
		execID:   execID,
		pipeline: pipeline,
		tokens:   NewTokenManager(d),
		cache:    NewOutputCache(),
		counts:   make(map[diagram.NodeID]int),
		inflight: make(map[diagram.NodeID]bool),
	}
	run.scheduler = NewScheduler(d, run.tokens)
	run.resolver = NewResolver(run.cache, e.services.Conversations)

	started := time.Now()
	if err := pipeline.Emit(state.EventExecutionStarted, state.EventPayload{
		Status:    state.StatusRunning,
		DiagramID: d.Name,
		Variables: opts.Variables,
	}); err != nil {
		return nil, err
	}

	result := run.loop(ctx, maxSteps)
	result.ExecutionID = execID
	result.Duration = time.Since(started)
	if snap := e.manager.GetState(execID); snap != nil {
		result.TokenUsage = snap.TotalTokenUsage()
	}

	pipeline.Close()
	return result, nil
}

// executionRun is the mutable state of one in-progress execution.
type executionRun struct {
	engine    *Engine
	diagram   *diagram.ExecutableDiagram
	opts      Options
	execID    string
	pipeline  *Pipeline
	tokens    *TokenManager
	scheduler *Scheduler
	cache     *OutputCache
	resolver  *Resolver

	mu       sync.Mutex
	counts   map[diagram.NodeID]int
	inflight map[diagram.NodeID]bool

	lastOutput *Envelope
	endpointed *Envelope
	steps      int
	completed  int
}

// loop is the tick loop: dispatch every ready node, wait for one completion,
// repeat until quiescent or cancelled.
func (r *executionRun) loop(ctx context.Context, maxSteps int) *Result {
	// At most one dispatch per node can be in flight, so this buffer lets
	// every straggler deliver its completion without blocking.
	completions := make(chan nodeCompletion, len(r.diagram.Nodes))
	var sem chan struct{}
	if r.opts.ConcurrencyLimit > 0 {
		sem = make(chan struct{}, r.opts.ConcurrencyLimit)
	}

	for {
		batch := r.scheduler.NextReadyBatch(r.snapshotCounts(), r.snapshotInflight())

		if len(batch) == 0 && r.inflightCount() == 0 {
			return r.finalize(nil)
		}

		for _, node := range batch {
			if r.steps >= maxSteps {
				return r.finalize(fmt.Errorf("step budget of %d exhausted", maxSteps))
			}
			r.steps++
			r.dispatch(ctx, node, completions, sem)
		}

		if r.inflightCount() == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return r.finalizeCancelled(ctx, completions)
		case done := <-completions:
			if err := r.complete(done); err != nil && !r.opts.ContinueOnError {
				return r.finalize(err)
			}
		}
	}
}

// dispatch consumes the node's input tokens and runs its handler on a
// goroutine.
func (r *executionRun) dispatch(ctx context.Context, node diagram.Node, completions chan<- nodeCompletion, sem chan struct{}) {
	id := node.ID()
	r.mu.Lock()
	execCount := r.counts[id]
	r.inflight[id] = true
	r.mu.Unlock()

	consumed := r.tokens.Consume(id, execCount)
	inputs := r.resolver.Resolve(node, consumed)

	if r.opts.DebugMode {
		log.Printf("engine: %s dispatch %s (%s) count=%d inputs=%d",
			r.execID, id, node.Kind(), execCount, len(inputs))
	}

	if err := r.pipeline.Emit(state.EventNodeStarted, state.EventPayload{
		NodeID:         string(id),
		Status:         state.StatusRunning,
		ExecutionCount: execCount + 1,
	}); err != nil {
		log.Printf("engine: %s emit node start: %v", r.execID, err)
	}

	go func() {
		if sem != nil {
			sem <- struct{}{}
			defer func() { <-sem }()
		}
		start := time.Now()
		env, err := r.safeExecute(ctx, node, inputs)
		completions <- nodeCompletion{node: node, envelope: env, err: err, duration: time.Since(start)}
	}()
}

// safeExecute runs a handler, converting panics into errors.
func (r *executionRun) safeExecute(ctx context.Context, node diagram.Node, inputs Inputs) (env *Envelope, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			env = nil
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()

	handler, err := r.engine.registry.For(node.Kind())
	if err != nil {
		return nil, err
	}
	if err := r.engine.services.CheckRequired(handler.RequiredServices()); err != nil {
		return nil, fmt.Errorf("node %q: %w", node.ID(), err)
	}

	ec := &ExecutionContext{
		ExecutionID:       r.execID,
		ParentExecutionID: r.opts.ParentExecutionID,
		Variables:         r.opts.Variables,
		Diagram:           r.diagram,
		Counts:            r.countOf,
		RunChild:          r.runChild,
	}
	env, err = handler.Execute(ctx, node, inputs, r.engine.services, ec)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = NewEnvelope(nil)
	}
	if env.OutputKey == "" {
		env.OutputKey = "default"
	}
	return env, nil
}

// complete processes one finished dispatch: record state, cache the output,
// and produce downstream tokens.
func (r *executionRun) complete(done nodeCompletion) error {
	id := done.node.ID()
	r.mu.Lock()
	delete(r.inflight, id)
	r.counts[id]++
	execCount := r.counts[id]
	r.mu.Unlock()

	if done.err != nil {
		if emitErr := r.pipeline.Emit(state.EventNodeError, state.EventPayload{
			NodeID:       string(id),
			Status:       state.StatusFailed,
			ErrorMessage: done.err.Error(),
			DurationMS:   done.duration.Milliseconds(),
		}); emitErr != nil {
			log.Printf("engine: %s emit node error: %v", r.execID, emitErr)
		}
		if r.opts.DebugMode {
			log.Printf("engine: %s node %s failed: %v", r.execID, id, done.err)
		}
		return &NodeError{NodeID: string(id), Err: done.err}
	}

	r.completed++
	r.cache.Put(id, done.envelope)
	r.lastOutput = done.envelope
	if done.node.Kind() == diagram.KindEndpoint {
		r.endpointed = done.envelope
	}

	payload := state.EventPayload{
		NodeID:         string(id),
		Status:         state.StatusCompleted,
		ExecutionCount: execCount,
		OutputSummary:  SummarizeOutput(done.envelope),
		DurationMS:     done.duration.Milliseconds(),
		PersonID:       done.envelope.Meta.PersonID,
		Model:          done.envelope.Meta.Model,
		TokenUsage:     done.envelope.Meta.TokenUsage,
	}
	if err := r.pipeline.Emit(state.EventNodeCompleted, payload); err != nil {
		log.Printf("engine: %s emit node completed: %v", r.execID, err)
	}

	r.tokens.Produce(id, done.envelope.OutputKey)
	return nil
}

// finalize emits the terminal event for a quiescent or failed execution.
func (r *executionRun) finalize(failure error) *Result {
	if failure == nil && r.steps == 0 && len(r.diagram.Nodes) > 0 {
		failure = ErrDeadlock
	}

	if failure != nil {
		if err := r.pipeline.Emit(state.EventExecutionError, state.EventPayload{
			Status:       state.StatusFailed,
			ErrorMessage: failure.Error(),
			ErrorType:    "ExecutionFailed",
		}); err != nil {
			log.Printf("engine: %s emit execution error: %v", r.execID, err)
		}
		return &Result{Status: state.StatusFailed, Error: failure.Error(), Output: r.output()}
	}

	counts := r.snapshotCounts()
	if err := r.pipeline.Emit(state.EventExecutionCompleted, state.EventPayload{
		Status:              state.StatusCompleted,
		SkippedNodes:        r.scheduler.NeverRan(counts),
		MaxIterReachedNodes: r.scheduler.MaxIterReached(counts),
	}); err != nil {
		log.Printf("engine: %s emit execution completed: %v", r.execID, err)
	}
	return &Result{Status: state.StatusCompleted, Output: r.output()}
}

// finalizeCancelled fails every in-flight node and emits the terminal event
// for a timed-out or aborted run. Without the per-node errors a cancelled
// node would stay RUNNING in the snapshot forever.
func (r *executionRun) finalizeCancelled(ctx context.Context, completions <-chan nodeCompletion) *Result {
	errType := "Aborted"
	msg := "execution aborted"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		errType = "Timeout"
		msg = "execution timed out"
	}

	// Capture the in-flight set before draining; drain clears it.
	var cancelled []string
	for id := range r.snapshotInflight() {
		cancelled = append(cancelled, string(id))
	}
	sort.Strings(cancelled)
	r.drain(completions)

	for _, id := range cancelled {
		if err := r.pipeline.Emit(state.EventNodeError, state.EventPayload{
			NodeID:       id,
			Status:       state.StatusFailed,
			ErrorMessage: "node cancelled: " + msg,
			ErrorType:    "Cancelled",
		}); err != nil {
			log.Printf("engine: %s emit node cancelled: %v", r.execID, err)
		}
	}

	if err := r.pipeline.Emit(state.EventExecutionError, state.EventPayload{
		Status:       state.StatusAborted,
		ErrorMessage: msg,
		ErrorType:    errType,
	}); err != nil {
		log.Printf("engine: %s emit execution aborted: %v", r.execID, err)
	}
	return &Result{Status: state.StatusAborted, Error: msg, Output: r.output()}
}

// drain collects stragglers after cancellation so their goroutines can exit.
func (r *executionRun) drain(completions <-chan nodeCompletion) {
	deadline := time.After(2 * time.Second)
	for r.inflightCount() > 0 {
		select {
		case done := <-completions:
			r.mu.Lock()
			delete(r.inflight, done.node.ID())
			r.mu.Unlock()
		case <-deadline:
			return
		}
	}
}

// output prefers the endpoint result, falling back to the last node output.
func (r *executionRun) output() *Envelope {
	if r.endpointed != nil {
		return r.endpointed
	}
	return r.lastOutput
}

// runChild executes a sub-diagram as a child of this execution.
func (r *executionRun) runChild(ctx context.Context, diagramName string, variables map[string]any) (*Envelope, error) {
	if r.engine.services.Diagrams == nil {
		return nil, errors.New("no diagram repository configured")
	}
	child, err := r.engine.services.Diagrams.Load(diagramName)
	if err != nil {
		return nil, fmt.Errorf("load sub-diagram %q: %w", diagramName, err)
	}

	parentID := r.execID
	result, err := r.engine.Execute(ctx, child, Options{
		ParentExecutionID: &parentID,
		Variables:         variables,
		MaxSteps:          r.opts.MaxSteps,
		TimeoutSeconds:    r.opts.TimeoutSeconds,
		ConcurrencyLimit:  r.opts.ConcurrencyLimit,
		DebugMode:         r.opts.DebugMode,
	})
	if err != nil {
		return nil, err
	}
	if result.Status != state.StatusCompleted {
		return nil, fmt.Errorf("sub-diagram %q %s: %s", diagramName, result.Status, result.Error)
	}
	if result.Output == nil {
		return NewEnvelope(nil), nil
	}
	return result.Output, nil
}

func (r *executionRun) countOf(id diagram.NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func (r *executionRun) snapshotCounts() map[diagram.NodeID]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[diagram.NodeID]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func (r *executionRun) snapshotInflight() map[diagram.NodeID]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[diagram.NodeID]bool, len(r.inflight))
	for k, v := range r.inflight {
		out[k] = v
	}
	return out
}

func (r *executionRun) inflightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
