// ABOUTME: Observer attachment layer over the bus: scoping, sub-execution propagation, type filtering.
// ABOUTME: Ships streaming, result-collection, and metrics observers used by the server and CLI.
package runtime

import (
	"sync"
	"time"

	"github.com/dipeo/dipeo/state"
)

// Observer consumes domain events. OnEvent runs on the observer's own drain
// goroutine, never on the publisher.
type Observer interface {
	Name() string
	OnEvent(event state.Event)
}

// ObserverOptions controls which events reach an attached observer.
type ObserverOptions struct {
	// ScopeToExecution limits delivery to one execution's events. Empty
	// receives events from every execution.
	ScopeToExecution string
	// PropagateToSub also delivers events from child executions of the
	// scoped execution. Ignored when ScopeToExecution is empty.
	PropagateToSub bool
	// Types limits delivery to the listed event types. Empty means all.
	Types []state.EventType
	// Critical requests guaranteed delivery at the cost of backpressure.
	Critical  bool
	QueueSize int
}

// ObserverHandle detaches an attached observer.
type ObserverHandle struct {
	sub  *Subscription
	done chan struct{}
}

// Detach stops delivery and waits for the drain goroutine to exit.
func (h *ObserverHandle) Detach() {
	h.sub.Unsubscribe()
	<-h.done
}

// AttachObserver subscribes an observer to the bus with the given options.
func AttachObserver(bus *Bus, obs Observer, opts ObserverOptions) *ObserverHandle {
	sub := bus.Subscribe(obs.Name(), opts.Critical, opts.QueueSize)
	handle := &ObserverHandle{sub: sub, done: make(chan struct{})}

	typeSet := make(map[state.EventType]bool, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = true
	}

	go func() {
		defer close(handle.done)
		for event := range sub.Events() {
			if !eventInScope(event, opts) {
				continue
			}
			if len(typeSet) > 0 && !typeSet[event.Type] {
				continue
			}
			obs.OnEvent(event)
		}
	}()

	return handle
}

// eventInScope applies execution scoping and sub-execution propagation.
func eventInScope(event state.Event, opts ObserverOptions) bool {
	if opts.ScopeToExecution == "" {
		return true
	}
	if event.Scope.ExecutionID == opts.ScopeToExecution {
		return true
	}
	if opts.PropagateToSub && event.Scope.ParentExecutionID != nil &&
		*event.Scope.ParentExecutionID == opts.ScopeToExecution {
		return true
	}
	return false
}

// StreamingObserver forwards events to a callback, e.g. an SSE writer.
type StreamingObserver struct {
	name string
	fn   func(state.Event)
}

// NewStreamingObserver creates a callback-backed observer.
func NewStreamingObserver(name string, fn func(state.Event)) *StreamingObserver {
	return &StreamingObserver{name: name, fn: fn}
}

func (o *StreamingObserver) Name() string              { return o.name }
func (o *StreamingObserver) OnEvent(event state.Event) { o.fn(event) }

// ResultObserver waits for an execution's terminal event and records it.
type ResultObserver struct {
	execID string
	once   sync.Once
	done   chan struct{}

	mu    sync.Mutex
	event *state.Event
}

// NewResultObserver creates an observer for one execution's outcome. Attach
// it critically so the terminal event cannot be dropped.
func NewResultObserver(execID string) *ResultObserver {
	return &ResultObserver{execID: execID, done: make(chan struct{})}
}

func (o *ResultObserver) Name() string { return "result:" + o.execID }

func (o *ResultObserver) OnEvent(event state.Event) {
	if event.Scope.ExecutionID != o.execID {
		return
	}
	if event.Type != state.EventExecutionCompleted && event.Type != state.EventExecutionError {
		return
	}
	o.mu.Lock()
	o.event = &event
	o.mu.Unlock()
	o.once.Do(func() { close(o.done) })
}

// Done closes when the terminal event arrives.
func (o *ResultObserver) Done() <-chan struct{} { return o.done }

// Terminal returns the terminal event, or nil before Done closes.
func (o *ResultObserver) Terminal() *state.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.event
}

// ExecutionMetrics aggregates counters from a stream of events.
type ExecutionMetrics struct {
	ExecutionsStarted   int
	ExecutionsCompleted int
	ExecutionsFailed    int
	NodesCompleted      int
	NodesFailed         int
	TotalNodeDuration   time.Duration
	TokenUsage          state.TokenUsage
}

// MetricsObserver maintains running execution metrics.
type MetricsObserver struct {
	mu      sync.Mutex
	metrics ExecutionMetrics
}

// NewMetricsObserver creates an empty metrics observer.
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{}
}

func (o *MetricsObserver) Name() string { return "metrics" }

func (o *MetricsObserver) OnEvent(event state.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch event.Type {
	case state.EventExecutionStarted:
		o.metrics.ExecutionsStarted++
	case state.EventExecutionCompleted:
		o.metrics.ExecutionsCompleted++
	case state.EventExecutionError:
		o.metrics.ExecutionsFailed++
	case state.EventNodeCompleted:
		o.metrics.NodesCompleted++
		o.metrics.TotalNodeDuration += time.Duration(event.Payload.DurationMS) * time.Millisecond
		if event.Payload.TokenUsage != nil {
			o.metrics.TokenUsage = o.metrics.TokenUsage.Add(*event.Payload.TokenUsage)
		}
	case state.EventNodeError:
		o.metrics.NodesFailed++
	}
}

// Snapshot returns a copy of the current metrics.
func (o *MetricsObserver) Snapshot() ExecutionMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}
