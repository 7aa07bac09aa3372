// ABOUTME: Event pipeline: builds, commits, and publishes the domain events for one execution.
// ABOUTME: Commit to the state manager is synchronous; bus fan-out runs on a background drainer.
package runtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dipeo/dipeo/state"
)

// summaryLimit caps output summaries embedded in events.
const summaryLimit = 100

// pipelineQueueSize bounds the publish queue between Emit and the drainer.
const pipelineQueueSize = 1024

// Pipeline stamps sequence numbers onto events, commits them to the state
// manager, and fans them out on the bus. One pipeline serves one execution.
type Pipeline struct {
	manager *state.Manager
	bus     *Bus
	scope   state.Scope
	started time.Time

	mu  sync.Mutex
	seq int

	queue     chan state.Event
	pending   sync.WaitGroup
	closeOnce sync.Once
}

// NewPipeline creates a pipeline for an execution scope and starts its
// publish drainer.
func NewPipeline(manager *state.Manager, bus *Bus, scope state.Scope) *Pipeline {
	p := &Pipeline{
		manager: manager,
		bus:     bus,
		scope:   scope,
		started: time.Now(),
	}
	if bus != nil {
		p.queue = make(chan state.Event, pipelineQueueSize)
		go p.publishLoop()
	}
	return p
}

// publishLoop forwards committed events to the bus one at a time. A single
// drainer per pipeline keeps every subscriber's delivery in seq order.
func (p *Pipeline) publishLoop() {
	for event := range p.queue {
		p.bus.Publish(event)
		p.pending.Done()
	}
}

// Emit builds the event envelope, applies it to the state manager, and
// schedules bus publication. The state commit happens before Emit returns:
// a subscriber reacting to the event always sees the post-event snapshot.
func (p *Pipeline) Emit(eventType state.EventType, payload state.EventPayload) error {
	p.mu.Lock()
	p.seq++
	event := state.Event{
		Type:    eventType,
		Scope:   p.scope,
		Payload: payload,
		Meta: state.EventMeta{
			Seq:                p.seq,
			PipelineEventCount: p.seq,
			PipelineUptimeMS:   time.Since(p.started).Milliseconds(),
		},
		Timestamp: time.Now(),
	}
	err := p.manager.ApplyEvent(&event)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("commit %s: %w", eventType, err)
	}
	// Enqueue under the same lock that assigned seq, so the drainer sees
	// events in seq order even when emitters race.
	if p.queue != nil {
		p.pending.Add(1)
		p.queue <- event
	}
	p.mu.Unlock()
	return nil
}

// WaitForPendingEvents blocks until every emitted event has been handed to
// the bus. Subscriber queues may still hold events; this only guarantees the
// publisher side has drained.
func (p *Pipeline) WaitForPendingEvents() {
	p.pending.Wait()
}

// Close drains pending publications and stops the drainer. Emit must not be
// called after Close.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.pending.Wait()
		if p.queue != nil {
			close(p.queue)
		}
	})
}

// LastSeq returns the seq of the most recently emitted event.
func (p *Pipeline) LastSeq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// SummarizeOutput renders a human-oriented summary of an envelope for event
// payloads: maps report their key count, lists their length, text is clipped.
func SummarizeOutput(env *Envelope) string {
	if env == nil {
		return ""
	}
	switch v := env.Body.(type) {
	case map[string]any:
		return fmt.Sprintf("object with %d keys", len(v))
	case []any:
		return fmt.Sprintf("list with %d items", len(v))
	case nil:
		return ""
	case string:
		return clip(v, summaryLimit)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return clip(fmt.Sprintf("%v", v), summaryLimit)
		}
		return clip(string(data), summaryLimit)
	}
}

// clip truncates s to at most n characters, appending an ellipsis marker.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
