// ABOUTME: End-to-end engine tests over small compiled diagrams with stubbed services.
// ABOUTME: Covers linear flow, branching, loops, sub-diagrams, timeout, abort, and deadlock.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dipeo/dipeo/conversation"
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/llm"
	"github.com/dipeo/dipeo/state"
)

// fakeLLM returns canned responses in order, then repeats the last one.
type fakeLLM struct {
	responses []string
	calls     atomic.Int64
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	n := int(f.calls.Add(1)) - 1
	if n >= len(f.responses) {
		n = len(f.responses) - 1
	}
	return &llm.Response{
		Text:  f.responses[n],
		Model: req.Model,
		Usage: llm.Usage{Input: 10, Output: 5, Total: 15},
	}, nil
}

// fakeSandbox echoes the source string as the program output.
type fakeSandbox struct {
	delay time.Duration
}

func (f *fakeSandbox) Run(ctx context.Context, language, source string, inputs map[string]any) (any, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return "ran: " + source, nil
}

// fakeRepo serves compiled diagrams by name for sub-diagram tests.
type fakeRepo map[string]*diagram.ExecutableDiagram

func (r fakeRepo) Load(name string) (*diagram.ExecutableDiagram, error) {
	d, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("no diagram %q", name)
	}
	return d, nil
}

func newTestEngine(t *testing.T, svc *Services) (*Engine, *state.Manager) {
	t.Helper()
	manager, err := state.NewManager(state.Config{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	if svc.Conversations == nil {
		svc.Conversations = conversation.NewStore()
	}
	return NewEngine(NewRegistry(), svc, manager, NewBus()), manager
}

func mustCompile(t *testing.T, dd *diagram.DomainDiagram) *diagram.ExecutableDiagram {
	t.Helper()
	result, err := diagram.Compile(dd)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return result.Diagram
}

func linearDiagram(t *testing.T) *diagram.ExecutableDiagram {
	return mustCompile(t, &diagram.DomainDiagram{
		Name: "linear",
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "work", Type: "code_job", Data: map[string]any{"language": "bash", "code": "step"}},
			{ID: "end", Type: "endpoint"},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "work:default:input"},
			{Source: "work:default:output", Target: "end:default:input"},
		},
	})
}

func TestExecuteLinear(t *testing.T) {
	engine, manager := newTestEngine(t, &Services{Sandbox: &fakeSandbox{}})

	result, err := engine.Execute(context.Background(), linearDiagram(t), Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", result.Status, result.Error)
	}
	if got := result.Output.AsText(); got != "ran: step" {
		t.Errorf("wrong output: %q", got)
	}

	snap := manager.GetState(result.ExecutionID)
	if snap == nil {
		t.Fatal("no snapshot recorded")
	}
	for _, id := range []string{"start", "work", "end"} {
		ns := snap.NodeState(id)
		if ns == nil || ns.Status != state.StatusCompleted {
			t.Errorf("node %s should be COMPLETED, got %+v", id, ns)
		}
		if ns != nil && ns.ExecutionCount != 1 {
			t.Errorf("node %s should have run once, got %d", id, ns.ExecutionCount)
		}
	}

	// Event log invariants: seq gapless from 1, started before completed.
	events := manager.GetEvents(result.ExecutionID, 0)
	for i, evt := range events {
		if evt.Meta.Seq != i+1 {
			t.Errorf("event %d has seq %d", i, evt.Meta.Seq)
		}
	}
	if events[0].Type != state.EventExecutionStarted {
		t.Errorf("first event should be EXECUTION_STARTED, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != state.EventExecutionCompleted {
		t.Errorf("last event should be EXECUTION_COMPLETED, got %s", events[len(events)-1].Type)
	}

	// Rebuild-from-log equals the cached snapshot.
	rebuilt := manager.Rebuild(result.ExecutionID)
	if rebuilt.Version != snap.Version || rebuilt.Status != snap.Status {
		t.Errorf("rebuilt snapshot diverges: %+v vs %+v", rebuilt, snap)
	}
}

func TestExecuteConditionSkipsUntakenBranch(t *testing.T) {
	d := mustCompile(t, &diagram.DomainDiagram{
		Name: "branch",
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "check", Type: "condition", Data: map[string]any{
				"condition_type": "expression", "expression": "mode == 'fast'",
			}},
			{ID: "fast", Type: "code_job", Data: map[string]any{"language": "bash", "code": "fast"}},
			{ID: "slow", Type: "code_job", Data: map[string]any{"language": "bash", "code": "slow"}},
			{ID: "end", Type: "endpoint"},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "check:default:input"},
			{Source: "check:condtrue:output", Target: "fast:default:input"},
			{Source: "check:condfalse:output", Target: "slow:default:input"},
			{Source: "fast:default:output", Target: "end:default:input"},
		},
	})
	engine, manager := newTestEngine(t, &Services{Sandbox: &fakeSandbox{}})

	result, err := engine.Execute(context.Background(), d, Options{
		Variables: map[string]any{"mode": "fast"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", result.Status, result.Error)
	}

	snap := manager.GetState(result.ExecutionID)
	if ns := snap.NodeState("fast"); ns == nil || ns.Status != state.StatusCompleted {
		t.Errorf("taken branch should complete: %+v", ns)
	}
	if ns := snap.NodeState("slow"); ns == nil || ns.Status != state.StatusSkipped {
		t.Errorf("untaken branch should be SKIPPED: %+v", ns)
	}
}

func TestExecuteMaxIterationLoop(t *testing.T) {
	d := mustCompile(t, &diagram.DomainDiagram{
		Name: "loop",
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "worker", Type: "person_job", Data: map[string]any{
				"person_id": "p1", "first_only_prompt": "begin", "default_prompt": "continue",
				"max_iteration": 3,
			}},
			{ID: "gate", Type: "condition", Data: map[string]any{
				"condition_type": "detect_max_iterations", "target_nodes": []any{"worker"},
			}},
			{ID: "end", Type: "endpoint"},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "worker:first:input"},
			{Source: "worker:default:output", Target: "gate:default:input"},
			{Source: "gate:condfalse:output", Target: "worker:default:input"},
			{Source: "gate:condtrue:output", Target: "end:default:input"},
		},
		Persons: map[string]diagram.Person{
			"p1": {Service: "openai", Model: "test-model", APIKeyID: "KEY"},
		},
	})

	fake := &fakeLLM{responses: []string{"one", "two", "three"}}
	engine, manager := newTestEngine(t, &Services{LLM: fake})

	result, err := engine.Execute(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", result.Status, result.Error)
	}
	if got := fake.calls.Load(); got != 3 {
		t.Errorf("worker should run exactly max_iteration times, got %d", got)
	}

	snap := manager.GetState(result.ExecutionID)
	ns := snap.NodeState("worker")
	if ns == nil || ns.Status != state.StatusMaxIterReached {
		t.Errorf("exhausted worker should be MAXITER_REACHED: %+v", ns)
	}
	if ns != nil && ns.ExecutionCount != 3 {
		t.Errorf("worker execution count should be 3, got %d", ns.ExecutionCount)
	}
	if usage := result.TokenUsage; usage.Total != 45 {
		t.Errorf("token usage should aggregate across runs, got %+v", usage)
	}
}

func TestExecuteSubDiagram(t *testing.T) {
	child := mustCompile(t, &diagram.DomainDiagram{
		Name: "child",
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "work", Type: "code_job", Data: map[string]any{"language": "bash", "code": "child-step"}},
			{ID: "end", Type: "endpoint"},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "work:default:input"},
			{Source: "work:default:output", Target: "end:default:input"},
		},
	})
	parent := mustCompile(t, &diagram.DomainDiagram{
		Name: "parent",
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "sub", Type: "sub_diagram", Data: map[string]any{"diagram_name": "child"}},
			{ID: "end", Type: "endpoint"},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "sub:default:input"},
			{Source: "sub:default:output", Target: "end:default:input"},
		},
	})

	engine, manager := newTestEngine(t, &Services{
		Sandbox:  &fakeSandbox{},
		Diagrams: fakeRepo{"child": child},
	})

	result, err := engine.Execute(context.Background(), parent, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", result.Status, result.Error)
	}
	if got := result.Output.AsText(); got != "ran: child-step" {
		t.Errorf("child output should flow to the parent endpoint, got %q", got)
	}

	// The child execution is linked to the parent through its event scope.
	var childID string
	for _, id := range manager.ExecutionIDs() {
		events := manager.GetEvents(id, 0)
		if len(events) > 0 && events[0].Scope.ParentExecutionID != nil {
			childID = id
			if *events[0].Scope.ParentExecutionID != result.ExecutionID {
				t.Errorf("child parent scope wrong: %s", *events[0].Scope.ParentExecutionID)
			}
		}
	}
	if childID == "" {
		t.Error("no child execution recorded")
	}
}

func TestExecuteTimeout(t *testing.T) {
	engine, manager := newTestEngine(t, &Services{Sandbox: &fakeSandbox{delay: 5 * time.Second}})

	result, err := engine.Execute(context.Background(), linearDiagram(t), Options{TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", result.Status)
	}

	events := manager.GetEvents(result.ExecutionID, 0)
	last := events[len(events)-1]
	if last.Type != state.EventExecutionError || last.Payload.ErrorType != "Timeout" {
		t.Errorf("expected EXECUTION_ERROR/Timeout, got %s/%s", last.Type, last.Payload.ErrorType)
	}

	// The node caught mid-flight must not stay RUNNING in the final snapshot.
	snap := manager.GetState(result.ExecutionID)
	ns := snap.NodeState("work")
	if ns == nil || ns.Status != state.StatusFailed {
		t.Fatalf("in-flight node should end FAILED, got %+v", ns)
	}
	if !strings.Contains(ns.Error, "timed out") {
		t.Errorf("node error should mention the timeout: %q", ns.Error)
	}

	var cancelledEvents int
	for _, evt := range events {
		if evt.Type == state.EventNodeError && evt.Payload.ErrorType == "Cancelled" {
			cancelledEvents++
			if evt.Payload.NodeID != "work" {
				t.Errorf("cancelled node event for wrong node: %q", evt.Payload.NodeID)
			}
		}
	}
	if cancelledEvents != 1 {
		t.Errorf("expected one NODE_ERROR/Cancelled event, got %d", cancelledEvents)
	}
}

func TestExecuteAbort(t *testing.T) {
	engine, manager := newTestEngine(t, &Services{Sandbox: &fakeSandbox{delay: 5 * time.Second}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := engine.Execute(ctx, linearDiagram(t), Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", result.Status)
	}

	snap := manager.GetState(result.ExecutionID)
	ns := snap.NodeState("work")
	if ns == nil || ns.Status != state.StatusFailed {
		t.Fatalf("in-flight node should end FAILED on abort, got %+v", ns)
	}
	if !strings.Contains(ns.Error, "cancel") {
		t.Errorf("node error should mention cancellation: %q", ns.Error)
	}
}

func TestExecuteDeadlock(t *testing.T) {
	// Two nodes feeding each other, no start: nothing ever becomes ready.
	d := mustCompile(t, &diagram.DomainDiagram{
		Name: "stuck",
		Nodes: []diagram.DomainNode{
			{ID: "a", Type: "code_job", Data: map[string]any{"language": "bash", "code": "a"}},
			{ID: "b", Type: "code_job", Data: map[string]any{"language": "bash", "code": "b"}},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "a:default:output", Target: "b:default:input"},
			{Source: "b:default:output", Target: "a:default:input"},
		},
	})
	engine, _ := newTestEngine(t, &Services{Sandbox: &fakeSandbox{}})

	result, err := engine.Execute(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}
	if !strings.Contains(result.Error, "deadlock") {
		t.Errorf("error should mention deadlock: %q", result.Error)
	}
}

func TestExecuteNodeFailure(t *testing.T) {
	d := mustCompile(t, &diagram.DomainDiagram{
		Name: "failing",
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "boom", Type: "sub_diagram", Data: map[string]any{"diagram_name": "missing"}},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "boom:default:input"},
		},
	})
	engine, manager := newTestEngine(t, &Services{Diagrams: fakeRepo{}})

	result, err := engine.Execute(context.Background(), d, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusFailed {
		t.Fatalf("expected FAILED, got %s", result.Status)
	}

	snap := manager.GetState(result.ExecutionID)
	if ns := snap.NodeState("boom"); ns == nil || ns.Status != state.StatusFailed {
		t.Errorf("failed node should be FAILED: %+v", ns)
	}
}

func TestExecuteStepBudget(t *testing.T) {
	d := mustCompile(t, &diagram.DomainDiagram{
		Name: "tight",
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "work", Type: "code_job", Data: map[string]any{"language": "bash", "code": "x"}},
			{ID: "end", Type: "endpoint"},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "work:default:input"},
			{Source: "work:default:output", Target: "end:default:input"},
		},
	})
	engine, _ := newTestEngine(t, &Services{Sandbox: &fakeSandbox{}})

	result, err := engine.Execute(context.Background(), d, Options{MaxSteps: 2})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != state.StatusFailed || !strings.Contains(result.Error, "step budget") {
		t.Errorf("expected step budget failure, got %s (%s)", result.Status, result.Error)
	}
}
