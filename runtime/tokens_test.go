// ABOUTME: Tests for the token ledger: production, readiness, consumption, first-only edges.
package runtime

import (
	"testing"

	"github.com/dipeo/dipeo/diagram"
)

func tokenDiagram(t *testing.T) *diagram.ExecutableDiagram {
	t.Helper()
	result, err := diagram.Compile(&diagram.DomainDiagram{
		Nodes: []diagram.DomainNode{
			{ID: "start", Type: "start"},
			{ID: "worker", Type: "person_job", Data: map[string]any{
				"person_id": "p1", "first_only_prompt": "go", "default_prompt": "more",
				"max_iteration": 5,
			}},
			{ID: "gate", Type: "condition", Data: map[string]any{
				"condition_type": "expression", "expression": "done",
			}},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "start:default:output", Target: "worker:first:input"},
			{Source: "gate:condfalse:output", Target: "worker:default:input"},
			{Source: "worker:default:output", Target: "gate:default:input"},
		},
		Persons: map[string]diagram.Person{"p1": {Service: "openai", Model: "m"}},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return result.Diagram
}

func TestTokensEntryNodeReadyOnce(t *testing.T) {
	d := tokenDiagram(t)
	tm := NewTokenManager(d)

	if !tm.Ready("start", 0) {
		t.Error("entry node should be ready before first run")
	}
	if tm.Ready("start", 1) {
		t.Error("entry node must not re-fire")
	}
}

func TestTokensFirstOnlyEdges(t *testing.T) {
	d := tokenDiagram(t)
	tm := NewTokenManager(d)

	// Before any token: not ready at any count.
	if tm.Ready("worker", 0) {
		t.Error("worker should wait for the first edge token")
	}

	tm.Produce("start", "default")
	if !tm.Ready("worker", 0) {
		t.Error("first edge token should make the first run ready")
	}
	// On later runs the first edge no longer counts.
	if tm.Ready("worker", 1) {
		t.Error("second run requires the loop edge, not the first edge")
	}

	tm.Produce("gate", "condfalse")
	if !tm.Ready("worker", 1) {
		t.Error("loop edge token should make later runs ready")
	}
}

func TestTokensFirstEdgesAnyOneSuffices(t *testing.T) {
	result, err := diagram.Compile(&diagram.DomainDiagram{
		Nodes: []diagram.DomainNode{
			{ID: "a", Type: "start"},
			{ID: "b", Type: "code_job", Data: map[string]any{"language": "python", "code": "x"}},
			{ID: "worker", Type: "person_job", Data: map[string]any{
				"person_id": "p1", "first_only_prompt": "go", "max_iteration": 3,
			}},
		},
		Arrows: []diagram.DomainArrow{
			{Source: "a:default:output", Target: "b:default:input"},
			{Source: "a:default:output", Target: "worker:first:input"},
			{Source: "b:default:output", Target: "worker:first:input"},
		},
		Persons: map[string]diagram.Person{"p1": {Service: "openai", Model: "m"}},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	tm := NewTokenManager(result.Diagram)

	// Only one of the two first edges holds a token. That is enough for the
	// first run; waiting for both would stall the node forever when the
	// sources race.
	tm.Produce("a", "default")
	if !tm.Ready("worker", 0) {
		t.Fatal("one first edge token should make the first run ready")
	}

	consumed := tm.Consume("worker", 0)
	if len(consumed) != 1 || consumed[0].Source != "a" {
		t.Fatalf("should consume only the edge that held a token: %+v", consumed)
	}
	if tm.Ready("worker", 0) {
		t.Error("consumed token should not leave the node ready")
	}

	// The late source arriving afterwards still satisfies a later first run.
	tm.Produce("b", "default")
	if !tm.Ready("worker", 0) {
		t.Error("late first edge token should be usable")
	}
}

func TestTokensConsumeDecrements(t *testing.T) {
	d := tokenDiagram(t)
	tm := NewTokenManager(d)

	tm.Produce("worker", "default")
	if !tm.Ready("gate", 0) {
		t.Fatal("gate should be ready")
	}
	consumed := tm.Consume("gate", 0)
	if len(consumed) != 1 || consumed[0].Source != "worker" {
		t.Errorf("wrong consumed edges: %+v", consumed)
	}
	if tm.Ready("gate", 1) {
		t.Error("token should be gone after consumption")
	}
	if tm.TotalTokens() != 0 {
		t.Errorf("ledger should be empty, has %d", tm.TotalTokens())
	}
}

func TestTokensBranchKeysIsolated(t *testing.T) {
	d := tokenDiagram(t)
	tm := NewTokenManager(d)

	// Producing on condtrue must not wet the condfalse loop edge.
	tm.Produce("gate", "condtrue")
	if tm.Ready("worker", 1) {
		t.Error("condtrue token must not satisfy the condfalse edge")
	}
}

func TestTokensAccumulate(t *testing.T) {
	d := tokenDiagram(t)
	tm := NewTokenManager(d)

	tm.Produce("worker", "default")
	tm.Produce("worker", "default")
	edge := d.IncomingEdges("gate")[0]
	if got := tm.Count(edge.ID); got != 2 {
		t.Errorf("tokens should accumulate, got %d", got)
	}
	tm.Consume("gate", 0)
	if got := tm.Count(edge.ID); got != 1 {
		t.Errorf("consume should take exactly one, got %d", got)
	}
}
