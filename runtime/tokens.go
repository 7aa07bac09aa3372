// ABOUTME: Token ledger implementing token-flow scheduling over diagram edges.
// ABOUTME: Producers add tokens to matching outgoing edges; dispatch consumes one from each required input.
package runtime

import (
	"sync"

	"github.com/dipeo/dipeo/diagram"
)

// firstInput is the input handle label that marks first-iteration-only edges
// on person_job nodes.
const firstInput = "first"

// TokenManager tracks unconsumed tokens per edge for one execution. A node is
// ready when every required incoming edge holds at least one token; which
// edges are required depends on the node's execution count (first-only edges).
type TokenManager struct {
	mu      sync.Mutex
	diagram *diagram.ExecutableDiagram
	counts  map[diagram.EdgeID]int
}

// NewTokenManager creates an empty ledger over a compiled diagram.
func NewTokenManager(d *diagram.ExecutableDiagram) *TokenManager {
	return &TokenManager{
		diagram: d,
		counts:  make(map[diagram.EdgeID]int),
	}
}

// Produce adds one token to every outgoing edge of node whose source output
// matches outputKey. Edges on other output keys are untouched; this is how a
// condition's untaken branch stays dry.
func (t *TokenManager) Produce(node diagram.NodeID, outputKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.diagram.OutgoingEdges(node) {
		if e.SourceOutput == outputKey {
			t.counts[e.ID]++
		}
	}
}

// requiredEdges returns the incoming edges that gate readiness for a node at
// the given execution count, and whether one token on any of them suffices.
// person_job nodes with first-only edges look only at those on their first
// run, where a token on any single first edge makes the node ready; after the
// first run every non-first edge is required.
func (t *TokenManager) requiredEdges(node diagram.NodeID, execCount int) ([]diagram.Edge, bool) {
	incoming := t.diagram.IncomingEdges(node)
	n := t.diagram.NodeByID(node)
	if n == nil || n.Kind() != diagram.KindPersonJob {
		return incoming, false
	}

	var first, rest []diagram.Edge
	for _, e := range incoming {
		if e.TargetInput == firstInput {
			first = append(first, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(first) == 0 {
		return incoming, false
	}
	if execCount == 0 {
		return first, true
	}
	return rest, false
}

// Ready reports whether a node can be dispatched at the given execution
// count. Entry nodes (no incoming edges) are ready exactly once.
func (t *TokenManager) Ready(node diagram.NodeID, execCount int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.diagram.IncomingEdges(node)) == 0 {
		return execCount == 0
	}

	required, anyOf := t.requiredEdges(node, execCount)
	if len(required) == 0 {
		return false
	}
	if anyOf {
		for _, e := range required {
			if t.counts[e.ID] >= 1 {
				return true
			}
		}
		return false
	}
	for _, e := range required {
		if t.counts[e.ID] < 1 {
			return false
		}
	}
	return true
}

// Consume removes one token from each required incoming edge and returns the
// consumed edges. Callers must have checked Ready under the same execution
// count; consuming an unready node is a scheduling bug.
func (t *TokenManager) Consume(node diagram.NodeID, execCount int) []diagram.Edge {
	t.mu.Lock()
	defer t.mu.Unlock()

	required, anyOf := t.requiredEdges(node, execCount)
	if anyOf {
		var consumed []diagram.Edge
		for _, e := range required {
			if t.counts[e.ID] > 0 {
				t.counts[e.ID]--
				consumed = append(consumed, e)
			}
		}
		return consumed
	}
	for _, e := range required {
		if t.counts[e.ID] > 0 {
			t.counts[e.ID]--
		}
	}
	return required
}

// Count returns the unconsumed tokens on an edge.
func (t *TokenManager) Count(edge diagram.EdgeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[edge]
}

// TotalTokens returns the sum of unconsumed tokens across all edges.
func (t *TokenManager) TotalTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, c := range t.counts {
		total += c
	}
	return total
}
