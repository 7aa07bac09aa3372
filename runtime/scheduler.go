// ABOUTME: Scheduler selecting the next batch of dispatchable nodes from the token ledger.
// ABOUTME: Deterministic ordering: compile order index first, node ID as the tie-break.
package runtime

import (
	"sort"

	"github.com/dipeo/dipeo/diagram"
)

// Scheduler decides which nodes run next. It layers max-iteration limits and
// in-flight exclusion on top of token readiness.
type Scheduler struct {
	diagram *diagram.ExecutableDiagram
	tokens  *TokenManager
}

// NewScheduler creates a scheduler over a diagram and its token ledger.
func NewScheduler(d *diagram.ExecutableDiagram, tokens *TokenManager) *Scheduler {
	return &Scheduler{diagram: d, tokens: tokens}
}

// NextReadyBatch returns the nodes to dispatch now, ordered by compile order
// index with node ID breaking ties. A node is excluded when it is already in
// flight or has exhausted its max_iteration budget.
func (s *Scheduler) NextReadyBatch(execCounts map[diagram.NodeID]int, inflight map[diagram.NodeID]bool) []diagram.Node {
	var ready []diagram.Node
	for _, n := range s.diagram.Nodes {
		id := n.ID()
		if inflight[id] {
			continue
		}
		count := execCounts[id]
		if maxed(n, count) {
			continue
		}
		if s.tokens.Ready(id, count) {
			ready = append(ready, n)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		oi, oj := s.diagram.OrderIndex[ready[i].ID()], s.diagram.OrderIndex[ready[j].ID()]
		if oi != oj {
			return oi < oj
		}
		return ready[i].ID() < ready[j].ID()
	})
	return ready
}

// maxed reports whether a node has used up its iteration budget.
func maxed(n diagram.Node, execCount int) bool {
	pj, ok := n.(*diagram.PersonJobNode)
	if !ok {
		return false
	}
	return execCount >= pj.MaxIteration
}

// MaxIterReached returns the person_job nodes that ran at least once and
// exhausted their budget, for the finalization event.
func (s *Scheduler) MaxIterReached(execCounts map[diagram.NodeID]int) []string {
	var out []string
	for _, n := range s.diagram.Nodes {
		pj, ok := n.(*diagram.PersonJobNode)
		if !ok {
			continue
		}
		if c := execCounts[n.ID()]; c > 0 && c >= pj.MaxIteration {
			out = append(out, string(n.ID()))
		}
	}
	sort.Strings(out)
	return out
}

// NeverRan returns the nodes that never executed, for SKIPPED marking at
// finalization.
func (s *Scheduler) NeverRan(execCounts map[diagram.NodeID]int) []string {
	var out []string
	for _, n := range s.diagram.Nodes {
		if execCounts[n.ID()] == 0 {
			out = append(out, string(n.ID()))
		}
	}
	sort.Strings(out)
	return out
}
