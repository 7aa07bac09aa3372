// ABOUTME: Compiler from the authored domain diagram to the executable form.
// ABOUTME: Resolves handles to edges, builds typed nodes, and assigns a cycle-tolerant topological order.
package diagram

import (
	"fmt"
	"sort"
	"strings"
)

// CompileError aggregates the structural errors found during a compile.
type CompileError struct {
	Errors []string
}

func (e *CompileError) Error() string {
	if len(e.Errors) == 1 {
		return "compile: " + e.Errors[0]
	}
	return fmt.Sprintf("compile: %d errors: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

// CompileResult carries the compiled diagram plus non-fatal warnings.
type CompileResult struct {
	Diagram  *ExecutableDiagram
	Warnings []string
}

// Compile transforms an authored diagram into its executable form. It fails
// with a CompileError listing every structural problem found: unknown node
// kinds, invalid parameter records, arrows referencing missing nodes, and
// malformed handle references. Unreachable nodes and cycles produce warnings,
// not errors; loops driven by condition branches are legitimate.
func Compile(dd *DomainDiagram) (*CompileResult, error) {
	var errs []string
	var warnings []string

	nodes := make([]Node, 0, len(dd.Nodes))
	seen := make(map[NodeID]bool, len(dd.Nodes))
	for _, dn := range dd.Nodes {
		if seen[NodeID(dn.ID)] {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", dn.ID))
			continue
		}
		node, err := BuildNode(dn)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		seen[node.ID()] = true
		nodes = append(nodes, node)
	}

	edges := make([]Edge, 0, len(dd.Arrows))
	for i, arrow := range dd.Arrows {
		edge, err := resolveArrow(i, arrow, seen)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		edges = append(edges, edge)
	}

	for _, n := range nodes {
		if pj, ok := n.(*PersonJobNode); ok {
			if _, ok := dd.Persons[pj.PersonID]; !ok {
				errs = append(errs, fmt.Sprintf("person_job %q: person %q is not defined", pj.ID(), pj.PersonID))
			}
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, &CompileError{Errors: errs}
	}

	ed := &ExecutableDiagram{
		Name:    dd.Name,
		Nodes:   nodes,
		Edges:   edges,
		Persons: dd.Persons,
	}
	ed.buildLookups()
	warnings = append(warnings, assignOrder(ed)...)
	warnings = append(warnings, reachabilityWarnings(ed)...)

	return &CompileResult{Diagram: ed, Warnings: warnings}, nil
}

// resolveArrow parses an arrow's handle references into a resolved edge.
func resolveArrow(i int, arrow DomainArrow, nodes map[NodeID]bool) (Edge, error) {
	src, err := ParseHandle(arrow.Source)
	if err != nil {
		return Edge{}, fmt.Errorf("arrow %d: source: %w", i, err)
	}
	if src.Direction != HandleOutput {
		return Edge{}, fmt.Errorf("arrow %d: source handle %q must be an output", i, arrow.Source)
	}
	dst, err := ParseHandle(arrow.Target)
	if err != nil {
		return Edge{}, fmt.Errorf("arrow %d: target: %w", i, err)
	}
	if dst.Direction != HandleInput {
		return Edge{}, fmt.Errorf("arrow %d: target handle %q must be an input", i, arrow.Target)
	}
	if !nodes[src.Node] {
		return Edge{}, fmt.Errorf("arrow %d: source node %q does not exist", i, src.Node)
	}
	if !nodes[dst.Node] {
		return Edge{}, fmt.Errorf("arrow %d: target node %q does not exist", i, dst.Node)
	}

	ct := ContentType(arrow.ContentType)
	switch ct {
	case "", ContentRawText:
		ct = ContentRawText
	case ContentObject, ContentConversationState:
	default:
		return Edge{}, fmt.Errorf("arrow %d: unknown content_type %q", i, arrow.ContentType)
	}

	id := arrow.ID
	if id == "" {
		id = fmt.Sprintf("%s->%s#%d", src.Node, dst.Node, i)
	}

	return Edge{
		ID:           EdgeID(id),
		Source:       src.Node,
		SourceOutput: src.Label,
		Target:       dst.Node,
		TargetInput:  dst.Label,
		ContentType:  ct,
		Label:        arrow.Label,
	}, nil
}

// assignOrder computes OrderIndex with Kahn's algorithm. When no node has
// zero remaining in-degree but nodes remain, the diagram has a cycle: the
// best remaining candidate is forced into the order and a warning recorded.
// Candidate priority is start nodes, then person_job nodes, then the rest,
// with node ID as the tie-break so compiles are deterministic.
func assignOrder(d *ExecutableDiagram) []string {
	var warnings []string

	indegree := make(map[NodeID]int, len(d.Nodes))
	for _, n := range d.Nodes {
		indegree[n.ID()] = 0
	}
	for _, e := range d.Edges {
		indegree[e.Target]++
	}

	remaining := make(map[NodeID]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		remaining[n.ID()] = true
	}

	d.OrderIndex = make(map[NodeID]int, len(d.Nodes))
	next := 0
	for len(remaining) > 0 {
		var ready []NodeID
		for id := range remaining {
			if indegree[id] == 0 {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			// Cycle: force the best remaining candidate.
			forced := pickCycleBreak(d, remaining)
			warnings = append(warnings, fmt.Sprintf("cycle detected; ordering %q first", forced))
			ready = []NodeID{forced}
		}

		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		for _, id := range ready {
			d.OrderIndex[id] = next
			next++
			delete(remaining, id)
			for _, e := range d.outgoing[id] {
				if remaining[e.Target] {
					indegree[e.Target]--
				}
			}
		}
	}

	return warnings
}

// pickCycleBreak chooses which node on a cycle to order first.
func pickCycleBreak(d *ExecutableDiagram, remaining map[NodeID]bool) NodeID {
	var best NodeID
	bestRank := 3
	for id := range remaining {
		rank := 2
		switch d.byID[id].Kind() {
		case KindStart:
			rank = 0
		case KindPersonJob:
			rank = 1
		}
		if rank < bestRank || (rank == bestRank && (best == "" || id < best)) {
			best = id
			bestRank = rank
		}
	}
	return best
}

// reachabilityWarnings flags nodes not reachable from any start node.
func reachabilityWarnings(d *ExecutableDiagram) []string {
	reached := make(map[NodeID]bool)
	var stack []NodeID
	for _, n := range d.StartNodes() {
		stack = append(stack, n.ID())
		reached[n.ID()] = true
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range d.outgoing[id] {
			if !reached[e.Target] {
				reached[e.Target] = true
				stack = append(stack, e.Target)
			}
		}
	}

	var warnings []string
	var unreachable []NodeID
	for _, n := range d.Nodes {
		if !reached[n.ID()] {
			unreachable = append(unreachable, n.ID())
		}
	}
	sort.Slice(unreachable, func(i, j int) bool { return unreachable[i] < unreachable[j] })
	for _, id := range unreachable {
		warnings = append(warnings, fmt.Sprintf("node %q is unreachable from any start node", id))
	}
	return warnings
}

// sortedKeys returns the keys of a string-keyed map in sorted order, for
// deterministic iteration over map-authored nodes and arrows.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
