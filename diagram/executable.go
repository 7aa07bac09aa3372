// ABOUTME: Compiled (executable) diagram: typed nodes, resolved edges, and a topological order index.
// ABOUTME: Runtime consumes this form only; the authored form never reaches the engine.
package diagram

// ContentType declares how an edge's payload is transformed at delivery.
type ContentType string

const (
	ContentRawText           ContentType = "raw_text"
	ContentObject            ContentType = "object"
	ContentConversationState ContentType = "conversation_state"
)

// Edge is a resolved connection between two typed nodes.
type Edge struct {
	ID           EdgeID
	Source       NodeID
	SourceOutput string // output key on the source node, "default" if unnamed
	Target       NodeID
	TargetInput  string // input key on the target node, "default" if unnamed
	ContentType  ContentType
	Label        string
	Metadata     map[string]any
}

// ExecutableDiagram is the compiled form the engine executes. Construction
// goes through Compile, which guarantees structural validity: every edge
// endpoint names an existing node, and OrderIndex covers every node.
type ExecutableDiagram struct {
	Name    string
	Nodes   []Node
	Edges   []Edge
	Persons map[string]Person

	// OrderIndex maps each node to its topological position. Nodes on a
	// cycle share the index assigned when the cycle was broken.
	OrderIndex map[NodeID]int

	byID     map[NodeID]Node
	incoming map[NodeID][]Edge
	outgoing map[NodeID][]Edge
}

// buildLookups populates the derived lookup maps from Nodes and Edges.
func (d *ExecutableDiagram) buildLookups() {
	d.byID = make(map[NodeID]Node, len(d.Nodes))
	for _, n := range d.Nodes {
		d.byID[n.ID()] = n
	}
	d.incoming = make(map[NodeID][]Edge)
	d.outgoing = make(map[NodeID][]Edge)
	for _, e := range d.Edges {
		d.incoming[e.Target] = append(d.incoming[e.Target], e)
		d.outgoing[e.Source] = append(d.outgoing[e.Source], e)
	}
}

// NodeByID returns the node with the given ID, or nil.
func (d *ExecutableDiagram) NodeByID(id NodeID) Node {
	return d.byID[id]
}

// IncomingEdges returns the edges targeting a node, in compile order.
func (d *ExecutableDiagram) IncomingEdges(id NodeID) []Edge {
	return d.incoming[id]
}

// OutgoingEdges returns the edges leaving a node, in compile order.
func (d *ExecutableDiagram) OutgoingEdges(id NodeID) []Edge {
	return d.outgoing[id]
}

// StartNodes returns the start nodes in compile order.
func (d *ExecutableDiagram) StartNodes() []Node {
	var out []Node
	for _, n := range d.Nodes {
		if n.Kind() == KindStart {
			out = append(out, n)
		}
	}
	return out
}

// PersonFor returns the person definition referenced by an ID.
func (d *ExecutableDiagram) PersonFor(personID string) (Person, bool) {
	p, ok := d.Persons[personID]
	return p, ok
}
