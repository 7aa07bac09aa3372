// ABOUTME: Authored (domain) diagram model: open-map nodes, arrows between handles, person definitions.
// ABOUTME: Handle IDs use the form "node_id:handle_label:direction" and are parsed here.
package diagram

import (
	"fmt"
	"strings"
)

// NodeID is the stable opaque identity of a node.
type NodeID string

// EdgeID is the stable identity of an executable edge.
type EdgeID string

// HandleDirection marks a handle as an input or output port.
type HandleDirection string

const (
	HandleInput  HandleDirection = "input"
	HandleOutput HandleDirection = "output"
)

// DefaultHandle is the handle label used when an arrow does not name one.
const DefaultHandle = "default"

// Handle is a parsed handle reference.
type Handle struct {
	Node      NodeID
	Label     string
	Direction HandleDirection
}

// ParseHandle parses a "node_id:handle_label:direction" reference.
// The label may be omitted ("node_id::output" or "node_id:output"), in which
// case it defaults to "default".
func ParseHandle(ref string) (Handle, error) {
	parts := strings.Split(ref, ":")
	switch len(parts) {
	case 2:
		dir := HandleDirection(parts[1])
		if dir != HandleInput && dir != HandleOutput {
			return Handle{}, fmt.Errorf("invalid handle direction %q in %q", parts[1], ref)
		}
		return Handle{Node: NodeID(parts[0]), Label: DefaultHandle, Direction: dir}, nil
	case 3:
		dir := HandleDirection(parts[2])
		if dir != HandleInput && dir != HandleOutput {
			return Handle{}, fmt.Errorf("invalid handle direction %q in %q", parts[2], ref)
		}
		label := parts[1]
		if label == "" {
			label = DefaultHandle
		}
		if parts[0] == "" {
			return Handle{}, fmt.Errorf("empty node id in handle %q", ref)
		}
		return Handle{Node: NodeID(parts[0]), Label: label, Direction: dir}, nil
	default:
		return Handle{}, fmt.Errorf("malformed handle %q: want node_id:handle_label:direction", ref)
	}
}

// String formats the handle back into its canonical reference form.
func (h Handle) String() string {
	return fmt.Sprintf("%s:%s:%s", h.Node, h.Label, h.Direction)
}

// Person is an LLM agent identity referenced by person_job nodes.
type Person struct {
	Service      string `json:"service" yaml:"service"`
	Model        string `json:"model" yaml:"model"`
	APIKeyID     string `json:"api_key_id" yaml:"api_key_id"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// DomainNode is an authored node: a kind string plus an open data map.
// Validation of data happens at compile time, per kind.
type DomainNode struct {
	ID   string         `json:"id" yaml:"id"`
	Type string         `json:"type" yaml:"type"`
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// DomainArrow is an authored connection between two handles.
type DomainArrow struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Source      string `json:"source" yaml:"source"`
	Target      string `json:"target" yaml:"target"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Label       string `json:"label,omitempty" yaml:"label,omitempty"`
}

// DomainDiagram is the authored form the compiler consumes. Nodes and arrows
// are lists; NormalizeDomain converts map-keyed variants into this shape.
type DomainDiagram struct {
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes   []DomainNode      `json:"nodes" yaml:"nodes"`
	Arrows  []DomainArrow     `json:"arrows" yaml:"arrows"`
	Persons map[string]Person `json:"persons,omitempty" yaml:"persons,omitempty"`
}

// NormalizeDomain builds a DomainDiagram from a decoded document whose nodes
// and arrows may be either lists or maps keyed by ID.
func NormalizeDomain(doc map[string]any) (*DomainDiagram, error) {
	dd := &DomainDiagram{}
	if name, ok := doc["name"].(string); ok {
		dd.Name = name
	}

	nodes, err := normalizeNodes(doc["nodes"])
	if err != nil {
		return nil, err
	}
	dd.Nodes = nodes

	arrows, err := normalizeArrows(doc["arrows"])
	if err != nil {
		return nil, err
	}
	dd.Arrows = arrows

	if rawPersons, ok := doc["persons"].(map[string]any); ok {
		dd.Persons = make(map[string]Person, len(rawPersons))
		for id, raw := range rawPersons {
			pm, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("person %q: want a mapping", id)
			}
			dd.Persons[id] = Person{
				Service:      stringAt(pm, "service"),
				Model:        stringAt(pm, "model"),
				APIKeyID:     stringAt(pm, "api_key_id"),
				SystemPrompt: stringAt(pm, "system_prompt"),
			}
		}
	}

	return dd, nil
}

func normalizeNodes(raw any) ([]DomainNode, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		nodes := make([]DomainNode, 0, len(v))
		for i, item := range v {
			nm, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("node %d: want a mapping", i)
			}
			node, err := domainNodeFromMap(stringAt(nm, "id"), nm)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
		return nodes, nil
	case map[string]any:
		ids := sortedKeys(v)
		nodes := make([]DomainNode, 0, len(v))
		for _, id := range ids {
			nm, ok := v[id].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("node %q: want a mapping", id)
			}
			node, err := domainNodeFromMap(id, nm)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
		return nodes, nil
	default:
		return nil, fmt.Errorf("nodes: want a list or mapping, got %T", raw)
	}
}

func domainNodeFromMap(id string, nm map[string]any) (DomainNode, error) {
	if id == "" {
		return DomainNode{}, fmt.Errorf("node missing id")
	}
	kind := stringAt(nm, "type")
	if kind == "" {
		return DomainNode{}, fmt.Errorf("node %q: missing type", id)
	}
	data, _ := nm["data"].(map[string]any)
	if data == nil {
		// Tolerate flat authoring: any keys beside id/type are data.
		data = make(map[string]any)
		for k, v := range nm {
			if k == "id" || k == "type" {
				continue
			}
			data[k] = v
		}
	}
	return DomainNode{ID: id, Type: kind, Data: data}, nil
}

func normalizeArrows(raw any) ([]DomainArrow, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		arrows := make([]DomainArrow, 0, len(v))
		for i, item := range v {
			am, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("arrow %d: want a mapping", i)
			}
			arrows = append(arrows, domainArrowFromMap(stringAt(am, "id"), am))
		}
		return arrows, nil
	case map[string]any:
		ids := sortedKeys(v)
		arrows := make([]DomainArrow, 0, len(v))
		for _, id := range ids {
			am, ok := v[id].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("arrow %q: want a mapping", id)
			}
			arrows = append(arrows, domainArrowFromMap(id, am))
		}
		return arrows, nil
	default:
		return nil, fmt.Errorf("arrows: want a list or mapping, got %T", raw)
	}
}

func domainArrowFromMap(id string, am map[string]any) DomainArrow {
	return DomainArrow{
		ID:          id,
		Source:      stringAt(am, "source"),
		Target:      stringAt(am, "target"),
		ContentType: stringAt(am, "content_type"),
		Label:       stringAt(am, "label"),
	}
}

func stringAt(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
