// ABOUTME: Tests for handle parsing and domain diagram normalization.
package diagram

import (
	"testing"
)

func TestParseHandle(t *testing.T) {
	h, err := ParseHandle("node1:condtrue:output")
	if err != nil {
		t.Fatalf("ParseHandle failed: %v", err)
	}
	if h.Node != "node1" || h.Label != "condtrue" || h.Direction != HandleOutput {
		t.Errorf("wrong parse: %+v", h)
	}

	h, err = ParseHandle("node2:input")
	if err != nil {
		t.Fatalf("two-part form failed: %v", err)
	}
	if h.Label != DefaultHandle || h.Direction != HandleInput {
		t.Errorf("two-part form should default label: %+v", h)
	}

	h, err = ParseHandle("node3::output")
	if err != nil {
		t.Fatalf("empty label form failed: %v", err)
	}
	if h.Label != DefaultHandle {
		t.Errorf("empty label should default: %+v", h)
	}

	for _, bad := range []string{"", "lonenode", "a:b:c:d", "n:default:sideways", ":default:output"} {
		if _, err := ParseHandle(bad); err == nil {
			t.Errorf("ParseHandle(%q) should fail", bad)
		}
	}
}

func TestHandleRoundTrip(t *testing.T) {
	h := Handle{Node: "n", Label: "first", Direction: HandleInput}
	parsed, err := ParseHandle(h.String())
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip changed handle: %+v != %+v", parsed, h)
	}
}

func TestNormalizeDomainListForm(t *testing.T) {
	doc := map[string]any{
		"name": "demo",
		"nodes": []any{
			map[string]any{"id": "s", "type": "start"},
			map[string]any{"id": "e", "type": "endpoint", "data": map[string]any{"save_to_file": true}},
		},
		"arrows": []any{
			map[string]any{"source": "s:default:output", "target": "e:default:input"},
		},
		"persons": map[string]any{
			"p1": map[string]any{"service": "openai", "model": "gpt-4o", "api_key_id": "OPENAI"},
		},
	}
	dd, err := NormalizeDomain(doc)
	if err != nil {
		t.Fatalf("NormalizeDomain failed: %v", err)
	}
	if dd.Name != "demo" || len(dd.Nodes) != 2 || len(dd.Arrows) != 1 {
		t.Fatalf("wrong shape: %+v", dd)
	}
	if dd.Persons["p1"].Model != "gpt-4o" {
		t.Errorf("person not normalized: %+v", dd.Persons)
	}
}

func TestNormalizeDomainMapForm(t *testing.T) {
	doc := map[string]any{
		"nodes": map[string]any{
			"b": map[string]any{"type": "endpoint"},
			"a": map[string]any{"type": "start"},
		},
		"arrows": map[string]any{
			"edge1": map[string]any{"source": "a:default:output", "target": "b:default:input"},
		},
	}
	dd, err := NormalizeDomain(doc)
	if err != nil {
		t.Fatalf("NormalizeDomain failed: %v", err)
	}
	// Map-keyed nodes come out in sorted key order.
	if dd.Nodes[0].ID != "a" || dd.Nodes[1].ID != "b" {
		t.Errorf("map-form nodes should sort by id: %+v", dd.Nodes)
	}
	if dd.Arrows[0].ID != "edge1" {
		t.Errorf("arrow id should come from map key: %+v", dd.Arrows)
	}
}

func TestNormalizeDomainFlatNodeData(t *testing.T) {
	doc := map[string]any{
		"nodes": []any{
			map[string]any{"id": "c", "type": "code_job", "language": "bash", "code": "true"},
		},
	}
	dd, err := NormalizeDomain(doc)
	if err != nil {
		t.Fatalf("NormalizeDomain failed: %v", err)
	}
	if dd.Nodes[0].Data["language"] != "bash" {
		t.Errorf("flat keys should fold into data: %+v", dd.Nodes[0])
	}
}

func TestNormalizeDomainRejectsBadShapes(t *testing.T) {
	if _, err := NormalizeDomain(map[string]any{"nodes": "nope"}); err == nil {
		t.Error("string nodes should fail")
	}
	if _, err := NormalizeDomain(map[string]any{"nodes": []any{map[string]any{"id": "x"}}}); err == nil {
		t.Error("node without type should fail")
	}
	if _, err := NormalizeDomain(map[string]any{"nodes": []any{map[string]any{"type": "start"}}}); err == nil {
		t.Error("node without id should fail")
	}
}
