// ABOUTME: Tests for placeholder interpolation and variable merging.
package runtime

import (
	"testing"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"name":  "ada",
		"count": 3,
		"user":  map[string]any{"email": "ada@example.com"},
	}

	cases := []struct {
		in, want string
	}{
		{"hello {{name}}", "hello ada"},
		{"{{ name }} trims", "ada trims"},
		{"{{count}} items", "3 items"},
		{"{{user.email}}", "ada@example.com"},
		{"{{unknown}} stays", "{{unknown}} stays"},
		{"no placeholders", "no placeholders"},
		{"{{name}}{{name}}", "adaada"},
		{"dangling {{open", "dangling {{open"},
	}
	for _, tc := range cases {
		if got := Interpolate(tc.in, vars); got != tc.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMergeVars(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	inputs := Inputs{
		"b":     NewEnvelope("override"),
		"extra": NewEnvelope(map[string]any{"k": "v"}),
	}
	merged := MergeVars(base, inputs)

	if merged["a"] != 1 {
		t.Error("base vars should survive")
	}
	if merged["b"] != "override" {
		t.Error("inputs should shadow base vars")
	}
	if m, ok := merged["extra"].(map[string]any); !ok || m["k"] != "v" {
		t.Error("input bodies should merge as-is")
	}
	if _, ok := base["extra"]; ok {
		t.Error("merge must not mutate the base map")
	}
}
