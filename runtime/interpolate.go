// ABOUTME: Minimal {{name}} placeholder interpolation for prompts, templates, and request fields.
// ABOUTME: Unknown placeholders are left intact so downstream stages can report them meaningfully.
package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Interpolate substitutes {{name}} placeholders in s with values from vars.
// Dotted names walk nested maps ({{user.name}}). String values substitute
// verbatim; anything else JSON-encodes. Unknown names stay as written.
func Interpolate(s string, vars map[string]any) string {
	var out strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			out.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			out.WriteString(s)
			break
		}
		end += start

		out.WriteString(s[:start])
		name := strings.TrimSpace(s[start+2 : end])
		if val, ok := lookupVar(vars, name); ok {
			out.WriteString(stringify(val))
		} else {
			out.WriteString(s[start : end+2])
		}
		s = s[end+2:]
	}
	return out.String()
}

// lookupVar resolves a possibly dotted name against nested maps.
func lookupVar(vars map[string]any, name string) (any, bool) {
	parts := strings.Split(name, ".")
	var current any = vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringify renders an interpolated value.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// MergeVars overlays input envelopes onto execution variables for
// interpolation: each input key becomes a variable holding the envelope's
// body, with execution variables as the base layer.
func MergeVars(base map[string]any, inputs Inputs) map[string]any {
	merged := make(map[string]any, len(base)+len(inputs))
	for k, v := range base {
		merged[k] = v
	}
	for k, env := range inputs {
		if env != nil {
			merged[k] = env.Body
		}
	}
	return merged
}
