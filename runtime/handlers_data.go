// ABOUTME: Data-plane handlers: code_job, api_job, json_schema_validator, typescript_ast, integrated_api.
// ABOUTME: The TypeScript extractor is a declaration scanner, not a full parser.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dipeo/dipeo/diagram"
)

// codeJobHandler evaluates code through the sandbox port.
type codeJobHandler struct{}

func (h *codeJobHandler) Kind() diagram.NodeKind          { return diagram.KindCodeJob }
func (h *codeJobHandler) RequiredServices() []ServiceKind { return []ServiceKind{ServiceSandbox} }

func (h *codeJobHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	cj := node.(*diagram.CodeJobNode)

	source := cj.Code
	if source == "" {
		if svc.Files == nil {
			return nil, fmt.Errorf("code_job %q: file_path needs a file service", cj.ID())
		}
		data, err := svc.Files.Read(cj.FilePath)
		if err != nil {
			return nil, fmt.Errorf("code_job %q: read source: %w", cj.ID(), err)
		}
		source = string(data)
	}

	vars := MergeVars(ec.Variables, inputs)
	result, err := svc.Sandbox.Run(ctx, cj.Language, source, vars)
	if err != nil {
		return nil, fmt.Errorf("code_job %q: %w", cj.ID(), err)
	}

	env := NewEnvelope(result)
	if s, ok := result.(string); ok {
		// Code that prints JSON gets an object representation for free.
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			env.WithObject(obj)
		}
	}
	return env, nil
}

// apiJobHandler performs one HTTP request and wraps the response.
type apiJobHandler struct{}

func (h *apiJobHandler) Kind() diagram.NodeKind          { return diagram.KindAPIJob }
func (h *apiJobHandler) RequiredServices() []ServiceKind { return []ServiceKind{ServiceHTTP} }

func (h *apiJobHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	aj := node.(*diagram.APIJobNode)
	vars := MergeVars(ec.Variables, inputs)

	headers := make(map[string]string, len(aj.Headers))
	for k, v := range aj.Headers {
		headers[k] = Interpolate(v, vars)
	}

	resp, err := svc.HTTP.Do(ctx, HTTPRequest{
		Method:  aj.Method,
		URL:     Interpolate(aj.URL, vars),
		Headers: headers,
		Body:    []byte(Interpolate(aj.Body, vars)),
		Timeout: time.Duration(aj.TimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("api_job %q: %w", aj.ID(), err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api_job %q: %s %s returned %d: %s",
			aj.ID(), aj.Method, aj.URL, resp.StatusCode, clip(string(resp.Body), summaryLimit))
	}

	text := string(resp.Body)
	env := NewEnvelope(text).WithText(text)
	var obj map[string]any
	if err := json.Unmarshal(resp.Body, &obj); err == nil {
		env.Body = obj
		env.WithObject(obj)
	}
	return env, nil
}

// jsonSchemaValidatorHandler validates its input against a JSON schema and
// passes it through on success.
type jsonSchemaValidatorHandler struct{}

func (h *jsonSchemaValidatorHandler) Kind() diagram.NodeKind          { return diagram.KindJSONSchemaValidator }
func (h *jsonSchemaValidatorHandler) RequiredServices() []ServiceKind { return nil }

func (h *jsonSchemaValidatorHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	jv := node.(*diagram.JSONSchemaValidatorNode)

	schemaBytes := []byte(jv.Schema)
	if len(schemaBytes) == 0 {
		if svc.Files == nil {
			return nil, fmt.Errorf("json_schema_validator %q: schema_path needs a file service", jv.ID())
		}
		data, err := svc.Files.Read(jv.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("json_schema_validator %q: read schema: %w", jv.ID(), err)
		}
		schemaBytes = data
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaBytes)))
	if err != nil {
		return nil, fmt.Errorf("json_schema_validator %q: parse schema: %w", jv.ID(), err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("json_schema_validator %q: add schema: %w", jv.ID(), err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("json_schema_validator %q: compile schema: %w", jv.ID(), err)
	}

	in := inputs.First()
	if in == nil {
		return nil, fmt.Errorf("json_schema_validator %q: no input to validate", jv.ID())
	}
	value := normalizeForValidation(in)

	if err := schema.Validate(value); err != nil {
		if jv.Strict {
			return nil, fmt.Errorf("json_schema_validator %q: %w", jv.ID(), err)
		}
		obj := map[string]any{"valid": false, "error": err.Error(), "value": value}
		return NewEnvelope(obj).WithObject(obj), nil
	}
	return NewEnvelope(in.Body), nil
}

// normalizeForValidation converts the input into plain JSON values the
// validator understands. String bodies are parsed as JSON when possible.
func normalizeForValidation(in *Envelope) any {
	if s, ok := in.Body.(string); ok {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
		return s
	}
	// Round-trip through JSON so typed values become maps and floats.
	data, err := json.Marshal(in.Body)
	if err != nil {
		return in.Body
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return in.Body
	}
	return v
}

// typescriptASTHandler extracts top-level declarations from TypeScript
// source by line scanning.
type typescriptASTHandler struct{}

func (h *typescriptASTHandler) Kind() diagram.NodeKind          { return diagram.KindTypescriptAST }
func (h *typescriptASTHandler) RequiredServices() []ServiceKind { return nil }

func (h *typescriptASTHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	ts := node.(*diagram.TypescriptASTNode)
	in := inputs.First()
	if in == nil {
		return nil, fmt.Errorf("typescript_ast %q: no source input", ts.ID())
	}

	wanted := map[string]bool{}
	for _, e := range ts.Extract {
		wanted[e] = true
	}
	all := len(wanted) == 0

	decls := scanTypescript(in.AsText())
	out := map[string]any{}
	for section, names := range decls {
		if all || wanted[section] {
			out[section] = names
		}
	}
	return NewEnvelope(out).WithObject(out), nil
}

// scanTypescript collects declared names by section: interfaces, functions,
// classes, and exports.
func scanTypescript(source string) map[string][]string {
	decls := map[string][]string{
		"interfaces": {},
		"functions":  {},
		"classes":    {},
		"exports":    {},
	}
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		exported := strings.HasPrefix(trimmed, "export ")
		rest := strings.TrimPrefix(trimmed, "export ")
		rest = strings.TrimPrefix(rest, "default ")
		rest = strings.TrimPrefix(rest, "async ")

		var section, name string
		switch {
		case strings.HasPrefix(rest, "interface "):
			section, name = "interfaces", declName(rest, "interface ")
		case strings.HasPrefix(rest, "function "):
			section, name = "functions", declName(rest, "function ")
		case strings.HasPrefix(rest, "class "):
			section, name = "classes", declName(rest, "class ")
		case exported && (strings.HasPrefix(rest, "const ") || strings.HasPrefix(rest, "let ") || strings.HasPrefix(rest, "type ")):
			prefix := rest[:strings.Index(rest, " ")+1]
			section, name = "exports", declName(rest, prefix)
		}
		if name == "" {
			continue
		}
		decls[section] = append(decls[section], name)
		if exported && section != "exports" {
			decls["exports"] = append(decls["exports"], name)
		}
	}
	return decls
}

// declName pulls the identifier following a declaration keyword.
func declName(line, keyword string) string {
	rest := strings.TrimPrefix(line, keyword)
	end := strings.IndexFunc(rest, func(r rune) bool {
		return !(r == '_' || r == '$' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// integratedAPIHandler delegates to the provider integration port.
type integratedAPIHandler struct{}

func (h *integratedAPIHandler) Kind() diagram.NodeKind          { return diagram.KindIntegratedAPI }
func (h *integratedAPIHandler) RequiredServices() []ServiceKind { return []ServiceKind{ServiceIntegrations} }

func (h *integratedAPIHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	ia := node.(*diagram.IntegratedAPINode)

	input := map[string]any{}
	if in := inputs.First(); in != nil {
		input = in.AsObject()
	}

	config := ia.Config
	if keyID, ok := config["api_key_id"].(string); ok && keyID != "" {
		if svc.APIKeys == nil {
			return nil, fmt.Errorf("integrated_api %q: api_key_id set but no key resolver configured", ia.ID())
		}
		key, err := svc.APIKeys.ResolveKey(keyID)
		if err != nil {
			return nil, fmt.Errorf("integrated_api %q: resolve api key: %w", ia.ID(), err)
		}
		// Hand the provider the resolved secret, never the key id.
		config = make(map[string]any, len(ia.Config))
		for k, v := range ia.Config {
			if k == "api_key_id" {
				continue
			}
			config[k] = v
		}
		config["api_key"] = key
	}

	result, err := svc.Integrations.Invoke(ctx, IntegrationRequest{
		Provider:  ia.Provider,
		Operation: ia.Operation,
		Config:    config,
		Input:     input,
	})
	if err != nil {
		return nil, fmt.Errorf("integrated_api %q: %s.%s: %w", ia.ID(), ia.Provider, ia.Operation, err)
	}
	return NewEnvelope(result).WithObject(result), nil
}
