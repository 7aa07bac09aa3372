// ABOUTME: Typed node variants for the executable diagram, a sealed tagged union over node kinds.
// ABOUTME: BuildNode validates each kind's parameter record from the open data map at compile time.
package diagram

import (
	"encoding/json"
	"fmt"
)

// NodeKind discriminates the supported node kinds.
type NodeKind string

const (
	KindStart               NodeKind = "start"
	KindEndpoint            NodeKind = "endpoint"
	KindPersonJob           NodeKind = "person_job"
	KindCodeJob             NodeKind = "code_job"
	KindAPIJob              NodeKind = "api_job"
	KindCondition           NodeKind = "condition"
	KindDB                  NodeKind = "db"
	KindTemplateJob         NodeKind = "template_job"
	KindSubDiagram          NodeKind = "sub_diagram"
	KindUserResponse        NodeKind = "user_response"
	KindHook                NodeKind = "hook"
	KindJSONSchemaValidator NodeKind = "json_schema_validator"
	KindTypescriptAST       NodeKind = "typescript_ast"
	KindIntegratedAPI       NodeKind = "integrated_api"
)

// ConditionType enumerates the evaluation modes of a condition node.
type ConditionType string

const (
	ConditionExpression       ConditionType = "expression"
	ConditionLLMDecision      ConditionType = "llm_decision"
	ConditionDetectMaxIterate ConditionType = "detect_max_iterations"
)

// Condition branch output keys.
const (
	BranchTrue  = "condtrue"
	BranchFalse = "condfalse"
)

// Node is the sealed interface over typed node variants. Runtime code may
// assume structural validity: BuildNode rejects malformed parameter records.
type Node interface {
	ID() NodeID
	Kind() NodeKind
	nodeSeal()
}

// BaseNode carries the fields shared by every node variant.
type BaseNode struct {
	NodeID NodeID `json:"id"`
	Label  string `json:"label,omitempty"`
}

// ID returns the node's stable identity.
func (b BaseNode) ID() NodeID { return b.NodeID }

func (b BaseNode) nodeSeal() {}

// StartNode emits the execution's input variables.
type StartNode struct {
	BaseNode
}

func (n *StartNode) Kind() NodeKind { return KindStart }

// EndpointNode collects final outputs, optionally persisting them to a file.
type EndpointNode struct {
	BaseNode
	SaveToFile bool   `json:"save_to_file,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
}

func (n *EndpointNode) Kind() NodeKind { return KindEndpoint }

// PersonJobNode runs an LLM turn for a configured person.
type PersonJobNode struct {
	BaseNode
	PersonID        string   `json:"person_id"`
	DefaultPrompt   string   `json:"default_prompt,omitempty"`
	FirstOnlyPrompt string   `json:"first_only_prompt,omitempty"`
	MaxIteration    int      `json:"max_iteration"`
	MemorizeTo      string   `json:"memorize_to,omitempty"`
	AtMost          int      `json:"at_most,omitempty"`
	IgnorePersons   []string `json:"ignore_persons,omitempty"`
	TextFormat      string   `json:"text_format,omitempty"`
	Tools           []string `json:"tools,omitempty"`
}

func (n *PersonJobNode) Kind() NodeKind { return KindPersonJob }

// CodeJobNode delegates code evaluation to the sandbox port.
type CodeJobNode struct {
	BaseNode
	Language string `json:"language"`
	Code     string `json:"code,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

func (n *CodeJobNode) Kind() NodeKind { return KindCodeJob }

// APIJobNode performs an HTTP request through the HTTP port.
type APIJobNode struct {
	BaseNode
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	TimeoutSec int               `json:"timeout,omitempty"`
}

func (n *APIJobNode) Kind() NodeKind { return KindAPIJob }

// ConditionNode evaluates to exactly one of the condtrue/condfalse branches.
type ConditionNode struct {
	BaseNode
	ConditionType ConditionType `json:"condition_type"`
	Expression    string        `json:"expression,omitempty"`
	JudgePersonID string        `json:"judge_person_id,omitempty"`
	TargetNodes   []string      `json:"target_nodes,omitempty"`
}

func (n *ConditionNode) Kind() NodeKind { return KindCondition }

// DBNode reads or writes files through the file port.
type DBNode struct {
	BaseNode
	Operation     string `json:"operation"` // read, write, append
	File          string `json:"file"`      // path or glob (read only)
	SerializeJSON bool   `json:"serialize_json,omitempty"`
}

func (n *DBNode) Kind() NodeKind { return KindDB }

// TemplateJobNode renders a template with variables from inputs.
type TemplateJobNode struct {
	BaseNode
	TemplateContent string `json:"template_content,omitempty"`
	TemplatePath    string `json:"template_path,omitempty"`
	OutputPath      string `json:"output_path,omitempty"`
}

func (n *TemplateJobNode) Kind() NodeKind { return KindTemplateJob }

// SubDiagramNode runs another diagram as a child execution.
type SubDiagramNode struct {
	BaseNode
	DiagramName   string `json:"diagram_name"`
	Batch         bool   `json:"batch,omitempty"`
	BatchInputKey string `json:"batch_input_key,omitempty"`
	BatchParallel bool   `json:"batch_parallel,omitempty"`
}

func (n *SubDiagramNode) Kind() NodeKind { return KindSubDiagram }

// UserResponseNode prompts a human through the interactive port.
type UserResponseNode struct {
	BaseNode
	Prompt     string `json:"prompt"`
	TimeoutSec int    `json:"timeout,omitempty"`
}

func (n *UserResponseNode) Kind() NodeKind { return KindUserResponse }

// HookNode runs a shell command or webhook side effect.
type HookNode struct {
	BaseNode
	HookType   string `json:"hook_type"` // shell, webhook
	Command    string `json:"command,omitempty"`
	URL        string `json:"url,omitempty"`
	TimeoutSec int    `json:"timeout,omitempty"`
}

func (n *HookNode) Kind() NodeKind { return KindHook }

// JSONSchemaValidatorNode validates an input against a JSON schema.
type JSONSchemaValidatorNode struct {
	BaseNode
	Schema     json.RawMessage `json:"schema,omitempty"`
	SchemaPath string          `json:"schema_path,omitempty"`
	Strict     bool            `json:"strict,omitempty"`
}

func (n *JSONSchemaValidatorNode) Kind() NodeKind { return KindJSONSchemaValidator }

// TypescriptASTNode extracts declarations from TypeScript source.
type TypescriptASTNode struct {
	BaseNode
	Extract []string `json:"extract,omitempty"` // interfaces, functions, classes, exports
}

func (n *TypescriptASTNode) Kind() NodeKind { return KindTypescriptAST }

// IntegratedAPINode runs a provider-specific operation (Notion/Slack/GitHub).
type IntegratedAPINode struct {
	BaseNode
	Provider  string         `json:"provider"`
	Operation string         `json:"operation"`
	Config    map[string]any `json:"config,omitempty"`
}

func (n *IntegratedAPINode) Kind() NodeKind { return KindIntegratedAPI }

// BuildNode constructs the typed variant for a domain node, validating the
// kind's required fields. Unknown kinds and missing required fields are
// structural errors that fail the whole compile.
func BuildNode(dn DomainNode) (Node, error) {
	base := BaseNode{NodeID: NodeID(dn.ID), Label: dataString(dn.Data, "label")}
	if base.Label == "" {
		base.Label = dn.ID
	}

	switch NodeKind(dn.Type) {
	case KindStart:
		return &StartNode{BaseNode: base}, nil

	case KindEndpoint:
		return &EndpointNode{
			BaseNode:   base,
			SaveToFile: dataBool(dn.Data, "save_to_file"),
			FilePath:   dataString(dn.Data, "file_path"),
		}, nil

	case KindPersonJob:
		node := &PersonJobNode{
			BaseNode:        base,
			PersonID:        dataString(dn.Data, "person_id"),
			DefaultPrompt:   dataString(dn.Data, "default_prompt"),
			FirstOnlyPrompt: dataString(dn.Data, "first_only_prompt"),
			MaxIteration:    dataInt(dn.Data, "max_iteration", 1),
			MemorizeTo:      dataString(dn.Data, "memorize_to"),
			AtMost:          dataInt(dn.Data, "at_most", 0),
			IgnorePersons:   dataStrings(dn.Data, "ignore_persons"),
			TextFormat:      dataString(dn.Data, "text_format"),
			Tools:           dataStrings(dn.Data, "tools"),
		}
		if node.PersonID == "" {
			return nil, fmt.Errorf("person_job %q: missing person_id", dn.ID)
		}
		if node.MaxIteration < 1 {
			return nil, fmt.Errorf("person_job %q: max_iteration must be >= 1, got %d", dn.ID, node.MaxIteration)
		}
		if node.DefaultPrompt == "" && node.FirstOnlyPrompt == "" {
			return nil, fmt.Errorf("person_job %q: needs default_prompt or first_only_prompt", dn.ID)
		}
		return node, nil

	case KindCodeJob:
		node := &CodeJobNode{
			BaseNode: base,
			Language: dataString(dn.Data, "language"),
			Code:     dataString(dn.Data, "code"),
			FilePath: dataString(dn.Data, "file_path"),
		}
		if node.Language == "" {
			return nil, fmt.Errorf("code_job %q: missing language", dn.ID)
		}
		if node.Code == "" && node.FilePath == "" {
			return nil, fmt.Errorf("code_job %q: needs code or file_path", dn.ID)
		}
		return node, nil

	case KindAPIJob:
		node := &APIJobNode{
			BaseNode:   base,
			URL:        dataString(dn.Data, "url"),
			Method:     dataString(dn.Data, "method"),
			Headers:    dataStringMap(dn.Data, "headers"),
			Body:       dataString(dn.Data, "body"),
			TimeoutSec: dataInt(dn.Data, "timeout", 0),
		}
		if node.URL == "" {
			return nil, fmt.Errorf("api_job %q: missing url", dn.ID)
		}
		if node.Method == "" {
			node.Method = "GET"
		}
		return node, nil

	case KindCondition:
		node := &ConditionNode{
			BaseNode:      base,
			ConditionType: ConditionType(dataString(dn.Data, "condition_type")),
			Expression:    dataString(dn.Data, "expression"),
			JudgePersonID: dataString(dn.Data, "judge_person_id"),
			TargetNodes:   dataStrings(dn.Data, "target_nodes"),
		}
		if node.ConditionType == "" {
			node.ConditionType = ConditionExpression
		}
		switch node.ConditionType {
		case ConditionExpression:
			if node.Expression == "" {
				return nil, fmt.Errorf("condition %q: condition_type expression requires expression", dn.ID)
			}
		case ConditionLLMDecision:
			if node.JudgePersonID == "" {
				return nil, fmt.Errorf("condition %q: llm_decision requires judge_person_id", dn.ID)
			}
			if node.Expression == "" {
				return nil, fmt.Errorf("condition %q: llm_decision requires expression (the question)", dn.ID)
			}
		case ConditionDetectMaxIterate:
			if len(node.TargetNodes) == 0 {
				return nil, fmt.Errorf("condition %q: detect_max_iterations requires target_nodes", dn.ID)
			}
		default:
			return nil, fmt.Errorf("condition %q: unknown condition_type %q", dn.ID, node.ConditionType)
		}
		return node, nil

	case KindDB:
		node := &DBNode{
			BaseNode:      base,
			Operation:     dataString(dn.Data, "operation"),
			File:          dataString(dn.Data, "file"),
			SerializeJSON: dataBool(dn.Data, "serialize_json"),
		}
		switch node.Operation {
		case "read", "write", "append":
		default:
			return nil, fmt.Errorf("db %q: operation must be read, write, or append, got %q", dn.ID, node.Operation)
		}
		if node.File == "" {
			return nil, fmt.Errorf("db %q: missing file", dn.ID)
		}
		return node, nil

	case KindTemplateJob:
		node := &TemplateJobNode{
			BaseNode:        base,
			TemplateContent: dataString(dn.Data, "template_content"),
			TemplatePath:    dataString(dn.Data, "template_path"),
			OutputPath:      dataString(dn.Data, "output_path"),
		}
		if node.TemplateContent == "" && node.TemplatePath == "" {
			return nil, fmt.Errorf("template_job %q: needs template_content or template_path", dn.ID)
		}
		return node, nil

	case KindSubDiagram:
		node := &SubDiagramNode{
			BaseNode:      base,
			DiagramName:   dataString(dn.Data, "diagram_name"),
			Batch:         dataBool(dn.Data, "batch"),
			BatchInputKey: dataString(dn.Data, "batch_input_key"),
			BatchParallel: dataBool(dn.Data, "batch_parallel"),
		}
		if node.DiagramName == "" {
			return nil, fmt.Errorf("sub_diagram %q: missing diagram_name", dn.ID)
		}
		if node.Batch && node.BatchInputKey == "" {
			node.BatchInputKey = "items"
		}
		return node, nil

	case KindUserResponse:
		node := &UserResponseNode{
			BaseNode:   base,
			Prompt:     dataString(dn.Data, "prompt"),
			TimeoutSec: dataInt(dn.Data, "timeout", 60),
		}
		if node.Prompt == "" {
			return nil, fmt.Errorf("user_response %q: missing prompt", dn.ID)
		}
		return node, nil

	case KindHook:
		node := &HookNode{
			BaseNode:   base,
			HookType:   dataString(dn.Data, "hook_type"),
			Command:    dataString(dn.Data, "command"),
			URL:        dataString(dn.Data, "url"),
			TimeoutSec: dataInt(dn.Data, "timeout", 30),
		}
		switch node.HookType {
		case "shell":
			if node.Command == "" {
				return nil, fmt.Errorf("hook %q: shell hook requires command", dn.ID)
			}
		case "webhook":
			if node.URL == "" {
				return nil, fmt.Errorf("hook %q: webhook hook requires url", dn.ID)
			}
		default:
			return nil, fmt.Errorf("hook %q: hook_type must be shell or webhook, got %q", dn.ID, node.HookType)
		}
		return node, nil

	case KindJSONSchemaValidator:
		node := &JSONSchemaValidatorNode{
			BaseNode:   base,
			SchemaPath: dataString(dn.Data, "schema_path"),
			Strict:     dataBool(dn.Data, "strict"),
		}
		if raw, ok := dn.Data["schema"]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("json_schema_validator %q: invalid schema: %w", dn.ID, err)
			}
			node.Schema = data
		}
		if len(node.Schema) == 0 && node.SchemaPath == "" {
			return nil, fmt.Errorf("json_schema_validator %q: needs schema or schema_path", dn.ID)
		}
		return node, nil

	case KindTypescriptAST:
		return &TypescriptASTNode{
			BaseNode: base,
			Extract:  dataStrings(dn.Data, "extract"),
		}, nil

	case KindIntegratedAPI:
		node := &IntegratedAPINode{
			BaseNode:  base,
			Provider:  dataString(dn.Data, "provider"),
			Operation: dataString(dn.Data, "operation"),
		}
		if cfg, ok := dn.Data["config"].(map[string]any); ok {
			node.Config = cfg
		}
		if node.Provider == "" || node.Operation == "" {
			return nil, fmt.Errorf("integrated_api %q: missing provider or operation", dn.ID)
		}
		return node, nil

	default:
		return nil, fmt.Errorf("node %q: unknown kind %q", dn.ID, dn.Type)
	}
}

// data map accessors, tolerant of YAML/JSON decoding differences.

func dataString(data map[string]any, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func dataBool(data map[string]any, key string) bool {
	if b, ok := data[key].(bool); ok {
		return b
	}
	return false
}

func dataInt(data map[string]any, key string, def int) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func dataStrings(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func dataStringMap(data map[string]any, key string) map[string]string {
	raw, ok := data[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
