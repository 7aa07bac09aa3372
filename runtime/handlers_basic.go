// ABOUTME: Handlers for the structural node kinds: start, endpoint, db, and template_job.
// ABOUTME: These nodes move data between the execution, the file port, and downstream nodes.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dipeo/dipeo/diagram"
)

// startHandler emits the execution's input variables as an object envelope.
type startHandler struct{}

func (h *startHandler) Kind() diagram.NodeKind          { return diagram.KindStart }
func (h *startHandler) RequiredServices() []ServiceKind { return nil }

func (h *startHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	vars := ec.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return NewEnvelope(vars).WithObject(vars), nil
}

// endpointHandler collects final outputs and optionally persists them.
type endpointHandler struct{}

func (h *endpointHandler) Kind() diagram.NodeKind          { return diagram.KindEndpoint }
func (h *endpointHandler) RequiredServices() []ServiceKind { return nil }

func (h *endpointHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	ep := node.(*diagram.EndpointNode)

	var env *Envelope
	if len(inputs) == 1 {
		env = inputs.First()
	} else {
		merged := make(map[string]any, len(inputs))
		for key, in := range inputs {
			merged[key] = in.Body
		}
		env = NewEnvelope(merged).WithObject(merged)
	}
	if env == nil {
		env = NewEnvelope(nil)
	}

	if ep.SaveToFile {
		if svc.Files == nil {
			return nil, fmt.Errorf("endpoint %q: save_to_file set but no file service", ep.ID())
		}
		path := ep.FilePath
		if path == "" {
			path = fmt.Sprintf("results/%s.txt", ec.ExecutionID)
		}
		path = Interpolate(path, MergeVars(ec.Variables, inputs))
		if err := svc.Files.Write(path, []byte(env.AsText())); err != nil {
			return nil, fmt.Errorf("endpoint %q: save result: %w", ep.ID(), err)
		}
	}

	return env, nil
}

// dbHandler reads and writes files through the confined file port.
type dbHandler struct{}

func (h *dbHandler) Kind() diagram.NodeKind          { return diagram.KindDB }
func (h *dbHandler) RequiredServices() []ServiceKind { return []ServiceKind{ServiceFiles} }

func (h *dbHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	db := node.(*diagram.DBNode)
	path := Interpolate(db.File, MergeVars(ec.Variables, inputs))

	switch db.Operation {
	case "read":
		if strings.ContainsAny(path, "*?[") {
			files, err := svc.Files.ReadGlob(path)
			if err != nil {
				return nil, fmt.Errorf("db %q: read glob: %w", db.ID(), err)
			}
			out := make(map[string]any, len(files))
			for name, data := range files {
				out[name] = decodeFileBody(data, db.SerializeJSON)
			}
			return NewEnvelope(out).WithObject(out), nil
		}
		data, err := svc.Files.Read(path)
		if err != nil {
			return nil, fmt.Errorf("db %q: read: %w", db.ID(), err)
		}
		body := decodeFileBody(data, db.SerializeJSON)
		env := NewEnvelope(body)
		if obj, ok := body.(map[string]any); ok {
			env.WithObject(obj)
		}
		return env, nil

	case "write", "append":
		in := inputs.First()
		if in == nil {
			return nil, fmt.Errorf("db %q: %s needs an input", db.ID(), db.Operation)
		}
		content := in.AsText()
		if db.SerializeJSON {
			data, err := json.MarshalIndent(in.Body, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("db %q: serialize: %w", db.ID(), err)
			}
			content = string(data)
		}
		var err error
		if db.Operation == "write" {
			err = svc.Files.Write(path, []byte(content))
		} else {
			err = svc.Files.Append(path, []byte(content+"\n"))
		}
		if err != nil {
			return nil, fmt.Errorf("db %q: %s: %w", db.ID(), db.Operation, err)
		}
		return NewEnvelope(content).WithText(content), nil
	}
	return nil, fmt.Errorf("db %q: unknown operation %q", db.ID(), db.Operation)
}

// decodeFileBody parses JSON content when asked, falling back to raw text.
func decodeFileBody(data []byte, parseJSON bool) any {
	if parseJSON {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

// templateJobHandler renders a template against the merged variable set.
type templateJobHandler struct{}

func (h *templateJobHandler) Kind() diagram.NodeKind          { return diagram.KindTemplateJob }
func (h *templateJobHandler) RequiredServices() []ServiceKind { return nil }

func (h *templateJobHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	tj := node.(*diagram.TemplateJobNode)

	content := tj.TemplateContent
	if content == "" {
		if svc.Files == nil {
			return nil, fmt.Errorf("template_job %q: template_path needs a file service", tj.ID())
		}
		data, err := svc.Files.Read(tj.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("template_job %q: read template: %w", tj.ID(), err)
		}
		content = string(data)
	}

	rendered := Interpolate(content, MergeVars(ec.Variables, inputs))

	if tj.OutputPath != "" {
		if svc.Files == nil {
			return nil, fmt.Errorf("template_job %q: output_path needs a file service", tj.ID())
		}
		if err := svc.Files.Write(tj.OutputPath, []byte(rendered)); err != nil {
			return nil, fmt.Errorf("template_job %q: write output: %w", tj.ID(), err)
		}
	}

	return NewEnvelope(rendered).WithText(rendered), nil
}
