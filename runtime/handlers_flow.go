// ABOUTME: Control-flow handlers: condition branching, sub-diagram execution, user response, hooks.
// ABOUTME: Condition nodes route their input envelope onto exactly one of condtrue/condfalse.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/llm"
)

// conditionHandler evaluates its node and passes the input through on the
// taken branch. The untaken branch gets no token.
type conditionHandler struct{}

func (h *conditionHandler) Kind() diagram.NodeKind          { return diagram.KindCondition }
func (h *conditionHandler) RequiredServices() []ServiceKind { return nil }

func (h *conditionHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	cond := node.(*diagram.ConditionNode)

	var result bool
	var err error
	switch cond.ConditionType {
	case diagram.ConditionExpression:
		result, err = EvalCondition(cond.Expression, MergeVars(ec.Variables, inputs))
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", cond.ID(), err)
		}

	case diagram.ConditionDetectMaxIterate:
		result = h.allMaxed(cond, ec)

	case diagram.ConditionLLMDecision:
		result, err = h.llmDecision(ctx, cond, inputs, svc, ec)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("condition %q: unknown type %q", cond.ID(), cond.ConditionType)
	}

	body := any(result)
	if in := inputs.First(); in != nil {
		body = in.Body
	}
	key := diagram.BranchFalse
	if result {
		key = diagram.BranchTrue
	}
	return NewEnvelope(body).OnKey(key), nil
}

// allMaxed reports whether every target node has exhausted its iterations.
func (h *conditionHandler) allMaxed(cond *diagram.ConditionNode, ec *ExecutionContext) bool {
	for _, target := range cond.TargetNodes {
		n := ec.Diagram.NodeByID(diagram.NodeID(target))
		pj, ok := n.(*diagram.PersonJobNode)
		if !ok {
			return false
		}
		if ec.Counts(pj.ID()) < pj.MaxIteration {
			return false
		}
	}
	return len(cond.TargetNodes) > 0
}

// llmDecision asks the judge person a yes/no question about the input.
func (h *conditionHandler) llmDecision(ctx context.Context, cond *diagram.ConditionNode, inputs Inputs, svc *Services, ec *ExecutionContext) (bool, error) {
	if svc.LLM == nil {
		return false, fmt.Errorf("condition %q: llm_decision needs the llm service", cond.ID())
	}
	person, ok := ec.Diagram.PersonFor(cond.JudgePersonID)
	if !ok {
		return false, fmt.Errorf("condition %q: judge person %q not found", cond.ID(), cond.JudgePersonID)
	}

	question := Interpolate(cond.Expression, MergeVars(ec.Variables, inputs))
	prompt := question + "\n\nAnswer with exactly YES or NO."
	if in := inputs.First(); in != nil {
		prompt = "Given this input:\n" + in.AsText() + "\n\n" + prompt
	}

	resp, err := svc.LLM.Complete(ctx, llm.Request{
		Service:  person.Service,
		Model:    person.Model,
		APIKeyID: person.APIKeyID,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return false, fmt.Errorf("condition %q: judge: %w", cond.ID(), err)
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Text))
	return strings.HasPrefix(answer, "YES") || strings.HasPrefix(answer, "TRUE"), nil
}

// subDiagramHandler runs a child execution, or a batch of them.
type subDiagramHandler struct{}

func (h *subDiagramHandler) Kind() diagram.NodeKind          { return diagram.KindSubDiagram }
func (h *subDiagramHandler) RequiredServices() []ServiceKind { return []ServiceKind{ServiceDiagrams} }

func (h *subDiagramHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	sd := node.(*diagram.SubDiagramNode)
	if ec.RunChild == nil {
		return nil, fmt.Errorf("sub_diagram %q: child execution not wired", sd.ID())
	}

	childVars := MergeVars(ec.Variables, inputs)

	if !sd.Batch {
		return ec.RunChild(ctx, sd.DiagramName, childVars)
	}

	items, err := batchItems(childVars, sd.BatchInputKey)
	if err != nil {
		return nil, fmt.Errorf("sub_diagram %q: %w", sd.ID(), err)
	}

	results := make([]any, len(items))
	if sd.BatchParallel {
		var wg sync.WaitGroup
		errs := make([]error, len(items))
		for i, item := range items {
			wg.Add(1)
			go func(i int, item any) {
				defer wg.Done()
				vars := withBatchItem(childVars, item, i)
				env, err := ec.RunChild(ctx, sd.DiagramName, vars)
				if err != nil {
					errs[i] = err
					return
				}
				results[i] = env.Body
			}(i, item)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, fmt.Errorf("sub_diagram %q: batch item: %w", sd.ID(), err)
			}
		}
	} else {
		for i, item := range items {
			vars := withBatchItem(childVars, item, i)
			env, err := ec.RunChild(ctx, sd.DiagramName, vars)
			if err != nil {
				return nil, fmt.Errorf("sub_diagram %q: batch item %d: %w", sd.ID(), i, err)
			}
			results[i] = env.Body
		}
	}

	return NewEnvelope(results), nil
}

// batchItems pulls the list to iterate over out of the merged variables.
func batchItems(vars map[string]any, key string) ([]any, error) {
	raw, ok := vars[key]
	if !ok {
		return nil, fmt.Errorf("batch input key %q not present", key)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("batch input %q is not a list", key)
	}
	return items, nil
}

// withBatchItem overlays the per-item variables onto the shared set.
func withBatchItem(vars map[string]any, item any, index int) map[string]any {
	out := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	out["item"] = item
	out["item_index"] = index
	return out
}

// userResponseHandler collects a human answer through the interactive port.
type userResponseHandler struct{}

func (h *userResponseHandler) Kind() diagram.NodeKind          { return diagram.KindUserResponse }
func (h *userResponseHandler) RequiredServices() []ServiceKind { return []ServiceKind{ServiceInteractive} }

func (h *userResponseHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	ur := node.(*diagram.UserResponseNode)
	prompt := Interpolate(ur.Prompt, MergeVars(ec.Variables, inputs))
	answer, err := svc.Interactive.Ask(ctx, prompt, time.Duration(ur.TimeoutSec)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("user_response %q: %w", ur.ID(), err)
	}
	return NewEnvelope(answer).WithText(answer), nil
}

// hookHandler runs a side effect and passes its input through unchanged.
type hookHandler struct{}

func (h *hookHandler) Kind() diagram.NodeKind          { return diagram.KindHook }
func (h *hookHandler) RequiredServices() []ServiceKind { return nil }

func (h *hookHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	hook := node.(*diagram.HookNode)
	vars := MergeVars(ec.Variables, inputs)

	hctx := ctx
	if hook.TimeoutSec > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutSec)*time.Second)
		defer cancel()
	}

	switch hook.HookType {
	case "shell":
		if svc.Sandbox == nil {
			return nil, fmt.Errorf("hook %q: shell hook needs the sandbox service", hook.ID())
		}
		command := Interpolate(hook.Command, vars)
		if _, err := svc.Sandbox.Run(hctx, "bash", command, vars); err != nil {
			return nil, fmt.Errorf("hook %q: %w", hook.ID(), err)
		}

	case "webhook":
		if svc.HTTP == nil {
			return nil, fmt.Errorf("hook %q: webhook needs the http service", hook.ID())
		}
		var body []byte
		if in := inputs.First(); in != nil {
			body = []byte(in.AsText())
		}
		resp, err := svc.HTTP.Do(hctx, HTTPRequest{
			Method:  "POST",
			URL:     Interpolate(hook.URL, vars),
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    body,
		})
		if err != nil {
			return nil, fmt.Errorf("hook %q: %w", hook.ID(), err)
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("hook %q: webhook returned %d", hook.ID(), resp.StatusCode)
		}

	default:
		return nil, fmt.Errorf("hook %q: unknown hook_type %q", hook.ID(), hook.HookType)
	}

	if in := inputs.First(); in != nil {
		return NewEnvelope(in.Body), nil
	}
	return NewEnvelope(nil), nil
}
