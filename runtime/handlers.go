// ABOUTME: Handler contract for node kinds, the registry mapping kinds to handlers, and shared services.
// ABOUTME: ExecutionContext is the per-execution view handlers receive alongside their resolved inputs.
package runtime

import (
	"context"
	"fmt"

	"github.com/dipeo/dipeo/conversation"
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/llm"
)

// Inputs maps a node's input keys to the envelopes delivered on them.
type Inputs map[string]*Envelope

// First returns the envelope on "default", or any single input when default
// is absent, or nil.
func (in Inputs) First() *Envelope {
	if env, ok := in["default"]; ok {
		return env
	}
	for _, env := range in {
		return env
	}
	return nil
}

// Services bundles the side-effect ports handlers draw on. A handler declares
// which it needs via RequiredServices; the engine validates availability at
// dispatch.
type Services struct {
	LLM           llm.Service
	Files         FileService
	HTTP          HTTPService
	Sandbox       Sandbox
	Interactive   InteractiveHandler
	Conversations *conversation.Store
	Diagrams      diagram.Repository
	APIKeys       llm.KeyResolver
	Integrations  IntegrationService
}

// ServiceKind names a service slot in Services for requirement declarations.
type ServiceKind string

const (
	ServiceLLM           ServiceKind = "llm"
	ServiceFiles         ServiceKind = "files"
	ServiceHTTP          ServiceKind = "http"
	ServiceSandbox       ServiceKind = "sandbox"
	ServiceInteractive   ServiceKind = "interactive"
	ServiceConversations ServiceKind = "conversations"
	ServiceDiagrams      ServiceKind = "diagrams"
	ServiceIntegrations  ServiceKind = "integrations"
)

// available reports whether a service slot is populated.
func (s *Services) available(kind ServiceKind) bool {
	switch kind {
	case ServiceLLM:
		return s.LLM != nil
	case ServiceFiles:
		return s.Files != nil
	case ServiceHTTP:
		return s.HTTP != nil
	case ServiceSandbox:
		return s.Sandbox != nil
	case ServiceInteractive:
		return s.Interactive != nil
	case ServiceConversations:
		return s.Conversations != nil
	case ServiceDiagrams:
		return s.Diagrams != nil
	case ServiceIntegrations:
		return s.Integrations != nil
	}
	return false
}

// CheckRequired verifies every required service slot is populated.
func (s *Services) CheckRequired(kinds []ServiceKind) error {
	for _, k := range kinds {
		if !s.available(k) {
			return fmt.Errorf("required service %q is not configured", k)
		}
	}
	return nil
}

// RunChildFunc runs a sub-diagram as a child execution and returns its
// endpoint result. The engine injects its own implementation.
type RunChildFunc func(ctx context.Context, diagramName string, variables map[string]any) (*Envelope, error)

// ExecutionContext is the per-execution view passed to handlers.
type ExecutionContext struct {
	ExecutionID       string
	ParentExecutionID *string
	Variables         map[string]any
	Diagram           *diagram.ExecutableDiagram

	// Counts returns the completed execution count for a node.
	Counts func(diagram.NodeID) int
	// RunChild executes a sub-diagram under this execution.
	RunChild RunChildFunc
}

// Handler executes one node kind. Execute returns the node's single output
// envelope; a nil envelope with nil error means an empty default envelope.
type Handler interface {
	Kind() diagram.NodeKind
	RequiredServices() []ServiceKind
	Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error)
}

// Registry maps node kinds to their handlers.
type Registry struct {
	handlers map[diagram.NodeKind]Handler
}

// NewRegistry creates a registry preloaded with every built-in handler.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[diagram.NodeKind]Handler)}
	for _, h := range builtinHandlers() {
		r.Register(h)
	}
	return r
}

// Register adds or replaces the handler for a kind.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Kind()] = h
}

// For returns the handler for a kind.
func (r *Registry) For(kind diagram.NodeKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for node kind %q", kind)
	}
	return h, nil
}

// builtinHandlers lists one handler per supported node kind.
func builtinHandlers() []Handler {
	return []Handler{
		&startHandler{},
		&endpointHandler{},
		&personJobHandler{},
		&codeJobHandler{},
		&apiJobHandler{},
		&conditionHandler{},
		&dbHandler{},
		&templateJobHandler{},
		&subDiagramHandler{},
		&userResponseHandler{},
		&hookHandler{},
		&jsonSchemaValidatorHandler{},
		&typescriptASTHandler{},
		&integratedAPIHandler{},
	}
}
