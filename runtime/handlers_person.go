// ABOUTME: person_job handler: prompt assembly, conversation memory, LLM call, usage accounting.
// ABOUTME: First-iteration prompts and memory selection follow the node's configuration.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dipeo/dipeo/conversation"
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/llm"
	"github.com/dipeo/dipeo/state"
)

type personJobHandler struct{}

func (h *personJobHandler) Kind() diagram.NodeKind { return diagram.KindPersonJob }

func (h *personJobHandler) RequiredServices() []ServiceKind {
	return []ServiceKind{ServiceLLM, ServiceConversations}
}

func (h *personJobHandler) Execute(ctx context.Context, node diagram.Node, inputs Inputs, svc *Services, ec *ExecutionContext) (*Envelope, error) {
	pj := node.(*diagram.PersonJobNode)
	person, ok := ec.Diagram.PersonFor(pj.PersonID)
	if !ok {
		return nil, fmt.Errorf("person_job %q: person %q not found", pj.ID(), pj.PersonID)
	}

	execCount := ec.Counts(pj.ID())
	prompt := pj.DefaultPrompt
	if execCount == 0 && pj.FirstOnlyPrompt != "" {
		prompt = pj.FirstOnlyPrompt
	}
	prompt = Interpolate(prompt, MergeVars(ec.Variables, inputs))

	messages := h.buildMessages(pj, person, inputs, svc.Conversations, prompt)

	resp, err := svc.LLM.Complete(ctx, llm.Request{
		Service:    person.Service,
		Model:      person.Model,
		APIKeyID:   person.APIKeyID,
		Messages:   messages,
		TextFormat: pj.TextFormat,
		Tools:      pj.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("person_job %q: completion: %w", pj.ID(), err)
	}

	svc.Conversations.Append(conversation.Message{
		ToPersonID: pj.PersonID,
		Content:    prompt,
		Type:       conversation.MessageSystem,
	})
	svc.Conversations.Append(conversation.Message{
		FromPersonID: pj.PersonID,
		Content:      resp.Text,
		Type:         conversation.MessagePersonToPerson,
	})

	usage := state.TokenUsage{Input: resp.Usage.Input, Output: resp.Usage.Output, Total: resp.Usage.Total}
	env := NewEnvelope(resp.Text).WithText(resp.Text)
	env.Meta = EnvelopeMeta{PersonID: pj.PersonID, Model: resp.Model, TokenUsage: &usage}

	if pj.TextFormat == "json" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(resp.Text), &obj); err == nil {
			env.WithObject(obj)
		}
	}
	return env, nil
}

// buildMessages assembles the chat turn list: system prompt, memorized
// conversation, conversation-typed inputs, then the user prompt.
func (h *personJobHandler) buildMessages(pj *diagram.PersonJobNode, person diagram.Person, inputs Inputs, store *conversation.Store, prompt string) []llm.Message {
	var messages []llm.Message
	if person.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: person.SystemPrompt})
	}

	memory := store.GetMessages(pj.PersonID, conversation.Selection{
		Criteria:       pj.MemorizeTo,
		AtMost:         pj.AtMost,
		ExcludePersons: pj.IgnorePersons,
	})
	messages = append(messages, conversationTurns(pj.PersonID, memory)...)

	for _, in := range inputs {
		if in.HasConversation() {
			messages = append(messages, conversationTurns(pj.PersonID, in.AsConversation())...)
		}
	}

	return append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
}

// conversationTurns maps stored messages to chat roles from the given
// person's point of view: their own messages are assistant turns.
func conversationTurns(personID string, msgs []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.FromPersonID == personID {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}
