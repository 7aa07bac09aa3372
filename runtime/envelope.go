// ABOUTME: Envelope, the uniform value every node produces: body plus typed representations and metadata.
// ABOUTME: Representation accessors synthesize missing forms from the body instead of failing.
package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/dipeo/dipeo/conversation"
	"github.com/dipeo/dipeo/state"
)

// EnvelopeMeta carries producer metadata alongside a node's output.
type EnvelopeMeta struct {
	PersonID   string            `json:"person_id,omitempty"`
	Model      string            `json:"model,omitempty"`
	TokenUsage *state.TokenUsage `json:"token_usage,omitempty"`
}

// Envelope is the single output of one node execution. OutputKey routes it:
// edges whose source output matches receive a token. Body holds the primary
// value; representations are derived views cached on first access.
type Envelope struct {
	OutputKey string
	Body      any
	Meta      EnvelopeMeta

	text         *string
	object       map[string]any
	conversation []conversation.Message
}

// NewEnvelope creates an envelope on the default output key.
func NewEnvelope(body any) *Envelope {
	return &Envelope{OutputKey: "default", Body: body}
}

// OnKey returns the envelope with its output key replaced.
func (e *Envelope) OnKey(key string) *Envelope {
	e.OutputKey = key
	return e
}

// WithText sets an explicit text representation.
func (e *Envelope) WithText(text string) *Envelope {
	e.text = &text
	return e
}

// WithObject sets an explicit object representation.
func (e *Envelope) WithObject(obj map[string]any) *Envelope {
	e.object = obj
	return e
}

// WithConversation sets an explicit conversation representation.
func (e *Envelope) WithConversation(msgs []conversation.Message) *Envelope {
	e.conversation = msgs
	return e
}

// AsText returns the text representation, synthesizing one from the body when
// not explicitly set: strings pass through, everything else JSON-encodes.
func (e *Envelope) AsText() string {
	if e.text != nil {
		return *e.text
	}
	switch v := e.Body.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// AsObject returns the object representation. A string body is parsed as
// JSON; a non-object value is wrapped under "value".
func (e *Envelope) AsObject() map[string]any {
	if e.object != nil {
		return e.object
	}
	switch v := e.Body.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(v), &obj); err == nil {
			return obj
		}
		return map[string]any{"value": v}
	default:
		return map[string]any{"value": v}
	}
}

// AsConversation returns the conversation representation, or nil when the
// envelope carries none. Non-conversation envelopes have no synthesized form;
// the input resolver materializes conversations from the store instead.
func (e *Envelope) AsConversation() []conversation.Message {
	return e.conversation
}

// HasConversation reports whether an explicit conversation form is present.
func (e *Envelope) HasConversation() bool {
	return e.conversation != nil
}
