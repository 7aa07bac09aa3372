// ABOUTME: Input resolver: turns consumed edges plus cached node outputs into a handler's Inputs map.
// ABOUTME: Applies content-type transformation and edge label renaming at the delivery boundary.
package runtime

import (
	"sync"

	"github.com/dipeo/dipeo/conversation"
	"github.com/dipeo/dipeo/diagram"
)

// OutputCache retains the latest envelope each node produced, keyed by node.
// Token counts decide scheduling; the cache only supplies values at delivery.
type OutputCache struct {
	mu      sync.Mutex
	outputs map[diagram.NodeID]*Envelope
}

// NewOutputCache creates an empty cache.
func NewOutputCache() *OutputCache {
	return &OutputCache{outputs: make(map[diagram.NodeID]*Envelope)}
}

// Put stores a node's latest output, replacing any prior one.
func (c *OutputCache) Put(node diagram.NodeID, env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[node] = env
}

// Get returns a node's latest output, or nil.
func (c *OutputCache) Get(node diagram.NodeID) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs[node]
}

// Resolver assembles handler inputs from consumed edges.
type Resolver struct {
	cache *OutputCache
	store *conversation.Store
}

// NewResolver creates a resolver over the output cache and the conversation
// store used to materialize conversation_state edges.
func NewResolver(cache *OutputCache, store *conversation.Store) *Resolver {
	return &Resolver{cache: cache, store: store}
}

// Resolve builds the Inputs map for a dispatch from its consumed edges. The
// input key is the edge's target input label unless the edge carries a
// rename label. Each value is transformed per the edge's content type.
func (r *Resolver) Resolve(target diagram.Node, edges []diagram.Edge) Inputs {
	inputs := make(Inputs, len(edges))
	for _, e := range edges {
		src := r.cache.Get(e.Source)
		if src == nil {
			continue
		}
		key := e.TargetInput
		if e.Label != "" {
			key = e.Label
		}
		inputs[key] = r.transform(e, src)
	}
	return inputs
}

// transform applies the edge's content type to the source envelope.
func (r *Resolver) transform(e diagram.Edge, src *Envelope) *Envelope {
	switch e.ContentType {
	case diagram.ContentObject:
		obj := src.AsObject()
		out := NewEnvelope(obj).WithObject(obj)
		out.Meta = src.Meta
		return out

	case diagram.ContentConversationState:
		msgs := src.AsConversation()
		if msgs == nil {
			msgs = r.materializeConversation(src)
		}
		out := NewEnvelope(msgs).WithConversation(msgs)
		out.Meta = src.Meta
		return out

	default: // raw_text
		text := src.AsText()
		out := NewEnvelope(text).WithText(text)
		out.Meta = src.Meta
		return out
	}
}

// materializeConversation builds the conversation view of the person who
// produced the source envelope. The fallback hands downstream the full
// history as that person saw it, unfiltered; envelopes without a person
// yield an empty conversation.
func (r *Resolver) materializeConversation(src *Envelope) []conversation.Message {
	if r.store == nil || src.Meta.PersonID == "" {
		return nil
	}
	return r.store.GetMessages(src.Meta.PersonID, conversation.Selection{})
}
