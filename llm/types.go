// ABOUTME: Provider-neutral LLM request/response types and the Service port the engine calls.
// ABOUTME: Person identity and conversation assembly live upstream; this layer sees flat message lists.
package llm

import (
	"context"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn in a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Service  string    `json:"service"` // provider name, e.g. "openai"
	Model    string    `json:"model"`
	APIKeyID string    `json:"api_key_id"`
	Messages []Message `json:"messages"`
	// TextFormat, when non-empty, asks the provider for structured output:
	// "json" requests a JSON object response.
	TextFormat string `json:"text_format,omitempty"`
	// Tools names provider-side capabilities to enable (e.g. web search).
	Tools     []string `json:"tools,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

// Usage is the token accounting for one completion.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Response is a provider-neutral completion result.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"` // model that actually served the request
	Usage Usage  `json:"usage"`
}

// Service is the completion port the engine's person_job handler calls.
// Implementations resolve API keys through their own key store.
type Service interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// KeyResolver maps logical API key IDs to secret values.
type KeyResolver interface {
	ResolveKey(keyID string) (string, error)
}
