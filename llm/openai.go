// ABOUTME: OpenAI Chat Completions client with base URL support for compatible providers.
// ABOUTME: One client serves any OpenAI-compatible service; the request's service field picks the base URL.
package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Base URLs for OpenAI-compatible providers. OpenAI itself uses the SDK
// default. Unlisted services fail at request time, not construction.
var compatBaseURLs = map[string]string{
	"openai":     "",
	"openrouter": "https://openrouter.ai/api/v1",
	"cerebras":   "https://api.cerebras.ai/v1",
	"ollama":     "http://localhost:11434/v1",
}

// OpenAIService implements Service using the Chat Completions API
// (/v1/chat/completions), the endpoint every compatible provider supports.
type OpenAIService struct {
	keys KeyResolver
}

// NewOpenAIService creates a completion service resolving keys through keys.
func NewOpenAIService(keys KeyResolver) *OpenAIService {
	return &OpenAIService{keys: keys}
}

// Complete sends one completion request and returns the full response.
func (s *OpenAIService) Complete(ctx context.Context, req Request) (*Response, error) {
	baseURL, ok := compatBaseURLs[req.Service]
	if !ok {
		return nil, fmt.Errorf("unsupported llm service %q", req.Service)
	}
	apiKey, err := s.keys.ResolveKey(req.APIKeyID)
	if err != nil {
		return nil, fmt.Errorf("resolve api key %q: %w", req.APIKeyID, err)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	params, err := convertRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	return convertResponse(resp), nil
}

// convertRequest builds the Chat Completions params for a neutral request.
func convertRequest(req Request) (openai.ChatCompletionNewParams, error) {
	if req.Model == "" {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("request missing model")
	}

	params := openai.ChatCompletionNewParams{
		Model: req.Model,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("unknown message role %q", msg.Role)
		}
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, name := range req.Tools {
			if name == "" {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("request has empty tool name")
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name: name,
				},
			})
		}
		params.Tools = tools
	}

	if req.TextFormat == "json" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	return params, nil
}

// convertResponse flattens a ChatCompletion into the neutral response.
func convertResponse(resp *openai.ChatCompletion) *Response {
	out := &Response{
		Model: resp.Model,
		Usage: Usage{
			Input:  int(resp.Usage.PromptTokens),
			Output: int(resp.Usage.CompletionTokens),
			Total:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	return out
}
