// ABOUTME: Tests for request/response conversion in the OpenAI-compatible client.
package llm

import (
	"context"
	"strings"
	"testing"
)

type staticKeys map[string]string

func (k staticKeys) ResolveKey(keyID string) (string, error) {
	if v, ok := k[keyID]; ok {
		return v, nil
	}
	return "", errKeyMissing(keyID)
}

type errKeyMissing string

func (e errKeyMissing) Error() string { return "no key " + string(e) }

func TestConvertRequestRoles(t *testing.T) {
	req := Request{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: RoleSystem, Content: "you are terse"},
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "hi"},
		},
	}
	params, err := convertRequest(req)
	if err != nil {
		t.Fatalf("convertRequest failed: %v", err)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Model != "gpt-4o" {
		t.Errorf("wrong model: %q", params.Model)
	}
}

func TestConvertRequestRejectsBadInput(t *testing.T) {
	if _, err := convertRequest(Request{}); err == nil {
		t.Error("missing model should fail")
	}
	req := Request{Model: "m", Messages: []Message{{Role: "narrator", Content: "x"}}}
	if _, err := convertRequest(req); err == nil {
		t.Error("unknown role should fail")
	}
}

func TestConvertRequestJSONFormat(t *testing.T) {
	params, err := convertRequest(Request{Model: "m", TextFormat: "json"})
	if err != nil {
		t.Fatalf("convertRequest failed: %v", err)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("json text_format should set a JSON response format")
	}
}

func TestConvertRequestTools(t *testing.T) {
	params, err := convertRequest(Request{Model: "m", Tools: []string{"web_search", "image_generation"}})
	if err != nil {
		t.Fatalf("convertRequest failed: %v", err)
	}
	if len(params.Tools) != 2 {
		t.Fatalf("expected 2 tool params, got %d", len(params.Tools))
	}
	if params.Tools[0].Function.Name != "web_search" || params.Tools[1].Function.Name != "image_generation" {
		t.Errorf("tool names not carried: %q, %q",
			params.Tools[0].Function.Name, params.Tools[1].Function.Name)
	}

	if _, err := convertRequest(Request{Model: "m", Tools: []string{""}}); err == nil {
		t.Error("empty tool name should fail")
	}
}

func TestCompleteUnknownService(t *testing.T) {
	svc := NewOpenAIService(staticKeys{})
	_, err := svc.Complete(context.Background(), Request{Service: "smoke_signals", Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "unsupported llm service") {
		t.Fatalf("expected unsupported service error, got %v", err)
	}
}

func TestCompleteMissingKey(t *testing.T) {
	svc := NewOpenAIService(staticKeys{})
	_, err := svc.Complete(context.Background(), Request{Service: "openai", Model: "m", APIKeyID: "NOPE"})
	if err == nil || !strings.Contains(err.Error(), "resolve api key") {
		t.Fatalf("expected key resolution error, got %v", err)
	}
}
