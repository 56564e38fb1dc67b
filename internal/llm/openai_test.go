package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDecodeToolArguments(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"object", `{"query": "rust"}`, map[string]any{"query": "rust"}},
		{"encoded_string", `"{\"query\": \"rust\"}"`, map[string]any{"query": "rust"}},
		{"empty", ``, map[string]any{}},
		{"null", `null`, map[string]any{}},
		{"empty_string", `""`, map[string]any{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeToolArguments(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("decodeToolArguments(%q) error: %v", tc.raw, err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Fatalf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}

	if _, err := decodeToolArguments(json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("expected error for non-object arguments")
	}
}

func TestCompleteWithTools_ParsesBothArgumentShapes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "searching",
					"tool_calls": [
						{"id": "c1", "type": "function", "function": {"name": "web_search", "arguments": "{\"query\": \"alpha\"}"}},
						{"id": "c2", "type": "function", "function": {"name": "doc_search", "arguments": {"query": "beta", "top_k": 5}}}
					]
				},
				"finish_reason": "tool_calls"
			}]
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, Model: "test"})
	resp, err := client.CompleteWithTools(context.Background(), "sys", "user", nil)
	if err != nil {
		t.Fatalf("CompleteWithTools error: %v", err)
	}

	if resp.Text != "searching" {
		t.Fatalf("Text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Input["query"] != "alpha" {
		t.Fatalf("call 0 input = %v", resp.ToolCalls[0].Input)
	}
	if resp.ToolCalls[1].Input["query"] != "beta" {
		t.Fatalf("call 1 input = %v", resp.ToolCalls[1].Input)
	}
}

func TestCompleteWithSystem_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": {"message": "model not loaded", "type": "server_error"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, Model: "test"})
	_, err := client.CompleteWithSystem(context.Background(), "", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
}
