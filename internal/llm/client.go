// Package llm provides the chat client used by the research pipeline to
// talk to a local model-serving API (Ollama, llama.cpp, vLLM — anything
// exposing an OpenAI-compatible /chat/completions endpoint).
//
// The pipeline never constructs clients itself; a Client is injected via
// research.PipelineContext so tests can substitute fakes.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client defines the interface the pipeline uses for model calls.
type Client interface {
	// Complete sends a bare prompt and returns the completion text.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a prompt with a system message.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// CompleteWithTools sends a prompt with tool definitions and returns
	// the response text plus any tool calls the model emitted.
	CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition) (*ToolResponse, error)

	// Model returns the model identifier currently in use.
	Model() string
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ToolCall represents a tool invocation requested by the model.
// Input is always a decoded object — the wire format may deliver
// arguments as a JSON string or an inline object, and the client
// normalizes both.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResponse contains both free text and tool calls from one completion.
type ToolResponse struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ErrorKind classifies failures so call sites can decide whether to
// degrade or abort. Every error returned by this package wraps exactly
// one of these sentinels.
type ErrorKind error

var (
	// ErrModel covers transport failures, non-200 responses, and API
	// error payloads — the model side misbehaved.
	ErrModel = errors.New("model error")

	// ErrParse covers malformed or unparseable model output — the call
	// succeeded but the payload is unusable.
	ErrParse = errors.New("parse error")

	// ErrTool covers tool-execution failures reported back into the loop.
	ErrTool = errors.New("tool error")
)

// modelErr wraps err as an ErrModel failure.
func modelErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrModel, fmt.Sprintf(format, args...))
}

// parseErr wraps err as an ErrParse failure.
func parseErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}
