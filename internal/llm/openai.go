package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// OPENAI-COMPATIBLE CLIENT
// =============================================================================

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
// Local servers (Ollama with /v1, llama.cpp server, vLLM) all speak this
// dialect, so one client covers every deployment the pipeline supports.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxRetries int
}

// OpenAIConfig holds configuration for the client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOpenAIConfig returns defaults aimed at a local Ollama server.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:    "http://localhost:11434/v1",
		Model:      "qwen2.5:14b",
		Timeout:    120 * time.Second,
		MaxRetries: 3,
	}
}

// NewOpenAIClient creates a client from the given config, filling in
// defaults for zero-valued fields.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	def := DefaultOpenAIConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.model }

// WithModel returns a copy of the client bound to a different model.
// Used for the genre-classifier and citation-audit models, which may be
// smaller than the main research model.
func (c *OpenAIClient) WithModel(model string) *OpenAIClient {
	if model == "" || model == c.model {
		return c
	}
	clone := *c
	clone.model = model
	return &clone
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
		// Arguments may arrive as a JSON-encoded string (OpenAI) or an
		// inline object (some local servers). RawMessage defers decoding.
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// =============================================================================
// COMPLETIONS
// =============================================================================

// Complete sends a prompt and returns the completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.do(ctx, c.buildRequest(systemPrompt, userPrompt, nil))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", modelErr("no completion returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// CompleteWithTools sends a prompt with tool definitions and returns the
// response text plus any tool calls.
func (c *OpenAIClient) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition) (*ToolResponse, error) {
	wireTools := make([]chatTool, len(tools))
	for i, t := range tools {
		wireTools[i] = chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}

	resp, err := c.do(ctx, c.buildRequest(systemPrompt, userPrompt, wireTools))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, modelErr("no completion returned")
	}

	msg := resp.Choices[0].Message
	out := &ToolResponse{Text: strings.TrimSpace(msg.Content)}
	for _, wc := range msg.ToolCalls {
		if wc.Type != "" && wc.Type != "function" {
			continue
		}
		args, err := decodeToolArguments(wc.Function.Arguments)
		if err != nil {
			return nil, parseErr("tool call %s arguments: %v", wc.Function.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    wc.ID,
			Name:  wc.Function.Name,
			Input: args,
		})
	}
	return out, nil
}

// decodeToolArguments normalizes arguments that arrive either as a
// JSON-encoded string or as an inline object.
func decodeToolArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		trimmed = []byte(strings.TrimSpace(inner))
	}
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func (c *OpenAIClient) buildRequest(systemPrompt, userPrompt string, tools []chatTool) chatRequest {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	return chatRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: 0.1, // structured output wants low temperature
	}
}

// do executes the request with retry on 429 and transport errors.
func (c *OpenAIClient) do(ctx context.Context, reqBody chatRequest) (*chatResponse, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, modelErr("failed to marshal request: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, modelErr("canceled: %v", ctx.Err())
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, modelErr("failed to create request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = modelErr("request failed: %v", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = modelErr("failed to read response: %v", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = modelErr("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, modelErr("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, parseErr("failed to decode response: %v", err)
		}
		if parsed.Error != nil {
			return nil, modelErr("API error: %s", parsed.Error.Message)
		}
		return &parsed, nil
	}

	return nil, modelErr("max retries exceeded: %v", lastErr)
}
