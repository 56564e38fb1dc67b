package research

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"scholarch/internal/llm"
	"scholarch/internal/retrieval"
)

// fakeChat routes completions by recognizable fragments of the system
// prompt so one fake can serve the whole pipeline.
type fakeChat struct {
	mu sync.Mutex

	// responses maps a system-prompt substring to the canned response.
	responses map[string]string

	// errors maps a system-prompt substring to an error.
	errors map[string]error

	// toolCalls is the queue of tool-call batches returned by
	// successive CompleteWithTools invocations; after the queue drains,
	// no tool calls are returned.
	toolCalls [][]fakeToolCall

	// seenSystems records every system prompt received, in order.
	seenSystems []string
}

type fakeToolCall struct {
	name  string
	query string
}

func newFakeChat() *fakeChat {
	return &fakeChat{responses: map[string]string{}, errors: map[string]error{}}
}

func (f *fakeChat) on(fragment, response string) *fakeChat {
	f.responses[fragment] = response
	return f
}

func (f *fakeChat) failOn(fragment string, err error) *fakeChat {
	f.errors[fragment] = err
	return f
}

func (f *fakeChat) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeChat) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenSystems = append(f.seenSystems, systemPrompt)
	match := func(fragment string) bool {
		if fragment == "" {
			return systemPrompt == ""
		}
		return strings.Contains(systemPrompt, fragment)
	}
	for fragment, err := range f.errors {
		if match(fragment) {
			return "", err
		}
	}
	for fragment, resp := range f.responses {
		if match(fragment) {
			return resp, nil
		}
	}
	return "{}", nil
}

func (f *fakeChat) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []llm.ToolDefinition) (*llm.ToolResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenSystems = append(f.seenSystems, systemPrompt)

	if len(f.toolCalls) == 0 {
		return &llm.ToolResponse{}, nil
	}
	batch := f.toolCalls[0]
	f.toolCalls = f.toolCalls[1:]

	resp := &llm.ToolResponse{}
	for _, tc := range batch {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			Name:  tc.name,
			Input: map[string]any{"query": tc.query},
		})
	}
	return resp, nil
}

func (f *fakeChat) Model() string { return "fake" }

// sawSystem reports whether any system prompt contained the fragment.
func (f *fakeChat) sawSystem(fragment string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.seenSystems {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}

// fakeProvider records queries and serves canned results.
type fakeProvider struct {
	mu      sync.Mutex
	results []retrieval.Result
	err     error
	queries []string
}

func (p *fakeProvider) Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, query)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.results) > topK {
		return p.results[:topK], nil
	}
	return p.results, nil
}

func (p *fakeProvider) queryLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

func docResult(refID, title, text string, score float64) retrieval.Result {
	return retrieval.Result{
		SourceType: retrieval.SourceDoc,
		RefID:      refID,
		Title:      title,
		Text:       text,
		Score:      score,
		Meta:       map[string]any{"doc_id": refID},
	}
}

func webResult(refID, title, text string, score float64) retrieval.Result {
	return retrieval.Result{
		SourceType: retrieval.SourceWeb,
		RefID:      refID,
		Title:      title,
		URL:        fmt.Sprintf("https://example.com/%s", refID),
		Domain:     "example.com",
		Text:       text,
		Score:      score,
	}
}
