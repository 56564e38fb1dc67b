package evidence

import (
	"context"
	"testing"

	"scholarch/internal/llm"
)

// scriptedClient returns canned completions and counts calls.
type scriptedClient struct {
	response string
	calls    int
}

func (c *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *scriptedClient) CompleteWithSystem(ctx context.Context, _, _ string) (string, error) {
	c.calls++
	return c.response, nil
}

func (c *scriptedClient) CompleteWithTools(ctx context.Context, _, _ string, _ []llm.ToolDefinition) (*llm.ToolResponse, error) {
	c.calls++
	return &llm.ToolResponse{Text: c.response}, nil
}

func (c *scriptedClient) Model() string { return "scripted" }

func TestGenreOf_ModelFallbackCachedPerDoc(t *testing.T) {
	client := &scriptedClient{response: `{"genre": "nonfiction", "confidence": 0.8}`}
	c := NewClassifier(client, 0.55)

	hit := docHit("doc:e", "book-1", 0.9, map[string]any{"source": "epub"})
	hit.Title = "zq77-untagged" // defeats heuristics

	if g := c.GenreOf(context.Background(), hit, PolicyStrict); g != GenreNonfiction {
		t.Fatalf("genre = %s, want nonfiction", g)
	}
	// Second hit from the same doc id must reuse the cached result.
	other := docHit("doc:e2", "book-1", 0.5, map[string]any{"source": "epub"})
	other.Title = "zq77-untagged"
	if g := c.GenreOf(context.Background(), other, PolicyStrict); g != GenreNonfiction {
		t.Fatalf("cached genre = %s", g)
	}
	if client.calls != 1 {
		t.Fatalf("model calls = %d, want 1 (cache miss only once)", client.calls)
	}
}

func TestGenreOf_LowConfidenceRejected(t *testing.T) {
	client := &scriptedClient{response: `{"genre": "fiction", "confidence": 0.4}`}
	c := NewClassifier(client, 0.55)

	hit := docHit("doc:e", "book-2", 0.9, map[string]any{"source": "epub"})
	hit.Title = "zq77-untagged"

	if g := c.GenreOf(context.Background(), hit, PolicyStrict); g != GenreUnknown {
		t.Fatalf("genre = %s, want unknown for low confidence", g)
	}
}

func TestGenreOf_RelaxedSkipsModel(t *testing.T) {
	client := &scriptedClient{response: `{"genre": "fiction", "confidence": 0.99}`}
	c := NewClassifier(client, 0.55)

	hit := docHit("doc:e", "book-3", 0.9, map[string]any{"source": "epub"})
	hit.Title = "zq77-untagged"

	if g := c.GenreOf(context.Background(), hit, PolicyRelaxed); g != GenreUnknown {
		t.Fatalf("genre = %s, want unknown under relaxed policy", g)
	}
	if client.calls != 0 {
		t.Fatalf("model called %d times under relaxed policy", client.calls)
	}
}
