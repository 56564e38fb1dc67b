package main

import (
	"strings"
	"testing"
)

func TestChunkTextParagraphBoundaries(t *testing.T) {
	text := "First paragraph about zinc.\n\nSecond paragraph about copper.\n\nThird paragraph about tin."
	chunks := chunkText(text, 60)

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want a split: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len(c) > 62 {
			t.Errorf("chunk exceeds budget (%d chars): %q", len(c), c)
		}
	}
	joined := strings.Join(chunks, " ")
	for _, want := range []string{"zinc", "copper", "tin"} {
		if !strings.Contains(joined, want) {
			t.Errorf("content %q lost during chunking", want)
		}
	}
}

func TestChunkTextHardSplitsOversizedParagraph(t *testing.T) {
	text := strings.Repeat("word ", 200) // one 1000-char paragraph, no breaks
	chunks := chunkText(text, 100)

	if len(chunks) < 9 {
		t.Fatalf("got %d chunks, want ~10", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk exceeds budget: %d chars", len(c))
		}
	}
}

func TestChunkTextEmptyInput(t *testing.T) {
	if got := chunkText("\n\n  \n\n", 100); len(got) != 0 {
		t.Errorf("expected no chunks for blank input, got %v", got)
	}
}
