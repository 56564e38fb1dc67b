package research

import (
	"context"
	"fmt"
	"strings"

	"scholarch/internal/llm"
)

const draftSystemPrompt = `You write research reports from verified claims and source material.

Rules:
- Cite sources inline with their tags, e.g. [D1], [W2], [K1].
- Use only the provided sources; never invent facts or citations.
- Claims marked "unclear" may be mentioned only with hedging and no citation.
- Structure the answer as Markdown with a short summary first.`

const editSystemPrompt = `You are a critical editor of research reports.

Rewrite the draft to fix: unsupported statements, missing citations on factual
sentences, redundancy, and weak structure. Keep every citation tag that is
correct. Return only the revised Markdown, no commentary.`

const formatSystemPrompt = `You reformat research reports into clean Markdown.

Ensure: one top-level heading, a short summary paragraph, sections with
headings, and intact citation tags like [D1]. Do not add or remove facts.
Return only the Markdown.`

const finalizeSystemPrompt = `You give research reports a final polish.

Tighten the prose, fix grammar, and keep all citation tags exactly where they
are. Return only the final Markdown.`

// Synthesizer turns verified claims plus context into the final report
// through four sequential model passes: draft, critique-driven edit,
// reformat, polish. Unlike tool and verification calls, a failure here
// is fatal to the run.
type Synthesizer struct {
	chat llm.Client
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(chat llm.Client) *Synthesizer {
	return &Synthesizer{chat: chat}
}

// Compose runs the full chain and returns the unenforced answer.
func (s *Synthesizer) Compose(ctx context.Context, query string, claims []Claim, contextLines []string) (string, error) {
	var claimList strings.Builder
	for _, c := range claims {
		fmt.Fprintf(&claimList, "- [%s] %s (cite: %s)\n", c.Status, c.Claim, strings.Join(c.Citations, ", "))
	}

	draftPrompt := fmt.Sprintf("## Question\n%s\n\n## Verified Claims\n%s\n## Sources\n%s",
		query, claimList.String(), strings.Join(contextLines, "\n"))
	draft, err := s.chat.CompleteWithSystem(ctx, draftSystemPrompt, draftPrompt)
	if err != nil {
		return "", fmt.Errorf("draft failed: %w", err)
	}

	edited, err := s.chat.CompleteWithSystem(ctx, editSystemPrompt,
		fmt.Sprintf("## Question\n%s\n\n## Draft\n%s", query, draft))
	if err != nil {
		return "", fmt.Errorf("edit failed: %w", err)
	}

	formatted, err := s.chat.CompleteWithSystem(ctx, formatSystemPrompt, edited)
	if err != nil {
		return "", fmt.Errorf("format failed: %w", err)
	}

	final, err := s.chat.CompleteWithSystem(ctx, finalizeSystemPrompt, formatted)
	if err != nil {
		return "", fmt.Errorf("finalize failed: %w", err)
	}
	return strings.TrimSpace(final), nil
}
