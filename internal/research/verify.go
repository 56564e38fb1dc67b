package research

import (
	"context"
	"fmt"
	"strings"

	"scholarch/internal/llm"
)

// ClaimStatus is the verification status of one claim.
type ClaimStatus string

const (
	ClaimSupported ClaimStatus = "supported"
	ClaimUnclear   ClaimStatus = "unclear"
	ClaimRefuted   ClaimStatus = "refuted"
)

// ClaimEvidence is one citation+quote pair backing a claim.
type ClaimEvidence struct {
	Citation string `json:"citation"`
	Quote    string `json:"quote"`
}

// Claim is one verified statement extracted from the research context.
type Claim struct {
	Claim     string          `json:"claim"`
	Status    ClaimStatus     `json:"status"`
	Citations []string        `json:"citations,omitempty"`
	Evidence  []ClaimEvidence `json:"evidence,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

const verifySystemPrompt = `You extract and verify claims from research context.

Given a question and numbered source blocks (each tagged like [D1], [W2], [K1]),
list the factual claims the sources let you make about the question.

For each claim:
- status "supported" requires at least one evidence entry quoting the source VERBATIM
- status "unclear" when the sources hint at it but do not state it
- status "refuted" when a source contradicts it

## Response Format (JSON only, no markdown)
{
  "claims": [
    {
      "claim": "one factual statement",
      "status": "supported|unclear|refuted",
      "citations": ["D1"],
      "evidence": [{"citation": "D1", "quote": "exact text copied from that source"}],
      "notes": "optional"
    }
  ]
}

Quotes must be copied exactly from the source text. Use "..." inside a quote only
to join passages that appear in that order in the same source.
Only return the JSON object, no other text.`

// Verifier extracts claims from context and checks every "supported"
// verdict against the actual source text. The model's self-reported
// support is never trusted: a supported claim whose quotes cannot be
// found in the cited source is downgraded to unclear.
type Verifier struct {
	chat llm.Client
}

// NewVerifier creates a claim verifier.
func NewVerifier(chat llm.Client) *Verifier {
	return &Verifier{chat: chat}
}

// Verify runs claim extraction and quote checking. textByTag maps each
// citation tag to the source text registered under it. Returns the full
// claim set; callers replace any previous set wholesale.
func (v *Verifier) Verify(ctx context.Context, question string, contextLines []string, textByTag map[string]string) ([]Claim, error) {
	userPrompt := fmt.Sprintf("## Question\n%s\n\n## Sources\n%s", question, strings.Join(contextLines, "\n"))

	resp, err := v.chat.CompleteWithSystem(ctx, verifySystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("claim extraction failed: %w", err)
	}

	var parsed struct {
		Claims []Claim `json:"claims"`
	}
	if !llm.DecodeJSONObject(resp, &parsed) {
		return nil, fmt.Errorf("%w: claim extraction returned no JSON object", llm.ErrParse)
	}

	claims := parsed.Claims
	for i := range claims {
		claims[i] = v.check(claims[i], textByTag)
	}
	return claims, nil
}

// check enforces the quote requirement on one claim.
func (v *Verifier) check(c Claim, textByTag map[string]string) Claim {
	switch c.Status {
	case ClaimSupported, ClaimUnclear, ClaimRefuted:
	default:
		c.Status = ClaimUnclear
	}
	if c.Status != ClaimSupported {
		return c
	}

	for _, ev := range c.Evidence {
		text, ok := textByTag[strings.TrimSpace(ev.Citation)]
		if !ok {
			continue
		}
		if QuoteSupported(ev.Quote, text) {
			return c
		}
	}

	c.Status = ClaimUnclear
	if c.Notes != "" {
		c.Notes += "; "
	}
	c.Notes += "downgraded: no evidence quote found in cited source"
	return c
}

// QuoteSupported reports whether quote appears in text, after case
// folding and whitespace collapsing. A quote may contain "..." gaps;
// each span must then appear in text in order.
func QuoteSupported(quote, text string) bool {
	nq := normalizeQuote(quote)
	if nq == "" {
		return false
	}
	nt := normalizeQuote(text)

	pos := 0
	for _, span := range strings.Split(nq, "...") {
		span = strings.TrimSpace(span)
		if span == "" {
			continue
		}
		idx := strings.Index(nt[pos:], span)
		if idx < 0 {
			return false
		}
		pos += idx + len(span)
	}
	return true
}

func normalizeQuote(s string) string {
	s = strings.ToLower(s)
	// Unicode ellipsis folds into the three-dot form before splitting.
	s = strings.ReplaceAll(s, "…", "...")
	return strings.Join(strings.Fields(s), " ")
}

// SupportedCount counts claims with supported status.
func SupportedCount(claims []Claim) int {
	n := 0
	for _, c := range claims {
		if c.Status == ClaimSupported {
			n++
		}
	}
	return n
}

// =============================================================================
// GAP / DONE CHECKERS
// =============================================================================

// GapResult is the outcome of a gap check.
type GapResult struct {
	Done       bool     `json:"done"`
	DocQueries []string `json:"doc_queries"`
	WebQueries []string `json:"web_queries"`
	KiwixQuery string   `json:"kiwix_query"`
	Reason     string   `json:"reason"`
}

const gapSystemPrompt = `You judge whether research is complete.

Given the research topics, subquestions, and the claims already supported by
sources, decide whether more retrieval would help, and if so suggest refined
queries targeting what is still missing.

## Response Format (JSON only, no markdown)
{
  "done": true/false,
  "reason": "what is covered or still missing",
  "doc_queries": ["refined local document query", ...],
  "web_queries": ["refined web query", ...],
  "kiwix_query": "one encyclopedia lookup or empty string"
}

Only return the JSON object, no other text.`

// GapChecker decides whether the loop should keep retrieving.
type GapChecker struct {
	chat llm.Client
}

// NewGapChecker creates a gap checker.
func NewGapChecker(chat llm.Client) *GapChecker {
	return &GapChecker{chat: chat}
}

// Check runs one gap assessment. Failures degrade to "not done, no new
// queries" so the loop keeps its earlier hints.
func (g *GapChecker) Check(ctx context.Context, plan *Plan, claims []Claim) GapResult {
	var supported []string
	for _, c := range claims {
		if c.Status == ClaimSupported {
			supported = append(supported, c.Claim)
		}
	}
	userPrompt := fmt.Sprintf("## Topics\n%s\n\n## Subquestions\n%s\n\n## Supported Claims\n%s",
		strings.Join(plan.Topics, "\n"), strings.Join(plan.Subquestions, "\n"), strings.Join(supported, "\n"))

	resp, err := g.chat.CompleteWithSystem(ctx, gapSystemPrompt, userPrompt)
	if err != nil {
		return GapResult{}
	}
	var result GapResult
	if !llm.DecodeJSONObject(resp, &result) {
		return GapResult{}
	}
	return result
}

const doneIfSystemPrompt = `You evaluate completion criteria against supported claims.

Every criterion must be satisfied by the claims for research to be complete.

## Response Format (JSON only, no markdown)
{"met": true/false, "unmet": ["criterion still unsatisfied", ...]}

Only return the JSON object, no other text.`

// DoneIfChecker evaluates the plan's explicit done_if criteria against
// supported claims only.
type DoneIfChecker struct {
	chat llm.Client
}

// NewDoneIfChecker creates a done-if checker.
func NewDoneIfChecker(chat llm.Client) *DoneIfChecker {
	return &DoneIfChecker{chat: chat}
}

// Met reports whether every done_if criterion is satisfied. No criteria
// means never-met (the loop relies on its other termination rules).
func (d *DoneIfChecker) Met(ctx context.Context, doneIf []string, claims []Claim) bool {
	if len(doneIf) == 0 {
		return false
	}
	var supported []string
	for _, c := range claims {
		if c.Status == ClaimSupported {
			supported = append(supported, c.Claim)
		}
	}
	if len(supported) == 0 {
		return false
	}

	userPrompt := fmt.Sprintf("## Criteria\n%s\n\n## Supported Claims\n%s",
		strings.Join(doneIf, "\n"), strings.Join(supported, "\n"))
	resp, err := d.chat.CompleteWithSystem(ctx, doneIfSystemPrompt, userPrompt)
	if err != nil {
		return false
	}
	var result struct {
		Met bool `json:"met"`
	}
	if !llm.DecodeJSONObject(resp, &result) {
		return false
	}
	return result.Met
}
