package research

import (
	"context"
	"fmt"
	"strings"

	"scholarch/internal/llm"
)

// Plan is the research plan produced at the start of a run.
type Plan struct {
	Topics       []string `json:"topics"`
	Subquestions []string `json:"subquestions"`
	WebQueries   []string `json:"web_queries"`
	DocQueries   []string `json:"doc_queries"`
	KiwixQueries []string `json:"kiwix_queries"`
	DoneIf       []string `json:"done_if"`
}

const planSystemPrompt = `You are a research planner. Given a question, produce a short plan.

## Response Format (JSON only, no markdown)
{
  "topics": ["topic 1", ...],
  "subquestions": ["subquestion 1", ...],
  "web_queries": ["search query 1", ...],
  "doc_queries": ["local document query 1", ...],
  "kiwix_queries": ["encyclopedia lookup 1", ...],
  "done_if": ["criterion that, when satisfied by supported claims, means research is complete", ...]
}

Keep each list to at most 5 entries. Queries should be concrete search strings, not instructions.
Only return the JSON object, no other text.`

// Planner produces the initial research plan.
type Planner struct {
	chat llm.Client
}

// NewPlanner creates a planner.
func NewPlanner(chat llm.Client) *Planner {
	return &Planner{chat: chat}
}

// BuildPlan asks the model for a plan. Malformed output degrades to a
// minimal plan that just searches for the query verbatim — planning
// failures never abort a run.
func (p *Planner) BuildPlan(ctx context.Context, query string) *Plan {
	fallback := &Plan{
		Topics:     []string{query},
		WebQueries: []string{query},
		DocQueries: []string{query},
	}

	resp, err := p.chat.CompleteWithSystem(ctx, planSystemPrompt, fmt.Sprintf("Question: %s", query))
	if err != nil {
		return fallback
	}
	obj, ok := llm.ExtractJSONObject(resp)
	if !ok {
		return fallback
	}

	plan := &Plan{
		Topics:       llm.StringSlice(obj["topics"]),
		Subquestions: llm.StringSlice(obj["subquestions"]),
		WebQueries:   llm.StringSlice(obj["web_queries"]),
		DocQueries:   llm.StringSlice(obj["doc_queries"]),
		KiwixQueries: llm.StringSlice(obj["kiwix_queries"]),
		DoneIf:       llm.StringSlice(obj["done_if"]),
	}
	// Empty query fields default to the question itself.
	if len(plan.WebQueries) == 0 {
		plan.WebQueries = []string{query}
	}
	if len(plan.DocQueries) == 0 {
		plan.DocQueries = []string{query}
	}
	if len(plan.Topics) == 0 {
		plan.Topics = []string{query}
	}
	return plan
}

// =============================================================================
// PLANNER HINTS
// =============================================================================

// PlannerHints carries the query suggestions the loop falls back on
// when the planner model emits no tool calls. The cursors rotate so
// repeated fallbacks walk through the suggestion lists instead of
// re-issuing the same query.
type PlannerHints struct {
	DocQueries   []string
	WebQueries   []string
	KiwixQueries []string

	docIdx   int
	webIdx   int
	kiwixIdx int
}

// HintsFromPlan seeds hints from the initial plan.
func HintsFromPlan(plan *Plan) *PlannerHints {
	return &PlannerHints{
		DocQueries:   append([]string(nil), plan.DocQueries...),
		WebQueries:   append([]string(nil), plan.WebQueries...),
		KiwixQueries: append([]string(nil), plan.KiwixQueries...),
	}
}

// Refresh merges refined queries from a gap check, appending only
// queries not already present.
func (h *PlannerHints) Refresh(docQueries, webQueries []string, kiwixQuery string) {
	h.DocQueries = appendNew(h.DocQueries, docQueries...)
	h.WebQueries = appendNew(h.WebQueries, webQueries...)
	if kiwixQuery != "" {
		h.KiwixQueries = appendNew(h.KiwixQueries, kiwixQuery)
	}
}

// NextDoc returns the next doc query, rotating through the list.
func (h *PlannerHints) NextDoc() (string, bool) {
	q, ok := nextHint(h.DocQueries, &h.docIdx)
	return q, ok
}

// NextWeb returns the next web query, rotating through the list.
func (h *PlannerHints) NextWeb() (string, bool) {
	q, ok := nextHint(h.WebQueries, &h.webIdx)
	return q, ok
}

// NextKiwix returns the next offline-wiki query, rotating through the list.
func (h *PlannerHints) NextKiwix() (string, bool) {
	q, ok := nextHint(h.KiwixQueries, &h.kiwixIdx)
	return q, ok
}

func nextHint(queries []string, cursor *int) (string, bool) {
	if len(queries) == 0 {
		return "", false
	}
	q := queries[*cursor%len(queries)]
	*cursor++
	return q, true
}

func appendNew(dst []string, items ...string) []string {
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		dup := false
		for _, have := range dst {
			if strings.EqualFold(have, item) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, item)
		}
	}
	return dst
}
