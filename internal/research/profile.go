package research

import (
	"context"
	"strings"

	"scholarch/internal/llm"
)

// QuestionType categorizes the query; it decides how hard the rest of
// the pipeline enforces evidence.
type QuestionType string

const (
	// QuestionEmpiricalStats demands numbers backed by sources. It
	// forces strict policy, makes e-books context-only, and requires at
	// least one supported claim or the run fails closed.
	QuestionEmpiricalStats QuestionType = "empirical_stats"

	QuestionGeneralFactual QuestionType = "general_factual"
	QuestionCreative       QuestionType = "creative"
	QuestionOther          QuestionType = "other"
)

const profileSystemPrompt = `You classify research questions.

Categories:
- empirical_stats: asks for numbers, rates, percentages, counts, measured quantities, or statistical comparisons
- general_factual: asks for facts, explanations, history, how something works
- creative: asks for invented content (story, poem, brainstorm)
- other: anything else

## Response Format (JSON only, no markdown)
{"type": "empirical_stats|general_factual|creative|other", "confidence": 0.0-1.0}

Only return the JSON object, no other text.`

// statCues are substrings that mark a query as obviously statistical.
// They override the model: a query that trips one is empirical_stats no
// matter what the classifier says.
var statCues = []string{
	"percent", "percentage", "how many", "how much", "rate of",
	"statistics", "per capita", "average", "median", "what fraction",
	"what proportion", "prevalence", "incidence", "mortality",
}

// Profiler classifies the research question once per run.
type Profiler struct {
	chat llm.Client
}

// NewProfiler creates a question profiler.
func NewProfiler(chat llm.Client) *Profiler {
	return &Profiler{chat: chat}
}

// Classify returns the question type. A heuristic check for obviously
// statistical phrasing runs first; otherwise one model call decides,
// defaulting to general_factual on any failure.
func (p *Profiler) Classify(ctx context.Context, query string) QuestionType {
	lower := strings.ToLower(query)
	for _, cue := range statCues {
		if strings.Contains(lower, cue) {
			return QuestionEmpiricalStats
		}
	}

	resp, err := p.chat.CompleteWithSystem(ctx, profileSystemPrompt, query)
	if err != nil {
		return QuestionGeneralFactual
	}
	obj, ok := llm.ExtractJSONObject(resp)
	if !ok {
		return QuestionGeneralFactual
	}
	switch t, _ := obj["type"].(string); QuestionType(t) {
	case QuestionEmpiricalStats:
		return QuestionEmpiricalStats
	case QuestionCreative:
		return QuestionCreative
	case QuestionOther:
		return QuestionOther
	default:
		return QuestionGeneralFactual
	}
}
