package research

import (
	"context"
	"testing"
)

func TestBuildPlanMalformedResponseFallsBack(t *testing.T) {
	chat := newFakeChat().on("research planner", "Sure! Here is my thinking about the plan...")
	plan := NewPlanner(chat).BuildPlan(context.Background(), "why is the sky blue")

	if len(plan.WebQueries) != 1 || plan.WebQueries[0] != "why is the sky blue" {
		t.Errorf("WebQueries = %v, want the query itself", plan.WebQueries)
	}
	if len(plan.DocQueries) != 1 || plan.DocQueries[0] != "why is the sky blue" {
		t.Errorf("DocQueries = %v, want the query itself", plan.DocQueries)
	}
}

func TestBuildPlanParsesFencedJSON(t *testing.T) {
	chat := newFakeChat().on("research planner", "```json\n"+`{
		"topics": ["rayleigh scattering"],
		"subquestions": ["what wavelengths scatter most"],
		"web_queries": ["rayleigh scattering sky color"],
		"doc_queries": ["light scattering atmosphere"],
		"kiwix_queries": ["Rayleigh scattering"],
		"done_if": ["scattering mechanism is explained"]
	}`+"\n```")

	plan := NewPlanner(chat).BuildPlan(context.Background(), "why is the sky blue")
	if len(plan.Topics) != 1 || plan.Topics[0] != "rayleigh scattering" {
		t.Errorf("Topics = %v", plan.Topics)
	}
	if len(plan.DoneIf) != 1 {
		t.Errorf("DoneIf = %v", plan.DoneIf)
	}
	if len(plan.KiwixQueries) != 1 {
		t.Errorf("KiwixQueries = %v", plan.KiwixQueries)
	}
}

func TestPlannerHintsRotate(t *testing.T) {
	h := HintsFromPlan(&Plan{
		DocQueries: []string{"a", "b"},
		WebQueries: []string{"w"},
	})

	got := []string{}
	for i := 0; i < 3; i++ {
		q, ok := h.NextDoc()
		if !ok {
			t.Fatal("NextDoc should always succeed with a non-empty list")
		}
		got = append(got, q)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "a" {
		t.Errorf("doc rotation = %v, want a,b,a", got)
	}

	if _, ok := h.NextKiwix(); ok {
		t.Error("NextKiwix must report false with no queries")
	}
}

func TestPlannerHintsRefreshDeduplicates(t *testing.T) {
	h := HintsFromPlan(&Plan{WebQueries: []string{"zinc production"}})
	h.Refresh(nil, []string{"Zinc Production", "zinc mining"}, "zinc")

	if len(h.WebQueries) != 2 {
		t.Errorf("WebQueries = %v, want case-insensitive dedup", h.WebQueries)
	}
	if len(h.KiwixQueries) != 1 || h.KiwixQueries[0] != "zinc" {
		t.Errorf("KiwixQueries = %v", h.KiwixQueries)
	}
}

func TestProfilerHeuristicOverride(t *testing.T) {
	// The fake would answer "creative" — but the stat cue wins without
	// any model call.
	chat := newFakeChat().on("classify research questions", `{"type": "creative", "confidence": 0.9}`)
	p := NewProfiler(chat)

	got := p.Classify(context.Background(), "What percentage of adults own a bicycle?")
	if got != QuestionEmpiricalStats {
		t.Errorf("Classify = %s, want empirical_stats via heuristic", got)
	}
	if chat.sawSystem("classify research questions") {
		t.Error("heuristic hit must not call the model")
	}
}

func TestProfilerModelClassification(t *testing.T) {
	tests := []struct {
		response string
		want     QuestionType
	}{
		{`{"type": "creative", "confidence": 0.9}`, QuestionCreative},
		{`{"type": "general_factual"}`, QuestionGeneralFactual},
		{`{"type": "other"}`, QuestionOther},
		{`{"type": "garbage"}`, QuestionGeneralFactual},
		{`not json`, QuestionGeneralFactual},
	}
	for _, tt := range tests {
		chat := newFakeChat().on("classify research questions", tt.response)
		if got := NewProfiler(chat).Classify(context.Background(), "tell me about zinc"); got != tt.want {
			t.Errorf("Classify with %q = %s, want %s", tt.response, got, tt.want)
		}
	}
}
