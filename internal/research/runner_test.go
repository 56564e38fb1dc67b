package research

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"scholarch/internal/retrieval"
	"scholarch/internal/store"
)

func TestRunnerStrictNoEvidenceRefusesWithoutSynthesis(t *testing.T) {
	chat := newFakeChat().
		on("classify research questions", `{"type": "general_factual", "confidence": 0.9}`)
	empty := &fakeProvider{}
	pc := testPipelineContext(chat, map[retrieval.SourceType]retrieval.Provider{
		retrieval.SourceWeb: empty,
	})

	runner, err := NewRunner(pc)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	result, err := runner.Run(context.Background(), "something unfindable", ModeDeep)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Refused {
		t.Error("expected a refused run")
	}
	if !strings.Contains(result.Answer, "No Citable Evidence") {
		t.Errorf("expected refusal document, got: %q", result.Answer)
	}
	if !strings.Contains(result.Answer, "How To Fix This") {
		t.Error("refusal must include remediation steps")
	}
	if chat.sawSystem("write research reports") {
		t.Error("synthesizer must not run when the pipeline fails closed")
	}
}

func TestRunnerClassicEndToEnd(t *testing.T) {
	sourceText := "Zinc is a chemical element with symbol Zn. Zinc has a melting point of 419.5 degrees Celsius."
	chat := newFakeChat().
		on("classify research questions", `{"type": "general_factual", "confidence": 0.8}`).
		on("research planner", `{"topics": ["zinc"], "doc_queries": ["zinc element"], "web_queries": ["zinc"]}`).
		on("extract and verify claims", `{"claims": [{
			"claim": "zinc melts at 419.5 C",
			"status": "supported",
			"citations": ["D1"],
			"evidence": [{"citation": "D1", "quote": "melting point of 419.5 degrees"}]
		}]}`).
		on("write research reports", "draft [D1]").
		on("critical editor", "edited [D1]").
		on("reformat research reports", "# Zinc\n\nZinc melts at 419.5 C [D1].").
		on("final polish", "# Zinc\n\nZinc melts at 419.5 C [D1].")

	doc := &fakeProvider{results: []retrieval.Result{
		docResult("doc:1", "Zinc Handbook", sourceText, 0.95),
	}}
	pc := testPipelineContext(chat, map[retrieval.SourceType]retrieval.Provider{
		retrieval.SourceDoc: doc,
	})

	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	pc.Store = st

	runner, err := NewRunner(pc)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	result, err := runner.Run(context.Background(), "tell me about zinc", ModeClassic)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Refused {
		t.Fatalf("unexpected refusal: %q", result.Answer)
	}
	if !strings.Contains(result.Answer, "[D1]") {
		t.Errorf("answer lost its citation: %q", result.Answer)
	}
	if !strings.Contains(result.Answer, "## Sources") {
		t.Errorf("answer missing sources section: %q", result.Answer)
	}
	if got := SupportedCount(result.Claims); got != 1 {
		t.Errorf("supported claims = %d, want 1", got)
	}

	// Persistence: terminal status, sources and claims all recorded.
	run, err := st.GetRun(result.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.StatusDone {
		t.Errorf("run status = %s, want done", run.Status)
	}
	if run.FinalAnswer != result.Answer {
		t.Error("persisted answer differs from returned answer")
	}
	recs, err := st.Sources(result.RunID)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Sources: %v (%d records)", err, len(recs))
	}
	if recs[0].Citation != "D1" {
		t.Errorf("persisted citation = %q", recs[0].Citation)
	}
	claims, err := st.Claims(result.RunID)
	if err != nil || len(claims) != 1 {
		t.Fatalf("Claims: %v (%d records)", err, len(claims))
	}

	events, err := st.TraceEvents(result.RunID)
	if err != nil {
		t.Fatalf("TraceEvents: %v", err)
	}
	var steps []string
	for _, ev := range events {
		steps = append(steps, ev.Step)
	}
	for _, want := range []string{"profile", "plan", "evidence_gate", "verify", "synthesis", "final"} {
		found := false
		for _, s := range steps {
			if s == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("trace missing %q step (got %v)", want, steps)
		}
	}
}

func TestRunnerEmpiricalStatsRequiresSupportedClaim(t *testing.T) {
	// Evidence exists but verification supports nothing; a statistical
	// question must fail closed rather than synthesize.
	chat := newFakeChat().
		on("research planner", `{"topics": ["bicycles"], "doc_queries": ["bicycle ownership"]}`).
		on("extract and verify claims", `{"claims": [{"claim": "many adults own bicycles", "status": "unclear"}]}`)

	doc := &fakeProvider{results: []retrieval.Result{
		docResult("doc:1", "Transport Notes", "People ride bicycles in many countries.", 0.9),
	}}
	pc := testPipelineContext(chat, map[retrieval.SourceType]retrieval.Provider{
		retrieval.SourceDoc: doc,
	})
	// Even a speculative fail behavior must not produce speculative
	// statistics.
	pc.Settings.StrictFailBehavior = "speculative"

	runner, err := NewRunner(pc)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	result, err := runner.Run(context.Background(), "What percentage of adults own a bicycle?", ModeClassic)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Refused {
		t.Error("empirical question without supported claims must refuse")
	}
	if result.Profile != QuestionEmpiricalStats {
		t.Errorf("profile = %s, want empirical_stats", result.Profile)
	}
	if strings.Contains(result.Answer, "Speculative Answer") {
		t.Error("statistical questions must never get speculative answers")
	}
	if chat.sawSystem("write research reports") {
		t.Error("synthesizer must not run for a failed-closed statistical run")
	}
}

func TestRunnerSpeculativeFallback(t *testing.T) {
	// Strict policy, no citable evidence, speculative behavior enabled:
	// context-only material feeds a clearly labeled uncited answer.
	chat := newFakeChat().
		on("classify research questions", `{"type": "general_factual"}`)
	chat.responses[""] = "Perhaps the answer involves dragons."

	// An e-book hit: retrievable, but never evidence by default.
	epub := &fakeProvider{results: []retrieval.Result{{
		SourceType: retrieval.SourceDoc,
		RefID:      "doc:9",
		Title:      "A Fantasy Novel",
		Text:       "The dragon flew over the mountains.",
		Score:      0.9,
		Meta:       map[string]any{"source": "epub", "tags": []any{"fiction"}},
	}}}
	pc := testPipelineContext(chat, map[retrieval.SourceType]retrieval.Provider{
		retrieval.SourceDoc: epub,
	})
	pc.Settings.StrictFailBehavior = "speculative"

	runner, err := NewRunner(pc)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	result, err := runner.Run(context.Background(), "what flew over the mountains", ModeClassic)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Refused {
		t.Error("speculative answers still count as refused runs")
	}
	if !strings.Contains(result.Answer, "Speculative Answer") {
		t.Errorf("expected speculative document, got: %q", result.Answer)
	}
	if !strings.Contains(result.Answer, "dragons") {
		t.Errorf("speculative draft missing from document: %q", result.Answer)
	}
}
