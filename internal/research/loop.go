package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scholarch/internal/config"
	"scholarch/internal/evidence"
	"scholarch/internal/llm"
	"scholarch/internal/retrieval"
	"scholarch/internal/sources"
)

// Tool names exposed to the planner model.
const (
	ToolDocSearch   = "doc_search"
	ToolWebSearch   = "web_search"
	ToolKiwixSearch = "kiwix_search"
)

// Hard caps. Budgets from settings are clipped to these no matter what
// the configuration says.
const (
	hardMaxToolCalls   = 200
	hardMaxSteps       = 80
	hardPerStepCap     = 12
	relevanceKeepTopN  = 8
	perCallResultLimit = 8
)

// LoopConfig holds the budgets for one deep-research run.
type LoopConfig struct {
	MaxToolCalls int
	MaxSteps     int
	PerStepCap   int

	// MinDuration is the minimum wall-clock research time. The loop
	// keeps issuing tool calls until it has elapsed; it is a floor, not
	// a deadline. Zero disables it.
	MinDuration time.Duration
}

// LoopConfigFromSettings derives budgets from settings, applying
// defaults and hard caps.
func LoopConfigFromSettings(s *config.Settings) LoopConfig {
	cfg := LoopConfig{
		MaxToolCalls: s.MaxToolCalls,
		MaxSteps:     s.MaxToolSteps,
		PerStepCap:   s.MaxToolCallsPerStep,
		MinDuration:  s.TimeBudgetDuration(),
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 100
	}
	if cfg.MaxToolCalls > hardMaxToolCalls {
		cfg.MaxToolCalls = hardMaxToolCalls
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 30
	}
	if cfg.MaxSteps > hardMaxSteps {
		cfg.MaxSteps = hardMaxSteps
	}
	if cfg.PerStepCap <= 0 {
		cfg.PerStepCap = 6
	}
	if cfg.PerStepCap > hardPerStepCap {
		cfg.PerStepCap = hardPerStepCap
	}
	return cfg
}

// LoopResult is the final state the loop hands to synthesis.
type LoopResult struct {
	Metas     []sources.SourceMeta
	Lines     []string
	TextByTag map[string]string
	Claims    []Claim
	Report    *evidence.GateReport
	Steps     int
	ToolCalls int

	// Refused is set when the strict fail-closed guardrail fired:
	// evidence context is empty and no remaining budget can help.
	Refused bool
}

// Loop is the agentic research state machine. One step is one planner
// model call plus tool executions, relevance filtering, evidence
// gating, context building, and verification. Not safe for concurrent
// use; each run owns its own Loop.
type Loop struct {
	pc    *PipelineContext
	cfg   LoopConfig
	runID string

	gate     *evidence.Gate
	verifier *Verifier
	gaps     *GapChecker
	doneIf   *DoneIfChecker

	pool  *retrieval.Pool
	tags  *sources.TagBook
	hints *PlannerHints
	seen  map[string]bool // (tool, canonical args) signatures already issued

	toolCalls int
}

// NewLoop builds a loop for one run. The gate carries the run's
// hardened evidence policy.
func NewLoop(pc *PipelineContext, runID string, gate *evidence.Gate, cfg LoopConfig) *Loop {
	return &Loop{
		pc:       pc,
		cfg:      cfg,
		runID:    runID,
		gate:     gate,
		verifier: NewVerifier(pc.Chat),
		gaps:     NewGapChecker(pc.Chat),
		doneIf:   NewDoneIfChecker(pc.Chat),
		pool:     retrieval.NewPool(),
		tags:     sources.NewTagBook(),
		seen:     make(map[string]bool),
	}
}

// Run executes the loop until a termination condition fires.
func (l *Loop) Run(ctx context.Context, query string, plan *Plan) (*LoopResult, error) {
	l.hints = HintsFromPlan(plan)
	start := l.pc.now()
	log := l.pc.logger()

	result := &LoopResult{TextByTag: map[string]string{}}

	for step := 1; step <= l.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Steps = step
		budgetLeft := l.toolCalls < l.cfg.MaxToolCalls
		minDurMet := l.cfg.MinDuration == 0 || l.pc.now().Sub(start) >= l.cfg.MinDuration

		// Plan this step's tool calls.
		var calls []llm.ToolCall
		plannerStopped := false
		if budgetLeft {
			calls = l.planStep(ctx, query, plan, result, step, minDurMet)
			if len(calls) == 0 {
				plannerStopped = true
				if !minDurMet {
					// Minimum research duration not reached: keep the
					// loop moving with queries carried from the plan
					// and prior gap checks.
					calls = l.fallbackCalls()
					plannerStopped = false
				}
			}
			calls = l.acceptCalls(calls)
		}

		// Execute accepted calls concurrently; merge sequentially.
		candidates := l.executeCalls(ctx, calls)
		l.toolCalls += len(calls)
		result.ToolCalls = l.toolCalls

		relevanceDone := false
		if len(candidates) > 0 {
			var kept []retrieval.Result
			kept, relevanceDone = l.filterRelevant(ctx, query, candidates)
			newRefs := l.pool.Merge(kept)
			l.pc.trace(l.runID, "tool_exec", map[string]any{
				"step": step, "calls": len(calls), "candidates": len(candidates), "kept": len(kept), "new": len(newRefs),
			})
		}

		// Gate and rebuild context over the whole pool.
		report := l.gate.Partition(ctx, l.pool.Snapshot())
		result.Report = report
		l.pc.trace(l.runID, "evidence_gate", map[string]any{
			"step": step, "evidence": len(report.Evidence), "context_only": len(report.ContextOnly),
		})

		metas, lines := l.buildContext(report.Evidence)
		result.Metas = metas
		result.Lines = lines
		result.TextByTag = sources.TextByTag(metas, report.Evidence)
		l.persistSources()

		// Fail closed in strict mode when the evidence context is empty
		// and nothing left in the budget can plausibly change that. The
		// gate carries the active policy, which may be stricter than the
		// configured one (statistical questions are always strict).
		if l.gate.Policy() == evidence.PolicyStrict && len(lines) == 0 {
			exhausted := !budgetLeft || step == l.cfg.MaxSteps ||
				(len(calls) == 0 && len(candidates) == 0 && minDurMet)
			if exhausted {
				result.Refused = true
				l.pc.trace(l.runID, "fail_closed", map[string]any{"step": step})
				return result, nil
			}
			continue
		}
		if len(lines) == 0 {
			if !budgetLeft {
				l.pc.trace(l.runID, "done", map[string]any{"step": step, "reason": "budget"})
				return result, nil
			}
			continue
		}

		// Verify claims. A failed verification keeps the previous claim
		// set; a successful one replaces it wholesale.
		claims, err := l.verifier.Verify(ctx, query, lines, result.TextByTag)
		if err != nil {
			log.Warn("claim verification degraded", zap.Int("step", step), zap.Error(err))
			l.pc.trace(l.runID, "verify_error", map[string]any{"step": step, "error": err.Error()})
		} else {
			result.Claims = claims
			l.persistClaims(claims)
		}
		supported := SupportedCount(result.Claims)
		l.pc.trace(l.runID, "verify", map[string]any{"step": step, "claims": len(result.Claims), "supported": supported})

		// Gap check refines the fallback hints even when it does not
		// terminate the loop.
		gap := l.gaps.Check(ctx, plan, result.Claims)
		l.hints.Refresh(gap.DocQueries, gap.WebQueries, gap.KiwixQuery)

		// Budgets are hard caps: exhaustion terminates even when the
		// minimum duration has not elapsed.
		if !budgetLeft {
			l.pc.trace(l.runID, "done", map[string]any{"step": step, "reason": "budget"})
			return result, nil
		}
		if !minDurMet {
			continue
		}
		if l.doneIf.Met(ctx, plan.DoneIf, result.Claims) {
			l.pc.trace(l.runID, "done", map[string]any{"step": step, "reason": "done_if"})
			return result, nil
		}
		if relevanceDone && supported >= 4 {
			l.pc.trace(l.runID, "done", map[string]any{"step": step, "reason": "relevance"})
			return result, nil
		}
		if gap.Done && supported >= 6 {
			l.pc.trace(l.runID, "done", map[string]any{"step": step, "reason": "gap_check"})
			return result, nil
		}
		if plannerStopped {
			l.pc.trace(l.runID, "done", map[string]any{"step": step, "reason": "planner_stopped"})
			return result, nil
		}
	}

	l.pc.trace(l.runID, "done", map[string]any{"step": result.Steps, "reason": "max_steps"})
	return result, nil
}

// =============================================================================
// STEP PLANNING
// =============================================================================

const loopSystemPrompt = `You are a research agent gathering sources to answer a question.

Use the available search tools to retrieve material you still need. Issue tool
calls only for information not already covered. When the gathered sources are
sufficient, issue no tool calls.`

// planStep asks the planner model for this step's tool calls.
func (l *Loop) planStep(ctx context.Context, query string, plan *Plan, result *LoopResult, step int, minDurMet bool) []llm.ToolCall {
	defs := l.toolDefs()
	if len(defs) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Question\n%s\n\n## Topics\n%s\n", query, strings.Join(plan.Topics, "\n"))
	if len(plan.Subquestions) > 0 {
		fmt.Fprintf(&b, "\n## Subquestions\n%s\n", strings.Join(plan.Subquestions, "\n"))
	}
	fmt.Fprintf(&b, "\n## Progress\nStep %d. Sources gathered: %d. Supported claims: %d.\n",
		step, len(result.Metas), SupportedCount(result.Claims))
	if !minDurMet {
		b.WriteString("\nThe research time budget is not yet spent: keep retrieving.\n")
	} else if l.cfg.MinDuration > 0 {
		b.WriteString("\nThe research time budget is spent: stop retrieving unless something essential is missing, and wrap up.\n")
	}

	resp, err := l.pc.Chat.CompleteWithTools(ctx, loopSystemPrompt, b.String(), defs)
	if err != nil {
		l.pc.trace(l.runID, "plan_error", map[string]any{"step": step, "error": err.Error()})
		return nil
	}
	return resp.ToolCalls
}

// toolDefs returns schemas for the enabled backends only.
func (l *Loop) toolDefs() []llm.ToolDefinition {
	querySchema := func(desc string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": desc},
				"top_k": map[string]any{"type": "integer", "description": "max results, default 8"},
			},
			"required": []string{"query"},
		}
	}

	var defs []llm.ToolDefinition
	if _, ok := l.pc.Providers[retrieval.SourceDoc]; ok {
		defs = append(defs, llm.ToolDefinition{
			Name:        ToolDocSearch,
			Description: "Semantic search over the locally ingested document library.",
			InputSchema: querySchema("natural-language query over local documents"),
		})
	}
	if _, ok := l.pc.Providers[retrieval.SourceWeb]; ok {
		defs = append(defs, llm.ToolDefinition{
			Name:        ToolWebSearch,
			Description: "Web search. Returns result titles, URLs and snippets.",
			InputSchema: querySchema("web search query"),
		})
	}
	if _, ok := l.pc.Providers[retrieval.SourceKiwix]; ok {
		defs = append(defs, llm.ToolDefinition{
			Name:        ToolKiwixSearch,
			Description: "Full-text search over the offline wiki (Kiwix).",
			InputSchema: querySchema("encyclopedia lookup term"),
		})
	}
	return defs
}

// fallbackCalls synthesizes tool calls from the rotating hint cursors.
func (l *Loop) fallbackCalls() []llm.ToolCall {
	var calls []llm.ToolCall
	if _, ok := l.pc.Providers[retrieval.SourceDoc]; ok {
		if q, ok := l.hints.NextDoc(); ok {
			calls = append(calls, llm.ToolCall{Name: ToolDocSearch, Input: map[string]any{"query": q}})
		}
	}
	if _, ok := l.pc.Providers[retrieval.SourceWeb]; ok {
		if q, ok := l.hints.NextWeb(); ok {
			calls = append(calls, llm.ToolCall{Name: ToolWebSearch, Input: map[string]any{"query": q}})
		}
	}
	if _, ok := l.pc.Providers[retrieval.SourceKiwix]; ok {
		if q, ok := l.hints.NextKiwix(); ok {
			calls = append(calls, llm.ToolCall{Name: ToolKiwixSearch, Input: map[string]any{"query": q}})
		}
	}
	return calls
}

// acceptCalls deduplicates by (tool, canonical args) signature and
// enforces the per-step and total budgets.
func (l *Loop) acceptCalls(calls []llm.ToolCall) []llm.ToolCall {
	var accepted []llm.ToolCall
	for _, call := range calls {
		if len(accepted) >= l.cfg.PerStepCap {
			break
		}
		if l.toolCalls+len(accepted) >= l.cfg.MaxToolCalls {
			break
		}
		if _, ok := l.toolType(call.Name); !ok {
			continue
		}
		sig := callSignature(call)
		if l.seen[sig] {
			continue
		}
		l.seen[sig] = true
		accepted = append(accepted, call)
	}
	return accepted
}

func callSignature(call llm.ToolCall) string {
	query, _ := call.Input["query"].(string)
	return call.Name + "|" + strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func (l *Loop) toolType(name string) (retrieval.SourceType, bool) {
	var st retrieval.SourceType
	switch name {
	case ToolDocSearch:
		st = retrieval.SourceDoc
	case ToolWebSearch:
		st = retrieval.SourceWeb
	case ToolKiwixSearch:
		st = retrieval.SourceKiwix
	default:
		return "", false
	}
	_, ok := l.pc.Providers[st]
	return st, ok
}

// =============================================================================
// EXECUTION
// =============================================================================

// executeCalls runs the step's tool calls concurrently against their
// providers. Results are collected per call and merged sequentially
// afterwards; a failed call is traced and skipped, never fatal.
func (l *Loop) executeCalls(ctx context.Context, calls []llm.ToolCall) []retrieval.Result {
	if len(calls) == 0 {
		return nil
	}

	perCall := make([][]retrieval.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			st, ok := l.toolType(call.Name)
			if !ok {
				return nil
			}
			query, _ := call.Input["query"].(string)
			if strings.TrimSpace(query) == "" {
				return nil
			}
			topK := intArg(call.Input, "top_k", perCallResultLimit)
			if topK > perCallResultLimit {
				topK = perCallResultLimit
			}

			results, err := l.pc.Providers[st].Retrieve(gctx, query, topK)
			if err != nil {
				l.pc.trace(l.runID, "tool_error", map[string]any{
					"tool": call.Name, "query": query, "error": fmt.Errorf("%w: %v", llm.ErrTool, err).Error(),
				})
				return nil
			}
			perCall[i] = results
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are traced above

	var merged []retrieval.Result
	for _, results := range perCall {
		merged = append(merged, results...)
	}
	return merged
}

func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		if int(v) > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return def
}

// =============================================================================
// RELEVANCE FILTER
// =============================================================================

const relevanceSystemPrompt = `You filter search results for relevance to a research question.

## Response Format (JSON only, no markdown)
{"keep": ["ref_id of relevant result", ...], "done": true/false}

Set "done" true only when the already-kept material clearly suffices to answer
the question. Only return the JSON object, no other text.`

// filterRelevant asks the model which candidates to keep. An empty or
// failed answer conservatively keeps the top-N by raw score instead of
// discarding the step's work.
func (l *Loop) filterRelevant(ctx context.Context, query string, candidates []retrieval.Result) ([]retrieval.Result, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Question\n%s\n\n## Candidates\n", query)
	for _, c := range candidates {
		snippet := c.Text
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		fmt.Fprintf(&b, "- %s | %s | %s\n", c.RefID, c.Title, strings.Join(strings.Fields(snippet), " "))
	}

	resp, err := l.pc.Chat.CompleteWithSystem(ctx, relevanceSystemPrompt, b.String())
	if err != nil {
		return topByScore(candidates, relevanceKeepTopN), false
	}
	var parsed struct {
		Keep []string `json:"keep"`
		Done bool     `json:"done"`
	}
	if !llm.DecodeJSONObject(resp, &parsed) || len(parsed.Keep) == 0 {
		return topByScore(candidates, relevanceKeepTopN), false
	}

	keep := make(map[string]bool, len(parsed.Keep))
	for _, ref := range parsed.Keep {
		keep[strings.TrimSpace(ref)] = true
	}
	var kept []retrieval.Result
	for _, c := range candidates {
		if keep[c.RefID] {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return topByScore(candidates, relevanceKeepTopN), parsed.Done
	}
	return kept, parsed.Done
}

func topByScore(results []retrieval.Result, n int) []retrieval.Result {
	sorted := append([]retrieval.Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// =============================================================================
// CONTEXT + PERSISTENCE
// =============================================================================

func (l *Loop) buildContext(hits []*retrieval.Result) ([]sources.SourceMeta, []string) {
	opts := sources.DefaultBuildOptions()
	if l.pc.Settings.MaxContextChars > 0 {
		opts.MaxChars = l.pc.Settings.MaxContextChars
	}
	if l.pc.Settings.PerSourceCap > 0 {
		opts.PerSourceCap = l.pc.Settings.PerSourceCap
	}
	opts.PreserveOrder = true
	opts.Tags = l.tags
	opts.Pinned, opts.Excluded = l.sourceFlags()
	return sources.BuildContext(hits, opts)
}

// sourceFlags loads user pinned/excluded overrides from the store.
func (l *Loop) sourceFlags() (pinned, excluded map[string]bool) {
	if l.pc.Store == nil || l.runID == "" {
		return nil, nil
	}
	flags, err := l.pc.Store.SourceFlagsByRefID(l.runID)
	if err != nil {
		return nil, nil
	}
	pinned = make(map[string]bool)
	excluded = make(map[string]bool)
	for ref, f := range flags {
		if f.Pinned {
			pinned[ref] = true
		}
		if f.Excluded {
			excluded[ref] = true
		}
	}
	return pinned, excluded
}

// persistSources writes the whole pool, not just the hits accepted
// into the context. The store prunes rows absent from an upsert, so
// persisting only the context would delete the rows carrying user
// pinned/excluded flags for everything else.
func (l *Loop) persistSources() {
	if l.pc.Store == nil || l.runID == "" {
		return
	}
	pinned, excluded := l.sourceFlags()
	metas := sources.PoolMetas(l.pool.Snapshot(), l.tags, pinned, excluded)
	if err := l.pc.Store.UpsertSources(l.runID, SourceRecordsFromMetas(metas)); err != nil {
		l.pc.logger().Warn("source persistence failed", zap.Error(err))
	}
}

func (l *Loop) persistClaims(claims []Claim) {
	if l.pc.Store == nil || l.runID == "" {
		return
	}
	if err := l.pc.Store.ReplaceClaims(l.runID, ClaimRecordsFromClaims(claims)); err != nil {
		l.pc.logger().Warn("claim persistence failed", zap.Error(err))
	}
}
