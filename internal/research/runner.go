package research

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scholarch/internal/evidence"
	"scholarch/internal/retrieval"
	"scholarch/internal/sources"
)

// Mode selects the pipeline shape.
type Mode string

const (
	// ModeClassic is the single-pass pipeline: one retrieval round, one
	// verification, one synthesis.
	ModeClassic Mode = "classic"

	// ModeDeep is the multi-step agentic loop.
	ModeDeep Mode = "deep"
)

// DefaultGenreConfidence gates LLM-based e-book genre reclassification.
// Tunable; chosen to reject coin-flip answers without demanding
// near-certainty.
const DefaultGenreConfidence = 0.55

// RunResult is what Run hands back to the caller.
type RunResult struct {
	RunID    string
	Answer   string
	Mode     Mode
	Profile  QuestionType
	Claims   []Claim
	Metas    []sources.SourceMeta
	Refused  bool
	Steps    int
	ToolCall int
}

// Runner orchestrates a research run end to end.
type Runner struct {
	pc *PipelineContext
}

// NewRunner validates the pipeline context and builds a runner.
func NewRunner(pc *PipelineContext) (*Runner, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return &Runner{pc: pc}, nil
}

// Run executes one research run. The run record reaches exactly one
// terminal status: refusals and contract failures are successful runs
// whose answer is a refusal document; only an error escaping the
// pipeline itself marks the run as failed.
func (r *Runner) Run(ctx context.Context, query string, mode Mode) (*RunResult, error) {
	if mode != ModeClassic {
		mode = ModeDeep
	}

	runID := ""
	if r.pc.Store != nil {
		id, err := r.pc.Store.CreateRun(query, string(mode), r.pc.Settings.AsMap())
		if err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		runID = id
	}

	result, err := r.execute(ctx, runID, query, mode)
	if err != nil {
		r.pc.trace(runID, "error", map[string]any{"error": err.Error()})
		if r.pc.Store != nil {
			_ = r.pc.Store.SetRunError(runID, err.Error())
		}
		return nil, err
	}

	if r.pc.Store != nil {
		if serr := r.pc.Store.SetRunDone(runID, result.Answer); serr != nil {
			r.pc.logger().Warn("failed to persist final answer", zap.Error(serr))
		}
	}
	result.RunID = runID
	return result, nil
}

func (r *Runner) execute(ctx context.Context, runID, query string, mode Mode) (*RunResult, error) {
	log := r.pc.logger()

	profile := NewProfiler(r.pc.Chat).Classify(ctx, query)
	r.pc.trace(runID, "profile", map[string]any{"question_type": string(profile)})

	// Statistical questions harden the whole pipeline: strict policy,
	// e-books forced context-only, and at least one supported claim
	// required before any answer.
	policy := r.pc.Policy()
	if profile == QuestionEmpiricalStats {
		policy = evidence.PolicyStrict
	}

	plan := NewPlanner(r.pc.Chat).BuildPlan(ctx, query)
	r.pc.trace(runID, "plan", map[string]any{
		"topics": plan.Topics, "subquestions": plan.Subquestions, "done_if": plan.DoneIf,
	})

	gate := evidence.NewGate(r.gateConfig(policy, profile), evidence.NewClassifier(r.pc.GenreClient(), r.genreConfidence()))

	var loopRes *LoopResult
	var err error
	if mode == ModeDeep {
		loop := NewLoop(r.pc, runID, gate, LoopConfigFromSettings(r.pc.Settings))
		loopRes, err = loop.Run(ctx, query, plan)
	} else {
		loopRes, err = r.classicPass(ctx, runID, query, plan, gate)
	}
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		Mode:     mode,
		Profile:  profile,
		Claims:   loopRes.Claims,
		Metas:    loopRes.Metas,
		Steps:    loopRes.Steps,
		ToolCall: loopRes.ToolCalls,
	}

	strict := policy == evidence.PolicyStrict
	noEvidence := loopRes.Refused || (strict && len(loopRes.Lines) == 0)
	if !noEvidence && profile == QuestionEmpiricalStats && SupportedCount(loopRes.Claims) == 0 {
		noEvidence = true
	}
	if noEvidence {
		result.Refused = true
		result.Answer = r.failClosed(ctx, query, profile, loopRes)
		r.pc.trace(runID, "refusal", map[string]any{"behavior": r.pc.Settings.StrictFailBehavior})
		return result, nil
	}

	answer, err := NewSynthesizer(r.pc.Chat).Compose(ctx, query, loopRes.Claims, loopRes.Lines)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	r.pc.trace(runID, "synthesis", map[string]any{"chars": len(answer)})

	enforced := NewEnforcer(r.pc.AuditClient()).Enforce(ctx, answer, loopRes.Metas, profile, strict)
	if enforced.ZeroCitations {
		log.Info("answer carried no citations under strict policy", zap.String("run", runID))
		result.Refused = true
		result.Answer = r.failClosed(ctx, query, profile, loopRes)
		r.pc.trace(runID, "refusal", map[string]any{"reason": "zero_citations"})
		return result, nil
	}
	if enforced.ContractFailed {
		result.Refused = true
		r.pc.trace(runID, "refusal", map[string]any{"reason": "citation_contract"})
	}
	result.Answer = enforced.Answer
	r.pc.trace(runID, "final", map[string]any{"chars": len(result.Answer), "refused": result.Refused})
	return result, nil
}

func (r *Runner) gateConfig(policy evidence.Policy, profile QuestionType) evidence.GateConfig {
	cfg := evidence.DefaultGateConfig(policy)
	s := r.pc.Settings
	if s.AllowEpub {
		cfg.NonfictionIsEvidence = true
		cfg.ReferenceIsEvidence = true
	}
	for _, zim := range s.KiwixAllowList {
		if cfg.KiwixAllowList == nil {
			cfg.KiwixAllowList = make(map[string]bool)
		}
		cfg.KiwixAllowList[zim] = true
	}
	if profile == QuestionEmpiricalStats {
		cfg.ForceEpubContextOnly = true
	}
	return cfg
}

// genreConfidence resolves the confidence floor for LLM genre verdicts,
// falling back to the default when the setting is unset.
func (r *Runner) genreConfidence() float64 {
	if r.pc.Settings != nil && r.pc.Settings.GenreConfidence > 0 {
		return r.pc.Settings.GenreConfidence
	}
	return DefaultGenreConfidence
}

// failClosed produces the configured no-evidence behavior: a refusal
// document, or a clearly labeled speculative answer drafted from
// context-only material.
func (r *Runner) failClosed(ctx context.Context, query string, profile QuestionType, loopRes *LoopResult) string {
	// Statistical questions always refuse; speculation about numbers is
	// exactly what the contract exists to prevent.
	if r.pc.Settings.StrictFailBehavior == "speculative" && profile != QuestionEmpiricalStats {
		if draft := r.speculativeDraft(ctx, query, loopRes); draft != "" {
			return SpeculativeDoc(query, draft)
		}
	}
	var report *evidence.GateReport
	if loopRes != nil {
		report = loopRes.Report
	}
	return RefusalDoc(query, report, r.pc.Settings)
}

func (r *Runner) speculativeDraft(ctx context.Context, query string, loopRes *LoopResult) string {
	var contextOnly []string
	if loopRes != nil && loopRes.Report != nil {
		for _, hit := range loopRes.Report.ContextOnly {
			text := hit.Text
			if len(text) > 600 {
				text = text[:600]
			}
			contextOnly = append(contextOnly, fmt.Sprintf("%s\n%s", hit.Title, text))
		}
	}
	if len(contextOnly) == 0 {
		return ""
	}
	prompt := fmt.Sprintf("## Question\n%s\n\n## Background Material (uncitable)\n%s\n\nWrite a hedged, clearly uncertain answer from this background only. No citations.",
		query, strings.Join(contextOnly, "\n---\n"))
	draft, err := r.pc.Chat.Complete(ctx, prompt)
	if err != nil {
		return ""
	}
	return draft
}

// classicPass is the single-pass pipeline: one retrieval round across
// every enabled backend, then gate, context, verification.
func (r *Runner) classicPass(ctx context.Context, runID, query string, plan *Plan, gate *evidence.Gate) (*LoopResult, error) {
	type job struct {
		st    retrieval.SourceType
		query string
	}
	var jobs []job
	for st := range r.pc.Providers {
		q := query
		switch st {
		case retrieval.SourceDoc:
			if len(plan.DocQueries) > 0 {
				q = plan.DocQueries[0]
			}
		case retrieval.SourceWeb:
			if len(plan.WebQueries) > 0 {
				q = plan.WebQueries[0]
			}
		case retrieval.SourceKiwix:
			if len(plan.KiwixQueries) > 0 {
				q = plan.KiwixQueries[0]
			}
		}
		jobs = append(jobs, job{st: st, query: q})
	}

	perJob := make([][]retrieval.Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		g.Go(func() error {
			results, err := r.pc.Providers[j.st].Retrieve(gctx, j.query, perCallResultLimit)
			if err != nil {
				r.pc.trace(runID, "tool_error", map[string]any{"backend": string(j.st), "error": err.Error()})
				return nil
			}
			perJob[i] = results
			return nil
		})
	}
	_ = g.Wait()

	pool := retrieval.NewPool()
	for _, results := range perJob {
		pool.Merge(results)
	}

	report := gate.Partition(ctx, pool.Snapshot())
	r.pc.trace(runID, "evidence_gate", map[string]any{
		"evidence": len(report.Evidence), "context_only": len(report.ContextOnly),
	})

	opts := sources.DefaultBuildOptions()
	if r.pc.Settings.MaxContextChars > 0 {
		opts.MaxChars = r.pc.Settings.MaxContextChars
	}
	if r.pc.Settings.PerSourceCap > 0 {
		opts.PerSourceCap = r.pc.Settings.PerSourceCap
	}
	opts.Tags = sources.NewTagBook()
	metas, lines := sources.BuildContext(report.Evidence, opts)

	res := &LoopResult{
		Metas:     metas,
		Lines:     lines,
		TextByTag: sources.TextByTag(metas, report.Evidence),
		Report:    report,
		Steps:     1,
		ToolCalls: len(jobs),
	}
	if r.pc.Store != nil && runID != "" {
		// Persist the whole pool so context-only and cap-skipped hits
		// get rows too; user flags live on those rows.
		poolMetas := sources.PoolMetas(pool.Snapshot(), opts.Tags, nil, nil)
		_ = r.pc.Store.UpsertSources(runID, SourceRecordsFromMetas(poolMetas))
	}
	if len(lines) == 0 {
		return res, nil
	}

	claims, err := NewVerifier(r.pc.Chat).Verify(ctx, query, lines, res.TextByTag)
	if err != nil {
		r.pc.trace(runID, "verify_error", map[string]any{"error": err.Error()})
		return res, nil
	}
	res.Claims = claims
	if r.pc.Store != nil && runID != "" {
		if err := r.pc.Store.ReplaceClaims(runID, ClaimRecordsFromClaims(claims)); err != nil {
			r.pc.logger().Warn("claim persistence failed", zap.Error(err))
		}
	}
	r.pc.trace(runID, "verify", map[string]any{"claims": len(claims), "supported": SupportedCount(claims)})
	return res, nil
}
