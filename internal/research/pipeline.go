// Package research implements the deep-research pipeline: question
// profiling, tool planning, the agentic retrieval loop, claim
// verification against quoted source text, and cited Markdown
// synthesis with citation-contract enforcement.
package research

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"scholarch/internal/config"
	"scholarch/internal/evidence"
	"scholarch/internal/llm"
	"scholarch/internal/retrieval"
	"scholarch/internal/store"
)

// PipelineContext carries every collaborator the pipeline needs. It is
// constructed once at process start and passed explicitly — no package
// globals, so tests can substitute fakes for any piece.
type PipelineContext struct {
	// Chat is the main reasoning model.
	Chat llm.Client

	// Genre is the (usually smaller) model used for e-book genre
	// classification. Falls back to Chat when nil.
	Genre llm.Client

	// Audit is the model used for citation-contract rewrites. Falls
	// back to Chat when nil.
	Audit llm.Client

	// Providers maps each enabled backend to its retrieval provider.
	Providers map[retrieval.SourceType]retrieval.Provider

	// Store persists runs, traces, sources and claims. May be nil in
	// tests; all store writes are skipped then.
	Store *store.RunStore

	Settings *config.Settings
	Logger   *zap.Logger

	// Clock is the wall clock, injectable for min-duration tests.
	Clock func() time.Time
}

// Validate checks that the context is usable.
func (pc *PipelineContext) Validate() error {
	if pc.Chat == nil {
		return fmt.Errorf("pipeline context: chat client is nil")
	}
	if len(pc.Providers) == 0 {
		return fmt.Errorf("pipeline context: no retrieval providers")
	}
	if pc.Settings == nil {
		return fmt.Errorf("pipeline context: settings are nil")
	}
	return nil
}

// GenreClient returns the genre-classification client.
func (pc *PipelineContext) GenreClient() llm.Client {
	if pc.Genre != nil {
		return pc.Genre
	}
	return pc.Chat
}

// AuditClient returns the citation-audit client.
func (pc *PipelineContext) AuditClient() llm.Client {
	if pc.Audit != nil {
		return pc.Audit
	}
	return pc.Chat
}

func (pc *PipelineContext) now() time.Time {
	if pc.Clock != nil {
		return pc.Clock()
	}
	return time.Now()
}

func (pc *PipelineContext) logger() *zap.Logger {
	if pc.Logger != nil {
		return pc.Logger
	}
	return zap.NewNop()
}

// trace records one trace event for the run, best-effort.
func (pc *PipelineContext) trace(runID, step string, payload map[string]any) {
	if pc.Store == nil || runID == "" {
		return
	}
	if err := pc.Store.AddTrace(runID, step, payload); err != nil {
		pc.logger().Warn("trace write failed", zap.String("step", step), zap.Error(err))
	}
}

// Policy returns the active evidence policy from settings.
func (pc *PipelineContext) Policy() evidence.Policy {
	if pc.Settings != nil && pc.Settings.EvidencePolicy == string(evidence.PolicyRelaxed) {
		return evidence.PolicyRelaxed
	}
	return evidence.PolicyStrict
}
