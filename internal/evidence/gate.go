package evidence

import (
	"context"
	"sort"

	"scholarch/internal/retrieval"
)

// =============================================================================
// EVIDENCE GATE
// =============================================================================

// GateConfig holds the evidence policy knobs. Zero value plus
// DefaultGateConfig gives the shipping defaults: strict policy, the
// standard kind allow-list, and no e-book genre ever citable.
type GateConfig struct {
	Policy Policy

	// AllowedKinds is the strict-mode source-kind allow-list.
	AllowedKinds map[SourceKind]bool

	// KiwixAllowList restricts kiwix evidence to specific zim ids.
	// Empty means every mounted archive is acceptable.
	KiwixAllowList map[string]bool

	// Per-genre e-book evidence flags. All default false: no e-book is
	// ever evidence-eligible unless explicitly enabled.
	NonfictionIsEvidence bool
	ReferenceIsEvidence  bool
	FictionIsEvidence    bool

	// ForceEpubContextOnly overrides the genre flags entirely. Set for
	// empirical/statistical questions.
	ForceEpubContextOnly bool

	// TrustTiers ranks kinds for evidence ordering. Missing kinds get 0.
	TrustTiers map[SourceKind]int
}

// DefaultGateConfig returns the standard policy configuration.
func DefaultGateConfig(policy Policy) GateConfig {
	if policy == "" {
		policy = PolicyStrict
	}
	return GateConfig{
		Policy: policy,
		AllowedKinds: map[SourceKind]bool{
			KindKiwixZim:    true,
			KindWeb:         true,
			KindUploadedDoc: true,
		},
		TrustTiers: map[SourceKind]int{
			KindKiwixZim:    3,
			KindUploadedDoc: 3,
			KindWeb:         2,
			KindEpub:        1,
		},
	}
}

// GateReport is the outcome of partitioning a pool.
type GateReport struct {
	Evidence    []*retrieval.Result // citable, sorted trust tier then score desc
	ContextOnly []*retrieval.Result // usable for prose, never citable

	// Breakdown counts for tracing and refusal documents.
	ByKind  map[SourceKind]int
	ByGenre map[Genre]int
}

// Gate partitions retrieval hits into evidence-eligible and
// context-only sets, annotating each hit with provenance in place.
type Gate struct {
	cfg        GateConfig
	classifier *Classifier
}

// NewGate creates a gate from config and a classifier.
func NewGate(cfg GateConfig, classifier *Classifier) *Gate {
	if cfg.AllowedKinds == nil {
		cfg.AllowedKinds = DefaultGateConfig(cfg.Policy).AllowedKinds
	}
	if cfg.TrustTiers == nil {
		cfg.TrustTiers = DefaultGateConfig(cfg.Policy).TrustTiers
	}
	if classifier == nil {
		classifier = NewClassifier(nil, 0)
	}
	return &Gate{cfg: cfg, classifier: classifier}
}

// Policy returns the policy this gate enforces, which may be stricter
// than the configured one (callers harden it per question type).
func (g *Gate) Policy() Policy {
	if g.cfg.Policy == "" {
		return PolicyStrict
	}
	return g.cfg.Policy
}

// Partition classifies and gates every hit. This step cannot fail:
// unknown kinds and genres simply default to "not evidence".
func (g *Gate) Partition(ctx context.Context, hits []*retrieval.Result) *GateReport {
	report := &GateReport{
		ByKind:  make(map[SourceKind]int),
		ByGenre: make(map[Genre]int),
	}

	for _, hit := range hits {
		prov := g.classify(ctx, hit)
		hit.SetMeta(provenanceKey, prov)

		report.ByKind[prov.SourceKind]++
		if prov.SourceKind == KindEpub {
			report.ByGenre[prov.Genre]++
		}

		if prov.EvidenceOK {
			report.Evidence = append(report.Evidence, hit)
		} else {
			report.ContextOnly = append(report.ContextOnly, hit)
		}
	}

	sort.SliceStable(report.Evidence, func(i, j int) bool {
		pi, _ := ProvenanceOf(report.Evidence[i])
		pj, _ := ProvenanceOf(report.Evidence[j])
		if pi.TrustTier != pj.TrustTier {
			return pi.TrustTier > pj.TrustTier
		}
		return report.Evidence[i].Score > report.Evidence[j].Score
	})

	return report
}

// classify computes the full provenance for one hit.
func (g *Gate) classify(ctx context.Context, hit *retrieval.Result) Provenance {
	kind, sourceID := KindOf(hit)
	prov := Provenance{
		Policy:     g.cfg.Policy,
		SourceKind: kind,
		SourceID:   sourceID,
		TrustTier:  g.cfg.TrustTiers[kind],
	}

	if kind == KindEpub {
		prov.Genre = g.classifier.GenreOf(ctx, hit, g.cfg.Policy)
		prov.EvidenceOK, prov.Reason = g.epubEligibility(prov.Genre)
		return prov
	}

	switch g.cfg.Policy {
	case PolicyRelaxed:
		prov.EvidenceOK = true
		prov.Reason = "relaxed policy admits all non-ebook sources"
	default: // strict
		if !g.cfg.AllowedKinds[kind] {
			prov.Reason = "source kind not in strict allow-list"
			return prov
		}
		if kind == KindKiwixZim && len(g.cfg.KiwixAllowList) > 0 && !g.cfg.KiwixAllowList[sourceID] {
			prov.Reason = "zim archive not in allow-list"
			return prov
		}
		prov.EvidenceOK = true
		prov.Reason = "allow-listed source kind"
	}
	return prov
}

// epubEligibility applies the per-genre flags and the context-only
// override. The override wins regardless of flags.
func (g *Gate) epubEligibility(genre Genre) (bool, string) {
	if g.cfg.ForceEpubContextOnly {
		return false, "e-books forced to context-only for this question"
	}
	switch genre {
	case GenreNonfiction:
		if g.cfg.NonfictionIsEvidence {
			return true, "nonfiction e-book evidence enabled"
		}
	case GenreReference:
		if g.cfg.ReferenceIsEvidence {
			return true, "reference e-book evidence enabled"
		}
	case GenreFiction:
		if g.cfg.FictionIsEvidence {
			return true, "fiction e-book evidence enabled"
		}
	}
	return false, "e-book genre not evidence-enabled"
}
