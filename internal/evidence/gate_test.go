package evidence

import (
	"context"
	"testing"

	"scholarch/internal/retrieval"
)

func webHit(refID, domain string, score float64) *retrieval.Result {
	return &retrieval.Result{
		SourceType: retrieval.SourceWeb,
		RefID:      refID,
		Domain:     domain,
		Score:      score,
		Text:       "t",
	}
}

func kiwixHit(refID, zimID string, score float64) *retrieval.Result {
	return &retrieval.Result{
		SourceType: retrieval.SourceKiwix,
		RefID:      refID,
		Score:      score,
		Text:       "t",
		Meta:       map[string]any{"zim_id": zimID},
	}
}

func docHit(refID, docID string, score float64, meta map[string]any) *retrieval.Result {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["doc_id"] = docID
	return &retrieval.Result{
		SourceType: retrieval.SourceDoc,
		RefID:      refID,
		Score:      score,
		Text:       "t",
		Meta:       meta,
	}
}

func TestGate_StrictDefaultAllowList(t *testing.T) {
	gate := NewGate(DefaultGateConfig(PolicyStrict), nil)

	hits := []*retrieval.Result{
		webHit("web:1", "example.org", 0.9),
		kiwixHit("kiwix:1", "wikipedia_en", 0.8),
		docHit("doc:1", "d1", 0.7, nil),
		docHit("doc:2", "d2", 0.95, map[string]any{"source": "epub", "title": "x"}),
	}
	report := gate.Partition(context.Background(), hits)

	if len(report.Evidence) != 3 {
		t.Fatalf("evidence count = %d, want 3", len(report.Evidence))
	}
	if len(report.ContextOnly) != 1 || report.ContextOnly[0].RefID != "doc:2" {
		t.Fatalf("context-only = %+v", report.ContextOnly)
	}

	// EvidenceOK iff kind in the default allow-list.
	for _, h := range hits {
		prov, ok := ProvenanceOf(h)
		if !ok {
			t.Fatalf("missing provenance on %s", h.RefID)
		}
		wantOK := prov.SourceKind == KindWeb || prov.SourceKind == KindKiwixZim || prov.SourceKind == KindUploadedDoc
		if prov.EvidenceOK != wantOK {
			t.Fatalf("%s: EvidenceOK = %v for kind %s", h.RefID, prov.EvidenceOK, prov.SourceKind)
		}
	}

	if report.ByKind[KindEpub] != 1 || report.ByKind[KindWeb] != 1 {
		t.Fatalf("ByKind = %v", report.ByKind)
	}
}

func TestGate_EvidenceSortedByTierThenScore(t *testing.T) {
	gate := NewGate(DefaultGateConfig(PolicyStrict), nil)

	report := gate.Partition(context.Background(), []*retrieval.Result{
		webHit("web:1", "a.org", 0.99),       // tier 2
		docHit("doc:1", "d1", 0.50, nil),     // tier 3
		kiwixHit("kiwix:1", "wiki_en", 0.60), // tier 3
	})

	got := []string{report.Evidence[0].RefID, report.Evidence[1].RefID, report.Evidence[2].RefID}
	want := []string{"kiwix:1", "doc:1", "web:1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("evidence order = %v, want %v", got, want)
		}
	}
}

func TestGate_KiwixZimAllowList(t *testing.T) {
	cfg := DefaultGateConfig(PolicyStrict)
	cfg.KiwixAllowList = map[string]bool{"wikipedia_en": true}
	gate := NewGate(cfg, nil)

	report := gate.Partition(context.Background(), []*retrieval.Result{
		kiwixHit("kiwix:ok", "wikipedia_en", 0.5),
		kiwixHit("kiwix:no", "fanwiki_en", 0.9),
	})

	if len(report.Evidence) != 1 || report.Evidence[0].RefID != "kiwix:ok" {
		t.Fatalf("evidence = %+v", report.Evidence)
	}
}

func TestGate_RelaxedAdmitsEverythingButEbooks(t *testing.T) {
	gate := NewGate(DefaultGateConfig(PolicyRelaxed), nil)

	report := gate.Partition(context.Background(), []*retrieval.Result{
		webHit("web:1", "a.org", 0.5),
		docHit("doc:ebook", "d1", 0.9, map[string]any{"source": "epub"}),
	})

	if len(report.Evidence) != 1 || report.Evidence[0].RefID != "web:1" {
		t.Fatalf("evidence = %+v", report.Evidence)
	}
}

func TestGate_EpubGenreFlags(t *testing.T) {
	t.Run("nonfiction_enabled", func(t *testing.T) {
		cfg := DefaultGateConfig(PolicyStrict)
		cfg.NonfictionIsEvidence = true
		gate := NewGate(cfg, nil)

		hit := docHit("doc:e", "d1", 0.9, map[string]any{"source": "epub"})
		hit.Title = "A History of Rome"
		report := gate.Partition(context.Background(), []*retrieval.Result{hit})
		if len(report.Evidence) != 1 {
			t.Fatalf("nonfiction e-book not admitted: %+v", report.ContextOnly)
		}
		prov, _ := ProvenanceOf(hit)
		if prov.Genre != GenreNonfiction {
			t.Fatalf("genre = %s", prov.Genre)
		}
	})

	t.Run("force_context_only_overrides_flags", func(t *testing.T) {
		cfg := DefaultGateConfig(PolicyStrict)
		cfg.NonfictionIsEvidence = true
		cfg.ReferenceIsEvidence = true
		cfg.FictionIsEvidence = true
		cfg.ForceEpubContextOnly = true
		gate := NewGate(cfg, nil)

		hit := docHit("doc:e", "d1", 0.9, map[string]any{"source": "epub"})
		hit.Title = "The Concise Encyclopedia of Statistics"
		report := gate.Partition(context.Background(), []*retrieval.Result{hit})
		if len(report.Evidence) != 0 {
			t.Fatal("forced context-only e-book was admitted")
		}
	})

	t.Run("unknown_genre_never_evidence", func(t *testing.T) {
		cfg := DefaultGateConfig(PolicyStrict)
		cfg.NonfictionIsEvidence = true
		gate := NewGate(cfg, nil)

		hit := docHit("doc:e", "d1", 0.9, map[string]any{"source": "epub"})
		hit.Title = "Untitled 47"
		report := gate.Partition(context.Background(), []*retrieval.Result{hit})
		if len(report.Evidence) != 0 {
			t.Fatal("unknown-genre e-book was admitted")
		}
	})
}

func TestHeuristicGenre(t *testing.T) {
	cases := []struct {
		title string
		want  Genre
	}{
		{"The Oxford Dictionary of Etymology", GenreReference},
		{"A History of the Peloponnesian War", GenreNonfiction},
		{"Dune: A Novel", GenreFiction},
		{"The Fantasy Encyclopedia", GenreReference}, // reference outranks fiction
		{"zq77-untagged", GenreUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			r := &retrieval.Result{Title: tc.title}
			if got := heuristicGenre(r); got != tc.want {
				t.Fatalf("heuristicGenre(%q) = %s, want %s", tc.title, got, tc.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if k, id := KindOf(webHit("w", "x.org", 1)); k != KindWeb || id != "x.org" {
		t.Fatalf("web: %s %s", k, id)
	}
	if k, id := KindOf(kiwixHit("k", "wiki_en", 1)); k != KindKiwixZim || id != "wiki_en" {
		t.Fatalf("kiwix: %s %s", k, id)
	}
	if k, _ := KindOf(docHit("d", "d1", 1, map[string]any{"path": "/lib/tome.epub"})); k != KindEpub {
		t.Fatalf("epub by path: %s", k)
	}
	if k, _ := KindOf(docHit("d", "d1", 1, map[string]any{"tags": []string{"ebook"}})); k != KindEpub {
		t.Fatalf("epub by tag: %s", k)
	}
	if k, _ := KindOf(docHit("d", "d1", 1, nil)); k != KindUploadedDoc {
		t.Fatalf("uploaded: %s", k)
	}
}
