package sources

import (
	"fmt"
	"strings"
	"testing"

	"scholarch/internal/retrieval"
)

func hit(st retrieval.SourceType, refID string, score float64, text string) *retrieval.Result {
	return &retrieval.Result{
		SourceType: st,
		RefID:      refID,
		Title:      "title " + refID,
		URL:        "https://x/" + refID,
		Score:      score,
		Text:       text,
	}
}

func TestBuildContext_TagsSequentialPerKind(t *testing.T) {
	metas, lines := BuildContext([]*retrieval.Result{
		hit(retrieval.SourceDoc, "doc:1", 0.9, "alpha"),
		hit(retrieval.SourceDoc, "doc:2", 0.8, "beta"),
		hit(retrieval.SourceKiwix, "kiwix:1", 0.7, "gamma"),
		hit(retrieval.SourceWeb, "web:1", 0.99, "delta"),
	}, BuildOptions{MaxChars: 10000, PerSourceCap: 6})

	if len(metas) != 4 || len(lines) != 4 {
		t.Fatalf("metas=%d lines=%d", len(metas), len(lines))
	}

	// Kind priority ordering: doc, kiwix, web.
	wantTags := []string{"D1", "D2", "K1", "W1"}
	for i, m := range metas {
		if m.Citation != wantTags[i] {
			t.Fatalf("metas[%d].Citation = %s, want %s", i, m.Citation, wantTags[i])
		}
		if !strings.HasPrefix(lines[i], "["+wantTags[i]+"] ") {
			t.Fatalf("lines[%d] = %q", i, lines[i])
		}
	}
}

func TestBuildContext_StableTagsAcrossRebuilds(t *testing.T) {
	book := NewTagBook()
	first := []*retrieval.Result{
		hit(retrieval.SourceWeb, "web:a", 0.9, "one"),
		hit(retrieval.SourceWeb, "web:b", 0.8, "two"),
	}
	metas, _ := BuildContext(first, BuildOptions{MaxChars: 10000, PerSourceCap: 6, Tags: book})
	if metas[0].Citation != "W1" || metas[1].Citation != "W2" {
		t.Fatalf("first build tags: %s %s", metas[0].Citation, metas[1].Citation)
	}

	// Rebuild with a new, higher-scoring source: web:b keeps W2.
	second := []*retrieval.Result{
		hit(retrieval.SourceWeb, "web:c", 0.99, "three"),
		hit(retrieval.SourceWeb, "web:b", 0.8, "two"),
	}
	metas, _ = BuildContext(second, BuildOptions{MaxChars: 10000, PerSourceCap: 6, Tags: book})
	byRef := map[string]string{}
	for _, m := range metas {
		byRef[m.RefID] = m.Citation
	}
	if byRef["web:b"] != "W2" {
		t.Fatalf("web:b retagged to %s", byRef["web:b"])
	}
	if byRef["web:c"] != "W3" {
		t.Fatalf("web:c tagged %s, want W3", byRef["web:c"])
	}
}

func TestBuildContext_CharBudget(t *testing.T) {
	long := strings.Repeat("x", 600)
	var hits []*retrieval.Result
	for i := 0; i < 20; i++ {
		hits = append(hits, hit(retrieval.SourceWeb, fmt.Sprintf("web:%d", i), 1.0-float64(i)*0.01, long))
	}

	maxChars := 2000
	_, lines := BuildContext(hits, BuildOptions{MaxChars: maxChars, PerSourceCap: 50})

	total := 0
	for _, l := range lines {
		total += len(l)
	}
	if total > maxChars {
		t.Fatalf("total context %d exceeds budget %d", total, maxChars)
	}
	if len(lines) == 0 {
		t.Fatal("no lines accepted under budget")
	}
}

func TestBuildContext_FirstSourceTruncatedNotDropped(t *testing.T) {
	huge := strings.Repeat("y", 5000)
	metas, lines := BuildContext(
		[]*retrieval.Result{hit(retrieval.SourceDoc, "doc:big", 0.9, huge)},
		BuildOptions{MaxChars: 800, PerSourceCap: 6},
	)
	if len(lines) != 1 || len(metas) != 1 {
		t.Fatalf("oversized first source dropped: lines=%d", len(lines))
	}
	if len(lines[0]) > 800 {
		t.Fatalf("truncated block still %d chars", len(lines[0]))
	}
}

func TestBuildContext_PinnedBypassesCapAndExcludedDropped(t *testing.T) {
	var hits []*retrieval.Result
	for i := 0; i < 10; i++ {
		hits = append(hits, hit(retrieval.SourceWeb, fmt.Sprintf("web:%d", i), 1.0-float64(i)*0.05, fmt.Sprintf("text %d", i)))
	}
	// web:9 scores lowest and sits far beyond the cap of 2.
	metas, _ := BuildContext(hits, BuildOptions{
		MaxChars:     10000,
		PerSourceCap: 2,
		Pinned:       map[string]bool{"web:9": true},
		Excluded:     map[string]bool{"web:0": true},
	})

	var gotPinned, gotExcluded bool
	for _, m := range metas {
		if m.RefID == "web:9" {
			gotPinned = true
			if !m.Pinned {
				t.Fatal("pinned flag not set on meta")
			}
		}
		if m.RefID == "web:0" {
			gotExcluded = true
		}
	}
	if !gotPinned {
		t.Fatal("pinned hit beyond cap was not included")
	}
	if gotExcluded {
		t.Fatal("excluded hit was included")
	}
	// Pinned first.
	if metas[0].RefID != "web:9" {
		t.Fatalf("first meta = %s, want pinned web:9", metas[0].RefID)
	}
}

func TestBuildContext_DuplicateTextIncludedOnce(t *testing.T) {
	same := "identical passage  text"
	metas, _ := BuildContext([]*retrieval.Result{
		hit(retrieval.SourceWeb, "web:a", 0.9, same),
		hit(retrieval.SourceWeb, "web:b", 0.8, "Identical   passage text"), // same after normalization
	}, BuildOptions{MaxChars: 10000, PerSourceCap: 6})

	if len(metas) != 1 {
		t.Fatalf("duplicate text not deduped: %d metas", len(metas))
	}
}

func TestBuildContext_PreserveOrder(t *testing.T) {
	hits := []*retrieval.Result{
		hit(retrieval.SourceWeb, "web:z", 0.1, "low first"),
		hit(retrieval.SourceDoc, "doc:a", 0.9, "high second"),
	}
	metas, _ := BuildContext(hits, BuildOptions{MaxChars: 10000, PerSourceCap: 6, PreserveOrder: true})
	if metas[0].RefID != "web:z" || metas[1].RefID != "doc:a" {
		t.Fatalf("caller order not preserved: %s, %s", metas[0].RefID, metas[1].RefID)
	}
}

func TestTextByTag(t *testing.T) {
	hits := []*retrieval.Result{
		hit(retrieval.SourceDoc, "doc:1", 0.9, "passage one"),
		hit(retrieval.SourceWeb, "web:1", 0.8, "passage two"),
	}
	metas, _ := BuildContext(hits, BuildOptions{MaxChars: 10000, PerSourceCap: 6})
	byTag := TextByTag(metas, hits)
	if byTag["D1"] != "passage one" || byTag["W1"] != "passage two" {
		t.Fatalf("TextByTag = %v", byTag)
	}
}
