// Package evidence decides, per retrieval hit, whether the hit may be
// cited in the final answer. Classification derives a source kind (and,
// for e-books, a genre); the gate partitions a pool into citable
// evidence and context-only material under the active policy.
package evidence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"scholarch/internal/llm"
	"scholarch/internal/retrieval"
)

// Policy selects how aggressively sources are admitted as evidence.
type Policy string

const (
	// PolicyStrict admits only allow-listed source kinds.
	PolicyStrict Policy = "strict"
	// PolicyRelaxed admits everything except e-books with disabled genres.
	PolicyRelaxed Policy = "relaxed"
)

// SourceKind classifies where a hit ultimately came from.
type SourceKind string

const (
	KindWeb         SourceKind = "web"
	KindKiwixZim    SourceKind = "kiwix_zim"
	KindEpub        SourceKind = "epub"
	KindUploadedDoc SourceKind = "uploaded_doc"
)

// Genre classifies an e-book for the per-genre evidence flags.
type Genre string

const (
	GenreFiction    Genre = "fiction"
	GenreNonfiction Genre = "nonfiction"
	GenreReference  Genre = "reference"
	GenreUnknown    Genre = "unknown"
)

// Provenance is attached to a hit's meta under the "provenance" key.
// EvidenceOK is the single source of truth for citability: every
// citation tag in a final answer must trace to a hit with EvidenceOK.
type Provenance struct {
	Policy     Policy     `json:"evidence_policy"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   string     `json:"source_id"`
	TrustTier  int        `json:"trust_tier"`
	Genre      Genre      `json:"doc_genre,omitempty"`
	EvidenceOK bool       `json:"evidence_ok"`
	Reason     string     `json:"evidence_reason"`
}

const provenanceKey = "provenance"

// ProvenanceOf reads the provenance annotation from a hit, if present.
func ProvenanceOf(r *retrieval.Result) (Provenance, bool) {
	if r.Meta == nil {
		return Provenance{}, false
	}
	p, ok := r.Meta[provenanceKey].(Provenance)
	return p, ok
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Classifier derives source kind and e-book genre for retrieval hits.
// Genre falls back to one model call per distinct e-book in strict mode;
// results are cached by doc id for the lifetime of the classifier.
type Classifier struct {
	genreClient llm.Client // nil disables the model fallback
	confidence  float64    // acceptance threshold for model genre calls

	mu         sync.Mutex
	genreCache map[string]Genre
}

// NewClassifier creates a classifier. genreClient may be nil, in which
// case unknown genres stay unknown. confidence <= 0 uses the default
// threshold of 0.55 (an empirically chosen tunable).
func NewClassifier(genreClient llm.Client, confidence float64) *Classifier {
	if confidence <= 0 {
		confidence = 0.55
	}
	return &Classifier{
		genreClient: genreClient,
		confidence:  confidence,
		genreCache:  make(map[string]Genre),
	}
}

// KindOf derives the source kind and stable source id for a hit.
func KindOf(r *retrieval.Result) (SourceKind, string) {
	switch r.SourceType {
	case retrieval.SourceWeb:
		return KindWeb, r.Domain
	case retrieval.SourceKiwix:
		return KindKiwixZim, r.MetaString("zim_id")
	}

	// Local document: e-book or uploaded doc.
	if isEpub(r) {
		return KindEpub, r.MetaString("doc_id")
	}
	return KindUploadedDoc, r.MetaString("doc_id")
}

// isEpub recognizes e-books by source/path/group/tag metadata.
func isEpub(r *retrieval.Result) bool {
	if strings.EqualFold(r.MetaString("source"), "epub") {
		return true
	}
	path := strings.ToLower(r.MetaString("path"))
	if strings.HasSuffix(path, ".epub") || strings.HasSuffix(path, ".mobi") || strings.HasSuffix(path, ".azw3") {
		return true
	}
	group := strings.ToLower(r.MetaString("group"))
	if group == "ebooks" || group == "books" || group == "library" {
		return true
	}
	for _, tag := range metaTags(r) {
		switch strings.ToLower(tag) {
		case "epub", "ebook", "e-book", "book":
			return true
		}
	}
	return false
}

func metaTags(r *retrieval.Result) []string {
	if r.Meta == nil {
		return nil
	}
	switch t := r.Meta["tags"].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GenreOf determines an e-book's genre: tag/substring heuristics first,
// then (strict policy only) one cached model call per distinct doc id.
func (c *Classifier) GenreOf(ctx context.Context, r *retrieval.Result, policy Policy) Genre {
	if g := heuristicGenre(r); g != GenreUnknown {
		return g
	}
	if policy != PolicyStrict || c.genreClient == nil {
		return GenreUnknown
	}

	docID := r.MetaString("doc_id")
	if docID == "" {
		return GenreUnknown
	}

	c.mu.Lock()
	if g, ok := c.genreCache[docID]; ok {
		c.mu.Unlock()
		return g
	}
	c.mu.Unlock()

	g := c.modelGenre(ctx, r)

	c.mu.Lock()
	c.genreCache[docID] = g
	c.mu.Unlock()
	return g
}

var genreMarkers = map[Genre][]string{
	GenreReference: {
		"encyclopedia", "dictionary", "handbook", "manual", "almanac",
		"atlas", "reference", "glossary", "compendium", "cookbook",
	},
	GenreNonfiction: {
		"history of", "biography", "memoir", "a history", "the science of",
		"introduction to", "guide to", "textbook", "economics", "physics",
		"nonfiction", "non-fiction", "essays",
	},
	GenreFiction: {
		"a novel", "novel", "fiction", "fantasy", "sci-fi", "science fiction",
		"mystery", "thriller", "romance", "short stories", "saga", "tales",
	},
}

// heuristicGenre matches title/author/path/tags against genre markers.
// Reference outranks nonfiction outranks fiction so "the fantasy
// encyclopedia" lands on reference.
func heuristicGenre(r *retrieval.Result) Genre {
	haystack := strings.ToLower(strings.Join([]string{
		r.Title,
		r.MetaString("author"),
		r.MetaString("path"),
		strings.Join(metaTags(r), " "),
	}, " "))

	for _, g := range []Genre{GenreReference, GenreNonfiction, GenreFiction} {
		for _, marker := range genreMarkers[g] {
			if strings.Contains(haystack, marker) {
				return g
			}
		}
	}
	return GenreUnknown
}

// modelGenre asks the genre-classifier model for a single judgment.
// Low-confidence or unparseable answers stay unknown.
func (c *Classifier) modelGenre(ctx context.Context, r *retrieval.Result) Genre {
	system := `You classify e-books by genre. Respond with JSON only:
{"genre": "fiction|nonfiction|reference", "confidence": 0.0-1.0}`
	user := fmt.Sprintf("Title: %s\nAuthor: %s\nPath: %s\nExcerpt:\n%s",
		r.Title, r.MetaString("author"), r.MetaString("path"), truncate(r.Text, 600))

	response, err := c.genreClient.CompleteWithSystem(ctx, system, user)
	if err != nil {
		return GenreUnknown
	}

	var parsed struct {
		Genre      string  `json:"genre"`
		Confidence float64 `json:"confidence"`
	}
	if !llm.DecodeJSONObject(response, &parsed) {
		return GenreUnknown
	}
	if parsed.Confidence < c.confidence {
		return GenreUnknown
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Genre)) {
	case "fiction":
		return GenreFiction
	case "nonfiction", "non-fiction":
		return GenreNonfiction
	case "reference":
		return GenreReference
	}
	return GenreUnknown
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
