// Package sources turns gated evidence hits into citation-tagged
// context blocks for the model and a structured sources list for
// persistence, under hard size limits.
package sources

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"scholarch/internal/retrieval"
)

// SourceMeta is the persistence-facing projection of one pool hit.
type SourceMeta struct {
	SourceType retrieval.SourceType `json:"source_type"`
	RefID      string               `json:"ref_id"`
	ChunkID    int64                `json:"chunk_id"`
	Title      string               `json:"title,omitempty"`
	URL        string               `json:"url,omitempty"`
	Domain     string               `json:"domain,omitempty"`
	Score      float64              `json:"score"`
	Snippet    string               `json:"snippet,omitempty"`
	Meta       map[string]any       `json:"meta,omitempty"`
	Pinned     bool                 `json:"pinned"`
	Excluded   bool                 `json:"excluded"`
	Citation   string               `json:"citation,omitempty"`
}

// TagBook assigns citation tags and keeps them stable per RefID for the
// whole run: once a source is tagged D2, it stays D2 across every
// context rebuild. Numbering grows monotonically per kind.
type TagBook struct {
	byRef    map[string]string
	counters map[string]int
}

// NewTagBook creates an empty tag registry.
func NewTagBook() *TagBook {
	return &TagBook{
		byRef:    make(map[string]string),
		counters: make(map[string]int),
	}
}

// Tag returns the stable tag for a RefID, minting one on first use.
func (b *TagBook) Tag(refID string, st retrieval.SourceType) string {
	if tag, ok := b.byRef[refID]; ok {
		return tag
	}
	prefix := tagPrefix(st)
	b.counters[prefix]++
	tag := fmt.Sprintf("%s%d", prefix, b.counters[prefix])
	b.byRef[refID] = tag
	return tag
}

// Lookup returns the existing tag for a RefID without minting.
func (b *TagBook) Lookup(refID string) (string, bool) {
	tag, ok := b.byRef[refID]
	return tag, ok
}

func tagPrefix(st retrieval.SourceType) string {
	switch st {
	case retrieval.SourceDoc:
		return "D"
	case retrieval.SourceKiwix:
		return "K"
	default:
		return "W"
	}
}

// BuildOptions configures one context build.
type BuildOptions struct {
	// MaxChars is the hard character budget across all context lines.
	MaxChars int

	// PerSourceCap limits hits per source-kind bucket (doc/web/kiwix).
	// Pinned hits bypass the cap.
	PerSourceCap int

	// Pinned and Excluded are user overrides keyed by RefID.
	Pinned   map[string]bool
	Excluded map[string]bool

	// PreserveOrder keeps the caller's ordering (pinned still first).
	// Otherwise hits sort by kind priority (doc, kiwix, web), then score.
	PreserveOrder bool

	// Tags supplies run-stable citation tags. A nil book gets a fresh
	// one, which renumbers from 1.
	Tags *TagBook
}

// DefaultBuildOptions returns the shipping limits.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		MaxChars:     24000,
		PerSourceCap: 6,
	}
}

// BuildContext assembles evidence hits into citation-tagged blocks and
// a parallel sources list. It never fails: oversized sources are
// truncated (first accepted or pinned) or skipped.
func BuildContext(results []*retrieval.Result, opts BuildOptions) ([]SourceMeta, []string) {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultBuildOptions().MaxChars
	}
	if opts.PerSourceCap <= 0 {
		opts.PerSourceCap = DefaultBuildOptions().PerSourceCap
	}
	if opts.Tags == nil {
		opts.Tags = NewTagBook()
	}

	ordered := orderHits(results, opts)

	var (
		metas      []SourceMeta
		lines      []string
		total      int
		kindCounts = make(map[retrieval.SourceType]int)
		seenText   = make(map[string]bool)
	)

	for _, hit := range ordered {
		if opts.Excluded[hit.RefID] {
			continue
		}
		pinned := opts.Pinned[hit.RefID]

		if !pinned && kindCounts[hit.SourceType] >= opts.PerSourceCap {
			continue
		}

		textHash := contentHash(hit.Text)
		if seenText[textHash] {
			continue
		}

		tag := opts.Tags.Tag(hit.RefID, hit.SourceType)
		block := formatBlock(tag, hit, hit.Text)

		if total+len(block) > opts.MaxChars {
			// Truncation is allowed only for the very first accepted
			// source or a pinned one; everything else is skipped.
			if len(lines) > 0 && !pinned {
				continue
			}
			budget := opts.MaxChars - total
			truncated := truncateBlockText(tag, hit, budget)
			if truncated == "" {
				continue
			}
			block = truncated
		}

		seenText[textHash] = true
		kindCounts[hit.SourceType]++
		total += len(block)
		lines = append(lines, block)
		metas = append(metas, toMeta(hit, tag, pinned))
	}

	return metas, lines
}

// orderHits applies the pinned-first rule plus the configured ordering.
func orderHits(results []*retrieval.Result, opts BuildOptions) []*retrieval.Result {
	ordered := make([]*retrieval.Result, len(results))
	copy(ordered, results)

	if !opts.PreserveOrder {
		sort.SliceStable(ordered, func(i, j int) bool {
			pi, pj := kindPriority(ordered[i].SourceType), kindPriority(ordered[j].SourceType)
			if pi != pj {
				return pi < pj
			}
			return ordered[i].Score > ordered[j].Score
		})
	}

	// Pinned-first is stable: relative order within each half survives.
	sort.SliceStable(ordered, func(i, j int) bool {
		return opts.Pinned[ordered[i].RefID] && !opts.Pinned[ordered[j].RefID]
	})
	return ordered
}

func kindPriority(st retrieval.SourceType) int {
	switch st {
	case retrieval.SourceDoc:
		return 0
	case retrieval.SourceKiwix:
		return 1
	default:
		return 2
	}
}

// formatBlock renders one source as a context block.
func formatBlock(tag string, hit *retrieval.Result, text string) string {
	header := fmt.Sprintf("[%s] %s", tag, strings.TrimSpace(hit.Title))
	if hit.URL != "" {
		header += " — " + hit.URL
	}
	header += fmt.Sprintf(" (score %.3f, id %s)", hit.Score, hit.RefID)
	return header + "\n" + strings.TrimSpace(text) + "\n"
}

// truncateBlockText fits a block into the remaining budget by cutting
// the passage text. Returns "" when even the header cannot fit usefully.
func truncateBlockText(tag string, hit *retrieval.Result, budget int) string {
	overhead := len(formatBlock(tag, hit, ""))
	const minText = 80
	if budget < overhead+minText {
		return ""
	}
	text := strings.TrimSpace(hit.Text)
	keep := budget - overhead
	if keep < len(text) {
		text = text[:keep]
	}
	return formatBlock(tag, hit, text)
}

func toMeta(hit *retrieval.Result, tag string, pinned bool) SourceMeta {
	return SourceMeta{
		SourceType: hit.SourceType,
		RefID:      hit.RefID,
		ChunkID:    hit.ChunkID,
		Title:      hit.Title,
		URL:        hit.URL,
		Domain:     hit.Domain,
		Score:      hit.Score,
		Snippet:    snippet(hit.Text, 240),
		Meta:       hit.Meta,
		Pinned:     pinned,
		Citation:   tag,
	}
}

// PoolMetas projects every pool hit into a sources-meta entry, whether
// or not the context builder accepted it. Hits with a minted citation
// tag keep it; the rest carry none. Persisting the whole pool keeps
// user pinned/excluded flags alive across context rebuilds: the store
// prunes rows absent from an upsert, so a row for an excluded or
// cap-skipped source must still be written.
func PoolMetas(hits []*retrieval.Result, tags *TagBook, pinned, excluded map[string]bool) []SourceMeta {
	metas := make([]SourceMeta, 0, len(hits))
	for _, hit := range hits {
		var tag string
		if tags != nil {
			tag, _ = tags.Lookup(hit.RefID)
		}
		m := toMeta(hit, tag, pinned[hit.RefID])
		m.Excluded = excluded[hit.RefID]
		metas = append(metas, m)
	}
	return metas
}

func snippet(text string, n int) string {
	text = strings.TrimSpace(text)
	if len(text) <= n {
		return text
	}
	return text[:n] + "..."
}

func contentHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// TagSet returns the set of citation tags present in metas.
func TagSet(metas []SourceMeta) map[string]bool {
	tags := make(map[string]bool, len(metas))
	for _, m := range metas {
		if m.Citation != "" {
			tags[m.Citation] = true
		}
	}
	return tags
}

// TextByTag maps citation tags to their context text for quote
// verification.
func TextByTag(metas []SourceMeta, results []*retrieval.Result) map[string]string {
	byRef := make(map[string]*retrieval.Result, len(results))
	for _, r := range results {
		byRef[r.RefID] = r
	}
	out := make(map[string]string, len(metas))
	for _, m := range metas {
		if r, ok := byRef[m.RefID]; ok && m.Citation != "" {
			out[m.Citation] = r.Text
		}
	}
	return out
}
