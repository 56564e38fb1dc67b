// Package retrieval defines the retrieval-provider contract and the
// run-scoped hit pool, plus adapters for the three supported backends:
// local documents, web search, and an offline-wiki (Kiwix) server.
package retrieval

import "context"

// SourceType identifies which backend produced a result.
type SourceType string

const (
	SourceDoc   SourceType = "doc"
	SourceWeb   SourceType = "web"
	SourceKiwix SourceType = "kiwix"
)

// Result is one retrieved passage. Text is the only field ever quoted
// or cited; everything else is display metadata or provenance input.
type Result struct {
	SourceType SourceType     `json:"source_type"`
	RefID      string         `json:"ref_id"`
	ChunkID    int64          `json:"chunk_id"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	Domain     string         `json:"domain,omitempty"`
	Score      float64        `json:"score"`
	Text       string         `json:"text"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// MetaString returns a string field from Meta, or "" when absent.
func (r *Result) MetaString(key string) string {
	if r.Meta == nil {
		return ""
	}
	s, _ := r.Meta[key].(string)
	return s
}

// SetMeta writes a key into Meta, allocating the map on first use.
func (r *Result) SetMeta(key string, value any) {
	if r.Meta == nil {
		r.Meta = make(map[string]any)
	}
	r.Meta[key] = value
}

// Provider is the contract every retrieval backend implements.
// Retrieve must be idempotent-safe, must return an empty slice (not an
// error) for "no results", and must keep RefID/ChunkID stable within a
// process lifetime.
type Provider interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Result, error)
}
