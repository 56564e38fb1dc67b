package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"scholarch/internal/embedding"
)

// =============================================================================
// DOC PROVIDER (local document chunks)
// =============================================================================

// DocProvider searches chunks of locally ingested documents by cosine
// similarity. The query is embedded once and compared against stored
// chunk vectors in a single table scan — indexing strategy belongs to
// the storage engine, not this adapter.
type DocProvider struct {
	db          *sql.DB
	embedder    embedding.Engine
	includeTags []string
	excludeTags []string
}

// NewDocProvider creates a document provider over an open chunk table.
func NewDocProvider(db *sql.DB, embedder embedding.Engine) *DocProvider {
	return &DocProvider{db: db, embedder: embedder}
}

// SetTagFilters applies the doc_include_tags / doc_exclude_tags settings.
// Include filters keep only chunks whose docs carry at least one of the
// listed tags; exclude filters drop any match.
func (p *DocProvider) SetTagFilters(include, exclude []string) {
	p.includeTags = include
	p.excludeTags = exclude
}

// EnsureSchema creates the chunk table when missing.
func EnsureDocSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS doc_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT NOT NULL,
		title TEXT,
		path TEXT,
		author TEXT,
		source TEXT,
		group_name TEXT,
		tags TEXT,
		text TEXT NOT NULL,
		embedding BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_doc_chunks_doc ON doc_chunks(doc_id);
	`
	_, err := db.Exec(schema)
	return err
}

// InsertChunk stores one chunk with its embedding. Used by ingestion.
func InsertChunk(db *sql.DB, docID, title, path, author, source, group string, tags []string, text string, vector []float32) (int64, error) {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tags: %w", err)
	}
	res, err := db.Exec(
		`INSERT INTO doc_chunks (doc_id, title, path, author, source, group_name, tags, text, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		docID, title, path, author, source, group, string(tagsJSON), text, encodeVector(vector),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunk: %w", err)
	}
	return res.LastInsertId()
}

// Retrieve implements Provider.
func (p *DocProvider) Retrieve(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 8
	}

	queryVec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, doc_id, title, path, author, source, group_name, tags, text, embedding FROM doc_chunks`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunks: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id                                       int64
			docID, text                              string
			title, path, author, source, group, tags sql.NullString
			blob                                     []byte
		)
		if err := rows.Scan(&id, &docID, &title, &path, &author, &source, &group, &tags, &text, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}

		tagList := decodeTags(tags.String)
		if !p.tagsPass(tagList) {
			continue
		}

		score := embedding.CosineSimilarity(queryVec, decodeVector(blob))
		if math.IsNaN(score) || score <= 0 {
			continue
		}

		results = append(results, Result{
			SourceType: SourceDoc,
			RefID:      fmt.Sprintf("doc:%d", id),
			ChunkID:    id,
			Title:      title.String,
			Score:      score,
			Text:       text,
			Meta: map[string]any{
				"doc_id": docID,
				"path":   path.String,
				"author": author.String,
				"source": source.String,
				"group":  group.String,
				"tags":   tagList,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk scan failed: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// tagsPass applies include/exclude tag filters.
func (p *DocProvider) tagsPass(tags []string) bool {
	has := func(want string) bool {
		for _, t := range tags {
			if strings.EqualFold(t, want) {
				return true
			}
		}
		return false
	}
	for _, ex := range p.excludeTags {
		if has(ex) {
			return false
		}
	}
	if len(p.includeTags) == 0 {
		return true
	}
	for _, in := range p.includeTags {
		if has(in) {
			return true
		}
	}
	return false
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// encodeVector serializes a vector as little-endian float32 bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes little-endian float32 bytes.
func decodeVector(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
