package research

import (
	"scholarch/internal/sources"
	"scholarch/internal/store"
)

// SourceRecordsFromMetas projects sources-meta entries into store
// records. Pinned/excluded are carried for new rows; the store's upsert
// never overwrites previously-set flags on existing ones.
func SourceRecordsFromMetas(metas []sources.SourceMeta) []store.SourceRecord {
	records := make([]store.SourceRecord, 0, len(metas))
	for _, m := range metas {
		records = append(records, store.SourceRecord{
			SourceType: string(m.SourceType),
			RefID:      m.RefID,
			ChunkID:    m.ChunkID,
			Title:      m.Title,
			URL:        m.URL,
			Domain:     m.Domain,
			Score:      m.Score,
			Snippet:    m.Snippet,
			Meta:       m.Meta,
			Pinned:     m.Pinned,
			Excluded:   m.Excluded,
			Citation:   m.Citation,
		})
	}
	return records
}

// ClaimRecordsFromClaims projects verified claims into store records.
func ClaimRecordsFromClaims(claims []Claim) []store.ClaimRecord {
	records := make([]store.ClaimRecord, 0, len(claims))
	for _, c := range claims {
		rec := store.ClaimRecord{
			Claim:     c.Claim,
			Status:    string(c.Status),
			Citations: c.Citations,
			Notes:     c.Notes,
		}
		for _, ev := range c.Evidence {
			rec.Evidence = append(rec.Evidence, store.ClaimEvidence{Citation: ev.Citation, Quote: ev.Quote})
		}
		records = append(records, rec)
	}
	return records
}
