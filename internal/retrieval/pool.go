package retrieval

import "sort"

// Pool accumulates retrieval results over the lifetime of one research
// run, keyed by RefID. Merging the same RefID twice keeps the
// higher-scoring copy; metadata previously attached to the kept copy
// survives. The pool is mutated only from the run-processing goroutine,
// so it carries no lock.
type Pool struct {
	hits  map[string]*Result
	order []string // RefIDs in first-seen order
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{hits: make(map[string]*Result)}
}

// Merge folds results into the pool. Best score wins per RefID.
// Returns the RefIDs that were new to the pool.
func (p *Pool) Merge(results []Result) []string {
	var added []string
	for i := range results {
		r := results[i]
		if r.RefID == "" {
			continue
		}
		existing, ok := p.hits[r.RefID]
		if !ok {
			copied := r
			p.hits[r.RefID] = &copied
			p.order = append(p.order, r.RefID)
			added = append(added, r.RefID)
			continue
		}
		if r.Score > existing.Score {
			// Keep annotations (provenance etc.) written onto the old copy.
			if existing.Meta != nil {
				if r.Meta == nil {
					r.Meta = existing.Meta
				} else {
					for k, v := range existing.Meta {
						if _, present := r.Meta[k]; !present {
							r.Meta[k] = v
						}
					}
				}
			}
			*existing = r
		}
	}
	return added
}

// Get returns the pooled result for a RefID, or nil.
func (p *Pool) Get(refID string) *Result {
	return p.hits[refID]
}

// Len returns the number of distinct hits.
func (p *Pool) Len() int { return len(p.hits) }

// Snapshot returns all hits in first-seen order. The returned slice
// shares the pool's Result pointers so provenance annotations stick.
func (p *Pool) Snapshot() []*Result {
	out := make([]*Result, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.hits[id])
	}
	return out
}

// TopByScore returns up to n hits ordered by descending score.
func (p *Pool) TopByScore(n int) []*Result {
	all := p.Snapshot()
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
