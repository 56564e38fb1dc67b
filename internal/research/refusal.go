package research

import (
	"fmt"
	"sort"
	"strings"

	"scholarch/internal/config"
	"scholarch/internal/evidence"
)

// RefusalDoc builds the Markdown document returned when strict policy
// leaves no citable evidence. It explains what was retrieved, why none
// of it qualified, and how to fix that — the pipeline never returns a
// bare error to the user.
func RefusalDoc(query string, report *evidence.GateReport, settings *config.Settings) string {
	var b strings.Builder
	b.WriteString("# Cannot Answer: No Citable Evidence\n\n")
	fmt.Fprintf(&b, "The question was:\n\n> %s\n\n", query)
	b.WriteString("Under the strict evidence policy, no retrieved source qualified as citable evidence, so no answer can be given.\n\n")

	if report != nil && (len(report.ByKind) > 0 || len(report.ByGenre) > 0) {
		b.WriteString("## What Was Retrieved\n\n")
		if len(report.ByKind) > 0 {
			b.WriteString("By source kind:\n\n")
			for _, kind := range sortedKinds(report.ByKind) {
				fmt.Fprintf(&b, "- %s: %d\n", kind, report.ByKind[kind])
			}
			b.WriteString("\n")
		}
		if len(report.ByGenre) > 0 {
			b.WriteString("E-book genres (e-books are context-only unless a genre is explicitly trusted):\n\n")
			for _, genre := range sortedGenres(report.ByGenre) {
				fmt.Fprintf(&b, "- %s: %d\n", genre, report.ByGenre[genre])
			}
			b.WriteString("\n")
		}
	} else {
		b.WriteString("No sources were retrieved at all.\n\n")
	}

	b.WriteString("## How To Fix This\n\n")
	if settings != nil {
		if !settings.EnableWebSearch {
			b.WriteString("- Enable web search (`enable_web_search: true`) to allow citable web results.\n")
		}
		if !settings.EnableKiwixSearch {
			b.WriteString("- Enable offline-wiki search (`enable_kiwix_search: true`) if a Kiwix server is available.\n")
		}
		if !settings.EnableDocSearch {
			b.WriteString("- Enable document search (`enable_doc_search: true`) and ingest relevant documents.\n")
		}
	}
	b.WriteString("- Ingest a relevant dataset or document collection (`scholarch ingest <file>`).\n")
	b.WriteString("- Relax the evidence policy (`evidence_policy: relaxed`) if uncited sources are acceptable.\n")
	b.WriteString("- For e-books, enable a genre flag (for example nonfiction) if you trust that material as evidence.\n")
	return b.String()
}

// SpeculativeDoc wraps an uncited draft in an explicit disclaimer. Used
// when strict_fail_behavior is "speculative": the material below comes
// from context-only sources and carries no citations.
func SpeculativeDoc(query, draft string) string {
	var b strings.Builder
	b.WriteString("# Speculative Answer (No Citable Evidence)\n\n")
	b.WriteString("**This answer is speculative.** Under the strict evidence policy no retrieved source qualified as citable evidence, so nothing below is cited and none of it should be treated as verified.\n\n")
	fmt.Fprintf(&b, "> %s\n\n---\n\n", query)
	b.WriteString(strings.TrimSpace(draft))
	b.WriteString("\n")
	return b.String()
}

// ContractFailedDoc is the fixed replacement answer used when the
// citation contract cannot be satisfied after the rewrite budget.
func ContractFailedDoc() string {
	return `# Cannot Answer (Citation Contract Failed)

The synthesized answer contained statistical or empirical statements that could
not be backed by a citation even after rewriting. Rather than present unsourced
numbers as fact, no answer is given.

## How To Fix This

- Retrieve more specific sources: refine the question or ingest a dataset that
  actually contains the numbers asked about.
- Enable additional retrieval backends (web, offline wiki) so the relevant
  statistics can be found and cited.
`
}

func sortedKinds(byKind map[evidence.SourceKind]int) []evidence.SourceKind {
	kinds := make([]evidence.SourceKind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func sortedGenres(byGenre map[evidence.Genre]int) []evidence.Genre {
	genres := make([]evidence.Genre, 0, len(byGenre))
	for g := range byGenre {
		genres = append(genres, g)
	}
	sort.Slice(genres, func(i, j int) bool { return genres[i] < genres[j] })
	return genres
}
