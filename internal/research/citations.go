package research

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"scholarch/internal/llm"
	"scholarch/internal/sources"
)

// tagPattern matches inline citation tags like [D1], [W12], [K3].
var (
	tagPattern    = regexp.MustCompile(`\[([DWK]\d+)\]`)
	doubledSpaces = regexp.MustCompile(` {2,}`)
)

// empiricalCues mark a line as making an empirical statement even
// without digits.
var empiricalCues = []string{
	"percent", "according to", "rate", "ratio", "per capita",
	"survey", "study found", "census", "statistics",
}

const maxRewriteAttempts = 2

// Enforcer applies the citation contract to a synthesized answer: every
// tag must resolve to a real source, and for statistical questions
// every empirical line must carry a tag. Enforcement is deterministic;
// the model is only consulted for constrained rewrites.
type Enforcer struct {
	audit llm.Client
}

// NewEnforcer creates a citation-contract enforcer. audit is the model
// used for rewrite attempts.
func NewEnforcer(audit llm.Client) *Enforcer {
	return &Enforcer{audit: audit}
}

// EnforceResult is the outcome of contract enforcement.
type EnforceResult struct {
	Answer string
	// ContractFailed is set when the answer had to be replaced with the
	// fixed citation-contract refusal.
	ContractFailed bool
	// ZeroCitations is set when a strict-policy answer carried no tags
	// at all and must be refused upstream.
	ZeroCitations bool
}

// Enforce validates and repairs the answer's citations. metas is the
// sources list the tags must resolve against.
func (e *Enforcer) Enforce(ctx context.Context, answer string, metas []sources.SourceMeta, qtype QuestionType, strict bool) EnforceResult {
	allowed := sources.TagSet(metas)

	// Invalid tags: rewrite under constraint, then strip what remains.
	for attempt := 0; attempt < maxRewriteAttempts; attempt++ {
		invalid := invalidTags(answer, allowed)
		if len(invalid) == 0 {
			break
		}
		rewritten, err := e.rewriteTags(ctx, answer, allowed, invalid)
		if err != nil {
			break
		}
		answer = rewritten
	}
	answer = stripInvalidTags(answer, allowed)

	// Statistical questions: every line stating numbers or empirical
	// language must cite. After the rewrite budget the whole answer is
	// replaced, not patched.
	if qtype == QuestionEmpiricalStats {
		for attempt := 0; attempt < maxRewriteAttempts; attempt++ {
			lines := uncitedEmpiricalLines(answer)
			if len(lines) == 0 {
				break
			}
			rewritten, err := e.rewriteUncited(ctx, answer, allowed, lines)
			if err != nil {
				break
			}
			answer = stripInvalidTags(rewritten, allowed)
		}
		if len(uncitedEmpiricalLines(answer)) > 0 {
			return EnforceResult{Answer: ContractFailedDoc(), ContractFailed: true}
		}
	}

	usedTags := extractTags(answer)
	if strict && qtype != QuestionCreative && len(usedTags) == 0 {
		return EnforceResult{Answer: answer, ZeroCitations: true}
	}

	return EnforceResult{Answer: appendSources(answer, usedTags, metas)}
}

// extractTags returns the distinct citation tags used, first-use order.
func extractTags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			tags = append(tags, m[1])
		}
	}
	return tags
}

func invalidTags(text string, allowed map[string]bool) []string {
	var bad []string
	for _, tag := range extractTags(text) {
		if !allowed[tag] {
			bad = append(bad, tag)
		}
	}
	return bad
}

// stripInvalidTags removes tags that resolve to nothing, tidying any
// doubled spaces left behind.
func stripInvalidTags(text string, allowed map[string]bool) string {
	out := tagPattern.ReplaceAllStringFunc(text, func(m string) string {
		tag := m[1 : len(m)-1]
		if allowed[tag] {
			return m
		}
		return ""
	})
	return doubledSpaces.ReplaceAllString(out, " ")
}

// uncitedEmpiricalLines returns answer lines that state numbers or
// empirical language without a citation tag. Headings, list scaffolding
// and the Sources section are exempt.
func uncitedEmpiricalLines(answer string) []string {
	var violations []string
	inSources := false
	for _, line := range strings.Split(answer, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			inSources = strings.Contains(strings.ToLower(trimmed), "sources")
			continue
		}
		if inSources || trimmed == "" {
			continue
		}
		if tagPattern.MatchString(line) {
			continue
		}
		if isEmpiricalLine(trimmed) {
			violations = append(violations, trimmed)
		}
	}
	return violations
}

func isEmpiricalLine(line string) bool {
	if strings.ContainsAny(line, "0123456789") {
		return true
	}
	lower := strings.ToLower(line)
	for _, cue := range empiricalCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

const rewriteSystemPrompt = `You repair citations in a research report.

You will be given the allowed citation tags and a list of problems. Rewrite the
report fixing ONLY the listed problems, using ONLY the allowed tags. Remove any
statement you cannot support with an allowed tag. Return only the Markdown.`

func (e *Enforcer) rewriteTags(ctx context.Context, answer string, allowed map[string]bool, invalid []string) (string, error) {
	prompt := fmt.Sprintf("## Allowed Tags\n%s\n\n## Problems\nThese tags do not exist and must be replaced or removed: %s\n\n## Report\n%s",
		strings.Join(sortedTags(allowed), ", "), strings.Join(invalid, ", "), answer)
	return e.audit.CompleteWithSystem(ctx, rewriteSystemPrompt, prompt)
}

func (e *Enforcer) rewriteUncited(ctx context.Context, answer string, allowed map[string]bool, lines []string) (string, error) {
	prompt := fmt.Sprintf("## Allowed Tags\n%s\n\n## Problems\nThese lines state numbers or empirical facts without a citation tag; add an allowed tag or delete the line:\n- %s\n\n## Report\n%s",
		strings.Join(sortedTags(allowed), ", "), strings.Join(lines, "\n- "), answer)
	return e.audit.CompleteWithSystem(ctx, rewriteSystemPrompt, prompt)
}

func sortedTags(allowed map[string]bool) []string {
	tags := make([]string, 0, len(allowed))
	for tag := range allowed {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// appendSources adds a deterministic Sources section listing every tag
// the answer actually uses. Skipped when the model already produced
// one.
func appendSources(answer string, usedTags []string, metas []sources.SourceMeta) string {
	if len(usedTags) == 0 {
		return answer
	}
	lower := strings.ToLower(answer)
	if strings.Contains(lower, "## sources") || strings.Contains(lower, "# sources") {
		return answer
	}

	byTag := make(map[string]sources.SourceMeta, len(metas))
	for _, m := range metas {
		byTag[m.Citation] = m
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(answer, "\n"))
	b.WriteString("\n\n## Sources\n")
	sorted := append([]string(nil), usedTags...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return tagNumber(sorted[i]) < tagNumber(sorted[j])
	})
	for _, tag := range sorted {
		m, ok := byTag[tag]
		if !ok {
			continue
		}
		label := m.Title
		if label == "" {
			label = m.RefID
		}
		if m.URL != "" {
			fmt.Fprintf(&b, "- [%s] %s — %s\n", tag, label, m.URL)
		} else {
			fmt.Fprintf(&b, "- [%s] %s\n", tag, label)
		}
	}
	return b.String()
}

func tagNumber(tag string) int {
	n := 0
	for _, r := range tag[1:] {
		n = n*10 + int(r-'0')
	}
	return n
}
