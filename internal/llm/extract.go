package llm

import (
	"encoding/json"
	"strings"
)

// Models do not always respect strict JSON mode: output arrives wrapped
// in markdown fences, preceded by prose, or with trailing commentary.
// The helpers here isolate all of that tolerance in one place so call
// sites never inline brace-matching logic.

// ExtractJSONObject finds the first parseable top-level JSON object in
// free text and decodes it. Returns false if no candidate parses.
func ExtractJSONObject(text string) (map[string]any, bool) {
	for _, candidate := range findJSONCandidates(stripFences(text)) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

// DecodeJSONObject decodes the first JSON object in free text into dst,
// which must be a pointer to a struct or map. Returns false when no
// candidate decodes cleanly.
func DecodeJSONObject(text string, dst any) bool {
	for _, candidate := range findJSONCandidates(stripFences(text)) {
		if err := json.Unmarshal([]byte(candidate), dst); err == nil {
			return true
		}
	}
	return false
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// findJSONCandidates scans the input for top-level JSON object candidates.
// It handles nested braces and string escaping to correctly identify
// boundaries. Byte iteration is safe for the ASCII delimiters involved
// because UTF-8 never embeds ASCII bytes inside multi-byte sequences.
func findJSONCandidates(s string) []string {
	var candidates []string
	var depth int
	start := -1
	var inString, escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}

	return candidates
}

// StringSlice coerces a decoded JSON value into a []string, accepting
// both []any-of-strings and a single string. Non-string elements are
// dropped.
func StringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{strings.TrimSpace(t)}
	default:
		return nil
	}
}
