package llm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name string
		text string
		want map[string]any
		ok   bool
	}{
		{
			name: "bare_object",
			text: `{"done": true}`,
			want: map[string]any{"done": true},
			ok:   true,
		},
		{
			name: "fenced",
			text: "```json\n{\"queries\": [\"a\"]}\n```",
			want: map[string]any{"queries": []any{"a"}},
			ok:   true,
		},
		{
			name: "prose_wrapped",
			text: "Sure, here is the plan:\n{\"topics\": [\"x\"]}\nLet me know.",
			want: map[string]any{"topics": []any{"x"}},
			ok:   true,
		},
		{
			name: "nested_braces",
			text: `result {"a": {"b": {"c": 1}}} trailing`,
			want: map[string]any{"a": map[string]any{"b": map[string]any{"c": float64(1)}}},
			ok:   true,
		},
		{
			name: "braces_inside_strings",
			text: `{"quote": "use {curly} braces \"carefully\""}`,
			want: map[string]any{"quote": `use {curly} braces "carefully"`},
			ok:   true,
		},
		{
			name: "skips_invalid_first_candidate",
			text: `{not json} {"valid": 1}`,
			want: map[string]any{"valid": float64(1)},
			ok:   true,
		},
		{
			name: "no_object",
			text: "the model refused to answer",
			ok:   false,
		},
		{
			name: "unbalanced",
			text: `{"open": [`,
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tc.text)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if tc.ok {
				if diff := cmp.Diff(tc.want, got); diff != "" {
					t.Fatalf("object mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestDecodeJSONObject(t *testing.T) {
	var dst struct {
		Done    bool     `json:"done"`
		Queries []string `json:"queries"`
	}
	text := "Reasoning first.\n```json\n{\"done\": false, \"queries\": [\"q1\", \"q2\"]}\n```"
	if !DecodeJSONObject(text, &dst) {
		t.Fatal("DecodeJSONObject returned false")
	}
	if dst.Done || len(dst.Queries) != 2 {
		t.Fatalf("decoded = %+v", dst)
	}
}

func TestStringSlice(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []string
	}{
		{"any_slice", []any{"a", " b ", 3, ""}, []string{"a", "b"}},
		{"single_string", "solo", []string{"solo"}},
		{"blank_string", "  ", nil},
		{"nil", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, StringSlice(tc.in)); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
