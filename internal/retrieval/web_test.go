package retrieval

import "testing"

const sampleResultsHTML = `
<html><body>
<div class="serp__results">
  <div class="result results_links results_links_deep web-result">
    <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.org%2Fa&amp;rut=abc">Example Page A</a>
    <a class="result__snippet" href="https://example.org/a">Snippet text for page A.</a>
  </div>
  <div class="result results_links results_links_deep web-result">
    <a class="result__a" href="https://example.com/b">Example Page B</a>
    <a class="result__snippet" href="https://example.com/b">Snippet for B.</a>
  </div>
</div>
</body></html>`

func TestParseWebResults(t *testing.T) {
	results, err := parseWebResults(sampleResultsHTML, 10)
	if err != nil {
		t.Fatalf("parseWebResults error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if results[0].URL != "https://example.org/a" {
		t.Fatalf("redirect not unwrapped: %q", results[0].URL)
	}
	if results[0].Title != "Example Page A" {
		t.Fatalf("title = %q", results[0].Title)
	}
	if results[0].Text != "Snippet text for page A." {
		t.Fatalf("text = %q", results[0].Text)
	}
	if results[0].Domain != "example.org" {
		t.Fatalf("domain = %q", results[0].Domain)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("rank decay missing: %v vs %v", results[0].Score, results[1].Score)
	}
	if results[0].SourceType != SourceWeb {
		t.Fatalf("source type = %q", results[0].SourceType)
	}
}

func TestParseWebResults_MaxResults(t *testing.T) {
	results, err := parseWebResults(sampleResultsHTML, 1)
	if err != nil {
		t.Fatalf("parseWebResults error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestSplitKiwixPath(t *testing.T) {
	cases := []struct {
		href    string
		zim     string
		article string
	}{
		{"/viewer#wikipedia_en_all/A/Anarchism", "wikipedia_en_all", "A/Anarchism"},
		{"/content/wiktionary_en/A/word", "wiktionary_en", "A/word"},
		{"plainbook/A/Page", "plainbook", "A/Page"},
	}
	for _, tc := range cases {
		zim, article := splitKiwixPath(tc.href)
		if zim != tc.zim || article != tc.article {
			t.Fatalf("splitKiwixPath(%q) = (%q, %q), want (%q, %q)", tc.href, zim, article, tc.zim, tc.article)
		}
	}
}

func TestVectorRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d", len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if decodeVector([]byte{1, 2, 3}) != nil {
		t.Fatal("misaligned buffer should decode to nil")
	}
}
