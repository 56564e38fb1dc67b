package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// =============================================================================
// KIWIX PROVIDER (offline wiki)
// =============================================================================

// KiwixProvider retrieves passages from a local Kiwix server's search
// endpoint. Each hit carries the zim id of its archive in Meta so the
// evidence gate can apply the per-archive allow-list.
type KiwixProvider struct {
	baseURL string
	books   []string // zim book names to search; empty = all
	client  *http.Client
}

// NewKiwixProvider creates a Kiwix search provider for a local server,
// e.g. http://localhost:8090.
func NewKiwixProvider(baseURL string, books []string) *KiwixProvider {
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	return &KiwixProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		books:   books,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

// Retrieve implements Provider.
func (p *KiwixProvider) Retrieve(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 6
	}
	if topK > 20 {
		topK = 20
	}

	params := url.Values{}
	params.Set("pattern", query)
	params.Set("pageLength", strconv.Itoa(topK))
	for _, b := range p.books {
		params.Add("books.name", b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiwix search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// No archives mounted: "no results", not an error.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kiwix search HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return p.parseSearchPage(string(body), topK)
}

// parseSearchPage extracts results from the Kiwix search results HTML.
// Result entries are anchors under div.results pointing at
// /viewer#<zim>/A/<article> (or /content/<zim>/A/<article> on older
// servers).
func (p *KiwixProvider) parseSearchPage(htmlContent string, maxResults int) ([]Result, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse kiwix HTML: %w", err)
	}

	var results []Result
	rank := 0
	inResults := false

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			cls := attrValue(n, "class")
			if strings.Contains(cls, "results") {
				inResults = true
				defer func() { inResults = false }()
			}
		}
		if inResults && n.Type == html.ElementNode && n.Data == "a" {
			href := attrValue(n, "href")
			title := textContent(n)
			if href != "" && title != "" {
				zimID, articlePath := splitKiwixPath(href)
				snippet := siblingSnippet(n)
				score := 1.0 - float64(rank)*0.05
				if score < 0.05 {
					score = 0.05
				}
				text := snippet
				if text == "" {
					text = title
				}
				results = append(results, Result{
					SourceType: SourceKiwix,
					RefID:      fmt.Sprintf("kiwix:%s", stableHash(href)),
					ChunkID:    int64(stableHashInt(href)),
					Title:      title,
					URL:        p.baseURL + href,
					Domain:     "kiwix",
					Score:      score,
					Text:       text,
					Meta: map[string]any{
						"zim_id":       zimID,
						"article_path": articlePath,
						"rank":         rank,
					},
				})
				rank++
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return results, nil
}

// splitKiwixPath extracts the zim book name and article path from a
// result href like /viewer#wikipedia_en_all/A/Anarchism.
func splitKiwixPath(href string) (zimID, article string) {
	s := href
	if idx := strings.Index(s, "#"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimPrefix(s, "/content/")
	s = strings.TrimPrefix(s, "/")
	parts := strings.SplitN(s, "/", 2)
	zimID = parts[0]
	if len(parts) == 2 {
		article = parts[1]
	}
	return zimID, article
}

// siblingSnippet returns the text of the cite/div snippet element that
// follows a result anchor, when the server renders one.
func siblingSnippet(n *html.Node) string {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type != html.ElementNode {
			continue
		}
		if s.Data == "cite" || s.Data == "div" || s.Data == "p" {
			if text := textContent(s); text != "" {
				return text
			}
		}
	}
	return ""
}
