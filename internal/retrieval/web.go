package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// =============================================================================
// WEB PROVIDER (DuckDuckGo HTML)
// =============================================================================

// WebProvider retrieves web search results via the DuckDuckGo HTML
// interface, which requires no API key. Snippets become passage text;
// full-page fetching is left to the engines behind the other providers.
type WebProvider struct {
	baseURL string
	client  *http.Client
}

// NewWebProvider creates a web search provider. An empty baseURL uses
// the public DuckDuckGo HTML endpoint.
func NewWebProvider(baseURL string) *WebProvider {
	if baseURL == "" {
		baseURL = "https://html.duckduckgo.com/html/"
	}
	return &WebProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Retrieve implements Provider.
func (p *WebProvider) Retrieve(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 8
	}
	if topK > 30 {
		topK = 30
	}

	searchURL := fmt.Sprintf("%s?q=%s", p.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseWebResults(string(body), topK)
}

// parseWebResults extracts search hits from DuckDuckGo result HTML.
func parseWebResults(htmlContent string, maxResults int) ([]Result, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var results []Result
	rank := 0

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			for _, attr := range n.Attr {
				if attr.Key == "class" && strings.Contains(attr.Val, "result") && strings.Contains(attr.Val, "results_links") {
					if r, ok := extractWebResult(n, rank); ok {
						results = append(results, r)
						rank++
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return results, nil
}

// extractWebResult pulls title/url/snippet out of one result div.
func extractWebResult(n *html.Node, rank int) (Result, bool) {
	var title, href, snippet string

	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "class" {
					continue
				}
				if strings.Contains(attr.Val, "result__a") {
					href = attrValue(n, "href")
					title = textContent(n)
				} else if strings.Contains(attr.Val, "result__snippet") {
					snippet = textContent(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)

	href = unwrapRedirect(href)
	if href == "" || title == "" {
		return Result{}, false
	}

	// Rank decay keeps provider-local ordering meaningful in the pool.
	score := 1.0 - float64(rank)*0.05
	if score < 0.05 {
		score = 0.05
	}

	text := snippet
	if text == "" {
		text = title
	}

	return Result{
		SourceType: SourceWeb,
		RefID:      fmt.Sprintf("web:%s", stableHash(href)),
		ChunkID:    int64(stableHashInt(href)),
		Title:      title,
		URL:        href,
		Domain:     domainOf(href),
		Score:      score,
		Text:       text,
		Meta:       map[string]any{"rank": rank},
	}, true
}

// unwrapRedirect resolves DuckDuckGo's /l/?uddg= redirect URLs.
func unwrapRedirect(href string) string {
	const prefix = "//duckduckgo.com/l/?uddg="
	if !strings.HasPrefix(href, prefix) {
		return href
	}
	decoded, err := url.QueryUnescape(strings.TrimPrefix(href, prefix))
	if err != nil {
		return href
	}
	if idx := strings.Index(decoded, "&"); idx > 0 {
		decoded = decoded[:idx]
	}
	return decoded
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func stableHash(s string) string {
	return fmt.Sprintf("%08x", stableHashInt(s))
}

func stableHashInt(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
