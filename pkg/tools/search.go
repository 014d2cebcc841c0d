package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	// DuckDuckGoURL is the HTML endpoint that needs no API key.
	DuckDuckGoURL = "https://html.duckduckgo.com/html/"

	defaultSites = 5
	maxSites     = 10
	maxPageBytes = 2 << 20
)

// SearchConfig configures the web search tool.
type SearchConfig struct {
	// BaseURL is the DuckDuckGo HTML endpoint. Defaults to DuckDuckGoURL.
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Logger     *zap.Logger
}

// SearchResult is one hit on the results page.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearch lists the websites DuckDuckGo returns for a query.
type WebSearch struct {
	baseURL   string
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewWebSearch creates the search-results tool.
func NewWebSearch(cfg SearchConfig) *WebSearch {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DuckDuckGoURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pedrochat/1.0 (Web Search)"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &WebSearch{
		baseURL:   cfg.BaseURL,
		client:    cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

func (s *WebSearch) Descriptor() Descriptor {
	name := "Search Results"
	return Descriptor{
		ID:          ToolID(name),
		Name:        name,
		Description: "Search the web for websites related to your query.",
		Parameters: []ParameterSpec{
			{Name: "query", Description: "The search query for the websites you are looking for.", Type: TypeString},
			{Name: "numberOfSites", Description: "The number of sites you want to return. Default 5.", Type: TypeNumber, Optional: true},
		},
	}
}

func (s *WebSearch) Run(ctx context.Context, _ RunContext, params []Parameter) (any, error) {
	raw, _ := Lookup(params, "query")
	query, ok := raw.(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("parameter query must be a non-empty string")
	}
	n, err := numberParam(params, "numberOfSites", defaultSites)
	if err != nil {
		return nil, err
	}
	limit := int(n)
	if limit < 1 {
		limit = defaultSites
	}
	if limit > maxSites {
		limit = maxSites
	}

	results, err := s.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	s.logger.Info("web search finished",
		zap.String("query", query),
		zap.Int("results", len(results)))
	return FormatResults(results), nil
}

// Search fetches the results page for query and returns up to limit hits.
func (s *WebSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	searchURL := s.baseURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}
	return ParseResults(doc, limit), nil
}

// ParseResults walks a DuckDuckGo HTML results page. Titles come from
// result__a links and snippets from the result__snippet element that
// follows them. Ads and links back to DuckDuckGo are skipped.
func ParseResults(doc *html.Node, limit int) []SearchResult {
	var results []SearchResult
	var current *SearchResult

	var walk func(*html.Node, bool)
	walk = func(n *html.Node, ad bool) {
		if n.Type == html.ElementNode {
			classes := attr(n, "class")
			ad = ad || hasClass(classes, "result--ad")
			switch {
			case n.Data == "a" && hasClass(classes, "result__a"):
				current = nil
				link := resultURL(attr(n, "href"))
				if ad || link == "" {
					return
				}
				results = append(results, SearchResult{Title: textOf(n), URL: link})
				current = &results[len(results)-1]
				return
			case hasClass(classes, "result__snippet"):
				if current != nil {
					current.Snippet = textOf(n)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, ad)
		}
	}
	walk(doc, false)

	var out []SearchResult
	for _, r := range results {
		if r.Title == "" {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

// resultURL unwraps the //duckduckgo.com/l/?uddg= redirect.
func resultURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Host == "" || strings.HasSuffix(u.Hostname(), "duckduckgo.com") {
		return ""
	}
	return href
}

// FormatResults renders hits as "title (url)" followed by the snippet.
func FormatResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("%s (%s)\n\n%s\n", r.Title, r.URL, r.Snippet))
	}
	return strings.Join(parts, "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(classes, class string) bool {
	for _, c := range strings.Fields(classes) {
		if c == class {
			return true
		}
	}
	return false
}

// textOf joins the text below n with single spaces.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
