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
	"golang.org/x/net/html/atom"

	"github.com/soypete/pedrochat/pkg/chat"
)

const (
	summarizerSystemPrompt = "You are the best at summarizing articles! Summarize the article for the user. Do not make anything up, just use the article contents."
	summarizerFailure      = "I'm sorry, I was unable to summarize that article. Please try again later."
	summarizerMessageID    = "summarize-article"

	// maxArticleBytes caps how much of a page is read.
	maxArticleBytes = 2 << 20
)

// OutOfBandSender runs a generation outside of any conversation history.
type OutOfBandSender interface {
	SendOutOfBand(ctx context.Context, req chat.OutOfBandRequest) (string, error)
}

// SummarizerConfig configures the article summarizer.
type SummarizerConfig struct {
	Sender     OutOfBandSender
	HTTPClient *http.Client
	UserAgent  string
	Logger     *zap.Logger
}

// Summarizer fetches an article, extracts its readable text and asks the
// model for a summary.
type Summarizer struct {
	sender    OutOfBandSender
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewSummarizer creates the summarize-article tool.
func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects (max %d)", 10)
				}
				return nil
			},
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pedrochat/1.0 (Article Summarizer)"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Summarizer{
		sender:    cfg.Sender,
		client:    cfg.HTTPClient,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

func (s *Summarizer) Descriptor() Descriptor {
	name := "Summarize Article"
	return Descriptor{
		ID:          ToolID(name),
		Name:        name,
		Description: "Summarize an article from the internet",
		Parameters: []ParameterSpec{
			{Name: "url", Description: "URL of the article that you want to summarize", Type: TypeString},
		},
	}
}

func (s *Summarizer) Run(ctx context.Context, rc RunContext, params []Parameter) (any, error) {
	raw, _ := Lookup(params, "url")
	articleURL, ok := raw.(string)
	if !ok || articleURL == "" {
		return nil, fmt.Errorf("parameter url must be a non-empty string")
	}

	s.logger.Info("summarizing article", zap.String("url", articleURL))

	page, err := s.fetch(ctx, articleURL)
	if err != nil {
		return nil, err
	}

	article, ok := ExtractArticle(page)
	if !ok {
		return summarizerFailure, nil
	}

	return s.sender.SendOutOfBand(ctx, chat.OutOfBandRequest{
		Message:            fmt.Sprintf("Can you summarize this article for me? The article is called \"%s\" and it's contents are: \"%s\"", article.Title, article.Text),
		SystemPrompt:       summarizerSystemPrompt,
		MessageID:          summarizerMessageID,
		AssistantMessageID: rc.AssistantMessageID,
		ConversationID:     rc.ConversationID,
		ModelPath:          rc.ModelPath,
		PromptOptions:      rc.PromptOptions,
	})
}

func (s *Summarizer) fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch article: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArticleBytes))
	if err != nil {
		return "", fmt.Errorf("read article: %w", err)
	}
	return string(body), nil
}

// Article is the readable part of a web page.
type Article struct {
	Title string
	Text  string
}

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Svg:      true,
	atom.Template: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Tr: true, atom.Blockquote: true, atom.Pre: true, atom.Section: true,
}

// ExtractArticle pulls the title and body text out of an HTML page. The
// <article> element wins over <main>, which wins over <body>. It reports
// false when no text was found.
func ExtractArticle(page string) (Article, bool) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return Article{}, false
	}

	var title string
	var article, mainEl, body *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.Article:
				if article == nil {
					article = n
				}
			case atom.Main:
				if mainEl == nil {
					mainEl = n
				}
			case atom.Body:
				body = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)

	root := body
	if mainEl != nil {
		root = mainEl
	}
	if article != nil {
		root = article
	}
	if root == nil {
		return Article{}, false
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			sb.WriteByte('\n')
		}
	}
	walk(root)

	text := normalizeWhitespace(sb.String())
	if text == "" {
		return Article{}, false
	}
	return Article{Title: title, Text: text}, true
}

// normalizeWhitespace collapses runs of spaces inside lines and drops blank lines.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
