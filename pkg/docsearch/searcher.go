// Package docsearch answers questions about a user-selected file by
// retrieving its most relevant pages and folding them into the system prompt.
package docsearch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultTopK is how many pages are retrieved per question.
const DefaultTopK = 8

// SearchRequest asks for the pages of a file most relevant to a query.
type SearchRequest struct {
	FilePath string
	Query    string
	TopK     int
}

// SearchResult is one retrieved page.
type SearchResult struct {
	Contents string  `json:"contents"`
	Page     int     `json:"page"`
	Score    float64 `json:"score"`
}

// Searcher retrieves relevant pages of a file.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// UsesFilePrompt reports whether a selected file is answered through
// retrieval rather than attached as an image.
func UsesFilePrompt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".txt", ".md":
		return true
	}
	return false
}

const filePromptTemplate = `The following pieces of context are from a FILE the user provided. Use them to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer. Always include the PAGE of the CONTENTS used for the answer.

File Context:
%s

Question: %s
Helpful Answer:
`

// BuildFilePrompt searches filePath for message and renders the retrieved
// pages into a system prompt. With no results the fallback prompt is
// returned unchanged.
func BuildFilePrompt(ctx context.Context, searcher Searcher, filePath, message, fallback string) (string, error) {
	results, err := searcher.Search(ctx, SearchRequest{
		FilePath: filePath,
		Query:    message,
		TopK:     DefaultTopK,
	})
	if err != nil {
		return "", fmt.Errorf("search %s: %w", filePath, err)
	}
	if len(results) == 0 {
		return fallback, nil
	}

	var contents strings.Builder
	fmt.Fprintf(&contents, "FILE PATH: %s\n\n", filePath)
	for _, r := range results {
		fmt.Fprintf(&contents, "PAGE: %d\nCONTENTS: %s\n\n-----------------\n\n", r.Page, r.Contents)
	}

	return fmt.Sprintf(filePromptTemplate, contents.String(), message), nil
}
