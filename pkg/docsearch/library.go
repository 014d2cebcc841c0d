package docsearch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultPageRunes is the page size used for text without form feeds.
const DefaultPageRunes = 2000

// ErrNotIndexed is returned when a file has no text to search.
var ErrNotIndexed = errors.New("file has no searchable text")

// Library is a Searcher that indexes files on first use and keeps the
// indexes in memory.
//
// Text files are read directly. A PDF is searched through the plain text
// pdftotext writes next to it (report.pdf -> report.txt). Form feeds split
// pages; text without them is cut into DefaultPageRunes chunks.
type Library struct {
	pageRunes int
	logger    *zap.Logger

	mu      sync.Mutex
	indexes map[string]*pageIndex
}

// LibraryConfig configures a Library.
type LibraryConfig struct {
	PageRunes int
	Logger    *zap.Logger
}

// NewLibrary creates an empty library.
func NewLibrary(cfg LibraryConfig) *Library {
	if cfg.PageRunes <= 0 {
		cfg.PageRunes = DefaultPageRunes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Library{
		pageRunes: cfg.PageRunes,
		logger:    cfg.Logger,
		indexes:   make(map[string]*pageIndex),
	}
}

// Add indexes pages for a file, replacing any earlier index.
func (l *Library) Add(filePath string, pages []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.indexes[filePath] = newPageIndex(pages)
}

// Forget drops the index of a file.
func (l *Library) Forget(filePath string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.indexes, filePath)
}

// Search implements Searcher.
func (l *Library) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx, err := l.index(req.FilePath)
	if err != nil {
		return nil, err
	}

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	results := idx.search(req.Query, topK)
	l.logger.Debug("file search",
		zap.String("file", req.FilePath),
		zap.Int("pages", len(idx.pages)),
		zap.Int("results", len(results)))
	return results, nil
}

func (l *Library) index(filePath string) (*pageIndex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.indexes[filePath]; ok {
		return idx, nil
	}

	source := TextSource(filePath)
	data, err := os.ReadFile(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotIndexed, source)
		}
		return nil, fmt.Errorf("read %s: %w", source, err)
	}

	idx := newPageIndex(SplitPages(string(data), l.pageRunes))
	l.indexes[filePath] = idx
	return idx, nil
}

// TextSource returns the file holding the searchable text of path.
func TextSource(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
	}
	return path
}

// SplitPages splits text on form feeds, or into chunks of at most pageRunes
// runes broken at line ends when there are none. Blank pages are dropped.
func SplitPages(text string, pageRunes int) []string {
	var raw []string
	if strings.Contains(text, "\f") {
		raw = strings.Split(text, "\f")
	} else {
		raw = chunkLines(text, pageRunes)
	}

	pages := raw[:0]
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}
	return pages
}

func chunkLines(text string, pageRunes int) []string {
	var chunks []string
	var cur strings.Builder
	curRunes := 0

	for _, line := range strings.SplitAfter(text, "\n") {
		n := len([]rune(line))
		if curRunes > 0 && curRunes+n > pageRunes {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curRunes = 0
		}
		cur.WriteString(line)
		curRunes += n
	}
	if curRunes > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
