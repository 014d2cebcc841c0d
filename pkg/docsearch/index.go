package docsearch

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Okapi BM25 parameters.
const (
	paramK1      = 1.2
	paramB       = 0.75
	paramEpsilon = 0.25
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize lowercases text and splits it into letter/digit runs, dropping
// single-character tokens.
func Tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := matches[:0]
	for _, m := range matches {
		if len([]rune(m)) >= 2 {
			tokens = append(tokens, m)
		}
	}
	return tokens
}

// pageIndex is an immutable BM25 index over the pages of one file.
type pageIndex struct {
	pages       []string
	termFreqs   []map[string]int
	lengths     []int
	avgLength   float64
	inverseFreq map[string]float64
}

func newPageIndex(pages []string) *pageIndex {
	idx := &pageIndex{
		pages:       pages,
		termFreqs:   make([]map[string]int, len(pages)),
		lengths:     make([]int, len(pages)),
		inverseFreq: make(map[string]float64),
	}

	docFreq := make(map[string]int)
	total := 0
	for i, page := range pages {
		tokens := Tokenize(page)
		idx.lengths[i] = len(tokens)
		total += len(tokens)

		tf := make(map[string]int)
		for _, tok := range tokens {
			if tf[tok] == 0 {
				docFreq[tok]++
			}
			tf[tok]++
		}
		idx.termFreqs[i] = tf
	}
	if len(pages) > 0 {
		idx.avgLength = float64(total) / float64(len(pages))
	}

	n := float64(len(pages))
	for term, f := range docFreq {
		idf := math.Log(1 + (n-float64(f)+0.5)/(float64(f)+0.5))
		if idf < 0 {
			idf = paramEpsilon
		}
		idx.inverseFreq[term] = idf
	}
	return idx
}

// search returns up to limit pages ranked by relevance. Page numbers are
// 1-based; ties keep page order.
func (idx *pageIndex) search(query string, limit int) []SearchResult {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 || idx.avgLength == 0 {
		return nil
	}

	var hits []SearchResult
	for i := range idx.pages {
		if s := idx.score(i, queryTokens); s > 0 {
			hits = append(hits, SearchResult{Contents: idx.pages[i], Page: i + 1, Score: s})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (idx *pageIndex) score(i int, queryTokens []string) float64 {
	tf := idx.termFreqs[i]
	docLen := float64(idx.lengths[i])

	var score float64
	for _, tok := range queryTokens {
		idf, ok := idx.inverseFreq[tok]
		if !ok {
			continue
		}
		f := float64(tf[tok])
		if f == 0 {
			continue
		}
		score += idf * f * (paramK1 + 1) / (f + paramK1*(1-paramB+paramB*docLen/idx.avgLength))
	}
	return score
}
