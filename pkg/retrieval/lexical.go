package retrieval

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters; standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type lexicalDoc struct {
	id       string
	content  string
	metadata map[string]any
	terms    map[string]int
	length   int
}

// LexicalIndex is an in-memory BM25 keyword index over the same corpus the
// vector store holds. It is rebuilt from upserts at index time.
type LexicalIndex struct {
	mu sync.RWMutex

	docs map[string]*lexicalDoc

	// df counts how many documents contain each term.
	df map[string]int

	totalLength int
}

// NewLexicalIndex creates an empty index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{
		docs: make(map[string]*lexicalDoc),
		df:   make(map[string]int),
	}
}

// Add indexes a document, replacing any previous version.
func (idx *LexicalIndex) Add(id, content string, metadata map[string]any) {
	terms := termFrequencies(content)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.docs[id]; ok {
		idx.removeLocked(old)
	}

	doc := &lexicalDoc{
		id:       id,
		content:  content,
		metadata: metadata,
		terms:    terms,
	}
	for _, count := range terms {
		doc.length += count
	}

	idx.docs[id] = doc
	for term := range terms {
		idx.df[term]++
	}
	idx.totalLength += doc.length
}

// Remove drops a document from the index.
func (idx *LexicalIndex) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if doc, ok := idx.docs[id]; ok {
		idx.removeLocked(doc)
	}
}

func (idx *LexicalIndex) removeLocked(doc *lexicalDoc) {
	for term := range doc.terms {
		idx.df[term]--
		if idx.df[term] <= 0 {
			delete(idx.df, term)
		}
	}
	idx.totalLength -= doc.length
	delete(idx.docs, doc.id)
}

// Len returns the number of indexed documents.
func (idx *LexicalIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Search returns the topK BM25-scored documents for the query, restricted
// by exact-match metadata filters.
func (idx *LexicalIndex) Search(query string, topK int, filter map[string]any) []Document {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || topK <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.docs)
	if n == 0 {
		return nil
	}
	avgLength := float64(idx.totalLength) / float64(n)

	type scored struct {
		doc   *lexicalDoc
		score float64
	}
	var candidates []scored

	for _, doc := range idx.docs {
		if !matchesFilter(doc.metadata, filter) {
			continue
		}

		score := 0.0
		for _, term := range queryTerms {
			tf := doc.terms[term]
			if tf == 0 {
				continue
			}
			df := idx.df[term]
			idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
			norm := float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgLength))
			score += idf * norm
		}

		if score > 0 {
			candidates = append(candidates, scored{doc: doc, score: score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].doc.id < candidates[j].doc.id
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]Document, len(candidates))
	for i, c := range candidates {
		out[i] = Document{
			ID:       c.doc.id,
			Content:  c.doc.content,
			Metadata: c.doc.metadata,
			Score:    c.score,
		}
	}
	return out
}

// matchesFilter checks exact-match metadata filters; both sides compare as
// strings so numeric metadata matches its string form.
func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func termFrequencies(text string) map[string]int {
	terms := make(map[string]int)
	for _, token := range tokenize(text) {
		terms[token]++
	}
	return terms
}
