package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicalIndex_Search(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("doc-1", "the refund policy allows returns within 30 days", map[string]any{"domain": "billing"})
	idx.Add("doc-2", "shipping takes 3 to 5 business days", map[string]any{"domain": "shipping"})
	idx.Add("doc-3", "refunds are processed to the original payment method", map[string]any{"domain": "billing"})

	results := idx.Search("refund policy", 10, nil)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-1", results[0].ID, "document matching both terms should rank first")

	for _, doc := range results {
		assert.Greater(t, doc.Score, 0.0)
	}
}

func TestLexicalIndex_FilterRestrictsCandidates(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("doc-1", "refund policy details", map[string]any{"domain": "billing"})
	idx.Add("doc-2", "refund for damaged shipping boxes", map[string]any{"domain": "shipping"})

	results := idx.Search("refund", 10, map[string]any{"domain": "billing"})
	require.Len(t, results, 1)
	assert.Equal(t, "doc-1", results[0].ID)
}

func TestLexicalIndex_NoMatches(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("doc-1", "completely unrelated content", nil)

	assert.Empty(t, idx.Search("quantum chromodynamics", 10, nil))
	assert.Empty(t, idx.Search("", 10, nil))
}

func TestLexicalIndex_ReAddReplaces(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("doc-1", "old content about cats", nil)
	idx.Add("doc-1", "new content about dogs", nil)

	assert.Equal(t, 1, idx.Len())
	assert.Empty(t, idx.Search("cats", 10, nil))
	assert.Len(t, idx.Search("dogs", 10, nil), 1)
}

func TestLexicalIndex_Remove(t *testing.T) {
	idx := NewLexicalIndex()
	idx.Add("doc-1", "some content", nil)
	idx.Remove("doc-1")

	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Search("content", 10, nil))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, tokenize("Hello, World! 42"))
	assert.Empty(t, tokenize("!!! ..."))
}
