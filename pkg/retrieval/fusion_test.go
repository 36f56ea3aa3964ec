package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRF_DocInBothListsRanksFirst(t *testing.T) {
	semantic := []Document{
		{ID: "a", SemanticScore: 0.9},
		{ID: "b", SemanticScore: 0.8},
	}
	lexical := []Document{
		{ID: "b", Score: 3.2},
		{ID: "c", Score: 1.1},
	}

	fused := fuseRRF(semantic, lexical, 60, 10)
	require.Len(t, fused, 3)
	assert.Equal(t, "b", fused[0].ID, "document present in both lists should win")
}

func TestFuseRRF_TieBreaksOnSemanticScoreThenID(t *testing.T) {
	// a and b appear only in one list each at the same rank, producing
	// identical RRF scores.
	semantic := []Document{{ID: "b", SemanticScore: 0.7}}
	lexical := []Document{{ID: "a", Score: 2.0}}

	fused := fuseRRF(semantic, lexical, 60, 10)
	require.Len(t, fused, 2)
	assert.Equal(t, "b", fused[0].ID, "higher semantic score breaks the tie")

	// Same setup but no semantic score difference: ID breaks the tie.
	fused = fuseRRF([]Document{{ID: "z"}}, []Document{{ID: "a"}}, 60, 10)
	assert.Equal(t, "a", fused[0].ID)
}

func TestFuseRRF_Deterministic(t *testing.T) {
	semantic := []Document{
		{ID: "a", SemanticScore: 0.9}, {ID: "b", SemanticScore: 0.85}, {ID: "c", SemanticScore: 0.8},
	}
	lexical := []Document{
		{ID: "c", Score: 5}, {ID: "d", Score: 4}, {ID: "a", Score: 3},
	}

	first := fuseRRF(semantic, lexical, 60, 10)
	for i := 0; i < 10; i++ {
		again := fuseRRF(semantic, lexical, 60, 10)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].ID, again[j].ID)
		}
	}
}

func TestFuseRRF_TopKClamp(t *testing.T) {
	semantic := []Document{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	fused := fuseRRF(semantic, nil, 60, 2)
	assert.Len(t, fused, 2)
}

func TestFuseRRF_ScoreFormula(t *testing.T) {
	semantic := []Document{{ID: "a"}}
	lexical := []Document{{ID: "a"}}

	fused := fuseRRF(semantic, lexical, 60, 10)
	require.Len(t, fused, 1)
	// Rank 1 in both lists: 1/61 + 1/61.
	assert.InDelta(t, 2.0/61.0, fused[0].Score, 1e-9)
}
