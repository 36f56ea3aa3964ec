package retrieval

import (
	"sort"
)

// fuseRRF merges semantic and lexical candidate lists with reciprocal rank
// fusion: score(d) = sum over lists of 1/(c + rank_d). Ties break on raw
// semantic score, then on document ID, so ordering is deterministic.
func fuseRRF(semantic, lexical []Document, c, topK int) []Document {
	type fused struct {
		doc   Document
		score float64
	}

	byID := make(map[string]*fused)

	for rank, doc := range semantic {
		byID[doc.ID] = &fused{
			doc:   doc,
			score: 1.0 / float64(c+rank+1),
		}
	}

	for rank, doc := range lexical {
		contribution := 1.0 / float64(c+rank+1)
		if entry, ok := byID[doc.ID]; ok {
			entry.score += contribution
			// Keep the semantic copy's similarity for tie-breaking but
			// fill content/metadata from whichever list has them.
			if entry.doc.Content == "" {
				entry.doc.Content = doc.Content
			}
		} else {
			byID[doc.ID] = &fused{doc: doc, score: contribution}
		}
	}

	merged := make([]fused, 0, len(byID))
	for _, entry := range byID {
		merged = append(merged, *entry)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		if merged[i].doc.SemanticScore != merged[j].doc.SemanticScore {
			return merged[i].doc.SemanticScore > merged[j].doc.SemanticScore
		}
		return merged[i].doc.ID < merged[j].doc.ID
	})

	if len(merged) > topK {
		merged = merged[:topK]
	}

	out := make([]Document, len(merged))
	for i, entry := range merged {
		doc := entry.doc
		doc.Score = entry.score
		out[i] = doc
	}
	return out
}
