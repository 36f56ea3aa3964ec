// Package confidence estimates how trustworthy a generated answer is.
//
// The pipeline: a raw score from token log probabilities (or surface
// heuristics when the model exposes none), quality factors blended in,
// isotonic calibration against historical feedback, then bucketing.
// Estimation never fails a query: internal errors collapse to the medium
// bucket with a diagnostic.
package confidence

import (
	"math"
	"regexp"
	"strings"

	"github.com/meridianhq/meridian/pkg/cache"
)

// Assessment is the outcome of confidence estimation for one answer.
type Assessment struct {
	// Raw is the pre-calibration score in [0,1].
	Raw float64

	// Quality factors, each in [0,1].
	Factuality float64
	Relevance  float64
	Coherence  float64

	// Calibrated is the post-calibration score in [0,1].
	Calibrated float64

	Bucket Bucket

	// HeuristicOnly is set when no log probabilities were available and
	// the raw score came from surface heuristics.
	HeuristicOnly bool

	// Diagnostic explains a degraded estimate (estimator error path).
	Diagnostic string
}

// rawFromLogProbs scores from per-token log probabilities: the mean of
// per-token probabilities exp(lp).
func rawFromLogProbs(logProbs []float64) float64 {
	if len(logProbs) == 0 {
		return 0
	}
	sum := 0.0
	for _, lp := range logProbs {
		sum += math.Exp(lp)
	}
	return clamp01(sum / float64(len(logProbs)))
}

var hedgeWords = []string{
	"maybe", "perhaps", "possibly", "might", "unclear", "uncertain",
	"not sure", "i think", "it seems", "probably", "could be",
	"unsure", "presumably", "allegedly",
}

var contradictionMarkers = []string{
	"however", "on the other hand", "but actually", "contradict",
	"conversely", "despite this",
}

var citationPattern = regexp.MustCompile(`\[[0-9]+\]|\[\^[0-9]+\]|\(source[:)]|according to`)

// surfaceSignals are the heuristic inputs scored from answer text alone.
type surfaceSignals struct {
	hedging       float64 // 1 = no hedging
	contradiction float64 // 1 = no contradiction markers
	citation      float64 // 1 = citations present
	evidence      float64 // 1 = strong evidence overlap
}

func measureSurface(answer string, evidence []string) surfaceSignals {
	lower := strings.ToLower(answer)
	words := len(strings.Fields(answer))
	if words == 0 {
		words = 1
	}

	hedges := 0
	for _, h := range hedgeWords {
		hedges += strings.Count(lower, h)
	}
	// Density-scaled: a couple of hedges in a long answer barely matters.
	hedging := clamp01(1 - float64(hedges)*8/float64(words))

	contradictions := 0
	for _, m := range contradictionMarkers {
		contradictions += strings.Count(lower, m)
	}
	contradiction := clamp01(1 - float64(contradictions)*0.35)

	citation := 0.0
	if citationPattern.MatchString(lower) {
		citation = 1.0
	}

	return surfaceSignals{
		hedging:       hedging,
		contradiction: contradiction,
		citation:      citation,
		evidence:      evidenceOverlap(answer, evidence),
	}
}

// evidenceOverlap measures how much of the answer's content vocabulary
// appears in the retrieved evidence.
func evidenceOverlap(answer string, evidence []string) float64 {
	answerTerms := contentTerms(answer)
	if len(answerTerms) == 0 {
		return 0
	}

	evidenceTerms := make(map[string]bool)
	for _, ev := range evidence {
		for term := range contentTerms(ev) {
			evidenceTerms[term] = true
		}
	}
	if len(evidenceTerms) == 0 {
		return 0
	}

	matched := 0
	for term := range answerTerms {
		if evidenceTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(answerTerms))
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "to": true, "of": true, "and": true, "or": true,
	"in": true, "on": true, "at": true, "for": true, "with": true, "it": true,
	"this": true, "that": true, "as": true, "by": true, "from": true,
}

func contentTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.Trim(field, ".,;:!?()[]\"'")
		if len(term) < 3 || stopWords[term] {
			continue
		}
		terms[term] = true
	}
	return terms
}

// relevanceScore measures how well the answer addresses the query:
// embedding cosine similarity rescaled to [0,1] when both vectors are
// present, content-term overlap otherwise.
func relevanceScore(input Input) float64 {
	if len(input.QueryVector) > 0 && len(input.AnswerVector) > 0 {
		return clamp01((cache.CosineSimilarity(input.QueryVector, input.AnswerVector) + 1) / 2)
	}

	queryTerms := contentTerms(input.Query)
	if len(queryTerms) == 0 {
		return 0.5
	}
	answerTerms := contentTerms(input.Answer)

	matched := 0
	for term := range queryTerms {
		if answerTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// coherenceScore penalizes heavy repetition and degenerate sentence
// structure.
func coherenceScore(answer string) float64 {
	words := strings.Fields(strings.ToLower(answer))
	if len(words) < 3 {
		return 0.5
	}

	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	diversity := float64(len(unique)) / float64(len(words))

	// Typical prose sits around 0.5-0.8 diversity; scale so that range
	// maps near 1.0 and degenerate repetition drops sharply.
	return clamp01(diversity * 1.4)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
