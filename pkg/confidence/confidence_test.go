package confidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/config"
)

func testConfig() *config.ConfidenceConfig {
	cfg := &config.ConfidenceConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestRawFromLogProbs(t *testing.T) {
	// exp(0) = 1 for every token: certain.
	assert.InDelta(t, 1.0, rawFromLogProbs([]float64{0, 0, 0}), 1e-9)

	// Very negative log probs: near zero.
	assert.Less(t, rawFromLogProbs([]float64{-8, -9, -10}), 0.001)

	assert.Equal(t, 0.0, rawFromLogProbs(nil))
}

func TestEstimate_LogProbsPath(t *testing.T) {
	e := NewEstimator(testConfig())

	confident := e.Estimate(context.Background(), Input{
		Query:    "what is the refund window",
		Answer:   "The refund window is 30 days from the purchase date.",
		LogProbs: []float64{-0.01, -0.02, -0.05, -0.01},
		Evidence: []string{"The refund window is 30 days from the purchase date."},
	})
	assert.False(t, confident.HeuristicOnly)

	shaky := e.Estimate(context.Background(), Input{
		Query:    "what is the refund window",
		Answer:   "The refund window is 30 days from the purchase date.",
		LogProbs: []float64{-3.5, -4.0, -2.9, -5.1},
		Evidence: []string{"The refund window is 30 days from the purchase date."},
	})

	assert.Greater(t, confident.Calibrated, shaky.Calibrated)
}

func TestEstimate_HeuristicFallback(t *testing.T) {
	e := NewEstimator(testConfig())

	grounded := e.Estimate(context.Background(), Input{
		Query:    "refund window",
		Answer:   "The refund window is 30 days [1].",
		Evidence: []string{"Our refund window is 30 days for all products."},
	})
	assert.True(t, grounded.HeuristicOnly)

	hedged := e.Estimate(context.Background(), Input{
		Query:  "refund window",
		Answer: "Maybe it could be possibly around some days, I think, but unclear.",
	})
	assert.True(t, hedged.HeuristicOnly)
	assert.Greater(t, grounded.Calibrated, hedged.Calibrated)
}

func TestEstimate_NeverFails(t *testing.T) {
	e := NewEstimator(testConfig())

	a := e.Estimate(context.Background(), Input{})
	assert.Equal(t, BucketMedium, a.Bucket)
	assert.NotEmpty(t, a.Diagnostic)
	assert.InDelta(t, 0.5, a.Calibrated, 1e-9)
}

func TestBucketFor(t *testing.T) {
	e := NewEstimator(testConfig())

	tests := []struct {
		score float64
		want  Bucket
	}{
		{0.95, BucketVeryHigh},
		{0.85, BucketVeryHigh},
		{0.80, BucketHigh},
		{0.70, BucketHigh},
		{0.60, BucketMedium},
		{0.50, BucketMedium},
		{0.40, BucketLow},
		{0.30, BucketLow},
		{0.10, BucketVeryLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.bucketFor(tt.score), "score %.2f", tt.score)
	}
}

func TestCalibrator_IdentityBelowGate(t *testing.T) {
	c := NewCalibrator(50)

	for i := 0; i < 10; i++ {
		c.Observe(Sample{Score: 0.9, Outcome: 0})
	}

	assert.False(t, c.Fitted())
	assert.InDelta(t, 0.42, c.Apply(0.42), 1e-9)
}

func TestCalibrator_Monotone(t *testing.T) {
	c := NewCalibrator(10)

	// Noisy but increasing relationship between score and outcome.
	samples := []Sample{
		{0.1, 0}, {0.15, 0}, {0.2, 1}, {0.25, 0}, {0.3, 0},
		{0.4, 1}, {0.45, 0}, {0.5, 1}, {0.55, 1}, {0.6, 0},
		{0.7, 1}, {0.75, 1}, {0.8, 1}, {0.85, 0}, {0.9, 1},
		{0.95, 1},
	}
	c.ObserveAll(samples)
	require.True(t, c.Fitted())

	prev := -1.0
	for s := 0.0; s <= 1.0; s += 0.05 {
		got := c.Apply(s)
		assert.GreaterOrEqual(t, got+1e-12, prev, "calibrated output must be monotone at %.2f", s)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
		prev = got
	}
}

func TestCalibrator_PerfectSignal(t *testing.T) {
	c := NewCalibrator(4)
	c.ObserveAll([]Sample{
		{0.2, 0}, {0.3, 0}, {0.7, 1}, {0.8, 1},
	})

	assert.InDelta(t, 0.0, c.Apply(0.1), 1e-9)
	assert.InDelta(t, 1.0, c.Apply(0.9), 1e-9)
}

func TestShapeDelivery(t *testing.T) {
	profile := &config.DeliveryProfileConfig{
		LowConfidencePreface: true,
		EvidenceSnippets:     true,
		Alternatives:         true,
	}
	evidence := []string{"snippet one", "snippet two", "snippet three", "snippet four"}

	t.Run("high confidence passes through", func(t *testing.T) {
		d := ShapeDelivery("answer", Assessment{Bucket: BucketHigh}, evidence, profile)
		assert.Equal(t, "answer", d.Text)
		assert.Empty(t, d.Evidence)
		assert.Empty(t, d.Alternatives)
	})

	t.Run("medium attaches evidence", func(t *testing.T) {
		d := ShapeDelivery("answer", Assessment{Bucket: BucketMedium}, evidence, profile)
		assert.Equal(t, "answer", d.Text)
		assert.Len(t, d.Evidence, 2)
	})

	t.Run("low prefaces and attaches evidence", func(t *testing.T) {
		d := ShapeDelivery("answer", Assessment{Bucket: BucketLow}, evidence, profile)
		assert.Contains(t, d.Text, "not fully certain")
		assert.Len(t, d.Evidence, 3)
	})

	t.Run("very low adds alternatives", func(t *testing.T) {
		d := ShapeDelivery("answer", Assessment{Bucket: BucketVeryLow}, evidence, profile)
		assert.Contains(t, d.Text, "low confidence")
		assert.NotEmpty(t, d.Alternatives)
	})

	t.Run("terse profile skips extras", func(t *testing.T) {
		terse := &config.DeliveryProfileConfig{LowConfidencePreface: true}
		d := ShapeDelivery("answer", Assessment{Bucket: BucketVeryLow}, evidence, terse)
		assert.Empty(t, d.Evidence)
		assert.Empty(t, d.Alternatives)
	})
}

func TestRelevanceScore(t *testing.T) {
	v := []float32{1, 0}
	opposite := []float32{-1, 0}
	orthogonal := []float32{0, 1}

	// Cosine similarity rescaled to [0,1] when both vectors are present.
	assert.InDelta(t, 1.0, relevanceScore(Input{QueryVector: v, AnswerVector: v}), 1e-6)
	assert.InDelta(t, 0.0, relevanceScore(Input{QueryVector: v, AnswerVector: opposite}), 1e-6)
	assert.InDelta(t, 0.5, relevanceScore(Input{QueryVector: v, AnswerVector: orthogonal}), 1e-6)

	// Missing vectors fall back to content-term overlap.
	overlap := relevanceScore(Input{
		Query:  "refund window length",
		Answer: "the refund window is thirty days",
	})
	assert.Greater(t, overlap, 0.5)
	assert.InDelta(t, 0.5, relevanceScore(Input{Query: "", Answer: "anything"}), 1e-9)
}

func TestEstimate_VectorRelevance(t *testing.T) {
	e := NewEstimator(testConfig())
	v := []float32{0.6, 0.8}

	a := e.Estimate(context.Background(), Input{
		Query:        "what is the refund window",
		Answer:       "Returns are accepted for thirty days.",
		QueryVector:  v,
		AnswerVector: v,
	})
	assert.InDelta(t, 1.0, a.Relevance, 1e-6, "aligned embeddings score full relevance despite low term overlap")
}

func TestEvidenceOverlap(t *testing.T) {
	full := evidenceOverlap(
		"refund window lasts thirty days",
		[]string{"our refund window lasts thirty days exactly"},
	)
	assert.Greater(t, full, 0.9)

	none := evidenceOverlap("quantum entanglement basics", []string{"refund policy details"})
	assert.Equal(t, 0.0, none)

	assert.Equal(t, 0.0, evidenceOverlap("anything", nil))
}
