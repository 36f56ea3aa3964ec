package confidence

import (
	"context"
	"log/slog"

	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/observability"
)

// Bucket labels a calibrated score range.
type Bucket string

const (
	BucketVeryHigh Bucket = "very_high"
	BucketHigh     Bucket = "high"
	BucketMedium   Bucket = "medium"
	BucketLow      Bucket = "low"
	BucketVeryLow  Bucket = "very_low"
)

// Input carries everything estimation looks at for one answer.
type Input struct {
	Query    string
	Answer   string
	LogProbs []float64
	Evidence []string

	// QueryVector and AnswerVector, when both set, drive the relevance
	// factor as embedding cosine similarity; otherwise relevance falls
	// back to term overlap.
	QueryVector  []float32
	AnswerVector []float32
}

// Estimator scores answers and assigns buckets.
type Estimator struct {
	cfg        *config.ConfidenceConfig
	calibrator *Calibrator
}

// NewEstimator creates an estimator with a fresh calibrator.
func NewEstimator(cfg *config.ConfidenceConfig) *Estimator {
	return &Estimator{
		cfg:        cfg,
		calibrator: NewCalibrator(cfg.CalibrationMinSamples),
	}
}

// Calibrator exposes the calibrator for feedback wiring.
func (e *Estimator) Calibrator() *Calibrator {
	return e.calibrator
}

// Estimate scores an answer. It never returns an error: anything
// unexpected degrades to the medium bucket with a diagnostic.
func (e *Estimator) Estimate(ctx context.Context, input Input) Assessment {
	assessment := e.estimate(input)

	observability.GetGlobalMetrics().RecordConfidence(ctx, string(assessment.Bucket), assessment.Calibrated)
	return assessment
}

func (e *Estimator) estimate(input Input) Assessment {
	if input.Answer == "" {
		slog.Warn("Confidence estimation received empty answer")
		return Assessment{
			Raw:        0.5,
			Calibrated: 0.5,
			Bucket:     BucketMedium,
			Diagnostic: "empty answer; defaulted to medium",
		}
	}

	var raw float64
	heuristicOnly := false

	if len(input.LogProbs) > 0 {
		raw = rawFromLogProbs(input.LogProbs)
	} else {
		heuristicOnly = true
		signals := measureSurface(input.Answer, input.Evidence)
		w := e.cfg.Heuristics
		raw = w.Hedging*signals.hedging +
			w.Contradiction*signals.contradiction +
			w.Citation*signals.citation +
			w.Evidence*signals.evidence
	}

	factuality := evidenceOverlap(input.Answer, input.Evidence)
	relevance := relevanceScore(input)
	coherence := coherenceScore(input.Answer)

	// Blend: the raw model signal dominates; quality factors adjust.
	blended := clamp01(0.6*raw + 0.15*factuality + 0.15*relevance + 0.1*coherence)

	calibrated := clamp01(e.calibrator.Apply(blended))

	return Assessment{
		Raw:           blended,
		Factuality:    factuality,
		Relevance:     relevance,
		Coherence:     coherence,
		Calibrated:    calibrated,
		Bucket:        e.bucketFor(calibrated),
		HeuristicOnly: heuristicOnly,
	}
}

func (e *Estimator) bucketFor(score float64) Bucket {
	b := e.cfg.Buckets
	switch {
	case score >= b.VeryHigh:
		return BucketVeryHigh
	case score >= b.High:
		return BucketHigh
	case score >= b.Medium:
		return BucketMedium
	case score >= b.Low:
		return BucketLow
	default:
		return BucketVeryLow
	}
}
