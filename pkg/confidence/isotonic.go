package confidence

import (
	"sort"
	"sync"
)

// Sample is one historical (predicted score, observed outcome) pair.
// Outcome is 1 for answers users rated helpful, 0 otherwise.
type Sample struct {
	Score   float64
	Outcome float64
}

// Calibrator maps raw scores to calibrated probabilities with isotonic
// regression (pool adjacent violators). Below minSamples it is the
// identity map.
type Calibrator struct {
	minSamples int

	mu      sync.RWMutex
	xs      []float64
	ys      []float64
	samples []Sample
}

// NewCalibrator creates a calibrator gated on minSamples.
func NewCalibrator(minSamples int) *Calibrator {
	return &Calibrator{minSamples: minSamples}
}

// Observe adds a feedback sample and refits when past the gate.
func (c *Calibrator) Observe(sample Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, sample)
	if len(c.samples) >= c.minSamples {
		c.fitLocked()
	}
}

// ObserveAll bulk-loads samples (startup replay from the feedback table).
func (c *Calibrator) ObserveAll(samples []Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, samples...)
	if len(c.samples) >= c.minSamples {
		c.fitLocked()
	}
}

// Fitted reports whether the isotonic map is active.
func (c *Calibrator) Fitted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.xs) > 0
}

// Apply maps a raw score through the fitted isotonic curve, with linear
// interpolation between knots. Identity until fitted.
func (c *Calibrator) Apply(score float64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.xs) == 0 {
		return clamp01(score)
	}

	if score <= c.xs[0] {
		return c.ys[0]
	}
	if score >= c.xs[len(c.xs)-1] {
		return c.ys[len(c.ys)-1]
	}

	i := sort.SearchFloat64s(c.xs, score)
	// xs[i-1] < score <= xs[i]
	x0, x1 := c.xs[i-1], c.xs[i]
	y0, y1 := c.ys[i-1], c.ys[i]
	if x1 == x0 {
		return y1
	}
	t := (score - x0) / (x1 - x0)
	return y0 + t*(y1-y0)
}

// fitLocked runs pool adjacent violators over the samples sorted by score.
func (c *Calibrator) fitLocked() {
	sorted := make([]Sample, len(c.samples))
	copy(sorted, c.samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Score < sorted[j].Score
	})

	type block struct {
		sum    float64
		weight float64
		minX   float64
		maxX   float64
	}

	blocks := make([]block, 0, len(sorted))
	for _, s := range sorted {
		blocks = append(blocks, block{sum: s.Outcome, weight: 1, minX: s.Score, maxX: s.Score})

		// Merge while the monotonicity constraint is violated.
		for len(blocks) >= 2 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sum/prev.weight <= last.sum/last.weight {
				break
			}
			merged := block{
				sum:    prev.sum + last.sum,
				weight: prev.weight + last.weight,
				minX:   prev.minX,
				maxX:   last.maxX,
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, merged)
		}
	}

	xs := make([]float64, 0, len(blocks)*2)
	ys := make([]float64, 0, len(blocks)*2)
	for _, b := range blocks {
		mean := b.sum / b.weight
		xs = append(xs, b.minX, b.maxX)
		ys = append(ys, mean, mean)
	}

	// Deduplicate identical consecutive xs to keep SearchFloat64s sane.
	dedupXs := xs[:0]
	dedupYs := ys[:0]
	for i := range xs {
		if len(dedupXs) > 0 && xs[i] == dedupXs[len(dedupXs)-1] {
			dedupYs[len(dedupYs)-1] = ys[i]
			continue
		}
		dedupXs = append(dedupXs, xs[i])
		dedupYs = append(dedupYs, ys[i])
	}

	c.xs = dedupXs
	c.ys = dedupYs
}
