package confidence

import (
	"fmt"
	"strings"

	"github.com/meridianhq/meridian/pkg/config"
)

// Delivery is the confidence-shaped form of an answer.
type Delivery struct {
	Text string

	// Evidence holds supporting snippets attached for lower buckets.
	Evidence []string

	// Alternatives offers hedged restatements for very low confidence.
	Alternatives []string
}

// ShapeDelivery adapts an answer to its confidence bucket under a
// delivery profile. Higher buckets pass through untouched; lower buckets
// gain prefaces, evidence, and alternatives per the profile.
func ShapeDelivery(answer string, assessment Assessment, evidence []string, profile *config.DeliveryProfileConfig) Delivery {
	if profile == nil {
		profile = &config.DeliveryProfileConfig{}
	}

	delivery := Delivery{Text: answer}

	switch assessment.Bucket {
	case BucketVeryHigh, BucketHigh:
		return delivery

	case BucketMedium:
		if profile.EvidenceSnippets {
			delivery.Evidence = snippets(evidence, 2)
		}
		return delivery

	case BucketLow:
		if profile.LowConfidencePreface {
			delivery.Text = fmt.Sprintf("I'm not fully certain, but here is my best answer: %s", answer)
		}
		if profile.EvidenceSnippets {
			delivery.Evidence = snippets(evidence, 3)
		}
		return delivery

	default: // very_low
		if profile.LowConfidencePreface {
			delivery.Text = fmt.Sprintf("I have low confidence in this answer; please verify independently. %s", answer)
		}
		if profile.EvidenceSnippets {
			delivery.Evidence = snippets(evidence, 3)
		}
		if profile.Alternatives {
			delivery.Alternatives = []string{
				"Consider rephrasing the question with more specifics.",
				"The retrieved sources may not cover this topic.",
			}
		}
		return delivery
	}
}

// snippets truncates evidence passages for attachment.
func snippets(evidence []string, limit int) []string {
	if len(evidence) > limit {
		evidence = evidence[:limit]
	}
	out := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		ev = strings.TrimSpace(ev)
		if len(ev) > 240 {
			ev = ev[:240] + "..."
		}
		if ev != "" {
			out = append(out, ev)
		}
	}
	return out
}
