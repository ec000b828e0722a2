package correlate

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestPruneInvariant verifies the pruning contract for arbitrary
// confidence distributions: the retained set never exceeds the bound and
// every retained confidence is at least every discarded confidence.
func TestPruneInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	const maxCorrelations = 50

	properties.Property("prune keeps the top confidences", prop.ForAll(
		func(confidences []float64) bool {
			cfg := DefaultConfig()
			cfg.MaxCorrelations = maxCorrelations
			engine := NewEngine(&fakeSource{}, cfg)

			engine.mu.Lock()
			for _, c := range confidences {
				engine.correlations = append(engine.correlations, Correlation{Confidence: c})
			}
			engine.pruneLocked()
			retained := append([]Correlation(nil), engine.correlations...)
			engine.mu.Unlock()

			if len(retained) > maxCorrelations {
				return false
			}
			if len(confidences) <= maxCorrelations {
				return len(retained) == len(confidences)
			}

			kept := make(map[float64]int)
			minRetained := 2.0
			for _, c := range retained {
				kept[c.Confidence]++
				if c.Confidence < minRetained {
					minRetained = c.Confidence
				}
			}
			// Reconstruct the discarded multiset and compare against the
			// minimum retained confidence.
			for _, c := range confidences {
				if kept[c] > 0 {
					kept[c]--
					continue
				}
				if c > minRetained {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}
