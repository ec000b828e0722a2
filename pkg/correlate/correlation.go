package correlate

import (
	"time"
)

// Type classifies a correlation. Classification is by strict precedence:
// same_agent beats same_type beats temporal beats data; weak is the
// fallback.
type Type string

const (
	TypeSameAgent Type = "same_agent"
	TypeSameType  Type = "same_type"
	TypeTemporal  Type = "temporal"
	TypeData      Type = "data"
	TypeWeak      Type = "weak"
)

// Correlation is a derived, confidence-scored relationship between two
// events. It is never authoritative.
type Correlation struct {
	SourceID         string        `json:"source_id"`
	TargetID         string        `json:"target_id"`
	Type             Type          `json:"type"`
	Confidence       float64       `json:"confidence"`
	TemporalDistance time.Duration `json:"temporal_distance"`

	// Metrics carries the three similarity components the confidence was
	// averaged from: temporal_similarity, data_similarity,
	// agent_similarity.
	Metrics map[string]float64 `json:"metrics"`
}

// Annotation records the timestamp adjustment derived for one event. The
// original timestamp is always preserved here; the ledger event itself is
// immutable.
type Annotation struct {
	EventID     string    `json:"event_id"`
	Original    time.Time `json:"original"`
	Adjusted    time.Time `json:"adjusted"`
	Uncertainty float64   `json:"uncertainty"`
}
