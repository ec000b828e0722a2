package correlate

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/accordlabs/accord/pkg/ledger"
	"github.com/accordlabs/accord/pkg/observability"
)

// EventSource is the read-only view of the ledger the engine consumes. The
// engine never mutates ledger state.
type EventSource interface {
	EventsInRange(from, to time.Time) []*ledger.Event
	Event(id string) (*ledger.Event, bool)
}

// Config tunes the correlation engine.
type Config struct {
	// Window is how far back the engine looks for related events.
	Window time.Duration `json:"window"`

	// MinConfidence is the retention floor for correlations.
	MinConfidence float64 `json:"min_confidence"`

	// MaxCorrelations bounds the retained set; overflow is pruned by
	// lowest confidence.
	MaxCorrelations int `json:"max_correlations"`

	// HighSimilarity is the component threshold for classifying a
	// correlation as temporal or data.
	HighSimilarity float64 `json:"high_similarity"`

	// MaxAdjust caps the timestamp nudge regardless of uncertainty.
	MaxAdjust time.Duration `json:"max_adjust"`

	// Eps and MinSamples parameterize density clustering.
	Eps        float64 `json:"eps"`
	MinSamples int     `json:"min_samples"`
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() *Config {
	return &Config{
		Window:          5 * time.Second,
		MinConfidence:   0.8,
		MaxCorrelations: 1000,
		HighSimilarity:  0.8,
		MaxAdjust:       250 * time.Millisecond,
		Eps:             0.5,
		MinSamples:      2,
	}
}

// Engine scores correlations and clusters events. It owns the correlation
// and cluster sets; the ledger owns the events.
type Engine struct {
	source  EventSource
	cfg     *Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu           sync.Mutex
	correlations []Correlation
	annotations  map[string]Annotation
	labelByEvent map[string]string
	members      map[string][]string
	labelSeq     int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger installs a logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics installs metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a correlation engine over the given event source.
func NewEngine(source EventSource, cfg *Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		source:       source,
		cfg:          cfg,
		logger:       slog.Default(),
		metrics:      observability.Nop(),
		annotations:  make(map[string]Annotation),
		labelByEvent: make(map[string]string),
		members:      make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessEvent runs the full correlation pass for one event: timestamp
// adjustment, pairwise scoring, clustering, and pruning. It returns the
// derived annotation and the correlations retained for this event.
func (e *Engine) ProcessEvent(ctx context.Context, event *ledger.Event) (Annotation, []Correlation) {
	window := e.windowEvents(event)

	ann := e.adjustTimestamp(event, window)

	var found []Correlation
	for _, other := range window {
		if corr, ok := e.score(event, other); ok {
			found = append(found, corr)
		}
	}

	e.mu.Lock()
	e.annotations[event.ID] = ann
	e.correlations = append(e.correlations, found...)
	e.clusterLocked(event, found)
	e.pruneLocked()
	e.mu.Unlock()

	if len(found) > 0 {
		e.metrics.CorrelationsFound(ctx, len(found))
		e.logger.Debug("correlations found", "event_id", event.ID, "count", len(found))
	}
	return ann, found
}

// windowEvents fetches ledger events in [t-window, t], excluding the event
// itself.
func (e *Engine) windowEvents(event *ledger.Event) []*ledger.Event {
	all := e.source.EventsInRange(event.Timestamp.Add(-e.cfg.Window), event.Timestamp)
	out := all[:0]
	for _, other := range all {
		if other.ID != event.ID {
			out = append(out, other)
		}
	}
	return out
}

// adjustTimestamp estimates temporal uncertainty with a 1-D KDE over the
// absolute gaps to every window event, evaluated at zero gap, and nudges
// the adjusted timestamp toward the nearest neighbor in proportion. The
// nudge is bounded by MaxAdjust and by half the gap to the neighbor; the
// original timestamp is always preserved in the annotation.
func (e *Engine) adjustTimestamp(event *ledger.Event, window []*ledger.Event) Annotation {
	ann := Annotation{
		EventID:  event.ID,
		Original: event.Timestamp,
		Adjusted: event.Timestamp,
	}
	if len(window) == 0 {
		return ann
	}

	gaps := make([]float64, 0, len(window))
	var nearest *ledger.Event
	nearestGap := math.Inf(1)
	for _, other := range window {
		gap := math.Abs(event.Timestamp.Sub(other.Timestamp).Seconds())
		gaps = append(gaps, gap)
		if gap < nearestGap {
			nearestGap = gap
			nearest = other
		}
	}

	density := kdeAt(gaps, silvermanBandwidth(gaps), 0)
	// Map the raw density (events per second, unbounded above) onto [0,1).
	uncertainty := density / (1 + density)
	ann.Uncertainty = uncertainty

	shift := time.Duration(uncertainty * nearestGap * float64(time.Second))
	if half := time.Duration(nearestGap * float64(time.Second) / 2); shift > half {
		shift = half
	}
	if shift > e.cfg.MaxAdjust {
		shift = e.cfg.MaxAdjust
	}
	if nearest.Timestamp.Before(event.Timestamp) {
		shift = -shift
	}
	ann.Adjusted = event.Timestamp.Add(shift)
	return ann
}

// score computes the three similarity components and classifies the pair.
// Confidence is the exact unweighted mean of the three components.
func (e *Engine) score(event, other *ledger.Event) (Correlation, bool) {
	distance := event.Timestamp.Sub(other.Timestamp)
	if distance < 0 {
		distance = -distance
	}

	temporal := 1 / (1 + distance.Seconds())
	data := payloadSimilarity(event.Payload, other.Payload)
	agent := 0.5
	if event.AgentID == other.AgentID {
		agent = 1.0
	}

	confidence := (temporal + data + agent) / 3
	if confidence < e.cfg.MinConfidence {
		return Correlation{}, false
	}

	var corrType Type
	switch {
	case agent == 1.0:
		corrType = TypeSameAgent
	case event.Type == other.Type:
		corrType = TypeSameType
	case temporal > e.cfg.HighSimilarity:
		corrType = TypeTemporal
	case data > e.cfg.HighSimilarity:
		corrType = TypeData
	default:
		corrType = TypeWeak
	}

	return Correlation{
		SourceID:         event.ID,
		TargetID:         other.ID,
		Type:             corrType,
		Confidence:       confidence,
		TemporalDistance: distance,
		Metrics: map[string]float64{
			"temporal_similarity": temporal,
			"data_similarity":     data,
			"agent_similarity":    agent,
		},
	}, true
}

// payloadSimilarity is the fraction of the key union on which both payloads
// carry equal values. Two empty payloads are identical.
func payloadSimilarity(a, b map[string]any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	union := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		union[k] = struct{}{}
	}
	for k := range b {
		union[k] = struct{}{}
	}
	equal := 0
	for k := range union {
		av, aok := a[k]
		bv, bok := b[k]
		if aok && bok && reflect.DeepEqual(av, bv) {
			equal++
		}
	}
	return float64(equal) / float64(len(union))
}

// clusterLocked runs density clustering over the new event and its
// correlated targets and merges the result into existing clusters by label.
// Caller must hold e.mu.
func (e *Engine) clusterLocked(event *ledger.Event, found []Correlation) {
	if len(found) == 0 {
		return
	}

	group := []*ledger.Event{event}
	for _, corr := range found {
		if target, ok := e.source.Event(corr.TargetID); ok {
			group = append(group, target)
		}
	}
	if len(group) < e.cfg.MinSamples {
		return
	}

	points := featureVectors(group, e.cfg.Window)
	labels := dbscan(points, e.cfg.Eps, e.cfg.MinSamples)

	newLabel := labels[0]
	if newLabel < 0 {
		return // the new event is noise
	}

	// Merge into an existing cluster if any co-clustered member already
	// carries a label; otherwise mint a fresh one.
	target := ""
	for i, ev := range group {
		if labels[i] != newLabel {
			continue
		}
		if existing, ok := e.labelByEvent[ev.ID]; ok {
			target = existing
			break
		}
	}
	if target == "" {
		e.labelSeq++
		target = fmt.Sprintf("cluster-%d", e.labelSeq)
	}

	for i, ev := range group {
		if labels[i] != newLabel {
			continue
		}
		if current, ok := e.labelByEvent[ev.ID]; ok {
			if current == target {
				continue
			}
			e.removeMemberLocked(current, ev.ID)
		}
		e.labelByEvent[ev.ID] = target
		e.members[target] = append(e.members[target], ev.ID)
	}
}

// removeMemberLocked unlinks an event from a cluster's member list, dropping
// the cluster once it empties. Caller must hold e.mu.
func (e *Engine) removeMemberLocked(label, id string) {
	members := e.members[label]
	for i, m := range members {
		if m == id {
			e.members[label] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(e.members[label]) == 0 {
		delete(e.members, label)
	}
}

// featureVectors builds the 3-D clustering features: time offset within the
// window, hashed event type, hashed origin, all normalized to [0,1].
func featureVectors(group []*ledger.Event, window time.Duration) [][]float64 {
	base := group[0].Timestamp
	for _, ev := range group[1:] {
		if ev.Timestamp.Before(base) {
			base = ev.Timestamp
		}
	}

	points := make([][]float64, len(group))
	for i, ev := range group {
		points[i] = []float64{
			ev.Timestamp.Sub(base).Seconds() / window.Seconds(),
			hashFeature(ev.Type),
			hashFeature(ev.AgentID),
		}
	}
	return points
}

func hashFeature(s string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return float64(h.Sum32()) / float64(math.MaxUint32)
}

// pruneLocked truncates the correlation set to MaxCorrelations, keeping the
// highest confidences. Caller must hold e.mu.
func (e *Engine) pruneLocked() {
	if len(e.correlations) <= e.cfg.MaxCorrelations {
		return
	}
	sort.SliceStable(e.correlations, func(i, j int) bool {
		return e.correlations[i].Confidence > e.correlations[j].Confidence
	})
	dropped := len(e.correlations) - e.cfg.MaxCorrelations
	e.correlations = e.correlations[:e.cfg.MaxCorrelations]
	e.logger.Debug("pruned correlations", "dropped", dropped)
}

// CorrelationCount returns the retained correlation count.
func (e *Engine) CorrelationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.correlations)
}

// ClusterCount returns the number of clusters.
func (e *Engine) ClusterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members)
}

// EventContext bundles everything the engine knows about one event.
type EventContext struct {
	Event          *ledger.Event `json:"event"`
	Correlations   []Correlation `json:"correlations"`
	ClusterLabel   string        `json:"cluster_label,omitempty"`
	ClusterMembers []string      `json:"cluster_members,omitempty"`
	Annotation     *Annotation   `json:"annotation,omitempty"`
}

// GetEventContext returns the event, every correlation touching it, its
// cluster if clustered, and its stored temporal uncertainty.
func (e *Engine) GetEventContext(id string) (*EventContext, error) {
	event, ok := e.source.Event(id)
	if !ok {
		return nil, fmt.Errorf("event %s not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx := &EventContext{Event: event}
	for _, corr := range e.correlations {
		if corr.SourceID == id || corr.TargetID == id {
			ctx.Correlations = append(ctx.Correlations, corr)
		}
	}
	if label, ok := e.labelByEvent[id]; ok {
		ctx.ClusterLabel = label
		ctx.ClusterMembers = append([]string(nil), e.members[label]...)
	}
	if ann, ok := e.annotations[id]; ok {
		annCopy := ann
		ctx.Annotation = &annCopy
	}
	return ctx, nil
}
