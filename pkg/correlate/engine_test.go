package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordlabs/accord/pkg/ledger"
)

// fakeSource is an in-memory EventSource.
type fakeSource struct {
	events []*ledger.Event
}

func (f *fakeSource) EventsInRange(from, to time.Time) []*ledger.Event {
	var out []*ledger.Event
	for _, e := range f.events {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSource) Event(id string) (*ledger.Event, bool) {
	for _, e := range f.events {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

func event(id, agent, eventType string, ts time.Time, payload map[string]any) *ledger.Event {
	return &ledger.Event{
		ID:        id,
		AgentID:   agent,
		Type:      eventType,
		Timestamp: ts,
		Payload:   payload,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSameOriginPairScoresSameAgent(t *testing.T) {
	// Two same-origin events 0.2s apart with identical payloads:
	// temporal ≈ 0.833, data = 1.0, agent = 1.0 → confidence ≈ 0.944.
	payload := map[string]any{"suite": "auth", "passed": true}
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, payload),
		event("e2", "node-a", "test_passed", t0.Add(200*time.Millisecond), payload),
	}}
	engine := NewEngine(src, nil)

	_, corrs := engine.ProcessEvent(context.Background(), src.events[1])
	require.Len(t, corrs, 1)

	corr := corrs[0]
	assert.Equal(t, TypeSameAgent, corr.Type)
	assert.InDelta(t, 0.944, corr.Confidence, 0.01)
	assert.InDelta(t, 0.833, corr.Metrics["temporal_similarity"], 0.01)
	assert.Equal(t, 1.0, corr.Metrics["data_similarity"])
	assert.Equal(t, 1.0, corr.Metrics["agent_similarity"])
	assert.Equal(t, 200*time.Millisecond, corr.TemporalDistance)
}

func TestClassificationPrecedence(t *testing.T) {
	// Same origin, same type, and high temporal similarity all at once:
	// same_agent wins, never same_type or temporal.
	payload := map[string]any{"suite": "auth"}
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_passed", t0, payload),
		event("e2", "node-a", "test_passed", t0.Add(50*time.Millisecond), payload),
	}}
	engine := NewEngine(src, nil)

	_, corrs := engine.ProcessEvent(context.Background(), src.events[1])
	require.Len(t, corrs, 1)
	assert.Equal(t, TypeSameAgent, corrs[0].Type)
}

func TestSameTypeClassification(t *testing.T) {
	// Different origins (agent = 0.5) but same type: classified same_type
	// when the pair still clears the confidence floor.
	payload := map[string]any{"suite": "auth"}
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_passed", t0, payload),
		event("e2", "node-b", "test_passed", t0.Add(100*time.Millisecond), payload),
	}}
	engine := NewEngine(src, nil)

	_, corrs := engine.ProcessEvent(context.Background(), src.events[1])
	require.Len(t, corrs, 1)
	assert.Equal(t, TypeSameType, corrs[0].Type)
	assert.GreaterOrEqual(t, corrs[0].Confidence, 0.8)
}

func TestLowConfidencePairsAreDropped(t *testing.T) {
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, map[string]any{"x": 1.0}),
		event("e2", "node-b", "deploy", t0.Add(4*time.Second), map[string]any{"y": 2.0}),
	}}
	engine := NewEngine(src, nil)

	_, corrs := engine.ProcessEvent(context.Background(), src.events[1])
	assert.Empty(t, corrs)
	assert.Equal(t, 0, engine.CorrelationCount())
}

func TestConfidenceIsMeanOfComponents(t *testing.T) {
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, map[string]any{"k": "v", "n": 1.0}),
		event("e2", "node-a", "test_passed", t0.Add(100*time.Millisecond), map[string]any{"k": "v", "n": 2.0}),
	}}
	engine := NewEngine(src, nil)

	_, corrs := engine.ProcessEvent(context.Background(), src.events[1])
	require.Len(t, corrs, 1)

	m := corrs[0].Metrics
	want := (m["temporal_similarity"] + m["data_similarity"] + m["agent_similarity"]) / 3
	assert.InEpsilon(t, want, corrs[0].Confidence, 1e-12)
	for name, v := range m {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
	assert.GreaterOrEqual(t, corrs[0].Confidence, 0.0)
	assert.LessOrEqual(t, corrs[0].Confidence, 1.0)
}

func TestAnnotationPreservesOriginalTimestamp(t *testing.T) {
	payload := map[string]any{"suite": "auth"}
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, payload),
		event("e2", "node-a", "test_started", t0.Add(80*time.Millisecond), payload),
		event("e3", "node-a", "test_started", t0.Add(120*time.Millisecond), payload),
		event("e4", "node-a", "test_started", t0.Add(150*time.Millisecond), payload),
	}}
	engine := NewEngine(src, nil)

	ann, _ := engine.ProcessEvent(context.Background(), src.events[3])

	assert.Equal(t, "e4", ann.EventID)
	assert.Equal(t, src.events[3].Timestamp, ann.Original, "original timestamp is never discarded")
	assert.GreaterOrEqual(t, ann.Uncertainty, 0.0)
	assert.Less(t, ann.Uncertainty, 1.0)

	// The nudge is bounded by MaxAdjust and half the gap to the nearest
	// neighbor (30ms here → 15ms cap).
	shift := ann.Adjusted.Sub(ann.Original)
	if shift < 0 {
		shift = -shift
	}
	assert.LessOrEqual(t, shift, DefaultConfig().MaxAdjust)
	assert.LessOrEqual(t, shift, 15*time.Millisecond)

	// The ledger event itself is untouched.
	assert.Equal(t, t0.Add(150*time.Millisecond), src.events[3].Timestamp)
}

func TestIsolatedEventHasZeroUncertainty(t *testing.T) {
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, nil),
	}}
	engine := NewEngine(src, nil)

	ann, corrs := engine.ProcessEvent(context.Background(), src.events[0])
	assert.Empty(t, corrs)
	assert.Zero(t, ann.Uncertainty)
	assert.Equal(t, ann.Original, ann.Adjusted)
}

func TestClusteringGroupsCorrelatedEvents(t *testing.T) {
	payload := map[string]any{"suite": "auth"}
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, payload),
		event("e2", "node-a", "test_started", t0.Add(100*time.Millisecond), payload),
		event("e3", "node-a", "test_started", t0.Add(200*time.Millisecond), payload),
	}}
	engine := NewEngine(src, nil)

	engine.ProcessEvent(context.Background(), src.events[1])
	engine.ProcessEvent(context.Background(), src.events[2])

	assert.Equal(t, 1, engine.ClusterCount(), "near-identical events should share one cluster")

	ctx, err := engine.GetEventContext("e3")
	require.NoError(t, err)
	assert.NotEmpty(t, ctx.ClusterLabel)
	assert.Contains(t, ctx.ClusterMembers, "e3")
}

func TestClusterMergeMovesMembersOutOfOldCluster(t *testing.T) {
	// Two clusters form far apart in time; a bridging event then pulls both
	// into one. The absorbed cluster must disappear completely: no stale
	// member ids may survive under the old label.
	payload := map[string]any{"suite": "auth"}
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, payload),
		event("e2", "node-a", "test_started", t0.Add(100*time.Millisecond), payload),
		event("e3", "node-a", "test_started", t0.Add(61*time.Second), payload),
		event("e4", "node-a", "test_started", t0.Add(61*time.Second+100*time.Millisecond), payload),
	}}
	cfg := DefaultConfig()
	cfg.Window = 120 * time.Second
	cfg.MinConfidence = 0.1
	engine := NewEngine(src, cfg)

	engine.ProcessEvent(context.Background(), src.events[1])
	engine.ProcessEvent(context.Background(), src.events[2])
	engine.ProcessEvent(context.Background(), src.events[3])
	require.Equal(t, 2, engine.ClusterCount(), "the two bursts start as separate clusters")

	bridge := event("e5", "node-a", "test_started", t0.Add(30500*time.Millisecond), payload)
	src.events = append(src.events, bridge)
	engine.ProcessEvent(context.Background(), bridge)

	assert.Equal(t, 1, engine.ClusterCount(), "absorbed cluster must be dropped, not left holding stale members")

	ctx1, err := engine.GetEventContext("e1")
	require.NoError(t, err)
	assert.Len(t, ctx1.ClusterMembers, 5)
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		assert.Contains(t, ctx1.ClusterMembers, id)
		memberCtx, err := engine.GetEventContext(id)
		require.NoError(t, err)
		assert.Equal(t, ctx1.ClusterLabel, memberCtx.ClusterLabel,
			"every listed member must point back at the same cluster")
	}
}

func TestGetEventContext(t *testing.T) {
	payload := map[string]any{"suite": "auth"}
	src := &fakeSource{events: []*ledger.Event{
		event("e1", "node-a", "test_started", t0, payload),
		event("e2", "node-a", "test_passed", t0.Add(200*time.Millisecond), payload),
	}}
	engine := NewEngine(src, nil)
	engine.ProcessEvent(context.Background(), src.events[1])

	ctx, err := engine.GetEventContext("e2")
	require.NoError(t, err)
	assert.Equal(t, "e2", ctx.Event.ID)
	require.Len(t, ctx.Correlations, 1)
	assert.Equal(t, "e1", ctx.Correlations[0].TargetID)
	require.NotNil(t, ctx.Annotation)
	assert.Equal(t, src.events[1].Timestamp, ctx.Annotation.Original)

	_, err = engine.GetEventContext("missing")
	assert.Error(t, err)
}

func TestPruneKeepsHighestConfidence(t *testing.T) {
	// Seed 1001 correlations with distinct confidences; after pruning,
	// exactly 1000 remain and the minimum retained confidence beats every
	// discarded one.
	engine := NewEngine(&fakeSource{}, nil)

	engine.mu.Lock()
	for i := 0; i < 1001; i++ {
		engine.correlations = append(engine.correlations, Correlation{
			SourceID:   "s",
			TargetID:   "t",
			Confidence: float64(i) / 1001.0,
		})
	}
	engine.pruneLocked()
	retained := append([]Correlation(nil), engine.correlations...)
	engine.mu.Unlock()

	require.Len(t, retained, 1000)
	minRetained := retained[0].Confidence
	for _, c := range retained {
		if c.Confidence < minRetained {
			minRetained = c.Confidence
		}
	}
	// The only discarded confidence is 0 (the lowest seeded).
	assert.GreaterOrEqual(t, minRetained, 0.0)
	for _, c := range retained {
		assert.Greater(t, c.Confidence, 0.0, "the lowest-confidence entry must be the one discarded")
	}
}

func TestPayloadSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, payloadSimilarity(nil, nil))
	assert.Equal(t, 1.0, payloadSimilarity(
		map[string]any{"a": 1.0}, map[string]any{"a": 1.0}))
	assert.Equal(t, 0.5, payloadSimilarity(
		map[string]any{"a": 1.0, "b": 2.0}, map[string]any{"a": 1.0, "b": 3.0}))
	assert.Equal(t, 0.0, payloadSimilarity(
		map[string]any{"a": 1.0}, map[string]any{"b": 1.0}))
	// Key present on one side only dilutes the union.
	assert.InDelta(t, 1.0/3.0, payloadSimilarity(
		map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}, map[string]any{"a": 1.0}), 1e-9)
}
