package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/accordlabs/accord"

// Metrics holds the counters emitted by the ledger, correlation engine, and
// state synchronizer.
type Metrics struct {
	eventsRecorded  metric.Int64Counter
	eventsConfirmed metric.Int64Counter
	eventsRejected  metric.Int64Counter
	correlations    metric.Int64Counter
	snapshotsMerged metric.Int64Counter
}

// NewMetrics creates Metrics on the given meter. Pass nil to use the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	m := &Metrics{}
	var err error

	if m.eventsRecorded, err = meter.Int64Counter("accord.events.recorded",
		metric.WithDescription("Events recorded by the local node")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.eventsConfirmed, err = meter.Int64Counter("accord.events.confirmed",
		metric.WithDescription("Events that reached quorum and were confirmed")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.eventsRejected, err = meter.Int64Counter("accord.events.rejected",
		metric.WithDescription("Events dropped by validation or chain mismatch")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.correlations, err = meter.Int64Counter("accord.correlations.found",
		metric.WithDescription("Correlations retained by the engine")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.snapshotsMerged, err = meter.Int64Counter("accord.snapshots.merged",
		metric.WithDescription("Consensus snapshots appended to history")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return m, nil
}

// Nop returns Metrics that record nothing. Callers never need nil checks.
func Nop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

// EventRecorded counts a locally recorded event.
func (m *Metrics) EventRecorded(ctx context.Context) {
	m.eventsRecorded.Add(ctx, 1)
}

// EventConfirmed counts a quorum confirmation.
func (m *Metrics) EventConfirmed(ctx context.Context) {
	m.eventsConfirmed.Add(ctx, 1)
}

// EventRejected counts a dropped event, labelled with the reason.
func (m *Metrics) EventRejected(ctx context.Context, reason string) {
	m.eventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CorrelationsFound counts retained correlations.
func (m *Metrics) CorrelationsFound(ctx context.Context, n int) {
	m.correlations.Add(ctx, int64(n))
}

// SnapshotMerged counts a consensus snapshot.
func (m *Metrics) SnapshotMerged(ctx context.Context) {
	m.snapshotsMerged.Add(ctx, 1)
}
