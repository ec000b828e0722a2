package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()

	debug := NewLogger("debug")
	assert.True(t, debug.Enabled(ctx, slog.LevelDebug))

	warn := NewLogger("WARN")
	assert.False(t, warn.Enabled(ctx, slog.LevelInfo))
	assert.True(t, warn.Enabled(ctx, slog.LevelWarn))

	errLog := NewLogger("ERROR")
	assert.False(t, errLog.Enabled(ctx, slog.LevelWarn))

	fallback := NewLogger("verbose")
	assert.False(t, fallback.Enabled(ctx, slog.LevelDebug))
	assert.True(t, fallback.Enabled(ctx, slog.LevelInfo))
}

func TestNopMetricsAreSafe(t *testing.T) {
	m := Nop()
	require.NotNil(t, m)

	ctx := context.Background()
	m.EventRecorded(ctx)
	m.EventConfirmed(ctx)
	m.EventRejected(ctx, "validation")
	m.CorrelationsFound(ctx, 3)
	m.SnapshotMerged(ctx)
}

func TestNewMetricsGlobalMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.EventRecorded(context.Background())
}
