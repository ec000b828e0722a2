package statesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tick0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMergeSingleSnapshotIsIdentity(t *testing.T) {
	snap := &Snapshot{
		Tick:             tick0,
		Origin:           "node-a",
		EventCount:       7,
		EventsByType:     map[string]float64{"test_passed": 4, "test_failed": 3},
		EventsByAgent:    map[string]float64{"node-a": 7},
		CorrelationCount: 12,
		ClusterCount:     2,
	}

	merged := Merge([]*Snapshot{snap})
	require.NotNil(t, merged)

	assert.Equal(t, OriginConsensus, merged.Origin)
	assert.Equal(t, tick0, merged.Tick)
	assert.Equal(t, 7.0, merged.EventCount)
	assert.Equal(t, 12.0, merged.CorrelationCount)
	assert.Equal(t, 2.0, merged.ClusterCount)
	assert.Equal(t, snap.EventsByType, merged.EventsByType)
	assert.Equal(t, snap.EventsByAgent, merged.EventsByAgent)
}

func TestMergeAveragesNumericFields(t *testing.T) {
	a := &Snapshot{Tick: tick0, Origin: "node-a", EventCount: 10, CorrelationCount: 4, ClusterCount: 1}
	b := &Snapshot{Tick: tick0, Origin: "node-b", EventCount: 20, CorrelationCount: 8, ClusterCount: 3}

	merged := Merge([]*Snapshot{a, b})
	assert.Equal(t, 15.0, merged.EventCount)
	assert.Equal(t, 6.0, merged.CorrelationCount)
	assert.Equal(t, 2.0, merged.ClusterCount)
}

func TestMergeAbsentKeysAreExcludedNotZeroed(t *testing.T) {
	a := &Snapshot{
		Tick:         tick0,
		Origin:       "node-a",
		EventsByType: map[string]float64{"test_passed": 6, "deploy": 2},
	}
	b := &Snapshot{
		Tick:         tick0,
		Origin:       "node-b",
		EventsByType: map[string]float64{"test_passed": 4},
	}

	merged := Merge([]*Snapshot{a, b})

	// Both report test_passed: averaged over 2. Only node-a reports
	// deploy: averaged over 1, never dragged toward zero.
	assert.Equal(t, 5.0, merged.EventsByType["test_passed"])
	assert.Equal(t, 2.0, merged.EventsByType["deploy"])
}

func TestMergeEmptyGroup(t *testing.T) {
	assert.Nil(t, Merge(nil))
}

func TestComputeHashDeterministicAndHashFieldExcluded(t *testing.T) {
	snap := &Snapshot{
		Tick:         tick0,
		Origin:       "node-a",
		EventCount:   3,
		EventsByType: map[string]float64{"a": 1, "b": 2},
		PrevHash:     "genesis",
	}

	h1, err := snap.ComputeHash()
	require.NoError(t, err)

	snap.Hash = h1
	h2, err := snap.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "the hash field itself must not feed the hash")

	snap.EventCount = 4
	h3, err := snap.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestSnapshotPayloadRoundTrip(t *testing.T) {
	snap := &Snapshot{
		Tick:             tick0,
		Origin:           "node-a",
		EventCount:       5,
		EventsByType:     map[string]float64{"test_passed": 5},
		CorrelationCount: 2,
		ClusterCount:     1,
		PrevHash:         "genesis",
		Hash:             "sha256:abc",
	}

	payload, err := snap.payload()
	require.NoError(t, err)
	back, err := snapshotFromPayload(payload)
	require.NoError(t, err)

	assert.True(t, snap.Tick.Equal(back.Tick))
	assert.Equal(t, snap.Origin, back.Origin)
	assert.Equal(t, snap.EventCount, back.EventCount)
	assert.Equal(t, snap.EventsByType, back.EventsByType)
	assert.Equal(t, snap.Hash, back.Hash)
}
