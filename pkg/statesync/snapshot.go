// Package statesync maintains the cross-node aggregate view of cluster
// state.
//
// Every node periodically samples its ledger and correlation engine into a
// snapshot, hash-chains it to its previous local snapshot, and broadcasts
// it as an ordinary ledger event on the gossip channel (there is no second
// transport). Snapshots from peers are grouped by tick; once a quorum of
// nodes has reported the same tick, the group is merged field-wise into a
// single authoritative snapshot tagged origin "consensus" and appended to a
// bounded history.
package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/accordlabs/accord/pkg/ledger"
)

// OriginConsensus marks a snapshot produced by a quorum merge rather than a
// single node.
const OriginConsensus = "consensus"

// Snapshot is one aggregate sample of system state. Node-local snapshots
// carry the node id as Origin and are hash-chained per node; merged
// snapshots carry OriginConsensus and are chained through the history.
type Snapshot struct {
	Tick             time.Time          `json:"tick"`
	Origin           string             `json:"origin"`
	EventCount       float64            `json:"event_count"`
	EventsByType     map[string]float64 `json:"events_by_type,omitempty"`
	EventsByAgent    map[string]float64 `json:"events_by_agent,omitempty"`
	CorrelationCount float64            `json:"correlation_count"`
	ClusterCount     float64            `json:"cluster_count"`
	PrevHash         string             `json:"previous_hash"`
	Hash             string             `json:"hash,omitempty"`
}

// ComputeHash returns the canonical content hash over everything except the
// hash field itself.
func (s *Snapshot) ComputeHash() (string, error) {
	core := *s
	core.Hash = ""
	raw, err := json.Marshal(&core)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := ledger.Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// payload converts the snapshot into a ledger event payload.
func (s *Snapshot) payload() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("snapshot payload: %w", err)
	}
	return m, nil
}

// snapshotFromPayload is the inverse of payload.
func snapshotFromPayload(payload map[string]any) (*Snapshot, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return &s, nil
}

// Merge combines same-tick snapshots from a quorum of nodes into one
// authoritative snapshot. Every numeric field becomes the arithmetic mean
// of the contributors. Nested per-category maps are merged by key union,
// each key averaged only across the snapshots that report it: a node that
// never saw a category does not drag that category toward zero.
//
// Merging a single-snapshot group is numerically the identity.
func Merge(group []*Snapshot) *Snapshot {
	if len(group) == 0 {
		return nil
	}

	merged := &Snapshot{
		Tick:   group[0].Tick,
		Origin: OriginConsensus,
	}

	n := float64(len(group))
	for _, s := range group {
		merged.EventCount += s.EventCount
		merged.CorrelationCount += s.CorrelationCount
		merged.ClusterCount += s.ClusterCount
	}
	merged.EventCount /= n
	merged.CorrelationCount /= n
	merged.ClusterCount /= n

	merged.EventsByType = mergeCategoryMaps(group, func(s *Snapshot) map[string]float64 { return s.EventsByType })
	merged.EventsByAgent = mergeCategoryMaps(group, func(s *Snapshot) map[string]float64 { return s.EventsByAgent })
	return merged
}

// mergeCategoryMaps averages each key over only the snapshots reporting it.
func mergeCategoryMaps(group []*Snapshot, pick func(*Snapshot) map[string]float64) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range group {
		for k, v := range pick(s) {
			sums[k] += v
			counts[k]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	out := make(map[string]float64, len(sums))
	for k, sum := range sums {
		out[k] = sum / float64(counts[k])
	}
	return out
}
