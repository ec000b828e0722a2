package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the previous-hash value of the first event in a chain.
const GenesisHash = "genesis"

// Names of the two gossip channels.
const (
	ChannelEvents    = "test_events"
	ChannelConsensus = "consensus"
)

// TypeStateSnapshot marks events that carry a state-synchronizer snapshot
// rather than producer telemetry.
const TypeStateSnapshot = "state_snapshot"

// Event is a single ledger entry. Once confirmed it is immutable; derived
// data such as adjusted timestamps lives outside the ledger (see the
// correlate package).
type Event struct {
	ID                 string         `json:"event_id"`
	AgentID            string         `json:"agent_id"`
	Timestamp          time.Time      `json:"timestamp"`
	Type               string         `json:"event_type"`
	Payload            map[string]any `json:"payload"`
	PrevHash           string         `json:"previous_hash"`
	Signatures         []string       `json:"signatures"`
	ConsensusTimestamp *time.Time     `json:"consensus_timestamp,omitempty"`
}

// eventCore is the hash input: every field that peers must agree on, and
// nothing that changes while the event circulates (signatures accumulate,
// the consensus timestamp is stamped late).
type eventCore struct {
	ID        string         `json:"event_id"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"previous_hash"`
}

// Hash returns the canonical content hash of the event.
//
// The core fields are serialized to JSON, canonicalized per RFC 8785 (JCS),
// and hashed with SHA-256. Canonicalization makes the hash independent of
// map iteration order, so every node computes the same value for the same
// event.
func (e *Event) Hash() (string, error) {
	raw, err := json.Marshal(eventCore{
		ID:        e.ID,
		AgentID:   e.AgentID,
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event %s: %w", e.ID, err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// SignedBy reports whether the node already countersigned the event.
func (e *Event) SignedBy(nodeID string) bool {
	for _, s := range e.Signatures {
		if s == nodeID {
			return true
		}
	}
	return false
}

// Confirmed reports whether the consensus timestamp has been stamped.
func (e *Event) Confirmed() bool {
	return e.ConsensusTimestamp != nil
}

// clone returns a deep-enough copy for handing to observers and readers:
// the signature slice is copied, the payload map is shared read-only.
func (e *Event) clone() *Event {
	cp := *e
	cp.Signatures = append([]string(nil), e.Signatures...)
	if e.ConsensusTimestamp != nil {
		ts := *e.ConsensusTimestamp
		cp.ConsensusTimestamp = &ts
	}
	return &cp
}

// ConsensusMessage announces that an event reached quorum. It travels on
// the "consensus" channel.
type ConsensusMessage struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}
