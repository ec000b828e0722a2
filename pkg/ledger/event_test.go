package ledger

import (
	"testing"
	"time"
)

func TestEventHashDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Event{
		ID:        "e1",
		AgentID:   "node-a",
		Timestamp: ts,
		Type:      "test_started",
		Payload:   map[string]any{"suite": "auth", "retries": float64(2)},
		PrevHash:  GenesisHash,
	}
	b := &Event{
		ID:        "e1",
		AgentID:   "node-a",
		Timestamp: ts,
		Type:      "test_started",
		Payload:   map[string]any{"retries": float64(2), "suite": "auth"},
		PrevHash:  GenesisHash,
	}

	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("same content should produce same hash: %s != %s", ha, hb)
	}
}

func TestEventHashChangesWithContent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := &Event{ID: "e1", AgentID: "node-a", Timestamp: ts, Type: "x", PrevHash: GenesisHash}
	other := &Event{ID: "e1", AgentID: "node-a", Timestamp: ts, Type: "x", PrevHash: "sha256:abc"}

	hb, _ := base.Hash()
	ho, _ := other.Hash()
	if hb == ho {
		t.Fatal("different previous_hash must change the event hash")
	}
}

func TestEventHashIgnoresSignatures(t *testing.T) {
	ts := time.Now()
	e := &Event{ID: "e1", AgentID: "node-a", Timestamp: ts, Type: "x", PrevHash: GenesisHash}
	h1, _ := e.Hash()
	e.Signatures = append(e.Signatures, "node-b", "node-c")
	h2, _ := e.Hash()
	if h1 != h2 {
		t.Fatal("signatures accumulate in flight and must not affect the hash")
	}
}

func TestSignedBy(t *testing.T) {
	e := &Event{Signatures: []string{"node-a", "node-b"}}
	if !e.SignedBy("node-a") || !e.SignedBy("node-b") {
		t.Fatal("expected existing signatures to be found")
	}
	if e.SignedBy("node-c") {
		t.Fatal("node-c never signed")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e := &Event{ID: "e1", Signatures: []string{"node-a"}}
	cp := e.clone()
	cp.Signatures = append(cp.Signatures, "node-b")
	if len(e.Signatures) != 1 {
		t.Fatal("clone must not share the signature slice")
	}
}
