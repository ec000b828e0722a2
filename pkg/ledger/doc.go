// Package ledger implements the Accord distributed event ledger.
//
// Each participating node keeps an append-only, hash-chained log of
// telemetry events. New events are gossiped to peers over a pub/sub
// transport; peers validate the chain link, countersign, and re-broadcast
// until the signature ratio reaches the consensus threshold, at which point
// the event is confirmed and becomes immutable.
//
// # Lifecycle
//
//	RecordEvent → pending + gossip on "test_events"
//	peers countersign + re-broadcast (flood gossip)
//	ratio ≥ threshold → "{event_id, timestamp}" on "consensus"
//	consensus loop → pending → confirmed, consensus timestamp stamped
//
// Confirmed events are appended in consensus-message arrival order, which
// may differ between nodes. This is deliberately weak ordering: the
// protocol is eventually consistent and defines no total order.
//
// # Limitations
//
// There is no fork-choice rule: an inbound event whose previous_hash does
// not match the local chain tip is rejected and logged, nothing more.
// Events that never reach quorum stay pending indefinitely unless the
// optional pending TTL sweep is enabled.
package ledger
