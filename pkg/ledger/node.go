package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/accordlabs/accord/pkg/observability"
	"github.com/accordlabs/accord/pkg/transport"
)

// DefaultThreshold is the consensus signature ratio required to confirm an
// event.
const DefaultThreshold = 0.67

// NodeConfig configures a ledger node.
type NodeConfig struct {
	// Threshold is the signature ratio (signatures / registry size) at
	// which an event is confirmed.
	Threshold float64 `json:"threshold"`

	// RebroadcastRate and RebroadcastBurst bound flood-gossip re-publishes
	// per second so a gossip storm cannot saturate the transport.
	RebroadcastRate  float64 `json:"rebroadcast_rate"`
	RebroadcastBurst int     `json:"rebroadcast_burst"`

	// PendingTTL, when positive, evicts pending events that never reached
	// quorum. Off by default: the protocol itself specifies no eviction,
	// and enabling this changes observable behavior.
	PendingTTL time.Duration `json:"pending_ttl"`
}

// DefaultNodeConfig returns production-ready defaults.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Threshold:        DefaultThreshold,
		RebroadcastRate:  200,
		RebroadcastBurst: 400,
	}
}

// Node is one ledger participant. It owns the pending and confirmed event
// state; the two receive loops and RecordEvent serialize on the node mutex.
type Node struct {
	id        string
	registry  Registry
	bus       transport.PubSub
	cfg       *NodeConfig
	validator Validator
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     func() time.Time
	limiter   *rate.Limiter

	mu            sync.Mutex
	pending       map[string]*Event
	confirmed     []*Event
	confirmedByID map[string]*Event
	tipHash       string

	obsMu     sync.RWMutex
	observers []func(*Event)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NodeOption customizes a Node.
type NodeOption func(*Node)

// WithValidator installs a payload validation hook.
func WithValidator(v Validator) NodeOption {
	return func(n *Node) { n.validator = v }
}

// WithLogger installs a logger.
func WithLogger(l *slog.Logger) NodeOption {
	return func(n *Node) { n.logger = l }
}

// WithMetrics installs metrics.
func WithMetrics(m *observability.Metrics) NodeOption {
	return func(n *Node) { n.metrics = m }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) NodeOption {
	return func(n *Node) { n.clock = clock }
}

// NewNode creates a ledger node. The registry and transport are injected;
// the node never manages membership or connections itself.
func NewNode(id string, registry Registry, bus transport.PubSub, cfg *NodeConfig, opts ...NodeOption) *Node {
	if cfg == nil {
		cfg = DefaultNodeConfig()
	}
	n := &Node{
		id:            id,
		registry:      registry,
		bus:           bus,
		cfg:           cfg,
		validator:     PermissiveValidator{},
		logger:        slog.Default(),
		metrics:       observability.Nop(),
		clock:         time.Now,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RebroadcastRate), cfg.RebroadcastBurst),
		pending:       make(map[string]*Event),
		confirmedByID: make(map[string]*Event),
		tipHash:       GenesisHash,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", id)
	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Start subscribes to both gossip channels and launches the event and
// consensus receive loops. A subscribe failure is returned to the caller;
// the node does not retry internally.
func (n *Node) Start(ctx context.Context) error {
	n.runMu.Lock()
	defer n.runMu.Unlock()

	if n.cancel != nil {
		return fmt.Errorf("node %s already started", n.id)
	}

	ctx, cancel := context.WithCancel(ctx)

	events, err := n.bus.Subscribe(ctx, ChannelEvents)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", ChannelEvents, err)
	}
	consensus, err := n.bus.Subscribe(ctx, ChannelConsensus)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", ChannelConsensus, err)
	}

	n.cancel = cancel
	n.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n.eventLoop(ctx, events)
	}()
	go func() {
		defer wg.Done()
		n.consensusLoop(ctx, consensus)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(n.done)

	if n.cfg.PendingTTL > 0 {
		go n.sweepLoop(ctx)
	}

	n.logger.Info("ledger node started", "threshold", n.cfg.Threshold)
	return nil
}

// Stop cancels the receive loops and waits for them to exit.
func (n *Node) Stop() {
	n.runMu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	n.logger.Info("ledger node stopped")
}

// RecordEvent builds an event chained to the current confirmed tip, signs
// it, stores it as pending, and gossips it.
//
// Record is fire-and-forget with respect to validation: a payload rejected
// by the validation hook is dropped and logged, and the caller still
// receives the generated id with no error. Only a broadcast transport
// failure is propagated.
func (n *Node) RecordEvent(ctx context.Context, eventType string, payload map[string]any) (string, error) {
	id := uuid.NewString()

	if !n.validator.Validate(eventType, payload) {
		n.logger.Warn("payload rejected by validation hook, event dropped",
			"event_id", id, "event_type", eventType)
		n.metrics.EventRejected(ctx, "validation")
		return id, nil
	}

	n.mu.Lock()
	event := &Event{
		ID:         id,
		AgentID:    n.id,
		Timestamp:  n.clock(),
		Type:       eventType,
		Payload:    payload,
		PrevHash:   n.tipHash,
		Signatures: []string{n.id},
	}
	n.pending[id] = event
	wire := event.clone()
	n.mu.Unlock()

	n.metrics.EventRecorded(ctx)
	n.notify(wire)

	if err := n.publishEvent(ctx, wire); err != nil {
		return id, fmt.Errorf("broadcast event %s: %w", id, err)
	}

	// A single-node cluster confirms its own events immediately.
	n.mu.Lock()
	n.checkConsensus(ctx, event)
	n.mu.Unlock()

	return id, nil
}

// Event returns a confirmed or pending event by id.
func (n *Node) Event(id string) (*Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.confirmedByID[id]; ok {
		return e.clone(), true
	}
	if e, ok := n.pending[id]; ok {
		return e.clone(), true
	}
	return nil, false
}

// EventFilter narrows an Events query. Zero-valued fields match everything.
type EventFilter struct {
	From time.Time
	To   time.Time
	Type string
}

func (f EventFilter) matches(e *Event) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

// Events returns confirmed and pending events matching the filter, sorted
// by event timestamp.
func (n *Node) Events(filter EventFilter) []*Event {
	n.mu.Lock()
	out := make([]*Event, 0, len(n.confirmed)+len(n.pending))
	for _, e := range n.confirmed {
		if filter.matches(e) {
			out = append(out, e.clone())
		}
	}
	for _, e := range n.pending {
		if filter.matches(e) {
			out = append(out, e.clone())
		}
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// EventsInRange returns events with timestamps in [from, to]. It is the
// read surface used by the correlation engine.
func (n *Node) EventsInRange(from, to time.Time) []*Event {
	return n.Events(EventFilter{From: from, To: to})
}

// ConfirmedCount returns the length of the confirmed chain.
func (n *Node) ConfirmedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmed)
}

// PendingCount returns the number of events awaiting quorum.
func (n *Node) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Subscribe registers an observer invoked for every locally recorded and
// every accepted inbound event. Observers run outside the node lock and
// receive a copy.
func (n *Node) Subscribe(fn func(*Event)) {
	n.obsMu.Lock()
	defer n.obsMu.Unlock()
	n.observers = append(n.observers, fn)
}

func (n *Node) notify(e *Event) {
	n.obsMu.RLock()
	observers := make([]func(*Event), len(n.observers))
	copy(observers, n.observers)
	n.obsMu.RUnlock()
	for _, fn := range observers {
		fn(e)
	}
}

// VerifyChain walks the local confirmed chain and checks every hash link.
func (n *Node) VerifyChain() (bool, string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	prev := GenesisHash
	for i, e := range n.confirmed {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i, prev, e.PrevHash)
		}
		h, err := e.Hash()
		if err != nil {
			return false, fmt.Sprintf("hash entry %d: %v", i, err)
		}
		prev = h
	}
	return true, "chain verified"
}

// eventLoop consumes the test_events channel until cancellation.
func (n *Node) eventLoop(ctx context.Context, msgs <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				n.logger.Warn("undecodable gossip event", "error", err)
				continue
			}
			n.handleEvent(ctx, &event)
		}
	}
}

// handleEvent processes one inbound gossip event: chain-link validation,
// countersigning, flood re-broadcast, and the consensus check.
func (n *Node) handleEvent(ctx context.Context, event *Event) {
	n.mu.Lock()

	if _, ok := n.confirmedByID[event.ID]; ok {
		// Stale gossip for an already confirmed event.
		n.mu.Unlock()
		return
	}

	existing, known := n.pending[event.ID]
	if known {
		mergeSignatures(existing, event.Signatures)
	} else {
		if event.PrevHash != n.tipHash {
			tip := n.tipHash
			n.mu.Unlock()
			// No fork-choice rule exists: mismatching events are rejected,
			// never reconciled.
			n.logger.Warn("rejecting event with mismatched previous hash",
				"event_id", event.ID, "agent", event.AgentID,
				"previous_hash", event.PrevHash, "tip", tip)
			n.metrics.EventRejected(ctx, "previous_hash")
			return
		}
		existing = event.clone()
		n.pending[event.ID] = existing
	}

	rebroadcast := false
	if !existing.SignedBy(n.id) {
		existing.Signatures = append(existing.Signatures, n.id)
		rebroadcast = true
	}

	n.checkConsensus(ctx, existing)
	wire := existing.clone()
	n.mu.Unlock()

	if !known {
		n.notify(wire)
	}
	if rebroadcast && n.limiter.Allow() {
		if err := n.publishEvent(ctx, wire); err != nil {
			n.logger.Warn("re-broadcast failed", "event_id", wire.ID, "error", err)
		}
	}
}

// thresholdTolerance absorbs the rounding in conventional threshold values:
// a 2-of-3 quorum (ratio 0.666...) must satisfy the stated 0.67 default.
const thresholdTolerance = 0.005

// checkConsensus publishes a consensus message when the signature ratio
// reaches the threshold. Caller must hold n.mu. An empty registry makes
// this a no-op: there is no quorum of nothing.
func (n *Node) checkConsensus(ctx context.Context, event *Event) {
	total := n.registry.Size()
	if total == 0 {
		return
	}
	ratio := float64(len(event.Signatures)) / float64(total)
	if ratio+thresholdTolerance < n.cfg.Threshold {
		return
	}

	msg := ConsensusMessage{EventID: event.ID, Timestamp: n.clock()}
	raw, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("marshal consensus message", "event_id", event.ID, "error", err)
		return
	}
	if err := n.bus.Publish(ctx, ChannelConsensus, raw); err != nil {
		n.logger.Warn("consensus broadcast failed", "event_id", event.ID, "error", err)
	}
}

// consensusLoop consumes the consensus channel, moving referenced events
// from pending to confirmed in message-arrival order. Arrival order may
// differ between nodes; the protocol promises eventual agreement on the
// set, not on the sequence.
func (n *Node) consensusLoop(ctx context.Context, msgs <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var cm ConsensusMessage
			if err := json.Unmarshal(msg.Payload, &cm); err != nil {
				n.logger.Warn("undecodable consensus message", "error", err)
				continue
			}
			n.confirm(ctx, cm)
		}
	}
}

// confirm finalizes a pending event.
func (n *Node) confirm(ctx context.Context, cm ConsensusMessage) {
	n.mu.Lock()

	event, ok := n.pending[cm.EventID]
	if !ok {
		n.mu.Unlock()
		// Either already confirmed here or never seen; both are normal
		// under flood gossip.
		n.logger.Debug("consensus message for unknown pending event", "event_id", cm.EventID)
		return
	}

	ts := cm.Timestamp
	event.ConsensusTimestamp = &ts
	delete(n.pending, cm.EventID)
	n.confirmed = append(n.confirmed, event)
	n.confirmedByID[event.ID] = event

	hash, err := event.Hash()
	if err != nil {
		// Hashing only fails on an unmarshalable payload, which cannot
		// happen for events that arrived as JSON. Log and keep the old tip.
		n.logger.Error("confirmed event hash failed", "event_id", event.ID, "error", err)
	} else {
		n.tipHash = hash
	}
	n.mu.Unlock()

	n.metrics.EventConfirmed(ctx)
	n.logger.Info("event confirmed", "event_id", event.ID,
		"signatures", len(event.Signatures), "consensus_timestamp", ts)
}

// sweepLoop evicts pending events older than PendingTTL. Forward-looking
// guard against unbounded pending growth; disabled unless configured.
func (n *Node) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PendingTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := n.clock().Add(-n.cfg.PendingTTL)
			n.mu.Lock()
			for id, e := range n.pending {
				if e.Timestamp.Before(cutoff) {
					delete(n.pending, id)
					n.logger.Warn("evicted pending event past TTL", "event_id", id)
				}
			}
			n.mu.Unlock()
		}
	}
}

func (n *Node) publishEvent(ctx context.Context, event *Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	return n.bus.Publish(ctx, ChannelEvents, raw)
}

// mergeSignatures unions inbound signatures into the local copy, keeping
// local arrival order.
func mergeSignatures(local *Event, inbound []string) {
	for _, sig := range inbound {
		if !local.SignedBy(sig) {
			local.Signatures = append(local.Signatures, sig)
		}
	}
}
