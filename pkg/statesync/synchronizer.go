package statesync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/accordlabs/accord/pkg/ledger"
	"github.com/accordlabs/accord/pkg/observability"
)

// Broadcaster is the slice of the ledger node the synchronizer writes
// through: snapshot events go out over the same gossip channel as producer
// telemetry.
type Broadcaster interface {
	RecordEvent(ctx context.Context, eventType string, payload map[string]any) (string, error)
	Subscribe(fn func(*ledger.Event))
	Events(filter ledger.EventFilter) []*ledger.Event
}

// CorrelationStats is the read-only slice of the correlation engine the
// synchronizer samples.
type CorrelationStats interface {
	CorrelationCount() int
	ClusterCount() int
}

// Config tunes the synchronizer.
type Config struct {
	// Interval is the tick period. Tick timestamps are truncated to the
	// interval so independent nodes produce snapshots for identical ticks.
	Interval time.Duration `json:"interval"`

	// Quorum is the fraction of registered nodes whose snapshots must
	// arrive before a tick group merges.
	Quorum float64 `json:"quorum"`

	// HistoryLimit hard-bounds the merged history; overflow truncates the
	// oldest entries.
	HistoryLimit int `json:"history_limit"`

	// StatsWindow is the trailing window the ledger statistics cover.
	StatsWindow time.Duration `json:"stats_window"`

	// Backoff is the pause after a transient tick error before the loop
	// continues.
	Backoff time.Duration `json:"backoff"`
}

// DefaultConfig returns the standard synchronizer tuning.
func DefaultConfig() *Config {
	return &Config{
		Interval:     time.Second,
		Quorum:       ledger.DefaultThreshold,
		HistoryLimit: 100,
		StatsWindow:  60 * time.Second,
		Backoff:      500 * time.Millisecond,
	}
}

// quorumTolerance mirrors the ledger's threshold rounding: a 2-of-3 group
// satisfies the conventional 0.67 quorum.
const quorumTolerance = 0.005

// Synchronizer produces, broadcasts, and quorum-merges state snapshots. It
// owns the snapshot history; it only reads from the ledger and the
// correlation engine.
type Synchronizer struct {
	node     Broadcaster
	corr     CorrelationStats
	registry ledger.Registry
	cfg      *Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    func() time.Time

	mu            sync.Mutex
	history       []*Snapshot
	pending       map[int64]map[string]*Snapshot // tick → origin → snapshot
	localPrevHash string

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithLogger installs a logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithMetrics installs metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Synchronizer) { s.clock = clock }
}

// NewSynchronizer creates a synchronizer. It registers itself as a ledger
// observer so peer snapshots flow in through the gossip channel.
func NewSynchronizer(node Broadcaster, corr CorrelationStats, registry ledger.Registry, cfg *Config, opts ...Option) *Synchronizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Synchronizer{
		node:          node,
		corr:          corr,
		registry:      registry,
		cfg:           cfg,
		logger:        slog.Default(),
		metrics:       observability.Nop(),
		clock:         time.Now,
		pending:       make(map[int64]map[string]*Snapshot),
		localPrevHash: ledger.GenesisHash,
	}
	for _, opt := range opts {
		opt(s)
	}
	node.Subscribe(s.onEvent)
	return s
}

// Start launches the periodic loop.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("synchronizer already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.run(ctx)
	}(s.done)

	s.logger.Info("state synchronizer started", "interval", s.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for it to terminate. Cancellation is
// distinct from transient errors: errors are logged and the loop continues
// after backoff, cancellation ends it.
func (s *Synchronizer) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("state synchronizer stopped")
}

func (s *Synchronizer) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warn("tick failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.Backoff):
				}
			}
		}
	}
}

// tick builds the local snapshot and broadcasts it. A cluster with zero
// registered nodes skips the tick entirely: there is no quorum of nothing.
func (s *Synchronizer) tick(ctx context.Context) error {
	if s.registry.Size() == 0 {
		s.logger.Debug("empty registry, skipping tick")
		return nil
	}

	snap := s.localSnapshot()

	hash, err := snap.ComputeHash()
	if err != nil {
		return err
	}
	snap.Hash = hash

	payload, err := snap.payload()
	if err != nil {
		return err
	}
	if _, err := s.node.RecordEvent(ctx, ledger.TypeStateSnapshot, payload); err != nil {
		return fmt.Errorf("broadcast snapshot: %w", err)
	}

	s.mu.Lock()
	s.localPrevHash = hash
	s.mu.Unlock()
	return nil
}

// localSnapshot aggregates ledger statistics over the trailing window plus
// correlation statistics into a tick-aligned snapshot.
func (s *Synchronizer) localSnapshot() *Snapshot {
	now := s.clock()
	tick := now.Truncate(s.cfg.Interval)

	events := s.node.Events(ledger.EventFilter{From: now.Add(-s.cfg.StatsWindow), To: now})

	byType := make(map[string]float64)
	byAgent := make(map[string]float64)
	count := 0.0
	for _, e := range events {
		if e.Type == ledger.TypeStateSnapshot {
			continue // snapshots do not count themselves
		}
		count++
		byType[e.Type]++
		byAgent[e.AgentID]++
	}

	s.mu.Lock()
	prev := s.localPrevHash
	s.mu.Unlock()

	snap := &Snapshot{
		Tick:             tick,
		EventCount:       count,
		CorrelationCount: float64(s.corr.CorrelationCount()),
		ClusterCount:     float64(s.corr.ClusterCount()),
		PrevHash:         prev,
	}
	if len(byType) > 0 {
		snap.EventsByType = byType
	}
	if len(byAgent) > 0 {
		snap.EventsByAgent = byAgent
	}
	return snap
}

// onEvent is the ledger observer: snapshot-typed events feed the pending
// tick groups, everything else is ignored.
func (s *Synchronizer) onEvent(e *ledger.Event) {
	if e.Type != ledger.TypeStateSnapshot {
		return
	}
	snap, err := snapshotFromPayload(e.Payload)
	if err != nil {
		s.logger.Warn("malformed snapshot event", "event_id", e.ID, "error", err)
		return
	}
	if snap.Origin == "" {
		snap.Origin = e.AgentID
	}
	s.addSnapshot(snap)
}

// addSnapshot files a peer snapshot under its tick and merges the group
// once quorum is reached.
func (s *Synchronizer) addSnapshot(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.Tick.UnixNano()
	group, ok := s.pending[key]
	if !ok {
		group = make(map[string]*Snapshot)
		s.pending[key] = group
	}
	group[snap.Origin] = snap

	required := s.RequiredQuorum()
	if required == 0 || len(group) < required {
		return
	}

	members := make([]*Snapshot, 0, len(group))
	for _, member := range group {
		members = append(members, member)
	}
	merged := Merge(members)
	delete(s.pending, key)

	merged.PrevHash = ledger.GenesisHash
	if len(s.history) > 0 {
		merged.PrevHash = s.history[len(s.history)-1].Hash
	}
	hash, err := merged.ComputeHash()
	if err != nil {
		s.logger.Error("merged snapshot hash failed", "error", err)
	} else {
		merged.Hash = hash
	}

	s.history = append(s.history, merged)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}

	s.metrics.SnapshotMerged(context.Background())
	s.logger.Info("consensus snapshot merged",
		"tick", merged.Tick, "contributors", len(members), "history", len(s.history))
}

// Latest returns the newest merged snapshot.
func (s *Synchronizer) Latest() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil, false
	}
	snap := *s.history[len(s.history)-1]
	return &snap, true
}

// History returns merged snapshots with ticks in [from, to]. Zero bounds
// match everything.
func (s *Synchronizer) History(from, to time.Time) []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Snapshot, 0, len(s.history))
	for _, snap := range s.history {
		if !from.IsZero() && snap.Tick.Before(from) {
			continue
		}
		if !to.IsZero() && snap.Tick.After(to) {
			continue
		}
		cp := *snap
		out = append(out, &cp)
	}
	return out
}

// RequiredQuorum returns the number of same-tick snapshots needed to merge,
// given the current registry size. Zero means no merge can happen (empty
// registry); a non-empty registry always requires at least one snapshot.
func (s *Synchronizer) RequiredQuorum() int {
	total := s.registry.Size()
	if total == 0 {
		return 0
	}
	required := int(math.Ceil((s.cfg.Quorum - quorumTolerance) * float64(total)))
	if required < 1 {
		required = 1
	}
	return required
}
