// Command accord-node runs a small Accord cluster in one process and prints
// the consensus view it converges on. With ACCORD_REDIS_ADDR set, the nodes
// gossip through Redis instead of the in-memory bus, which allows several
// accord-node processes to form one cluster.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accordlabs/accord/pkg/config"
	"github.com/accordlabs/accord/pkg/correlate"
	"github.com/accordlabs/accord/pkg/ledger"
	"github.com/accordlabs/accord/pkg/observability"
	"github.com/accordlabs/accord/pkg/statesync"
	"github.com/accordlabs/accord/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "accord-node:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	var bus transport.PubSub
	if cfg.RedisAddr != "" {
		bus = transport.NewRedis(transport.DefaultRedisConfig(cfg.RedisAddr), logger)
	} else {
		bus = transport.NewBus(logger)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeIDs := []string{cfg.NodeID + "-a", cfg.NodeID + "-b", cfg.NodeID + "-c"}
	registry := ledger.NewStaticRegistry(nodeIDs...)

	nodeCfg := ledger.DefaultNodeConfig()
	nodeCfg.Threshold = cfg.Threshold

	var nodes []*ledger.Node
	var syncs []*statesync.Synchronizer
	for _, id := range nodeIDs {
		node := ledger.NewNode(id, registry, bus, nodeCfg, ledger.WithLogger(logger))
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("start node %s: %w", id, err)
		}
		defer node.Stop()

		engine := correlate.NewEngine(node, nil, correlate.WithLogger(logger))
		node.Subscribe(func(e *ledger.Event) {
			if e.Type != ledger.TypeStateSnapshot {
				engine.ProcessEvent(ctx, e)
			}
		})

		syncCfg := statesync.DefaultConfig()
		syncCfg.Interval = cfg.SyncInterval
		syncCfg.Quorum = cfg.Threshold
		sync := statesync.NewSynchronizer(node, engine, registry, syncCfg, statesync.WithLogger(logger))
		if err := sync.Start(ctx); err != nil {
			return fmt.Errorf("start synchronizer for %s: %w", id, err)
		}
		defer sync.Stop()

		nodes = append(nodes, node)
		syncs = append(syncs, sync)
	}

	// Emit a little telemetry so the cluster has something to agree on.
	go func() {
		types := []string{"test_started", "test_passed", "test_failed"}
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
			node := nodes[i%len(nodes)]
			_, err := node.RecordEvent(ctx, types[i%len(types)], map[string]any{
				"sequence": i,
				"suite":    "demo",
			})
			if err != nil {
				logger.Warn("record failed", "error", err)
			}
		}
	}()

	report := time.NewTicker(5 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-report.C:
			if latest, ok := syncs[0].Latest(); ok {
				raw, _ := json.MarshalIndent(latest, "", "  ")
				fmt.Printf("latest consensus snapshot:\n%s\n", raw)
			}
			for _, node := range nodes {
				ok, detail := node.VerifyChain()
				logger.Info("chain status", "node", node.ID(),
					"confirmed", node.ConfirmedCount(), "pending", node.PendingCount(),
					"verified", ok, "detail", detail)
			}
		}
	}
}
