// Command quickstart wires routing, a fan-out query, and a migration
// together against in-memory stores in one running process. It is not a
// host application; it exists only to exercise the library's public
// surface end to end. SHARDIS_SHARD_COUNT overrides the default shard
// count.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/shardis/checkpoint"
	"github.com/dreamware/shardis/health"
	"github.com/dreamware/shardis/migrate"
	"github.com/dreamware/shardis/migration"
	"github.com/dreamware/shardis/query"
	"github.com/dreamware/shardis/router"
	"github.com/dreamware/shardis/shardkey"
	"github.com/dreamware/shardis/shardmap"
)

type record struct {
	Key   string
	Value string
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	shardCount := 4
	if v := os.Getenv("SHARDIS_SHARD_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			shardCount = n
		}
	}

	data := map[string]map[string]record{} // shardID -> key -> record
	shards := make([]router.Shard, 0, shardCount)
	for i := 0; i < shardCount; i++ {
		id := fmt.Sprintf("shard-%d", i)
		data[id] = map[string]record{}
		shards = append(shards, router.Shard{ID: shardkey.ShardId(id), Handle: id})
	}

	store := shardmap.NewMemoryStore[string]()
	ring, err := router.NewConsistentHashRouter[string](
		shards, store,
		shardkey.FNV32aKeyHasher[string]{}, shardkey.FNV32aRingHasher{},
		64,
	)
	if err != nil {
		return fmt.Errorf("quickstart: build router: %w", err)
	}

	// Route a handful of logical keys, seeding each shard's in-memory data.
	for i := 0; i < 12; i++ {
		key := shardkey.String(fmt.Sprintf("user-%d", i))
		result, err := ring.Route(ctx, key)
		if err != nil {
			return fmt.Errorf("quickstart: route: %w", err)
		}
		id := string(result.Shard.ID)
		data[id][key.Value()] = record{Key: key.Value(), Value: fmt.Sprintf("payload-%d", i)}
		logger.Info("routed key",
			zap.String("key", key.Value()),
			zap.String("shard", id),
			zap.Bool("existing", result.WasExistingAssignment),
		)
	}

	// Health policy: every shard starts Unknown and flips Healthy on the
	// first successful probe. A query gated by health.AllShards would
	// fail until probes have run at least once.
	policy := health.NewPolicy(health.Config{
		ProbeInterval:      200 * time.Millisecond,
		ProbeTimeout:       50 * time.Millisecond,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		CooldownPeriod:     time.Second,
	}, health.ProberFunc(func(ctx context.Context, shardID shardkey.ShardId) error {
		return nil // every shard is reachable in this demo
	}), logger)

	probeCtx, stopProbing := context.WithCancel(ctx)
	defer stopProbing()
	go policy.Start(probeCtx, func() []shardkey.ShardId {
		ids := make([]shardkey.ShardId, len(shards))
		for i, s := range shards {
			ids[i] = s.ID
		}
		return ids
	})
	time.Sleep(50 * time.Millisecond) // let the first probe pass land

	registry := staticRegistry(shards)
	sessions := func(_ context.Context, shardID shardkey.ShardId) (query.Session[record], error) {
		return &memSession{rows: data[string(shardID)]}, nil
	}
	executor := query.NewExecutor[record, string](registry, sessions, policy)

	model := query.Model[record]{SourceType: "users"}
	out, errc := executor.Run(ctx, model, query.Options[record, string]{
		MergeStrategy:          query.MergeUnordered,
		FailureMode:            query.BestEffort,
		Requirement:            health.AtLeast{N: shardCount},
		UnhealthyShardBehavior: query.Skip,
		DisposeSessionPerQuery: true,
	})

	var results []record
	for row := range out {
		results = append(results, row)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("quickstart: query: %w", err)
	}
	logger.Info("fan-out query complete", zap.Int("rows", len(results)))

	// Migration: move every key on the first shard onto the last shard
	// and run them through copy/verify/swap.
	from := migration.TopologySnapshot[string]{}
	to := migration.TopologySnapshot[string]{}
	for id, rows := range data {
		for key := range rows {
			from[key] = shardkey.ShardId(id)
			to[key] = shardkey.ShardId(id)
		}
	}
	rebalanceOneShard(to, shards)

	moves := migration.Diff(from, to, shardkey.String)
	if len(moves) == 0 {
		logger.Info("no rebalance necessary")
		return nil
	}
	plan := migration.NewPlan(moves, uuid.New())
	logger.Info("migration plan built", zap.Int("moves", len(plan.Moves)))

	mover := &demoMover{data: data}
	swapper := &checkpoint.MemorySwapper[string]{Assign: store.Assign}
	cpStore := checkpoint.NewMemoryCheckpointStore[string]()

	migrationExec := migrate.NewExecutor[string](mover, swapper, cpStore, migrate.Config{
		CopyConcurrency:   4,
		VerifyConcurrency: 4,
		SwapBatchSize:     8,
		MaxRetries:        3,
		RetryBaseDelay:    10 * time.Millisecond,
	}, logger, func(ev migrate.ProgressEvent) {
		logger.Debug("migration progress",
			zap.Int("copied", ev.Copied), zap.Int("verified", ev.Verified),
			zap.Int("swapped", ev.Swapped), zap.Int("failed", ev.Failed),
			zap.Int("total", ev.Total),
		)
	})

	if err := migrationExec.Run(ctx, plan); err != nil {
		return fmt.Errorf("quickstart: migrate: %w", err)
	}
	logger.Info("migration complete", zap.String("plan_id", plan.PlanID.String()))
	return nil
}

// rebalanceOneShard moves every key currently on shards[0] onto
// shards[len-1], giving the planner something nontrivial to diff.
func rebalanceOneShard(to migration.TopologySnapshot[string], shards []router.Shard) {
	if len(shards) < 2 {
		return
	}
	source := shards[0].ID
	target := shards[len(shards)-1].ID
	for key, id := range to {
		if id == source {
			to[key] = target
		}
	}
}

type staticRegistry []router.Shard

func (r staticRegistry) AllShardIDs() []shardkey.ShardId {
	ids := make([]shardkey.ShardId, len(r))
	for i, s := range r {
		ids[i] = s.ID
	}
	return ids
}

// memSession streams a shard's in-memory rows, implementing query.Session.
type memSession struct {
	rows map[string]record
}

func (s *memSession) Query(ctx context.Context, _ query.Model[record]) (<-chan record, <-chan error) {
	out := make(chan record)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, row := range s.rows {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- row:
			}
		}
	}()
	return out, errc
}

func (s *memSession) Close() error { return nil }

// demoMover implements checkpoint.DataMover over the same in-memory rows
// the query side reads, so the migration phase actually relocates data
// rather than operating on a disjoint fixture.
type demoMover struct {
	data map[string]map[string]record
}

func (m *demoMover) Copy(_ context.Context, key shardkey.ShardKey[string], source, target shardkey.ShardId) error {
	row, ok := m.data[string(source)][key.Value()]
	if !ok {
		return nil
	}
	if m.data[string(target)] == nil {
		m.data[string(target)] = map[string]record{}
	}
	m.data[string(target)][key.Value()] = row
	return nil
}

func (m *demoMover) Verify(_ context.Context, key shardkey.ShardKey[string], source, target shardkey.ShardId, _ checkpoint.VerificationStrategy) (bool, error) {
	src, srcOK := m.data[string(source)][key.Value()]
	dst, dstOK := m.data[string(target)][key.Value()]
	if !srcOK || !dstOK {
		return false, nil
	}
	return src.Value == dst.Value, nil
}
