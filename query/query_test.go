package query

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardis/diagnostics"
	"github.com/dreamware/shardis/health"
	"github.com/dreamware/shardis/shardkey"
)

type staticRegistry []shardkey.ShardId

func (s staticRegistry) AllShardIDs() []shardkey.ShardId { return s }

type fakeSession struct {
	rows []int
	err  error
}

func (s *fakeSession) Query(ctx context.Context, model Model[int]) (<-chan int, <-chan error) {
	out := make(chan int, len(s.rows))
	for _, r := range s.rows {
		out <- r
	}
	close(out)
	errc := make(chan error, 1)
	errc <- s.err
	return out, errc
}

func (s *fakeSession) Close() error { return nil }

func sessionsFor(data map[shardkey.ShardId][]int, failing map[shardkey.ShardId]error) SessionFactory[int] {
	return func(ctx context.Context, shardID shardkey.ShardId) (Session[int], error) {
		return &fakeSession{rows: data[shardID], err: failing[shardID]}, nil
	}
}

func TestExecutorRunUnorderedCollectsAllShards(t *testing.T) {
	registry := staticRegistry{"s1", "s2", "s3"}
	data := map[shardkey.ShardId][]int{"s1": {1, 2}, "s2": {3}, "s3": {4, 5}}
	ex := NewExecutor[int, int](registry, sessionsFor(data, nil), nil)

	out, errc := ex.Run(context.Background(), Model[int]{SourceType: "rows"}, Options[int, int]{
		MergeStrategy: MergeUnordered,
	})

	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestExecutorRunAppliesFiltersAndProjection(t *testing.T) {
	registry := staticRegistry{"s1"}
	data := map[shardkey.ShardId][]int{"s1": {1, 2, 3, 4, 5}}
	ex := NewExecutor[int, int](registry, sessionsFor(data, nil), nil)

	out, errc := ex.Run(context.Background(), Model[int]{
		SourceType: "rows",
		Filters:    []Filter[int]{func(v int) bool { return v%2 == 0 }},
		Project:    func(v int) int { return v * 10 },
	}, Options[int, int]{MergeStrategy: MergeUnordered})

	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	sort.Ints(got)
	assert.Equal(t, []int{20, 40}, got)
}

func TestExecutorRunOrderedMerge(t *testing.T) {
	registry := staticRegistry{"s1", "s2"}
	data := map[shardkey.ShardId][]int{"s1": {1, 3, 5}, "s2": {2, 4, 6}}
	ex := NewExecutor[int, int](registry, sessionsFor(data, nil), nil)

	out, errc := ex.Run(context.Background(), Model[int]{SourceType: "rows"}, Options[int, int]{
		MergeStrategy: MergeOrdered,
		KeyFn:         func(v int) int { return v },
		Less:          func(a, b int) bool { return a < b },
	})

	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, got)
}

func TestExecutorRunFailFastPropagatesError(t *testing.T) {
	registry := staticRegistry{"s1", "s2"}
	boom := errors.New("shard down")
	data := map[shardkey.ShardId][]int{"s1": {1}, "s2": nil}
	ex := NewExecutor[int, int](registry, sessionsFor(data, map[shardkey.ShardId]error{"s2": boom}), nil)

	out, errc := ex.Run(context.Background(), Model[int]{SourceType: "rows"}, Options[int, int]{
		MergeStrategy: MergeUnordered,
		FailureMode:   FailFast,
	})
	for range out {
	}
	err := <-errc
	require.Error(t, err)
	assert.Equal(t, boom, err)
}

func TestExecutorRunBestEffortSwallowsError(t *testing.T) {
	registry := staticRegistry{"s1", "s2"}
	boom := errors.New("shard down")
	data := map[shardkey.ShardId][]int{"s1": {1, 2}, "s2": nil}
	ex := NewExecutor[int, int](registry, sessionsFor(data, map[shardkey.ShardId]error{"s2": boom}), nil)

	var mu sync.Mutex
	captured := map[shardkey.ShardId]error{}
	out, errc := ex.Run(context.Background(), Model[int]{SourceType: "rows"}, Options[int, int]{
		MergeStrategy: MergeUnordered,
		FailureMode:   BestEffort,
		OnShardError: func(id shardkey.ShardId, err error) {
			mu.Lock()
			defer mu.Unlock()
			captured[id] = err
		},
	})
	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	sort.Ints(got)
	assert.Equal(t, []int{1, 2}, got, "healthy shard results survive a sibling fault")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, boom, captured["s2"])
}

func TestExecutorRunTargetsNormalizationCountsInvalid(t *testing.T) {
	registry := staticRegistry{"s1", "s2"}
	data := map[shardkey.ShardId][]int{"s1": {1}, "s2": {2}}
	ex := NewExecutor[int, int](registry, sessionsFor(data, nil), nil)

	targets, invalid := ex.normalizeTargets([]shardkey.ShardId{"s1", "bogus"})
	assert.Equal(t, []shardkey.ShardId{"s1"}, targets)
	assert.Equal(t, 1, invalid)
}

func TestExecutorRunQuarantineFailsOnAnyUnhealthy(t *testing.T) {
	registry := staticRegistry{"s1", "s2"}
	data := map[shardkey.ShardId][]int{"s1": {1}, "s2": {2}}
	policy := health.NewPolicy(health.Config{UnhealthyThreshold: 1}, nil, nil)
	// s2 never probed successfully -> treated as not-healthy (Unknown).
	ex := NewExecutor[int, int](registry, sessionsFor(data, nil), policy)

	out, errc := ex.Run(context.Background(), Model[int]{SourceType: "rows"}, Options[int, int]{
		MergeStrategy:          MergeUnordered,
		Requirement:            health.AllShards{},
		UnhealthyShardBehavior: Quarantine,
	})
	for range out {
	}
	err := <-errc
	require.Error(t, err)
	var insufficient *InsufficientHealthyShardsError
	assert.ErrorAs(t, err, &insufficient)
}

func TestExecutorRunSkipFiltersUnhealthyShards(t *testing.T) {
	registry := staticRegistry{"s0", "s1", "s2"}
	data := map[shardkey.ShardId][]int{"s0": {1}, "s1": {2}, "s2": {3}}

	policy := health.NewPolicy(health.Config{ReactiveTrackingEnabled: true, UnhealthyThreshold: 1}, nil, nil)
	policy.RecordSuccess("s0")
	policy.RecordSuccess("s2")
	policy.RecordFailure("s1", errors.New("connection refused"))

	before := testutil.ToFloat64(diagnostics.HealthShardSkipped.WithLabelValues("s1"))

	ex := NewExecutor[int, int](registry, sessionsFor(data, nil), policy)
	out, errc := ex.Run(context.Background(), Model[int]{SourceType: "rows"}, Options[int, int]{
		MergeStrategy:          MergeUnordered,
		FailureMode:            BestEffort,
		Requirement:            health.AtLeast{N: 2},
		UnhealthyShardBehavior: Skip,
	})

	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	sort.Ints(got)
	assert.Equal(t, []int{1, 3}, got, "only the healthy shards contribute rows")

	after := testutil.ToFloat64(diagnostics.HealthShardSkipped.WithLabelValues("s1"))
	assert.Equal(t, before+1, after, "each skipped shard increments the skip counter once")
}

func TestExecutorRunSkipFailsWhenRequirementViolated(t *testing.T) {
	registry := staticRegistry{"s0", "s1", "s2"}
	data := map[shardkey.ShardId][]int{"s0": {1}, "s1": {2}, "s2": {3}}

	policy := health.NewPolicy(health.Config{ReactiveTrackingEnabled: true, UnhealthyThreshold: 1}, nil, nil)
	policy.RecordSuccess("s0")
	policy.RecordSuccess("s2")
	policy.RecordFailure("s1", errors.New("connection refused"))

	ex := NewExecutor[int, int](registry, sessionsFor(data, nil), policy)
	out, errc := ex.Run(context.Background(), Model[int]{SourceType: "rows"}, Options[int, int]{
		MergeStrategy:          MergeUnordered,
		Requirement:            health.AllShards{},
		UnhealthyShardBehavior: Skip,
	})
	for range out {
	}
	err := <-errc
	require.Error(t, err)
	var insufficient *InsufficientHealthyShardsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Total)
	assert.Equal(t, 2, insufficient.Healthy)
	assert.Equal(t, []shardkey.ShardId{"s1"}, insufficient.UnhealthyIDs)
	assert.Equal(t, "AllShards", insufficient.Requirement)
}
