package migration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardis/shardkey"
)

func toKey(v string) shardkey.ShardKey[string] { return shardkey.String(v) }

func TestDiffIgnoresUnchangedAndOneSidedKeys(t *testing.T) {
	from := TopologySnapshot[string]{
		"a": "s1",
		"b": "s1",
		"c": "s2", // only in from
	}
	to := TopologySnapshot[string]{
		"a": "s1", // unchanged
		"b": "s2", // moved
		"d": "s3", // only in to
	}

	moves := Diff(from, to, toKey)
	require.Len(t, moves, 1)
	assert.Equal(t, "b", moves[0].Key.Value())
	assert.Equal(t, shardkey.ShardId("s1"), moves[0].Source)
	assert.Equal(t, shardkey.ShardId("s2"), moves[0].Target)
}

func TestNewPlanOrdersBySourceThenTargetThenKeyHash(t *testing.T) {
	moves := []KeyMove[string]{
		{Key: toKey("k3"), Source: "s2", Target: "s1"},
		{Key: toKey("k1"), Source: "s1", Target: "s2"},
		{Key: toKey("k2"), Source: "s1", Target: "s1"},
	}

	plan := NewPlan(moves, uuid.New())
	require.Len(t, plan.Moves, 3)
	assert.Equal(t, shardkey.ShardId("s1"), plan.Moves[0].Source)
	assert.Equal(t, shardkey.ShardId("s1"), plan.Moves[1].Source)
	assert.Equal(t, shardkey.ShardId("s2"), plan.Moves[2].Source)
	// Within the s1-source group, target s1 sorts before target s2.
	assert.Equal(t, shardkey.ShardId("s1"), plan.Moves[0].Target)
	assert.Equal(t, shardkey.ShardId("s2"), plan.Moves[1].Target)
}

func TestNewPlanIsDeterministicAcrossRuns(t *testing.T) {
	moves := []KeyMove[string]{
		{Key: toKey("alpha"), Source: "s3", Target: "s1"},
		{Key: toKey("beta"), Source: "s1", Target: "s2"},
		{Key: toKey("gamma"), Source: "s1", Target: "s2"},
	}

	planA := NewPlan(moves, uuid.New())
	planB := NewPlan(append([]KeyMove[string](nil), moves...), uuid.New())

	require.Len(t, planA.Moves, len(planB.Moves))
	for i := range planA.Moves {
		assert.Equal(t, planA.Moves[i].Key.Value(), planB.Moves[i].Key.Value())
		assert.Equal(t, planA.Moves[i].Source, planB.Moves[i].Source)
		assert.Equal(t, planA.Moves[i].Target, planB.Moves[i].Target)
	}
}

func TestSegmentedDifferBoundsToSegmentSize(t *testing.T) {
	to := TopologySnapshot[string]{}
	entries := make(chan SourceEntry[string], 250)
	for i := 0; i < 250; i++ {
		key := string(rune('a')) + itoaPad(i)
		to[key] = "target"
		entries <- SourceEntry[string]{Key: key, ShardID: "source", ToShardKey: toKey}
	}
	close(entries)

	differ := SegmentedDiffer[string]{SegmentSize: 50}
	moves, err := differ.Diff(context.Background(), entries, to)
	require.NoError(t, err)
	assert.Len(t, moves, 250)
}

func TestSegmentedDifferRespectsCancellation(t *testing.T) {
	to := TopologySnapshot[string]{}
	entries := make(chan SourceEntry[string], 10)
	for i := 0; i < 10; i++ {
		key := "k" + itoaPad(i)
		to[key] = "target"
		entries <- SourceEntry[string]{Key: key, ShardID: "source", ToShardKey: toKey}
	}
	close(entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	differ := SegmentedDiffer[string]{SegmentSize: 10}
	_, err := differ.Diff(ctx, entries, to)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func itoaPad(i int) string {
	digits := "0123456789"
	if i < 10 {
		return "00" + string(digits[i])
	}
	if i < 100 {
		return "0" + string(digits[i/10]) + string(digits[i%10])
	}
	return string(digits[i/100]) + string(digits[(i/10)%10]) + string(digits[i%10])
}
