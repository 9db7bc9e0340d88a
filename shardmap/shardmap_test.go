package shardmap

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardis/shardkey"
)

func TestMemoryStoreTryAssignAtomicity(t *testing.T) {
	store := NewMemoryStore[string]()
	ctx := context.Background()
	key := shardkey.String("user-1")

	var wg sync.WaitGroup
	results := make([]struct {
		created bool
		id      shardkey.ShardId
	}, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		c, id, err := store.TryAssign(ctx, key, "a")
		require.NoError(t, err)
		results[0] = struct {
			created bool
			id      shardkey.ShardId
		}{c, id}
	}()
	go func() {
		defer wg.Done()
		c, id, err := store.TryAssign(ctx, key, "b")
		require.NoError(t, err)
		results[1] = struct {
			created bool
			id      shardkey.ShardId
		}{c, id}
	}()
	wg.Wait()

	createdCount := 0
	var winner shardkey.ShardId
	for _, r := range results {
		if r.created {
			createdCount++
			winner = r.id
		}
	}
	require.Equal(t, 1, createdCount, "exactly one caller should win the insert")
	for _, r := range results {
		assert.Equal(t, winner, r.id, "the loser's currentMapping must reflect the winner")
	}
}

func TestMemoryStoreTryGetOrAddOnlyCallsFactoryOnMiss(t *testing.T) {
	store := NewMemoryStore[string]()
	ctx := context.Background()
	key := shardkey.String("user-1")
	calls := 0
	factory := func() shardkey.ShardId {
		calls++
		return "s1"
	}

	created, id, err := store.TryGetOrAdd(ctx, key, factory)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, shardkey.ShardId("s1"), id)

	created, id, err = store.TryGetOrAdd(ctx, key, factory)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, shardkey.ShardId("s1"), id)
	assert.Equal(t, 1, calls)
}

func TestMemoryStoreAssignOverwritesAndRecordsHistory(t *testing.T) {
	store := NewMemoryStore[string]()
	ctx := context.Background()
	key := shardkey.String("k1")

	require.NoError(t, store.Assign(ctx, key, "a"))
	require.NoError(t, store.Assign(ctx, key, "b"))

	id, ok, err := store.TryGet(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, shardkey.ShardId("b"), id)

	history := store.History()
	require.Len(t, history, 2)
	assert.Nil(t, history[0].Old)
	require.NotNil(t, history[1].Old)
	assert.Equal(t, shardkey.ShardId("a"), *history[1].Old)
	assert.Equal(t, shardkey.ShardId("b"), history[1].New)
}

func TestMemoryStoreEnumerateAscendingAndCancellation(t *testing.T) {
	store := NewMemoryStore[string]()
	ctx := context.Background()
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, store.Assign(ctx, shardkey.String(k), "s1"))
	}

	out, errc := store.Enumerate(ctx)
	var got []string
	for e := range out {
		got = append(got, e.Key.Value())
	}
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	out, errc = store.Enumerate(cancelCtx)
	for range out {
	}
	assert.Error(t, <-errc)
}

func TestMemoryStoreOnAssignmentChanged(t *testing.T) {
	store := NewMemoryStore[string]()
	ctx := context.Background()

	var fired []shardkey.ShardId
	store.OnAssignmentChanged(func(_ shardkey.ShardKey[string], _ *shardkey.ShardId, new shardkey.ShardId) {
		fired = append(fired, new)
	})

	_, _, err := store.TryAssign(ctx, shardkey.String("k1"), "s1")
	require.NoError(t, err)
	require.NoError(t, store.Assign(ctx, shardkey.String("k1"), "s2"))

	assert.Equal(t, []shardkey.ShardId{"s1", "s2"}, fired)
}
