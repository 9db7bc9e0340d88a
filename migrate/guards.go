package migrate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/shardis/shardkey"
)

// shardGate caps how many in-flight operations may target any single
// shard at once, so one hot shard in a plan can't consume the entire
// copy/verify concurrency pool.
type shardGate struct {
	cap int
	mu  sync.Mutex
	cnd *sync.Cond
	in  map[shardkey.ShardId]int
}

func newShardGate(cap int) *shardGate {
	g := &shardGate{cap: cap, in: make(map[shardkey.ShardId]int)}
	g.cnd = sync.NewCond(&g.mu)
	return g
}

// acquire blocks until a slot for id frees up or ctx is done. A nil
// return means the caller holds a slot and must release it.
func (g *shardGate) acquire(ctx context.Context, id shardkey.ShardId) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.in[id] >= g.cap {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cnd.Wait()
	}
	g.in[id]++
	return nil
}

func (g *shardGate) release(id shardkey.ShardId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.in[id]--
	g.cnd.Broadcast()
}

func zapShardField(id shardkey.ShardId) zap.Field {
	return zap.String("shard_id", string(id))
}

func zapRetriesField(retries int) zap.Field {
	return zap.Int("retries", retries)
}

func zapErrFieldBare(err error) zap.Field {
	return zap.Error(err)
}
