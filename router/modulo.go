package router

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/shardis/diagnostics"
	"github.com/dreamware/shardis/shardkey"
	"github.com/dreamware/shardis/shardmap"
)

// ModuloRouter resolves keys by `keyHash mod |shards|`, holding shards in
// an insertion-ordered list plus a map for existing-assignment lookups.
// Concurrent misses on the same key are serialized through a
// singleflight.Group keyed by the key's byte encoding, so duplicate
// resolution attempts under a race collapse into one ring lookup and one
// shardmap write, and only the first creator observes a miss.
type ModuloRouter[K comparable] struct {
	shards []Shard
	byID   map[shardkey.ShardId]Shard
	store  shardmap.Store[K]
	hasher shardkey.KeyHasher[K]
	sf     singleflight.Group
}

// NewModuloRouter constructs a modulo router over shards. A duplicate
// shard id is returned as a construction error rather than panicking so
// embedding applications can decide how fatal that is; an empty shard
// list is accepted and every Route then fails with EmptyRing.
func NewModuloRouter[K comparable](shards []Shard, store shardmap.Store[K], hasher shardkey.KeyHasher[K]) (*ModuloRouter[K], error) {
	byID := make(map[shardkey.ShardId]Shard, len(shards))
	for _, s := range shards {
		if _, exists := byID[s.ID]; exists {
			return nil, duplicateShardIDError(s.ID)
		}
		byID[s.ID] = s
	}
	return &ModuloRouter[K]{
		shards: append([]Shard(nil), shards...),
		byID:   byID,
		store:  store,
		hasher: hasher,
	}, nil
}

type modResult struct {
	shardID     shardkey.ShardId
	wasExisting bool
}

// Route implements Router.
func (r *ModuloRouter[K]) Route(ctx context.Context, key shardkey.ShardKey[K]) (Result, error) {
	start := time.Now()
	ctx, span := diagnostics.Tracer().Start(ctx, "router.Route")
	defer span.End()

	keyHash := r.hasher.Hash(key)

	if len(r.shards) == 0 {
		return Result{}, emptyRingError(keyHash)
	}

	if id, ok, err := r.store.TryGet(ctx, key); err != nil {
		return Result{}, err
	} else if ok {
		if shard, known := r.byID[id]; known {
			recordRoute(span, "modulo", keyHash, len(r.shards), true, shard.ID, start)
			return Result{Shard: shard, WasExistingAssignment: true}, nil
		}
		// Stored mapping references a shard that is no longer registered;
		// fall through to re-resolve and persist the replacement.
	}

	// ran is set only in the caller whose function singleflight executes;
	// callers that joined an in-flight resolution did not create it.
	ran := false
	v, err, _ := r.sf.Do(string(key.Bytes()), func() (any, error) {
		ran = true
		idx := int(keyHash % uint32(len(r.shards)))
		candidate := r.shards[idx]

		if id, ok, getErr := r.store.TryGet(ctx, key); getErr != nil {
			return nil, getErr
		} else if ok {
			if _, known := r.byID[id]; !known {
				if assignErr := r.store.Assign(ctx, key, candidate.ID); assignErr != nil {
					return nil, assignErr
				}
				return modResult{shardID: candidate.ID, wasExisting: false}, nil
			}
		}

		created, current, assignErr := r.store.TryAssign(ctx, key, candidate.ID)
		if assignErr != nil {
			return nil, assignErr
		}
		if !created {
			return modResult{shardID: current, wasExisting: true}, nil
		}
		return modResult{shardID: candidate.ID, wasExisting: false}, nil
	})
	if err != nil {
		return Result{}, err
	}

	outcome := v.(modResult)
	outcome.wasExisting = outcome.wasExisting || !ran
	shard, known := r.byID[outcome.shardID]
	if !known {
		return Result{}, unknownShardError(outcome.shardID)
	}
	recordRoute(span, "modulo", keyHash, len(r.shards), outcome.wasExisting, shard.ID, start)
	return Result{Shard: shard, WasExistingAssignment: outcome.wasExisting}, nil
}

// Shards returns the router's registered shards in insertion order.
func (r *ModuloRouter[K]) Shards() []Shard {
	return append([]Shard(nil), r.shards...)
}
