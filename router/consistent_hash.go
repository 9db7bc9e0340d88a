package router

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/shardis/diagnostics"
	"github.com/dreamware/shardis/shardkey"
	"github.com/dreamware/shardis/shardmap"
)

type ringEntry struct {
	hash    uint32
	shardID shardkey.ShardId
}

// ringSnapshot is an immutable view of the hash ring. Readers load it via
// atomic.Pointer without taking a lock; writers build a new snapshot
// under mu and swap the pointer (read-copy-update).
type ringSnapshot struct {
	entries    []ringEntry
	shards     map[shardkey.ShardId]Shard
	tombstoned map[shardkey.ShardId]bool
}

func (s *ringSnapshot) clone() *ringSnapshot {
	shards := make(map[shardkey.ShardId]Shard, len(s.shards))
	for k, v := range s.shards {
		shards[k] = v
	}
	tombstoned := make(map[shardkey.ShardId]bool, len(s.tombstoned))
	for k, v := range s.tombstoned {
		tombstoned[k] = v
	}
	return &ringSnapshot{entries: s.entries, shards: shards, tombstoned: tombstoned}
}

// activeShardCount returns the count of non-tombstoned shards.
func (s *ringSnapshot) activeShardCount() int {
	n := 0
	for id := range s.shards {
		if !s.tombstoned[id] {
			n++
		}
	}
	return n
}

// lookupShardID walks the sorted ring clockwise from h, skipping
// tombstoned entries, and wraps around once.
func (s *ringSnapshot) lookupShardID(h uint32) (shardkey.ShardId, bool) {
	n := len(s.entries)
	if n == 0 {
		return "", false
	}
	start := sort.Search(n, func(i int) bool { return s.entries[i].hash >= h })
	for i := 0; i < n; i++ {
		e := s.entries[(start+i)%n]
		if !s.tombstoned[e.shardID] {
			return e.shardID, true
		}
	}
	return "", false
}

// ConsistentHashRouter resolves keys by walking a ring of virtual
// nodes. Ring membership changes are serialized by mu; readers always
// go through the atomically-swapped snapshot and never block on mu.
// RemoveShard tombstones rather than rebuilding the ring, keeping the
// common case (no churn) lock-free; AddShard hashes only the new shard's
// virtual nodes and re-sorts the combined entry slice.
type ConsistentHashRouter[K comparable] struct {
	mu                sync.Mutex
	snapshot          atomic.Pointer[ringSnapshot]
	store             shardmap.Store[K]
	keyHasher         shardkey.KeyHasher[K]
	ringHasher        shardkey.RingHasher
	replicationFactor int
	sf                singleflight.Group
}

// NewConsistentHashRouter constructs a consistent-hash router. shards must
// be non-empty with unique IDs; replicationFactor (virtual nodes per
// shard) must be in [1, 10000].
func NewConsistentHashRouter[K comparable](
	shards []Shard,
	store shardmap.Store[K],
	keyHasher shardkey.KeyHasher[K],
	ringHasher shardkey.RingHasher,
	replicationFactor int,
) (*ConsistentHashRouter[K], error) {
	if replicationFactor < 1 || replicationFactor > maxReplicationFactor {
		return nil, replicationFactorOutOfRangeError(replicationFactor)
	}

	shardMap := make(map[shardkey.ShardId]Shard, len(shards))
	for _, s := range shards {
		if _, exists := shardMap[s.ID]; exists {
			return nil, duplicateShardIDError(s.ID)
		}
		shardMap[s.ID] = s
	}

	snap := buildSnapshot(shardMap, map[shardkey.ShardId]bool{}, ringHasher, replicationFactor)

	r := &ConsistentHashRouter[K]{
		store:             store,
		keyHasher:         keyHasher,
		ringHasher:        ringHasher,
		replicationFactor: replicationFactor,
	}
	r.snapshot.Store(snap)
	return r, nil
}

// maxReplicationFactor caps virtual nodes per shard; beyond this the ring
// costs memory without improving distribution.
const maxReplicationFactor = 10000

func buildSnapshot(shards map[shardkey.ShardId]Shard, tombstoned map[shardkey.ShardId]bool, ringHasher shardkey.RingHasher, replicationFactor int) *ringSnapshot {
	ids := make([]shardkey.ShardId, 0, len(shards))
	for id := range shards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	// Hash collisions resolve first-winner: the insertion that got the
	// ring position first keeps it, and ids are walked in sorted order so
	// the winner is the same on every rebuild.
	seen := make(map[uint32]bool, len(shards)*replicationFactor)
	entries := make([]ringEntry, 0, len(shards)*replicationFactor)
	for _, id := range ids {
		for i := 0; i < replicationFactor; i++ {
			h := ringHasher.Hash(shardkey.VirtualNodeID(string(id), i))
			if seen[h] {
				continue
			}
			seen[h] = true
			entries = append(entries, ringEntry{hash: h, shardID: id})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	return &ringSnapshot{entries: entries, shards: shards, tombstoned: tombstoned}
}

// Route implements Router.
func (r *ConsistentHashRouter[K]) Route(ctx context.Context, key shardkey.ShardKey[K]) (Result, error) {
	start := time.Now()
	ctx, span := diagnostics.Tracer().Start(ctx, "router.Route")
	defer span.End()

	keyHash := r.keyHasher.Hash(key)
	snap := r.snapshot.Load()

	if snap.activeShardCount() == 0 {
		return Result{}, emptyRingError(keyHash)
	}

	if id, ok, err := r.store.TryGet(ctx, key); err != nil {
		return Result{}, err
	} else if ok {
		if shard, known := snap.shards[id]; known && !snap.tombstoned[id] {
			recordRoute(span, "consistent_hash", keyHash, snap.activeShardCount(), true, shard.ID, start)
			return Result{Shard: shard, WasExistingAssignment: true}, nil
		}
	}

	// ran is set only in the caller whose function singleflight executes;
	// callers that joined an in-flight resolution did not create it.
	ran := false
	v, err, _ := r.sf.Do(string(key.Bytes()), func() (any, error) {
		ran = true
		candidateID, ok := snap.lookupShardID(keyHash)
		if !ok {
			return nil, emptyRingError(keyHash)
		}

		if id, ok, getErr := r.store.TryGet(ctx, key); getErr != nil {
			return nil, getErr
		} else if ok {
			if _, known := snap.shards[id]; !known || snap.tombstoned[id] {
				if assignErr := r.store.Assign(ctx, key, candidateID); assignErr != nil {
					return nil, assignErr
				}
				return modResult{shardID: candidateID, wasExisting: false}, nil
			}
		}

		created, current, assignErr := r.store.TryAssign(ctx, key, candidateID)
		if assignErr != nil {
			return nil, assignErr
		}
		if !created {
			return modResult{shardID: current, wasExisting: true}, nil
		}
		return modResult{shardID: candidateID, wasExisting: false}, nil
	})
	if err != nil {
		return Result{}, err
	}

	outcome := v.(modResult)
	outcome.wasExisting = outcome.wasExisting || !ran
	shard, known := snap.shards[outcome.shardID]
	if !known {
		return Result{}, unknownShardError(outcome.shardID)
	}
	recordRoute(span, "consistent_hash", keyHash, snap.activeShardCount(), outcome.wasExisting, shard.ID, start)
	return Result{Shard: shard, WasExistingAssignment: outcome.wasExisting}, nil
}

// AddShard merges a new shard's virtual nodes into the ring without
// re-hashing existing entries (the combined slice is re-sorted), then
// publishes the new snapshot.
func (r *ConsistentHashRouter[K]) AddShard(shard Shard) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	if _, exists := current.shards[shard.ID]; exists && !current.tombstoned[shard.ID] {
		return duplicateShardIDError(shard.ID)
	}

	next := current.clone()
	next.shards[shard.ID] = shard
	delete(next.tombstoned, shard.ID)

	occupied := make(map[uint32]bool, len(current.entries))
	for _, e := range current.entries {
		occupied[e.hash] = true
	}
	added := make([]ringEntry, 0, r.replicationFactor)
	for i := 0; i < r.replicationFactor; i++ {
		h := r.ringHasher.Hash(shardkey.VirtualNodeID(string(shard.ID), i))
		if occupied[h] {
			// First-winner collision handling: the existing occupant keeps
			// the ring position.
			continue
		}
		added = append(added, ringEntry{hash: h, shardID: shard.ID})
	}

	merged := make([]ringEntry, 0, len(current.entries)+len(added))
	merged = append(merged, current.entries...)
	merged = append(merged, added...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].hash < merged[j].hash })
	next.entries = merged

	r.snapshot.Store(next)
	return nil
}

// RemoveShard tombstones shard's virtual nodes so future lookups skip
// past them; the ring entries themselves stay in the ring (AddShard
// carries them over too) rather than being rebuilt, since rebuilding on
// every remove would cost O(N·V).
func (r *ConsistentHashRouter[K]) RemoveShard(id shardkey.ShardId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot.Load()
	if _, exists := current.shards[id]; !exists {
		return unknownShardError(id)
	}

	next := current.clone()
	next.tombstoned[id] = true
	r.snapshot.Store(next)
	return nil
}

// Shards returns the currently active (non-tombstoned) shards.
func (r *ConsistentHashRouter[K]) Shards() []Shard {
	snap := r.snapshot.Load()
	out := make([]Shard, 0, len(snap.shards))
	for id, s := range snap.shards {
		if !snap.tombstoned[id] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
