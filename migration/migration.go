// Package migration computes the set of key moves needed to go from one
// shard topology to another, and assigns each resulting plan a stable,
// reproducible ordering. It is the read-only planning half of a
// rebalance, kept separate from package migrate, which actually
// executes moves.
package migration

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardis/shardkey"
)

// KeyMove is one key that needs to move from Source to Target.
type KeyMove[K comparable] struct {
	Key    shardkey.ShardKey[K]
	Source shardkey.ShardId
	Target shardkey.ShardId
}

// Plan is a fully ordered, uniquely identified set of moves.
type Plan[K comparable] struct {
	PlanID uuid.UUID
	Moves  []KeyMove[K]
}

// TopologySnapshot maps every known key to its current shard. It is the
// input and output shape diff operates over.
type TopologySnapshot[K comparable] map[K]shardkey.ShardId

// Diff computes the moves needed to go from "from" to "to". Keys present
// only in one snapshot are ignored: the migration core moves existing
// keys whose target shard changed, it does not create or delete
// assignments.
func Diff[K comparable](from, to TopologySnapshot[K], toShardKey func(K) shardkey.ShardKey[K]) []KeyMove[K] {
	var moves []KeyMove[K]
	for key, sourceShard := range from {
		targetShard, ok := to[key]
		if !ok || targetShard == sourceShard {
			continue
		}
		moves = append(moves, KeyMove[K]{
			Key:    toShardKey(key),
			Source: sourceShard,
			Target: targetShard,
		})
	}
	return moves
}

// NewPlan builds a fresh, deterministically ordered Plan from a set of
// moves: sorted by (sourceId asc, targetId asc, stableKeyHash64(key)
// asc), so re-running planning against the same inputs always produces
// the same plan contents in the same order. Grouping by source first
// also gives per-source locality during the copy phase.
func NewPlan[K comparable](moves []KeyMove[K], planID uuid.UUID) Plan[K] {
	sorted := append([]KeyMove[K](nil), moves...)
	slices.SortFunc(sorted, func(a, b KeyMove[K]) int {
		if a.Source != b.Source {
			if a.Source.Less(b.Source) {
				return -1
			}
			return 1
		}
		if a.Target != b.Target {
			if a.Target.Less(b.Target) {
				return -1
			}
			return 1
		}
		ha, hb := shardkey.StableKeyHash64(a.Key), shardkey.StableKeyHash64(b.Key)
		switch {
		case ha < hb:
			return -1
		case ha > hb:
			return 1
		default:
			return 0
		}
	})
	return Plan[K]{PlanID: planID, Moves: sorted}
}

// SegmentedDiffer streams "from" from a shard-map store in segments,
// diffing each segment against an already-materialised target snapshot,
// bounding memory to O(segmentSize + |moves|) rather than requiring
// both snapshots fully in memory at once.
type SegmentedDiffer[K comparable] struct {
	SegmentSize int // default 10000
}

func (d SegmentedDiffer[K]) segmentSize() int {
	if d.SegmentSize <= 0 {
		return 10000
	}
	return d.SegmentSize
}

// SourceEntry is one row of the streamed "from" snapshot.
type SourceEntry[K comparable] struct {
	Key        K
	ShardID    shardkey.ShardId
	ToShardKey func(K) shardkey.ShardKey[K]
}

// Diff consumes fromEntries in segments of SegmentSize, diffing each
// segment against the full "to" snapshot, and returns the accumulated
// moves. ctx is checked between segments for cancellation.
func (d SegmentedDiffer[K]) Diff(ctx context.Context, fromEntries <-chan SourceEntry[K], to TopologySnapshot[K]) ([]KeyMove[K], error) {
	var moves []KeyMove[K]
	segment := make([]SourceEntry[K], 0, d.segmentSize())

	flush := func() {
		for _, e := range segment {
			targetShard, ok := to[e.Key]
			if !ok || targetShard == e.ShardID {
				continue
			}
			moves = append(moves, KeyMove[K]{
				Key:    e.ToShardKey(e.Key),
				Source: e.ShardID,
				Target: targetShard,
			})
		}
		segment = segment[:0]
	}

	for entry := range fromEntries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		segment = append(segment, entry)
		if len(segment) >= d.segmentSize() {
			flush()
		}
	}
	flush()
	return moves, nil
}
