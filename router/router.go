// Package router resolves logical keys to shards, persisting sticky
// assignments through a shardmap.Store so that a key keeps landing on the
// same shard across process restarts.
package router

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/shardis/diagnostics"
	"github.com/dreamware/shardis/shardkey"
)

// Shard pairs a ShardId with the opaque handle callers use to open
// sessions or connections against it. Shardis never looks inside Handle.
type Shard struct {
	ID     shardkey.ShardId
	Handle any
}

// Result is what Route returns: the resolved shard and whether this call
// observed a pre-existing assignment (true) or created one (false).
type Result struct {
	Shard                 Shard
	WasExistingAssignment bool
}

// Router resolves a key to a shard, creating and persisting a sticky
// assignment on first miss.
type Router[K comparable] interface {
	Route(ctx context.Context, key shardkey.ShardKey[K]) (Result, error)
}

const component = "router"

func emptyRingError(keyHash uint32) error {
	return diagnostics.New(component, "EmptyRing", nil,
		diagnostics.KV{Key: "keyHash", Value: keyHash},
		diagnostics.KV{Key: "shardCount", Value: 0},
	)
}

func duplicateShardIDError(id shardkey.ShardId) error {
	return diagnostics.New(component, "DuplicateShardId", nil,
		diagnostics.KV{Key: "shardId", Value: id},
	)
}

func replicationFactorOutOfRangeError(factor int) error {
	return diagnostics.New(component, "ReplicationFactorOutOfRange", nil,
		diagnostics.KV{Key: "replicationFactor", Value: factor},
	)
}

func unknownShardError(id shardkey.ShardId) error {
	return diagnostics.New(component, "UnknownShard", nil,
		diagnostics.KV{Key: "shardId", Value: id},
	)
}

// recordRoute emits the span tags and latency histogram sample common to
// both router implementations.
func recordRoute(span trace.Span, routerKind string, keyHash uint32, shardCount int, existing bool, shardID shardkey.ShardId, start time.Time) {
	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.String("router", routerKind),
		attribute.String("key.hash", hex8(keyHash)),
		attribute.Int("shard.count", shardCount),
		attribute.Bool("assignment.existing", existing),
		attribute.String("shard.id", string(shardID)),
		attribute.Float64("route.latency.ms", float64(elapsed.Microseconds())/1000.0),
	)
	diagnostics.RouteLatency.WithLabelValues(routerKind).Observe(elapsed.Seconds())
}

func hex8(v uint32) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(b)
}
