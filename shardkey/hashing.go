package shardkey

import (
	"hash/fnv"
	"strconv"
)

// KeyHasher returns a deterministic 32-bit unsigned hash of a ShardKey.
// Implementations must be pure and produce identical output across
// processes and platforms — this is what lets a sticky assignment survive
// a process restart without being recomputed differently.
type KeyHasher[K comparable] interface {
	Hash(key ShardKey[K]) uint32
}

// RingHasher returns a deterministic 32-bit unsigned hash of an arbitrary
// string, used for consistent-hash ring virtual-node identifiers.
type RingHasher interface {
	Hash(s string) uint32
}

// FNV32aKeyHasher is the default KeyHasher: FNV-1a over the key's stable
// byte encoding.
type FNV32aKeyHasher[K comparable] struct{}

// Hash implements KeyHasher.
func (FNV32aKeyHasher[K]) Hash(key ShardKey[K]) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key.Bytes())
	return h.Sum32()
}

// FNV32aRingHasher is the default RingHasher: FNV-1a over the raw string.
type FNV32aRingHasher struct{}

// Hash implements RingHasher.
func (FNV32aRingHasher) Hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// VirtualNodeID builds the ring-key identifier for the i-th replica of a
// shard: "<shardId>-replica-<i>" with i in [0, replicationFactor).
func VirtualNodeID(shardID string, i int) string {
	return shardID + "-replica-" + strconv.Itoa(i)
}
