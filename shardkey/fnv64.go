package shardkey

import "hash/fnv"

// StableHash64 is the FNV-1a 64-bit hash used as the tertiary sort key in
// migration plan ordering and as the canonical-JSON checksum primitive in
// the migration executor's Checksum verification strategy. It is kept
// separate from the 32-bit ring/key hashers because those two uses need a
// wider, collision-resistant space than ring placement does.
func StableHash64(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// StableKeyHash64 hashes a ShardKey's stable byte encoding with FNV-1a 64.
func StableKeyHash64[K comparable](key ShardKey[K]) uint64 {
	return StableHash64(key.Bytes())
}
