// Package shardkey is the leaf package of Shardis: every other package
// (shardmap, router, health, query, migration, migrate, checkpoint)
// imports it for ShardId, ShardKey, and the deterministic hashers that
// give the rest of the library its "same key, same shard" guarantees.
//
// Hashing is split in two tiers on purpose. KeyHasher/RingHasher produce
// 32-bit hashes sized for ring placement and shard-count modulo;
// StableHash64 produces a wider 64-bit FNV-1a hash used only where a
// second, independent hash space matters — migration plan ordering
// (tiebreaking moves sharing a source/target pair) and checksum
// verification (canonical-JSON content hashing). Mixing the two spaces
// would make a plan's tiebreak order depend on the same bits that decide
// shard placement, which is the kind of accidental coupling this split
// avoids.
package shardkey
