// Package shardmap persists the authoritative key→shard assignment
// table. MemoryStore is the in-process reference implementation used
// by tests and the examples; PostgresStore is the
// durable analogue, writing each map upsert and its history row in one
// transaction.
package shardmap
