// Package router resolves logical keys to shards and persists the
// resulting assignment so repeat lookups for the same key are sticky.
// Two implementations are provided: ModuloRouter, a simple
// keyHash-mod-N router best suited to a fixed shard count, and
// ConsistentHashRouter, which spreads keys across a hash ring of virtual
// nodes so that adding or removing a shard only reassigns roughly a
// 1/N fraction of keys.
package router
