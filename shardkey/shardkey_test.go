package shardkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardKeyEquality(t *testing.T) {
	a := String("user-1")
	b := String("user-1")
	c := String("user-2")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestFNV32aKeyHasherDeterministic(t *testing.T) {
	var h FNV32aKeyHasher[string]
	k := String("user-123")

	assert.Equal(t, h.Hash(k), h.Hash(k))
	assert.NotEqual(t, h.Hash(String("user-123")), h.Hash(String("user-124")))
}

func TestFNV32aRingHasherVirtualNodeFormat(t *testing.T) {
	assert.Equal(t, "s1-replica-0", VirtualNodeID("s1", 0))
	assert.Equal(t, "s1-replica-63", VirtualNodeID("s1", 63))

	var rh FNV32aRingHasher
	h0 := rh.Hash(VirtualNodeID("s1", 0))
	h1 := rh.Hash(VirtualNodeID("s1", 1))
	assert.NotEqual(t, h0, h1)
}

func TestStableHash64Deterministic(t *testing.T) {
	k := String("k1")
	assert.Equal(t, StableKeyHash64(k), StableKeyHash64(k))
	assert.NotEqual(t, StableKeyHash64(k), StableKeyHash64(String("k2")))
}
