package diagnostics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorContextOrderAndRendering(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New("router", "EmptyRing", cause, KV{Key: "shardCount", Value: 0})
	err = err.With("keyHash", "a1b2c3d4")

	require.Equal(t, map[string]any{"shardCount": 0, "keyHash": "a1b2c3d4"}, err.Context())
	assert.Contains(t, err.Error(), "router.EmptyRing")
	assert.Contains(t, err.Error(), "shardCount=0")
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New("store", "ConnectivityError", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestErrorIsKind(t *testing.T) {
	err := New("router", "DuplicateShardId", nil, KV{Key: "shardId", Value: "s1"})
	assert.True(t, errors.Is(err, Kind("DuplicateShardId")))
	assert.False(t, errors.Is(err, Kind("EmptyRing")))
}

func TestWithDoesNotMutateOriginal(t *testing.T) {
	base := New("router", "EmptyRing", nil)
	derived := base.With("shardCount", 0)

	assert.Empty(t, base.Context())
	assert.Equal(t, map[string]any{"shardCount": 0}, derived.Context())
}
