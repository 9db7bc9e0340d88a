// Package checkpoint defines the durable-state interfaces the migration
// executor (package migrate) depends on — CheckpointStore, DataMover,
// MapSwapper — plus in-memory reference implementations used by tests
// and small deployments, and the pluggable verification strategies used
// to decide whether a copy succeeded.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardis/shardkey"
)

// KeyMoveState is the per-key migration state machine position.
type KeyMoveState int

const (
	Planned KeyMoveState = iota
	Copied
	Verified
	Swapped
	Failed
)

func (s KeyMoveState) String() string {
	switch s {
	case Copied:
		return "copied"
	case Verified:
		return "verified"
	case Swapped:
		return "swapped"
	case Failed:
		return "failed"
	default:
		return "planned"
	}
}

// KeyProgress is the durable, per-key record inside a checkpoint.
type KeyProgress[K comparable] struct {
	Key     shardkey.ShardKey[K]
	State   KeyMoveState
	Retries int
}

// Checkpoint is the durable snapshot of a migration plan's progress.
// Version increases monotonically; persistence must compare-and-set on
// it so concurrent writers never silently clobber a newer checkpoint.
type Checkpoint[K comparable] struct {
	PlanID             uuid.UUID
	Version            int
	UpdatedAtUtc       time.Time
	Progress           map[K]KeyProgress[K]
	LastProcessedIndex int
}

// CheckpointStore persists and loads Checkpoints for a plan. Persist
// must be atomic per plan (compare-and-set on Version or equivalent).
type CheckpointStore[K comparable] interface {
	Load(ctx context.Context, planID uuid.UUID) (*Checkpoint[K], bool, error)
	Persist(ctx context.Context, cp Checkpoint[K]) error
}

// DataMover copies and verifies a single key move against an externally
// defined verification strategy.
type DataMover[K comparable] interface {
	// Copy reads the entity from source and writes it to target. A
	// no-op (not an error) if the source is missing.
	Copy(ctx context.Context, key shardkey.ShardKey[K], source, target shardkey.ShardId) error
	// Verify applies the configured VerificationStrategy. Returns false
	// (not an error) when either side is missing or mismatched.
	Verify(ctx context.Context, key shardkey.ShardKey[K], source, target shardkey.ShardId, strategy VerificationStrategy) (bool, error)
}

// MapSwapper applies a verified batch of key moves to the authoritative
// shard map. Implementations aim for all-or-nothing application; when
// that is not possible they must be idempotent under retry.
type MapSwapper[K comparable] interface {
	Swap(ctx context.Context, keys []shardkey.ShardKey[K], target shardkey.ShardId) error
}

// VerificationStrategy names which comparison DataMover.Verify performs.
type VerificationStrategy int

const (
	FullEquality VerificationStrategy = iota
	RowVersion
	Checksum
)

// CanonicalJSON renders v as UTF-8 JSON with keys sorted and no
// insignificant whitespace, the stable encoding Checksum verification
// hashes with FNV-1a 64. v must be JSON-marshalable; objects at any
// depth are re-serialized with sorted keys and scalars as plain JSON.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal for canonicalization: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("checkpoint: marshal scalar: %w", err)
		}
		buf.Write(b)
		return nil
	}
}

// ChecksumHash hashes a canonical-JSON projection with the shared
// FNV-1a 64 stable hash, for Checksum verification.
func ChecksumHash(v any) (uint64, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return 0, err
	}
	return shardkey.StableHash64(canonical), nil
}

// MemoryCheckpointStore is the in-process reference CheckpointStore, used
// by tests and the examples.
type MemoryCheckpointStore[K comparable] struct {
	mu    sync.Mutex
	plans map[uuid.UUID]Checkpoint[K]
}

func NewMemoryCheckpointStore[K comparable]() *MemoryCheckpointStore[K] {
	return &MemoryCheckpointStore[K]{plans: make(map[uuid.UUID]Checkpoint[K])}
}

func (s *MemoryCheckpointStore[K]) Load(_ context.Context, planID uuid.UUID) (*Checkpoint[K], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.plans[planID]
	if !ok {
		return nil, false, nil
	}
	cpCopy := cp
	cpCopy.Progress = make(map[K]KeyProgress[K], len(cp.Progress))
	for k, v := range cp.Progress {
		cpCopy.Progress[k] = v
	}
	return &cpCopy, true, nil
}

func (s *MemoryCheckpointStore[K]) Persist(_ context.Context, cp Checkpoint[K]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.plans[cp.PlanID]; ok && cp.Version <= existing.Version {
		return fmt.Errorf("checkpoint: stale version %d for plan %s (current %d)", cp.Version, cp.PlanID, existing.Version)
	}
	s.plans[cp.PlanID] = cp
	return nil
}

// MemoryMover is the reference DataMover, a plain in-memory key-value
// store keyed by (shardId, key).
type MemoryMover[K comparable] struct {
	mu   sync.Mutex
	data map[shardkey.ShardId]map[K]string
}

func NewMemoryMover[K comparable]() *MemoryMover[K] {
	return &MemoryMover[K]{data: make(map[shardkey.ShardId]map[K]string)}
}

// Put seeds source data for tests.
func (m *MemoryMover[K]) Put(shardID shardkey.ShardId, key K, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[shardID] == nil {
		m.data[shardID] = make(map[K]string)
	}
	m.data[shardID][key] = value
}

func (m *MemoryMover[K]) Copy(_ context.Context, key shardkey.ShardKey[K], source, target shardkey.ShardId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[source][key.Value()]
	if !ok {
		return nil
	}
	if m.data[target] == nil {
		m.data[target] = make(map[K]string)
	}
	m.data[target][key.Value()] = val
	return nil
}

func (m *MemoryMover[K]) Verify(_ context.Context, key shardkey.ShardKey[K], source, target shardkey.ShardId, strategy VerificationStrategy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sourceVal, sourceOk := m.data[source][key.Value()]
	targetVal, targetOk := m.data[target][key.Value()]
	if !sourceOk || !targetOk {
		return false, nil
	}

	switch strategy {
	case Checksum:
		sourceHash, err := ChecksumHash(sourceVal)
		if err != nil {
			return false, err
		}
		targetHash, err := ChecksumHash(targetVal)
		if err != nil {
			return false, err
		}
		return sourceHash == targetHash, nil
	default: // FullEquality, RowVersion both collapse to value equality in-memory
		return sourceVal == targetVal, nil
	}
}

// MemorySwapper is the reference MapSwapper, delegating to a
// shardmap.Store-shaped assign function so callers can wire the real
// router's store without an import cycle.
type MemorySwapper[K comparable] struct {
	Assign func(ctx context.Context, key shardkey.ShardKey[K], target shardkey.ShardId) error
}

func (s *MemorySwapper[K]) Swap(ctx context.Context, keys []shardkey.ShardKey[K], target shardkey.ShardId) error {
	for _, key := range keys {
		if err := s.Assign(ctx, key, target); err != nil {
			return err
		}
	}
	return nil
}
