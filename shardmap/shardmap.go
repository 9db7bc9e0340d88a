// Package shardmap persists key→shard assignments: the authoritative,
// durable record a router consults before it is willing to call a lookup
// miss a placement decision.
package shardmap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/shardis/shardkey"
)

// Entry is one (key, shard) pairing as returned by Enumerate.
type Entry[K comparable] struct {
	Key     shardkey.ShardKey[K]
	ShardID shardkey.ShardId
}

// HistoryRecord is one append-only audit row: a key's assignment changed
// from Old (nil on first assignment) to New at ChangedAtUtc.
type HistoryRecord[K comparable] struct {
	Key          shardkey.ShardKey[K]
	Old          *shardkey.ShardId
	New          shardkey.ShardId
	ChangedAtUtc time.Time
}

// ChangeObserver is invoked after a durable insert, for out-of-process
// cache invalidation. Observer panics are not recovered by the store;
// callers wanting resilience should recover inside their own observer.
type ChangeObserver[K comparable] func(key shardkey.ShardKey[K], old *shardkey.ShardId, new shardkey.ShardId)

// Store is the shard map contract every router implementation depends on.
// TryAssign must be idempotent under concurrent retries: callers may retry
// a TryAssign after a transient error without risking a duplicate insert.
type Store[K comparable] interface {
	// TryGet is a non-blocking lookup. ok is false if the key has no
	// current assignment.
	TryGet(ctx context.Context, key shardkey.ShardKey[K]) (id shardkey.ShardId, ok bool, err error)

	// Assign unconditionally inserts or overwrites the mapping. Reserved
	// for tests and the migration executor's swap phase — everyday
	// routing code should use TryAssign/TryGetOrAdd instead.
	Assign(ctx context.Context, key shardkey.ShardKey[K], id shardkey.ShardId) error

	// TryAssign is an atomic compare-and-set insert. created is true iff
	// this call's insert won the race; otherwise current is the
	// pre-existing mapping (never stale — it reflects whichever insert
	// actually won, even if that was a concurrent caller).
	TryAssign(ctx context.Context, key shardkey.ShardKey[K], id shardkey.ShardId) (created bool, current shardkey.ShardId, err error)

	// TryGetOrAdd looks up key and, if absent, calls factory and persists
	// its result via TryAssign.
	TryGetOrAdd(ctx context.Context, key shardkey.ShardKey[K], factory func() shardkey.ShardId) (created bool, mapping shardkey.ShardId, err error)

	// Enumerate streams entries in ascending key order (ordered by the
	// key's stable byte encoding), honoring ctx cancellation between rows.
	Enumerate(ctx context.Context) (<-chan Entry[K], <-chan error)

	// OnAssignmentChanged registers an observer fired after every durable
	// insert. Multiple observers may be registered; all are called.
	OnAssignmentChanged(observer ChangeObserver[K])
}

// MemoryStore is the in-memory reference implementation: a concurrent map
// guarded by a single RWMutex. A single coarse lock is sufficient here
// because every operation's critical section is O(1) map work with no
// I/O; durable implementations (PostgresStore) narrow the critical
// section around the transaction instead.
type MemoryStore[K comparable] struct {
	mu        sync.RWMutex
	entries   map[K]shardkey.ShardId
	keys      map[K]shardkey.ShardKey[K]
	history   []HistoryRecord[K]
	observers []ChangeObserver[K]
}

// NewMemoryStore creates an empty in-memory shard map store.
func NewMemoryStore[K comparable]() *MemoryStore[K] {
	return &MemoryStore[K]{
		entries: make(map[K]shardkey.ShardId),
		keys:    make(map[K]shardkey.ShardKey[K]),
	}
}

// TryGet implements Store.
func (s *MemoryStore[K]) TryGet(_ context.Context, key shardkey.ShardKey[K]) (shardkey.ShardId, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.entries[key.Value()]
	return id, ok, nil
}

// Assign implements Store.
func (s *MemoryStore[K]) Assign(_ context.Context, key shardkey.ShardKey[K], id shardkey.ShardId) error {
	s.mu.Lock()
	old, hadOld := s.entries[key.Value()]
	var oldPtr *shardkey.ShardId
	if hadOld {
		oldCopy := old
		oldPtr = &oldCopy
	}
	s.entries[key.Value()] = id
	s.keys[key.Value()] = key
	s.history = append(s.history, HistoryRecord[K]{Key: key, Old: oldPtr, New: id, ChangedAtUtc: time.Now().UTC()})
	observers := append([]ChangeObserver[K](nil), s.observers...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(key, oldPtr, id)
	}
	return nil
}

// TryAssign implements Store.
func (s *MemoryStore[K]) TryAssign(_ context.Context, key shardkey.ShardKey[K], id shardkey.ShardId) (bool, shardkey.ShardId, error) {
	s.mu.Lock()
	if existing, ok := s.entries[key.Value()]; ok {
		s.mu.Unlock()
		return false, existing, nil
	}
	s.entries[key.Value()] = id
	s.keys[key.Value()] = key
	s.history = append(s.history, HistoryRecord[K]{Key: key, Old: nil, New: id, ChangedAtUtc: time.Now().UTC()})
	observers := append([]ChangeObserver[K](nil), s.observers...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(key, nil, id)
	}
	return true, id, nil
}

// TryGetOrAdd implements Store.
func (s *MemoryStore[K]) TryGetOrAdd(ctx context.Context, key shardkey.ShardKey[K], factory func() shardkey.ShardId) (bool, shardkey.ShardId, error) {
	if id, ok, err := s.TryGet(ctx, key); err != nil {
		return false, "", err
	} else if ok {
		return false, id, nil
	}
	return s.TryAssign(ctx, key, factory())
}

// Enumerate implements Store, yielding entries in ascending order of the
// key's stable byte encoding.
func (s *MemoryStore[K]) Enumerate(ctx context.Context) (<-chan Entry[K], <-chan error) {
	out := make(chan Entry[K])
	errc := make(chan error, 1)

	s.mu.RLock()
	snapshot := make([]Entry[K], 0, len(s.entries))
	for raw, id := range s.entries {
		snapshot = append(snapshot, Entry[K]{Key: s.keys[raw], ShardID: id})
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return string(snapshot[i].Key.Bytes()) < string(snapshot[j].Key.Bytes())
	})

	go func() {
		defer close(out)
		defer close(errc)
		for _, entry := range snapshot {
			// Checked first: select picks at random when both cases are ready.
			if err := ctx.Err(); err != nil {
				errc <- err
				return
			}
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- entry:
			}
		}
	}()

	return out, errc
}

// OnAssignmentChanged implements Store.
func (s *MemoryStore[K]) OnAssignmentChanged(observer ChangeObserver[K]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// History returns a copy of the append-only audit log, newest last.
// Exposed for tests and admin tooling; not part of the Store contract
// since durable implementations may page this from a separate table.
func (s *MemoryStore[K]) History() []HistoryRecord[K] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryRecord[K](nil), s.history...)
}
