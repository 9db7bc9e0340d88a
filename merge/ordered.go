package merge

import (
	"container/heap"
	"context"
)

// KeyFunc extracts the ordering key from a merged value.
type KeyFunc[T any, K any] func(T) K

// Less reports whether a orders before b. Callers pick ascending or
// descending by how they implement this.
type Less[K any] func(a, b K) bool

type orderedHeapItem[T any, K any] struct {
	value       T
	key         K
	sourceIndex int
}

type orderedHeap[T any, K any] struct {
	items []orderedHeapItem[T, K]
	less  Less[K]
}

func (h *orderedHeap[T, K]) Len() int { return len(h.items) }
func (h *orderedHeap[T, K]) Less(i, j int) bool {
	if h.less(h.items[i].key, h.items[j].key) {
		return true
	}
	if h.less(h.items[j].key, h.items[i].key) {
		return false
	}
	// Stable tie-break by source index.
	return h.items[i].sourceIndex < h.items[j].sourceIndex
}
func (h *orderedHeap[T, K]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *orderedHeap[T, K]) Push(x any)    { h.items = append(h.items, x.(orderedHeapItem[T, K])) }
func (h *orderedHeap[T, K]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// Ordered performs a k-way streaming merge over sources that are each
// already sorted by keyFn according to less. It maintains a heap of size
// <= len(sources) holding the current head of every non-exhausted source,
// popping the smallest on each step and asynchronously refilling from
// that source — the classic streaming merge, generalized here from a
// slice merge to channel-backed Sources so a per-shard query result never
// has to be materialized in full before merging starts.
func Ordered[T any, K any](ctx context.Context, sources []Source[T], keyFn KeyFunc[T, K], less Less[K], obs Observer) (<-chan T, <-chan error) {
	out := make(chan T)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		h := &orderedHeap[T, K]{less: less}
		heap.Init(h)

		for i, s := range sources {
			item, ok, err := pullNext(ctx, s)
			if err != nil {
				emit(obs, Event{Kind: EventShardStopped, SourceIndex: i, StopReason: Faulted})
				errc <- err
				return
			}
			if ok {
				heap.Push(h, orderedHeapItem[T, K]{value: item, key: keyFn(item), sourceIndex: i})
			} else {
				emit(obs, Event{Kind: EventShardCompleted, SourceIndex: i})
			}
		}

		for h.Len() > 0 {
			select {
			case <-ctx.Done():
				for i := range sources {
					emit(obs, Event{Kind: EventShardStopped, SourceIndex: i, StopReason: Canceled})
				}
				errc <- ctx.Err()
				return
			default:
			}

			emit(obs, Event{Kind: EventHeapSizeSample, HeapSize: h.Len()})

			top := heap.Pop(h).(orderedHeapItem[T, K])

			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case out <- top.value:
				emit(obs, Event{Kind: EventItemYielded, SourceIndex: top.sourceIndex})
			}

			item, ok, err := pullNext(ctx, sources[top.sourceIndex])
			if err != nil {
				emit(obs, Event{Kind: EventShardStopped, SourceIndex: top.sourceIndex, StopReason: Faulted})
				errc <- err
				return
			}
			if ok {
				heap.Push(h, orderedHeapItem[T, K]{value: item, key: keyFn(item), sourceIndex: top.sourceIndex})
			} else {
				emit(obs, Event{Kind: EventShardCompleted, SourceIndex: top.sourceIndex})
			}
		}
	}()

	return out, errc
}

func pullNext[T any](ctx context.Context, s Source[T]) (T, bool, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case item, ok := <-s.Items:
		if !ok {
			return zero, false, <-s.Err
		}
		return item, true, nil
	}
}
