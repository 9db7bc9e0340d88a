package merge

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intSource(values []int, err error) Source[int] {
	items := make(chan int, len(values))
	for _, v := range values {
		items <- v
	}
	close(items)
	errc := make(chan error, 1)
	errc <- err
	return Source[int]{Items: items, Err: errc}
}

func TestUnorderedMergeCollectsAllItems(t *testing.T) {
	sources := []Source[int]{
		intSource([]int{1, 2, 3}, nil),
		intSource([]int{4, 5}, nil),
		intSource([]int{6}, nil),
	}

	out, errc := Unordered[int](context.Background(), sources, UnorderedOptions{}, nil)

	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, got)
}

func TestUnorderedMergePropagatesFirstFault(t *testing.T) {
	boom := errors.New("shard fault")
	sources := []Source[int]{
		intSource([]int{1, 2}, nil),
		intSource(nil, boom),
	}

	out, errc := Unordered[int](context.Background(), sources, UnorderedOptions{}, nil)
	for range out {
	}
	err := <-errc
	require.Error(t, err)
	assert.Equal(t, boom, err)
}

func TestUnorderedMergeRespectsMaxConcurrency(t *testing.T) {
	var events []Event
	obs := func(ev Event) { events = append(events, ev) }

	sources := []Source[int]{
		intSource([]int{1}, nil),
		intSource([]int{2}, nil),
		intSource([]int{3}, nil),
	}

	out, errc := Unordered[int](context.Background(), sources, UnorderedOptions{MaxConcurrency: 1}, obs)
	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	assert.Len(t, got, 3)
}

func TestUnorderedMergeCancellationStopsProducers(t *testing.T) {
	items := make(chan int)
	errc := make(chan error, 1)
	src := Source[int]{Items: items, Err: errc}

	ctx, cancel := context.WithCancel(context.Background())
	out, mergeErrc := Unordered[int](ctx, []Source[int]{src}, UnorderedOptions{}, nil)

	cancel()
	for range out {
	}
	<-mergeErrc

	select {
	case <-time.After(100 * time.Millisecond):
		t.Fatal("merge did not shut down after cancellation")
	default:
	}
}

func TestOrderedMergeProducesAscendingSequence(t *testing.T) {
	sources := []Source[int]{
		intSource([]int{1, 4, 7}, nil),
		intSource([]int{2, 5, 8}, nil),
		intSource([]int{3, 6, 9}, nil),
	}

	out, errc := Ordered[int, int](context.Background(), sources, func(v int) int { return v }, func(a, b int) bool { return a < b }, nil)

	var got []int
	for v := range out {
		got = append(got, v)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestOrderedMergeStableTieBreakBySourceIndex(t *testing.T) {
	sources := []Source[int]{
		intSource([]int{1, 1}, nil),
		intSource([]int{1, 1}, nil),
	}

	var events []Event
	obs := func(ev Event) {
		if ev.Kind == EventItemYielded {
			events = append(events, ev)
		}
	}

	out, errc := Ordered[int, int](context.Background(), sources, func(v int) int { return v }, func(a, b int) bool { return a < b }, obs)
	for range out {
	}
	require.NoError(t, <-errc)

	require.Len(t, events, 4)
	// Lower source index wins every tie, so source 0 drains fully before
	// source 1 ever surfaces a value.
	assert.Equal(t, []int{0, 0, 1, 1}, []int{events[0].SourceIndex, events[1].SourceIndex, events[2].SourceIndex, events[3].SourceIndex})
}

func TestOrderedMergePropagatesFault(t *testing.T) {
	boom := errors.New("ordered fault")
	sources := []Source[int]{
		intSource([]int{1, 2}, nil),
		intSource(nil, boom),
	}

	out, errc := Ordered[int, int](context.Background(), sources, func(v int) int { return v }, func(a, b int) bool { return a < b }, nil)
	for range out {
	}
	err := <-errc
	require.Error(t, err)
	assert.Equal(t, boom, err)
}
