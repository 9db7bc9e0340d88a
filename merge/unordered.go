package merge

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// UnorderedOptions configures Unordered.
type UnorderedOptions struct {
	// ChannelCapacity bounds the output buffer; <= 0 means an unbuffered
	// output channel, so each producer send waits for a consumer pull (no
	// unbounded buffering is provided).
	ChannelCapacity int
	// MaxConcurrency bounds how many sources are drained at once; <= 0
	// means no bound (drain every source concurrently).
	MaxConcurrency int
}

// Unordered merges sources into a single arrival-order stream. Consumer
// cancellation (ctx) stops every producer; the first producer fault
// cancels the rest and is the one error surfaced on the returned error
// channel.
func Unordered[T any](ctx context.Context, sources []Source[T], opts UnorderedOptions, obs Observer) (<-chan T, <-chan error) {
	errc := make(chan error, 1)

	var out chan T
	if opts.ChannelCapacity > 0 {
		out = make(chan T, opts.ChannelCapacity)
	} else {
		out = make(chan T)
	}

	runCtx, cancel := context.WithCancel(ctx)

	var sem *semaphore.Weighted
	if opts.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	reportErr := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	// Sources are scheduled from a goroutine so that waiting on the
	// concurrency limit never delays handing out to the consumer.
	go func() {
		for i, src := range sources {
			if sem != nil {
				if err := sem.Acquire(runCtx, 1); err != nil {
					// runCtx already canceled; nothing left to schedule.
					break
				}
			}
			wg.Add(1)
			go func(idx int, s Source[T]) {
				defer wg.Done()
				if sem != nil {
					defer sem.Release(1)
				}
				drainUnordered(runCtx, idx, s, out, obs, reportErr)
			}(i, src)
		}

		wg.Wait()
		close(out)
		if firstErr != nil {
			errc <- firstErr
		}
		close(errc)
		cancel()
	}()

	return out, errc
}

func drainUnordered[T any](ctx context.Context, idx int, s Source[T], out chan<- T, obs Observer, reportErr func(error)) {
	for {
		select {
		case <-ctx.Done():
			emit(obs, Event{Kind: EventShardStopped, SourceIndex: idx, StopReason: Canceled})
			return
		case item, ok := <-s.Items:
			if !ok {
				if err := <-s.Err; err != nil {
					emit(obs, Event{Kind: EventShardStopped, SourceIndex: idx, StopReason: Faulted})
					reportErr(err)
				} else {
					emit(obs, Event{Kind: EventShardCompleted, SourceIndex: idx})
				}
				return
			}
			select {
			case out <- item:
				emit(obs, Event{Kind: EventItemYielded, SourceIndex: idx})
			default:
				// Consumer is behind; block on the bounded buffer.
				emit(obs, Event{Kind: EventBackpressureWaitStart, SourceIndex: idx})
				select {
				case <-ctx.Done():
					emit(obs, Event{Kind: EventShardStopped, SourceIndex: idx, StopReason: Canceled})
					return
				case out <- item:
					emit(obs, Event{Kind: EventBackpressureWaitStop, SourceIndex: idx})
					emit(obs, Event{Kind: EventItemYielded, SourceIndex: idx})
				}
			}
		}
	}
}
