package migrate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/shardis/checkpoint"
	"github.com/dreamware/shardis/shardkey"
)

// runCopyPhase copies every record not yet past Copied. When
// InterleaveCopyAndVerify is set, each record's verify task is launched
// as soon as that record reaches Copied rather than waiting for the
// verify phase.
func (ex *Executor[K]) runCopyPhase(ctx context.Context, planID uuid.UUID, st *runState[K]) error {
	budget := ex.governor.Current()
	copyWidth := int64(ex.cfg.CopyConcurrency)
	if budget < copyWidth {
		copyWidth = budget
	}
	sem := semaphore.NewWeighted(copyWidth)
	perShard := newShardGate(ex.cfg.PerShardCap)

	var wg sync.WaitGroup
	for _, rec := range st.records {
		if ctx.Err() != nil {
			break
		}
		if st.state(rec) != checkpoint.Planned {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if err := perShard.acquire(ctx, rec.move.Target); err != nil {
			sem.Release(1)
			break
		}

		wg.Add(1)
		st.addActive(1, 0)

		go func(rec *keyRecord[K]) {
			defer wg.Done()
			defer sem.Release(1)
			defer perShard.release(rec.move.Target)
			defer st.addActive(-1, 0)

			copyStart := time.Now()
			ex.copyOne(ctx, st, rec)
			st.recordCopyLatency(time.Since(copyStart))
			ex.reportProgress(st)

			if ex.cfg.InterleaveCopyAndVerify && st.state(rec) == checkpoint.Copied {
				st.addActive(-1, 1)
				defer st.addActive(1, -1)
				ex.verifyOne(ctx, rec, st)
				ex.persistBestEffort(ctx, planID, st)
			}
		}(rec)
	}

	wg.Wait()
	ex.governor.Recalculate(st.p95CopyLatency(), st.mismatchRate())
	return ex.persist(ctx, planID, st)
}

func (ex *Executor[K]) copyOne(ctx context.Context, st *runState[K], rec *keyRecord[K]) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = ex.cfg.RetryBaseDelay
	expBackoff.Multiplier = 2
	expBackoff.Reset()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := ex.mover.Copy(ctx, rec.move.Key, rec.move.Source, rec.move.Target)
		if err == nil {
			st.setState(rec, checkpoint.Copied)
			return
		}
		if ctx.Err() != nil {
			// Canceled mid-copy, not a copy failure; the key stays
			// Planned and is retried on resume.
			return
		}

		retries := st.bumpRetries(rec)
		if attempt >= ex.cfg.MaxRetries-1 {
			st.setState(rec, checkpoint.Failed)
			ex.logger.Warn("copy permanently failed",
				zapShardField(rec.move.Target),
				zapRetriesField(retries),
				zapErrFieldBare(err),
			)
			return
		}

		wait := expBackoff.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runVerifyPhase verifies every record at Copied that wasn't already
// interleaved during the copy phase.
func (ex *Executor[K]) runVerifyPhase(ctx context.Context, planID uuid.UUID, st *runState[K]) error {
	budget := ex.governor.Current()
	verifyWidth := int64(ex.cfg.VerifyConcurrency)
	if budget < verifyWidth {
		verifyWidth = budget
	}
	sem := semaphore.NewWeighted(verifyWidth)
	perShard := newShardGate(ex.cfg.PerShardCap)

	var wg sync.WaitGroup
	for _, rec := range st.records {
		if ctx.Err() != nil {
			break
		}
		if st.state(rec) != checkpoint.Copied {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if err := perShard.acquire(ctx, rec.move.Target); err != nil {
			sem.Release(1)
			break
		}

		wg.Add(1)
		st.addActive(0, 1)
		go func(rec *keyRecord[K]) {
			defer wg.Done()
			defer sem.Release(1)
			defer perShard.release(rec.move.Target)
			defer st.addActive(0, -1)
			ex.verifyOne(ctx, rec, st)
			ex.reportProgress(st)
		}(rec)
	}
	wg.Wait()
	ex.governor.Recalculate(st.p95CopyLatency(), st.mismatchRate())
	return ex.persist(ctx, planID, st)
}

func (ex *Executor[K]) verifyOne(ctx context.Context, rec *keyRecord[K], st *runState[K]) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = ex.cfg.RetryBaseDelay
	expBackoff.Multiplier = 2
	expBackoff.Reset()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		ok, err := ex.mover.Verify(ctx, rec.move.Key, rec.move.Source, rec.move.Target, ex.cfg.VerificationStrategy)
		if err != nil {
			if ctx.Err() != nil {
				// Canceled mid-verify, not a verify failure; the key
				// stays Copied and is retried on resume.
				return
			}

			retries := st.bumpRetries(rec)
			if attempt >= ex.cfg.MaxRetries-1 {
				st.setState(rec, checkpoint.Failed)
				ex.logger.Warn("verify permanently failed",
					zapShardField(rec.move.Target),
					zapRetriesField(retries),
					zapErrFieldBare(err),
				)
				return
			}

			wait := expBackoff.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		st.recordVerifyOutcome(ok)

		if ok {
			st.setState(rec, checkpoint.Verified)
			return
		}

		// Mismatch is a permanent failure unless forced through, in
		// which case the key swaps anyway and the record's flagged marker
		// is set; the marker is not reported in ProgressEvent or persisted
		// in the checkpoint.
		if ex.cfg.ForceSwapOnVerificationFailure {
			st.setState(rec, checkpoint.Verified)
			st.setFlagged(rec)
			return
		}
		st.setState(rec, checkpoint.Failed)
		return
	}
}

// runSwapPhase groups verified records by target shard and swaps them
// serially in batches of SwapBatchSize, persisting a checkpoint after
// every batch so a crash between batches never replays a durable swap.
func (ex *Executor[K]) runSwapPhase(ctx context.Context, planID uuid.UUID, st *runState[K]) error {
	byTarget := make(map[shardkey.ShardId][]*keyRecord[K])
	for _, rec := range st.records {
		if st.state(rec) == checkpoint.Verified {
			byTarget[rec.move.Target] = append(byTarget[rec.move.Target], rec)
		}
	}

	targets := make([]shardkey.ShardId, 0, len(byTarget))
	for target := range byTarget {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })

	for _, target := range targets {
		recs := byTarget[target]
		for i := 0; i < len(recs); i += ex.cfg.SwapBatchSize {
			if ctx.Err() != nil {
				return nil
			}
			end := i + ex.cfg.SwapBatchSize
			if end > len(recs) {
				end = len(recs)
			}
			batch := recs[i:end]

			keys := make([]shardkey.ShardKey[K], len(batch))
			for j, rec := range batch {
				keys[j] = rec.move.Key
			}

			if err := ex.swapper.Swap(ctx, keys, target); err != nil {
				// Whole-batch retry: the swapper is required to be
				// idempotent under retry, so re-issuing the full batch is
				// safe even when the first attempt partially applied.
				if err := ex.swapper.Swap(ctx, keys, target); err != nil {
					ex.logger.Warn("swap batch failed after retry", zapShardField(target), zapErrFieldBare(err))
					continue
				}
			}
			for _, rec := range batch {
				st.setState(rec, checkpoint.Swapped)
			}
			if err := ex.persist(ctx, planID, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// persistBestEffort checkpoints mid-phase progress without failing the
// worker that triggered it; a store outage surfaces through the
// phase-end persist instead.
func (ex *Executor[K]) persistBestEffort(ctx context.Context, planID uuid.UUID, st *runState[K]) {
	_ = ex.persist(ctx, planID, st)
}

// persist writes a new checkpoint at version previous+1. The write is
// shielded from ctx cancellation: a canceled run's final state must
// still reach the store, since that checkpoint is what resume replays.
func (ex *Executor[K]) persist(ctx context.Context, planID uuid.UUID, st *runState[K]) error {
	st.mu.Lock()
	st.version++
	version := st.version
	st.mu.Unlock()

	progressList, c, lastProcessed := st.snapshot()
	progress := make(map[K]checkpoint.KeyProgress[K], len(progressList))
	for _, p := range progressList {
		progress[p.Key.Value()] = p
	}

	ex.reportProgressFromCounts(c, len(st.records))

	cp := checkpoint.Checkpoint[K]{
		PlanID:             planID,
		Version:            version,
		UpdatedAtUtc:       time.Now().UTC(),
		Progress:           progress,
		LastProcessedIndex: lastProcessed,
	}
	if err := ex.store.Persist(context.WithoutCancel(ctx), cp); err != nil {
		ex.logger.Error("checkpoint persist failed", zapErrFieldBare(err))
		return checkpointUnavailableError(err)
	}
	return nil
}

func (ex *Executor[K]) reportProgress(st *runState[K]) {
	_, c, _ := st.snapshot()
	ex.reportProgressFromCounts(c, len(st.records))
}

func (ex *Executor[K]) reportProgressFromCounts(c counts, total int) {
	ex.progress(ProgressEvent{
		Copied: c.copied, Verified: c.verified, Swapped: c.swapped, Failed: c.failed,
		ActiveCopy: c.activeCopy, ActiveVerify: c.activeVerify, Total: total,
	})
}
