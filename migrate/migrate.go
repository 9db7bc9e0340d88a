// Package migrate executes a migration.Plan: copying each moved key's
// data to its target shard, verifying the copy, and swapping the shard
// map over, all under bounded concurrency with durable checkpointing so
// a crashed run can resume instead of restarting from scratch.
package migrate

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardis/checkpoint"
	"github.com/dreamware/shardis/diagnostics"
	"github.com/dreamware/shardis/migration"
)

// Config configures an Executor. Zero values are replaced with the
// documented defaults by withDefaults.
type Config struct {
	CopyConcurrency                int
	VerifyConcurrency              int
	SwapBatchSize                  int
	RetryBaseDelay                 time.Duration
	MaxRetries                     int // default 3
	InterleaveCopyAndVerify        bool
	ForceSwapOnVerificationFailure bool
	VerificationStrategy           checkpoint.VerificationStrategy
	PerShardCap                    int // max concurrent ops against any one shard
}

func (c Config) withDefaults() Config {
	if c.CopyConcurrency <= 0 {
		c.CopyConcurrency = 16
	}
	if c.VerifyConcurrency <= 0 {
		c.VerifyConcurrency = 16
	}
	if c.SwapBatchSize <= 0 {
		c.SwapBatchSize = 500
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PerShardCap <= 0 {
		c.PerShardCap = c.CopyConcurrency
	}
	return c
}

// ProgressEvent is delivered to a progress sink after each copy or
// verify finishes and on each checkpoint persist; delivery is not
// throttled.
type ProgressEvent struct {
	Copied       int
	Verified     int
	Swapped      int
	Failed       int
	ActiveCopy   int
	ActiveVerify int
	Total        int
}

// ProgressSink receives ProgressEvents. It is called synchronously from
// the executor's workers, so a slow sink slows the migration itself.
type ProgressSink func(ProgressEvent)

const component = "migrate"

func checkpointUnavailableError(cause error) error {
	return diagnostics.New(component, "CheckpointPersistFailed", cause,
		diagnostics.KV{Key: "phase", Value: "Checkpoint"},
	)
}

// Executor drives a migration.Plan through copy/verify/swap with bounded
// concurrency, retry-with-backoff, and checkpoint-backed resume.
type Executor[K comparable] struct {
	mover    checkpoint.DataMover[K]
	swapper  checkpoint.MapSwapper[K]
	store    checkpoint.CheckpointStore[K]
	cfg      Config
	governor *BudgetGovernor
	logger   *zap.Logger
	progress ProgressSink
}

// NewExecutor constructs a migration executor. logger and progress may
// be nil.
func NewExecutor[K comparable](
	mover checkpoint.DataMover[K],
	swapper checkpoint.MapSwapper[K],
	store checkpoint.CheckpointStore[K],
	cfg Config,
	logger *zap.Logger,
	progress ProgressSink,
) *Executor[K] {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = func(ProgressEvent) {}
	}
	ceiling := int64(cfg.CopyConcurrency + cfg.VerifyConcurrency)
	return &Executor[K]{
		mover:    mover,
		swapper:  swapper,
		store:    store,
		cfg:      cfg,
		governor: NewBudgetGovernor(ceiling),
		logger:   logger,
		progress: progress,
	}
}

type keyRecord[K comparable] struct {
	move    migration.KeyMove[K]
	state   checkpoint.KeyMoveState
	retries int
	flagged bool
}

// runState holds the in-memory view of a run. Worker goroutines mutate
// keyRecord fields only through the mu-guarded helpers below; the
// checkpoint store remains the authoritative state for restart.
type runState[K comparable] struct {
	mu             sync.Mutex
	records        []*keyRecord[K]
	version        int
	activeCopy     int
	activeVerify   int
	copyLatencies  []time.Duration
	verifyTotal    int
	verifyMismatch int
}

func (r *runState[K]) state(rec *keyRecord[K]) checkpoint.KeyMoveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.state
}

func (r *runState[K]) setState(rec *keyRecord[K], s checkpoint.KeyMoveState) {
	r.mu.Lock()
	rec.state = s
	r.mu.Unlock()
}

func (r *runState[K]) setFlagged(rec *keyRecord[K]) {
	r.mu.Lock()
	rec.flagged = true
	r.mu.Unlock()
}

func (r *runState[K]) bumpRetries(rec *keyRecord[K]) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.retries++
	return rec.retries
}

func (r *runState[K]) addActive(copyDelta, verifyDelta int) {
	r.mu.Lock()
	r.activeCopy += copyDelta
	r.activeVerify += verifyDelta
	r.mu.Unlock()
}

func (r *runState[K]) recordCopyLatency(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copyLatencies = append(r.copyLatencies, d)
}

func (r *runState[K]) recordVerifyOutcome(matched bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyTotal++
	if !matched {
		r.verifyMismatch++
	}
}

// p95CopyLatency returns the 95th-percentile copy latency observed so
// far, or 0 if nothing has been recorded.
func (r *runState[K]) p95CopyLatency() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.copyLatencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.copyLatencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (r *runState[K]) mismatchRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verifyTotal == 0 {
		return 0
	}
	return float64(r.verifyMismatch) / float64(r.verifyTotal)
}

// snapshot copies every record's durable fields plus the per-state
// totals and the index of the last key in an unbroken terminal prefix,
// which lets a resumed segmented run skip straight past finished work.
func (r *runState[K]) snapshot() ([]checkpoint.KeyProgress[K], counts, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	progress := make([]checkpoint.KeyProgress[K], len(r.records))
	var c counts
	lastProcessed := -1
	prefixTerminal := true
	for i, rec := range r.records {
		progress[i] = checkpoint.KeyProgress[K]{Key: rec.move.Key, State: rec.state, Retries: rec.retries}
		terminal := false
		switch rec.state {
		case checkpoint.Copied:
			c.copied++
		case checkpoint.Verified:
			c.verified++
		case checkpoint.Swapped:
			c.swapped++
			terminal = true
		case checkpoint.Failed:
			c.failed++
			terminal = true
		}
		if prefixTerminal && terminal {
			lastProcessed = i
		} else {
			prefixTerminal = false
		}
	}
	c.activeCopy = r.activeCopy
	c.activeVerify = r.activeVerify
	return progress, c, lastProcessed
}

type counts struct {
	copied, verified, swapped, failed int
	activeCopy, activeVerify          int
}

// Run executes plan to completion (or until ctx is canceled), resuming
// from a prior checkpoint when one exists for plan.PlanID. A checkpoint
// store failure aborts the run; everything completed up to the last
// durable checkpoint is recovered on the next Run with the same PlanID.
func (ex *Executor[K]) Run(ctx context.Context, plan migration.Plan[K]) error {
	st := &runState[K]{
		records: make([]*keyRecord[K], len(plan.Moves)),
	}
	for i, move := range plan.Moves {
		st.records[i] = &keyRecord[K]{move: move, state: checkpoint.Planned}
	}

	if cp, found, err := ex.store.Load(ctx, plan.PlanID); err != nil {
		return checkpointUnavailableError(err)
	} else if found {
		// Replay: each key resumes from its recorded state rather than
		// restarting the whole plan. An idempotent re-run of a fully
		// Swapped plan becomes a no-op because every phase below skips
		// records already past it.
		st.version = cp.Version
		for _, rec := range st.records {
			if p, ok := cp.Progress[rec.move.Key.Value()]; ok {
				rec.state = p.State
				rec.retries = p.Retries
			}
		}
	}

	if err := ex.runCopyPhase(ctx, plan.PlanID, st); err != nil {
		return err
	}
	if err := ex.runVerifyPhase(ctx, plan.PlanID, st); err != nil {
		return err
	}
	if err := ex.runSwapPhase(ctx, plan.PlanID, st); err != nil {
		return err
	}

	// Final checkpoint reflects every state known at exit, including a
	// cancellation part-way through; persist shields the write from ctx
	// already being done.
	return ex.persist(ctx, plan.PlanID, st)
}
