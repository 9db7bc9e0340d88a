// Package query executes a fan-out read across a set of shards and
// merges the per-shard results into one logical stream: a streaming,
// health-aware, cancellation-propagating executor over per-shard
// sessions.
package query

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dreamware/shardis/diagnostics"
	"github.com/dreamware/shardis/health"
	"github.com/dreamware/shardis/merge"
	"github.com/dreamware/shardis/shardkey"
)

// Model describes a fan-out query: a source type tag (for metric tags
// only — Shardis does not interpret it), a filter chain, an optional
// projection, and an optional explicit target set.
type Model[T any] struct {
	SourceType string
	Filters    []Filter[T]
	Project    func(T) T
	Targets    []shardkey.ShardId // nil/empty = all registered shards
}

// WithTargets returns a copy of the model restricted to the given
// shards. Unknown ids are counted at execution time but do not abort.
func (m Model[T]) WithTargets(targets ...shardkey.ShardId) Model[T] {
	m.Targets = append([]shardkey.ShardId(nil), targets...)
	return m
}

// Filter is a predicate applied to each row a shard session yields.
type Filter[T any] func(T) bool

func applyFilters[T any](filters []Filter[T], v T) bool {
	for _, f := range filters {
		if !f(v) {
			return false
		}
	}
	return true
}

// MergeStrategy selects how per-shard streams are combined.
type MergeStrategy int

const (
	MergeUnordered MergeStrategy = iota
	MergeOrdered
)

func (m MergeStrategy) String() string {
	if m == MergeOrdered {
		return "ordered"
	}
	return "unordered"
}

// FailureMode selects how per-shard errors are handled.
type FailureMode int

const (
	FailFast FailureMode = iota
	BestEffort
)

func (m FailureMode) String() string {
	if m == BestEffort {
		return "best_effort"
	}
	return "fail_fast"
}

// UnhealthyShardBehavior selects how the health-aware wrapper treats
// unhealthy targets.
type UnhealthyShardBehavior int

const (
	Include UnhealthyShardBehavior = iota
	Skip
	Quarantine
)

// Options configures Executor.Run.
type Options[T any, K any] struct {
	Concurrency            int
	ChannelCapacity        int // <= 0 = unbuffered (each send waits for the consumer)
	PerShardCommandTimeout time.Duration
	DisposeSessionPerQuery bool
	MergeStrategy          MergeStrategy
	KeyFn                  merge.KeyFunc[T, K] // required when MergeStrategy == MergeOrdered
	Less                   merge.Less[K]       // required when MergeStrategy == MergeOrdered
	FailureMode            FailureMode
	Requirement            health.Requirement // nil = no health gating
	UnhealthyShardBehavior UnhealthyShardBehavior

	// OnShardError receives each captured per-shard error in BestEffort
	// mode. Ignored under FailFast, where the first error is surfaced on
	// the result error channel instead. May be nil.
	OnShardError func(shardkey.ShardId, error)
}

// Session opens a streaming read against one shard.
type Session[T any] interface {
	// Query returns a channel of raw rows and a single terminal error.
	Query(ctx context.Context, model Model[T]) (<-chan T, <-chan error)
	Close() error
}

// SessionFactory opens a Session for a given shard.
type SessionFactory[T any] func(ctx context.Context, shardID shardkey.ShardId) (Session[T], error)

// AllShards is the type-erased registry Executor consults to expand an
// empty target set; Router implementations and static shard lists alike
// can satisfy it.
type AllShards interface {
	AllShardIDs() []shardkey.ShardId
}

// Executor runs fan-out queries against a fixed shard registry.
type Executor[T any, K any] struct {
	registry AllShards
	sessions SessionFactory[T]
	policy   *health.Policy // nil = no health gating
}

// NewExecutor constructs a query executor. policy may be nil to disable
// the health-aware wrapper entirely.
func NewExecutor[T any, K any](registry AllShards, sessions SessionFactory[T], policy *health.Policy) *Executor[T, K] {
	return &Executor[T, K]{registry: registry, sessions: sessions, policy: policy}
}

const component = "query"

// InsufficientHealthyShardsError is raised when health gating rejects a
// query outright.
type InsufficientHealthyShardsError struct {
	Total        int
	Healthy      int
	UnhealthyIDs []shardkey.ShardId
	Requirement  string
}

func (e *InsufficientHealthyShardsError) Error() string {
	return diagnostics.New(component, "InsufficientHealthyShards", nil,
		diagnostics.KV{Key: "total", Value: e.Total},
		diagnostics.KV{Key: "healthy", Value: e.Healthy},
		diagnostics.KV{Key: "unhealthyIds", Value: e.UnhealthyIDs},
		diagnostics.KV{Key: "requirement", Value: e.Requirement},
	).Error()
}

// Run executes model across the resolved target set and returns the
// merged stream plus a single terminal error channel. The error channel
// delivers at most one error and is closed when the query has fully
// settled; the span and latency histogram for the query are finalized
// at that point, once per query.
func (ex *Executor[T, K]) Run(ctx context.Context, model Model[T], opts Options[T, K]) (<-chan T, <-chan error) {
	start := time.Now()
	ctx, span := diagnostics.Tracer().Start(ctx, "query.Run")

	finish := func(err error) {
		status := "ok"
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded),
			err == nil && ctx.Err() != nil:
			status = "canceled"
		case err != nil:
			status = "failed"
		}
		span.SetAttributes(attribute.String("result.status", status))
		span.End()
		diagnostics.QueryMergeLatency.WithLabelValues(opts.MergeStrategy.String(), opts.FailureMode.String()).Observe(time.Since(start).Seconds())
	}

	targets, invalidCount := ex.normalizeTargets(model.Targets)

	if ex.policy != nil && opts.Requirement != nil {
		healthy, unhealthy := ex.policy.ClassifyTargets(targets)
		switch opts.UnhealthyShardBehavior {
		case Include:
			// no filtering
		case Skip:
			if !opts.Requirement.Satisfied(len(healthy), len(targets)) {
				err := &InsufficientHealthyShardsError{
					Total: len(targets), Healthy: len(healthy), UnhealthyIDs: unhealthy, Requirement: opts.Requirement.String(),
				}
				finish(err)
				return errorStream[T](err)
			}
			for _, id := range unhealthy {
				diagnostics.HealthShardSkipped.WithLabelValues(string(id)).Inc()
			}
			targets = healthy
		case Quarantine:
			if len(unhealthy) > 0 {
				err := &InsufficientHealthyShardsError{
					Total: len(targets), Healthy: len(healthy), UnhealthyIDs: unhealthy, Requirement: opts.Requirement.String(),
				}
				finish(err)
				return errorStream[T](err)
			}
		}
	}

	span.SetAttributes(
		attribute.String("db.system", "shardis"),
		attribute.String("provider", model.SourceType),
		attribute.Int("shard.count", len(ex.registry.AllShardIDs())),
		attribute.Int("target.shard.count", len(targets)),
		attribute.Int("invalid.shard.count", invalidCount),
		attribute.String("merge.strategy", opts.MergeStrategy.String()),
		attribute.Bool("ordering.buffered", opts.MergeStrategy == MergeOrdered),
		attribute.Int("fanout.concurrency", opts.Concurrency),
		attribute.Int("channel.capacity", capacityTag(opts.ChannelCapacity)),
		attribute.String("failure.mode", opts.FailureMode.String()),
		attribute.String("root.type", model.SourceType),
	)

	// Shard tasks run under their own cancelable context so that once the
	// merge settles (fault, consumer cancellation or completion) any shard
	// still blocked on a send is stopped and its session released.
	shardsCtx, cancelShards := context.WithCancel(ctx)

	sources := make([]merge.Source[T], len(targets))
	for i, shardID := range targets {
		items := make(chan T)
		errc := make(chan error, 1)
		sources[i] = merge.Source[T]{Items: items, Err: errc}

		go func(shardID shardkey.ShardId, items chan T, errc chan error) {
			defer close(items)
			err := ex.runShard(shardsCtx, shardID, model, opts, items)
			if err != nil && opts.FailureMode == BestEffort {
				// Captured, not propagated: a best-effort fault must not
				// cancel sibling shards through the merge.
				if opts.OnShardError != nil {
					opts.OnShardError(shardID, err)
				}
				err = nil
			}
			errc <- err
		}(shardID, items, errc)
	}

	var out <-chan T
	var mergeErrc <-chan error
	switch opts.MergeStrategy {
	case MergeOrdered:
		out, mergeErrc = merge.Ordered[T, K](ctx, sources, opts.KeyFn, opts.Less, nil)
	default:
		out, mergeErrc = merge.Unordered[T](ctx, sources, merge.UnorderedOptions{
			ChannelCapacity: opts.ChannelCapacity,
			MaxConcurrency:  opts.Concurrency,
		}, nil)
	}

	final := make(chan error, 1)
	go func() {
		err := <-mergeErrc
		finish(err)
		cancelShards()
		if err != nil {
			final <- err
		}
		close(final)
	}()
	return out, final
}

// runShard opens a session against one shard, streams its rows through
// the model's filters and projection into items, and returns the shard's
// terminal error. The session is released on every exit path when
// DisposeSessionPerQuery is set; otherwise its lifetime belongs to the
// SessionFactory.
func (ex *Executor[T, K]) runShard(ctx context.Context, shardID shardkey.ShardId, model Model[T], opts Options[T, K], items chan<- T) error {
	shardCtx := ctx
	if opts.PerShardCommandTimeout > 0 {
		var cancel context.CancelFunc
		shardCtx, cancel = context.WithTimeout(ctx, opts.PerShardCommandTimeout)
		defer cancel()
	}

	sess, err := ex.sessions(shardCtx, shardID)
	if err != nil {
		return err
	}
	if opts.DisposeSessionPerQuery {
		defer sess.Close()
	}

	rows, sessErrc := sess.Query(shardCtx, model)
	for row := range rows {
		if !applyFilters(model.Filters, row) {
			continue
		}
		if model.Project != nil {
			row = model.Project(row)
		}
		select {
		case <-shardCtx.Done():
			return shardCtx.Err()
		case items <- row:
		}
	}
	return <-sessErrc
}

func (ex *Executor[T, K]) normalizeTargets(requested []shardkey.ShardId) ([]shardkey.ShardId, int) {
	all := ex.registry.AllShardIDs()
	if len(requested) == 0 {
		return all, 0
	}

	valid := make(map[shardkey.ShardId]bool, len(all))
	for _, id := range all {
		valid[id] = true
	}

	out := make([]shardkey.ShardId, 0, len(requested))
	invalid := 0
	for _, id := range requested {
		if valid[id] {
			out = append(out, id)
		} else {
			invalid++
		}
	}
	return out, invalid
}

func capacityTag(c int) int {
	if c <= 0 {
		return -1
	}
	return c
}

func errorStream[T any](err error) (<-chan T, <-chan error) {
	out := make(chan T)
	close(out)
	errc := make(chan error, 1)
	errc <- err
	close(errc)
	return out, errc
}
