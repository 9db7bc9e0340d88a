// Package health maintains an estimated availability status per shard:
// a hysteresis-driven state machine the query core consults to decide
// which shards to include in a fan-out.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardis/diagnostics"
	"github.com/dreamware/shardis/shardkey"
)

// Status is a shard's current estimated availability.
type Status int

const (
	Unknown Status = iota
	Healthy
	Unhealthy
	Degraded // reserved; not emitted by Policy's default transitions
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// State is the per-shard health record exposed to callers.
type State struct {
	ShardID              shardkey.ShardId
	Status               Status
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastProbeAt          time.Time
	LastTransitionAt     time.Time
	Description          string
	LastError            error
	LastProbeDurationMs  float64
}

// Prober performs one health probe for a shard, returning a nil error on
// success. Implementations should honor ctx cancellation/deadline.
type Prober interface {
	Probe(ctx context.Context, shardID shardkey.ShardId) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, shardID shardkey.ShardId) error

func (f ProberFunc) Probe(ctx context.Context, shardID shardkey.ShardId) error {
	return f(ctx, shardID)
}

// Config configures a Policy. Zero-value thresholds are replaced with the
// documented defaults by NewPolicy.
type Config struct {
	ProbeInterval           time.Duration
	ProbeTimeout            time.Duration
	UnhealthyThreshold      int // default 3
	HealthyThreshold        int // default 2
	CooldownPeriod          time.Duration
	ReactiveTrackingEnabled bool
}

func (c Config) withDefaults() Config {
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = 2
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	return c
}

// Policy tracks per-shard health state and runs a single scheduling
// goroutine that probes every known shard at most once per ProbeInterval,
// serialized per shard but concurrent across shards.
type Policy struct {
	cfg    Config
	prober Prober
	logger *zap.Logger

	mu     sync.RWMutex
	states map[shardkey.ShardId]*State

	probing sync.Map // shardkey.ShardId -> struct{}, at-most-one-outstanding-probe marker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPolicy constructs a health policy. logger may be nil.
func NewPolicy(cfg Config, prober Prober, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Policy{
		cfg:    cfg.withDefaults(),
		prober: prober,
		logger: logger,
		states: make(map[shardkey.ShardId]*State),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic probe loop for the given shard ids. It blocks
// until ctx is canceled or Stop is called.
func (p *Policy) Start(ctx context.Context, shardIDs func() []shardkey.ShardId) {
	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	p.probeAll(shardIDs())

	for {
		select {
		case <-ticker.C:
			p.probeAll(shardIDs())
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to exit.
func (p *Policy) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Policy) probeAll(shardIDs []shardkey.ShardId) {
	var wg sync.WaitGroup
	for _, id := range shardIDs {
		if _, alreadyOutstanding := p.probing.LoadOrStore(id, struct{}{}); alreadyOutstanding {
			continue
		}
		wg.Add(1)
		go func(id shardkey.ShardId) {
			defer wg.Done()
			defer p.probing.Delete(id)
			p.probeOne(id)
		}(id)
	}
	wg.Wait()
}

func (p *Policy) probeOne(id shardkey.ShardId) {
	probeCtx, cancel := context.WithTimeout(p.ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := p.prober.Probe(probeCtx, id)
	elapsed := time.Since(start)

	diagnostics.HealthProbeLatency.WithLabelValues(string(id)).Observe(elapsed.Seconds())

	if err != nil {
		p.recordOutcome(id, false, err, elapsed)
	} else {
		p.recordOutcome(id, true, nil, elapsed)
	}
}

// RecordSuccess applies a reactive success signal as if it were a probe
// outcome, when ReactiveTrackingEnabled is set; otherwise it is a no-op.
func (p *Policy) RecordSuccess(shardID shardkey.ShardId) {
	if !p.cfg.ReactiveTrackingEnabled {
		return
	}
	p.recordOutcome(shardID, true, nil, 0)
}

// RecordFailure applies a reactive failure signal, see RecordSuccess.
func (p *Policy) RecordFailure(shardID shardkey.ShardId, cause error) {
	if !p.cfg.ReactiveTrackingEnabled {
		return
	}
	p.recordOutcome(shardID, false, cause, 0)
}

func (p *Policy) recordOutcome(id shardkey.ShardId, success bool, cause error, probeDuration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, exists := p.states[id]
	if !exists {
		st = &State{ShardID: id, Status: Unknown, LastTransitionAt: time.Now()}
		p.states[id] = st
	}

	st.LastProbeAt = time.Now()
	if probeDuration > 0 {
		st.LastProbeDurationMs = float64(probeDuration.Microseconds()) / 1000.0
	}

	previous := st.Status

	if success {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		st.LastError = nil

		switch st.Status {
		case Unknown:
			st.Status = Healthy
		case Unhealthy:
			if st.ConsecutiveSuccesses >= p.cfg.HealthyThreshold && time.Since(st.LastTransitionAt) >= p.cfg.CooldownPeriod {
				st.Status = Healthy
			}
		}
	} else {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		st.LastError = cause

		if st.Status == Healthy && st.ConsecutiveFailures >= p.cfg.UnhealthyThreshold {
			st.Status = Unhealthy
		} else if st.Status == Unknown && st.ConsecutiveFailures >= p.cfg.UnhealthyThreshold {
			st.Status = Unhealthy
		}
	}

	if st.Status != previous {
		st.LastTransitionAt = time.Now()
		if st.Status == Unhealthy {
			p.logger.Info("shard marked unhealthy", zap.String("shard_id", string(id)), zap.Int("consecutive_failures", st.ConsecutiveFailures))
		} else if previous == Unhealthy && st.Status == Healthy {
			diagnostics.HealthShardRecovered.WithLabelValues(string(id)).Inc()
			p.logger.Info("shard recovered", zap.String("shard_id", string(id)))
		}
	}
}

// State returns a copy of a shard's current health state, or false if the
// shard is not tracked.
func (p *Policy) State(shardID shardkey.ShardId) (State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[shardID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// AllStates returns a snapshot of every tracked shard's state.
func (p *Policy) AllStates() map[shardkey.ShardId]State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[shardkey.ShardId]State, len(p.states))
	for id, st := range p.states {
		out[id] = *st
	}
	return out
}

// IsHealthy reports whether shardID is currently Healthy. An untracked
// shard is considered not healthy.
func (p *Policy) IsHealthy(shardID shardkey.ShardId) bool {
	st, ok := p.State(shardID)
	return ok && st.Status == Healthy
}

// ClassifyTargets splits targets into healthy and unhealthy sets per the
// current policy state, for the query core's health-aware wrapper.
func (p *Policy) ClassifyTargets(targets []shardkey.ShardId) (healthy, unhealthy []shardkey.ShardId) {
	for _, id := range targets {
		if p.IsHealthy(id) {
			healthy = append(healthy, id)
		} else {
			unhealthy = append(unhealthy, id)
		}
	}
	return healthy, unhealthy
}
