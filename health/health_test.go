package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardis/shardkey"
)

type scriptedProber struct {
	mu      sync.Mutex
	results map[shardkey.ShardId][]error // consumed in order, last value repeats
	calls   map[shardkey.ShardId]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{results: make(map[shardkey.ShardId][]error), calls: make(map[shardkey.ShardId]int)}
}

func (p *scriptedProber) script(id shardkey.ShardId, outcomes ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[id] = outcomes
}

func (p *scriptedProber) Probe(_ context.Context, id shardkey.ShardId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.results[id]
	idx := p.calls[id]
	p.calls[id]++
	if len(seq) == 0 {
		return nil
	}
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx]
}

func TestPolicyUnknownToHealthyOnFirstSuccess(t *testing.T) {
	prober := newScriptedProber()
	p := NewPolicy(Config{}, prober, nil)

	p.RecordSuccess("s1")
	// ReactiveTrackingEnabled defaults false, so this should be a no-op.
	_, ok := p.State("s1")
	assert.False(t, ok)

	p.probeOne("s1")
	st, ok := p.State("s1")
	require.True(t, ok)
	assert.Equal(t, Healthy, st.Status)
}

func TestPolicyHealthyToUnhealthyAfterThreshold(t *testing.T) {
	prober := newScriptedProber()
	failure := errors.New("boom")
	prober.script("s1", nil, failure, failure, failure)
	p := NewPolicy(Config{UnhealthyThreshold: 3}, prober, nil)

	p.probeOne("s1") // success -> healthy
	p.probeOne("s1") // fail 1
	p.probeOne("s1") // fail 2
	st, _ := p.State("s1")
	assert.Equal(t, Healthy, st.Status, "should stay healthy below threshold")

	p.probeOne("s1") // fail 3 -> unhealthy
	st, _ = p.State("s1")
	assert.Equal(t, Unhealthy, st.Status)
	assert.Equal(t, 3, st.ConsecutiveFailures)
}

func TestPolicyUnhealthyToHealthyRequiresCooldown(t *testing.T) {
	prober := newScriptedProber()
	failure := errors.New("boom")
	prober.script("s1", failure, failure, failure, nil, nil)
	p := NewPolicy(Config{UnhealthyThreshold: 3, HealthyThreshold: 2, CooldownPeriod: 50 * time.Millisecond}, prober, nil)

	p.probeOne("s1")
	p.probeOne("s1")
	p.probeOne("s1") // -> unhealthy
	st, _ := p.State("s1")
	require.Equal(t, Unhealthy, st.Status)

	p.probeOne("s1") // success 1, cooldown not elapsed yet
	p.probeOne("s1") // success 2, still likely within cooldown
	st, _ = p.State("s1")
	assert.Equal(t, Unhealthy, st.Status, "must not recover before cooldown elapses")

	time.Sleep(60 * time.Millisecond)
	p.recordOutcome("s1", true, nil, 0)
	p.recordOutcome("s1", true, nil, 0)
	st, _ = p.State("s1")
	assert.Equal(t, Healthy, st.Status)
}

func TestPolicyReactiveTrackingDisabledIsNoOp(t *testing.T) {
	p := NewPolicy(Config{ReactiveTrackingEnabled: false}, newScriptedProber(), nil)
	p.RecordFailure("s1", errors.New("x"))
	_, ok := p.State("s1")
	assert.False(t, ok)
}

func TestPolicyReactiveTrackingEnabled(t *testing.T) {
	p := NewPolicy(Config{ReactiveTrackingEnabled: true, UnhealthyThreshold: 2}, newScriptedProber(), nil)
	p.RecordFailure("s1", errors.New("x"))
	p.RecordFailure("s1", errors.New("x"))
	st, ok := p.State("s1")
	require.True(t, ok)
	assert.Equal(t, Unhealthy, st.Status)
}

func TestClassifyTargets(t *testing.T) {
	prober := newScriptedProber()
	p := NewPolicy(Config{}, prober, nil)
	p.probeOne("s1")
	p.probeOne("s2")
	prober.script("s2", errors.New("down"), errors.New("down"), errors.New("down"))
	p.probeOne("s2")
	p.probeOne("s2")
	p.probeOne("s2")

	healthy, unhealthy := p.ClassifyTargets([]shardkey.ShardId{"s1", "s2", "s3"})
	assert.Equal(t, []shardkey.ShardId{"s1"}, healthy)
	assert.ElementsMatch(t, []shardkey.ShardId{"s2", "s3"}, unhealthy)
}

func TestRequirementVariants(t *testing.T) {
	assert.True(t, BestEffort{}.Satisfied(0, 5))
	assert.True(t, AllShards{}.Satisfied(5, 5))
	assert.False(t, AllShards{}.Satisfied(4, 5))
	assert.True(t, AtLeast{N: 3}.Satisfied(3, 5))
	assert.False(t, AtLeast{N: 3}.Satisfied(2, 5))
	assert.True(t, AtLeastPercentage{P: 0.5}.Satisfied(3, 5))
	assert.False(t, AtLeastPercentage{P: 0.7}.Satisfied(3, 5))
}
