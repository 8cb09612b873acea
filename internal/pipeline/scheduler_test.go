package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sigs(entries []PriorityEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Signature)
	}
	return out
}

func TestTickDrainsCriticalFirst(t *testing.T) {
	s := NewScheduler(DefaultCooldowns())
	s.Enqueue(ErrorRecord{Signature: "low", Tier: TierLow}, t0)
	s.Enqueue(ErrorRecord{Signature: "crit", Tier: TierCritical}, t0)
	s.Enqueue(ErrorRecord{Signature: "med", Tier: TierMedium}, t0)

	ready := s.Tick(t0.Add(10 * time.Minute))
	assert.Equal(t, []string{"crit", "med", "low"}, sigs(ready))
	assert.Equal(t, 0, s.Len())
}

func TestTickHonorsTierCooldowns(t *testing.T) {
	s := NewScheduler(DefaultCooldowns())
	s.Enqueue(ErrorRecord{Signature: "crit", Tier: TierCritical}, t0)
	s.Enqueue(ErrorRecord{Signature: "high", Tier: TierHigh}, t0)
	s.Enqueue(ErrorRecord{Signature: "med", Tier: TierMedium}, t0)
	s.Enqueue(ErrorRecord{Signature: "low", Tier: TierLow}, t0)

	assert.Equal(t, []string{"crit"}, sigs(s.Tick(t0)))
	assert.Empty(t, s.Tick(t0.Add(29*time.Second)))
	assert.Equal(t, []string{"high"}, sigs(s.Tick(t0.Add(30*time.Second))))
	assert.Equal(t, []string{"med"}, sigs(s.Tick(t0.Add(2*time.Minute))))
	assert.Empty(t, s.Tick(t0.Add(4*time.Minute)))
	assert.Equal(t, []string{"low"}, sigs(s.Tick(t0.Add(5*time.Minute))))
}

func TestTickIsFIFOWithinTier(t *testing.T) {
	s := NewScheduler(Cooldowns{})
	for i, sig := range []string{"a", "b", "c"} {
		s.Enqueue(ErrorRecord{Signature: sig, Tier: TierHigh}, t0.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, []string{"a", "b", "c"}, sigs(s.Tick(t0.Add(time.Minute))))
}

func TestEnqueueSameTierKeepsOriginalWait(t *testing.T) {
	s := NewScheduler(DefaultCooldowns())
	s.Enqueue(ErrorRecord{Signature: "x", Tier: TierHigh}, t0)
	s.Enqueue(ErrorRecord{Signature: "x", Tier: TierHigh}, t0.Add(20*time.Second))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []string{"x"}, sigs(s.Tick(t0.Add(30*time.Second))))
}

func TestEnqueueTierChangeMovesEntry(t *testing.T) {
	s := NewScheduler(DefaultCooldowns())
	s.Enqueue(ErrorRecord{Signature: "x", Tier: TierMedium}, t0)
	s.Enqueue(ErrorRecord{Signature: "x", Tier: TierCritical}, t0.Add(time.Second))

	depth := s.Depth()
	assert.Equal(t, 0, depth[TierMedium])
	assert.Equal(t, 1, depth[TierCritical])

	ready := s.Tick(t0.Add(time.Second))
	require.Len(t, ready, 1)
	assert.Equal(t, TierCritical, ready[0].Tier)
}

func TestRequeueSkipsWhenNewerEntryExists(t *testing.T) {
	s := NewScheduler(Cooldowns{})
	s.Enqueue(ErrorRecord{Signature: "x", Tier: TierLow}, t0)
	ready := s.Tick(t0)
	require.Len(t, ready, 1)

	s.Enqueue(ErrorRecord{Signature: "x", Tier: TierMedium}, t0)
	assert.False(t, s.Requeue(ready[0], t0))
	assert.Equal(t, 1, s.Len())

	s.Remove("x")
	require.True(t, s.Requeue(ready[0], t0.Add(time.Minute)))
	again := s.Tick(t0.Add(time.Minute))
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].Attempts)
	assert.Equal(t, t0.Add(time.Minute), again[0].EnqueuedAt)
}

func TestRemoveDropsEntry(t *testing.T) {
	s := NewScheduler(Cooldowns{})
	s.Enqueue(ErrorRecord{Signature: "x", Tier: TierHigh}, t0)
	assert.True(t, s.Remove("x"))
	assert.False(t, s.Remove("x"))
	assert.Empty(t, s.Tick(t0.Add(time.Hour)))
}
