package pipeline

import "time"

// Cooldowns is the minimum time an entry waits in its tier before it is ready.
type Cooldowns struct {
	Critical time.Duration
	High     time.Duration
	Medium   time.Duration
	Low      time.Duration
}

// DefaultCooldowns returns CRITICAL=0, HIGH=30s, MEDIUM=2m, LOW=5m.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{High: 30 * time.Second, Medium: 2 * time.Minute, Low: 5 * time.Minute}
}

func (c Cooldowns) For(t Tier) time.Duration {
	switch t {
	case TierCritical:
		return c.Critical
	case TierHigh:
		return c.High
	case TierMedium:
		return c.Medium
	default:
		return c.Low
	}
}

// Scheduler holds at most one pending entry per signature, bucketed by tier.
// It decides readiness only; admission is the Gate's job.
// It is not safe for concurrent use; Pipeline serializes access.
type Scheduler struct {
	cooldowns Cooldowns
	buckets   [TierCritical + 1][]*PriorityEntry
	bySig     map[string]*PriorityEntry
	seq       uint64
}

func NewScheduler(c Cooldowns) *Scheduler {
	return &Scheduler{cooldowns: c, bySig: map[string]*PriorityEntry{}}
}

func (s *Scheduler) SetCooldowns(c Cooldowns) { s.cooldowns = c }

// Enqueue places an entry for rec in the bucket of rec.Tier. A live entry in the
// same tier is kept as is (its wait is not reset); one in another tier is replaced.
func (s *Scheduler) Enqueue(rec ErrorRecord, now time.Time) {
	if e, ok := s.bySig[rec.Signature]; ok {
		if e.Tier == rec.Tier {
			return
		}
		s.removeFromBucket(e)
	}
	s.push(&PriorityEntry{Signature: rec.Signature, Tier: rec.Tier, EnqueuedAt: now})
}

// Requeue puts a dispatched entry back with EnqueuedAt=now. It returns false
// when a newer entry for the signature already exists; the newer one wins.
func (s *Scheduler) Requeue(e PriorityEntry, now time.Time) bool {
	if _, ok := s.bySig[e.Signature]; ok {
		return false
	}
	e.EnqueuedAt = now
	e.Attempts++
	s.push(&e)
	return true
}

// Remove drops the entry for sig, if any.
func (s *Scheduler) Remove(sig string) bool {
	e, ok := s.bySig[sig]
	if !ok {
		return false
	}
	s.removeFromBucket(e)
	delete(s.bySig, sig)
	return true
}

// Tick removes and returns every entry whose tier cooldown has elapsed,
// CRITICAL first, FIFO within a tier.
func (s *Scheduler) Tick(now time.Time) []PriorityEntry {
	var ready []PriorityEntry
	for _, t := range tiersByPriority {
		cd := s.cooldowns.For(t)
		bucket := s.buckets[t]
		keep := bucket[:0]
		for _, e := range bucket {
			if now.Sub(e.EnqueuedAt) >= cd {
				ready = append(ready, *e)
				delete(s.bySig, e.Signature)
				continue
			}
			keep = append(keep, e)
		}
		for i := len(keep); i < len(bucket); i++ {
			bucket[i] = nil
		}
		s.buckets[t] = keep
	}
	return ready
}

// Depth returns the number of pending entries per tier.
func (s *Scheduler) Depth() map[Tier]int {
	out := make(map[Tier]int, len(s.buckets))
	for t := range s.buckets {
		out[Tier(t)] = len(s.buckets[t])
	}
	return out
}

// Len returns the total number of pending entries.
func (s *Scheduler) Len() int { return len(s.bySig) }

func (s *Scheduler) push(e *PriorityEntry) {
	if e.Tier < TierLow || e.Tier > TierCritical {
		e.Tier = TierLow
	}
	s.seq++
	e.seq = s.seq
	s.buckets[e.Tier] = append(s.buckets[e.Tier], e)
	s.bySig[e.Signature] = e
}

func (s *Scheduler) removeFromBucket(e *PriorityEntry) {
	b := s.buckets[e.Tier]
	for i, x := range b {
		if x == e {
			copy(b[i:], b[i+1:])
			b[len(b)-1] = nil
			s.buckets[e.Tier] = b[:len(b)-1]
			return
		}
	}
}
