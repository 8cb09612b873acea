package pipeline

import (
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BurstMode selects how the burst filter keys its window.
type BurstMode string

const (
	// BurstGlobal remembers only the most recent raw (kind, message) pair.
	// Two different errors fired alternately never suppress each other.
	BurstGlobal BurstMode = "global"
	// BurstPerKey keeps one window per raw (kind, message) pair.
	BurstPerKey BurstMode = "per_key"
)

const (
	maxSampleRunes   = 500
	perKeyPruneAfter = 4096
)

// Deduplicator owns the ErrorRecord history and the pre-classification burst filter.
// It is not safe for concurrent use; Pipeline serializes access.
type Deduplicator struct {
	records *lru.Cache[string, *ErrorRecord]
	evicted []string

	window time.Duration
	mode   BurstMode

	lastKey string
	lastAt  time.Time
	perKey  map[string]time.Time
}

// NewDeduplicator creates a history bounded to maxRecords signatures
// (least recently seen evicted first). maxRecords <= 0 means unbounded.
func NewDeduplicator(maxRecords int, window time.Duration, mode BurstMode) *Deduplicator {
	d := &Deduplicator{window: window, mode: mode, perKey: map[string]time.Time{}}
	size := maxRecords
	if size <= 0 {
		size = math.MaxInt32
	}
	// NewWithEvict only fails for size <= 0.
	d.records, _ = lru.NewWithEvict[string, *ErrorRecord](size, func(sig string, _ *ErrorRecord) {
		d.evicted = append(d.evicted, sig)
	})
	return d
}

// SetBurst updates the burst filter settings. Switching modes forgets prior state.
func (d *Deduplicator) SetBurst(window time.Duration, mode BurstMode) {
	if mode != d.mode {
		d.lastKey, d.lastAt = "", time.Time{}
		d.perKey = map[string]time.Time{}
	}
	d.window = window
	d.mode = mode
}

// ShouldSuppress reports whether ev repeats a raw (kind, message) pair seen less
// than the burst window ago. Events that pass start a new window.
func (d *Deduplicator) ShouldSuppress(ev ErrorEvent) bool {
	if d.window <= 0 {
		return false
	}
	key := ev.Kind + "\x00" + ev.Message
	at := ev.OccurredAt

	if d.mode == BurstPerKey {
		if last, ok := d.perKey[key]; ok && at.Sub(last) < d.window {
			return true
		}
		d.perKey[key] = at
		if len(d.perKey) > perKeyPruneAfter {
			for k, t := range d.perKey {
				if at.Sub(t) >= d.window {
					delete(d.perKey, k)
				}
			}
		}
		return false
	}

	if key == d.lastKey && at.Sub(d.lastAt) < d.window {
		return true
	}
	d.lastKey, d.lastAt = key, at
	return false
}

// Record folds ev into the history. It returns a copy of the updated record and
// whether the record is new or moved to a higher tier.
func (d *Deduplicator) Record(ev ErrorEvent, cls Classification) (ErrorRecord, bool) {
	at := ev.OccurredAt
	if r, ok := d.records.Get(cls.Signature); ok {
		r.Count++
		if at.After(r.LastSeen) {
			r.LastSeen = at
		}
		r.Samples = appendSample(r.Samples, ev.Message)
		changed := false
		if t := TierForCount(r.Count); t > r.Tier {
			r.Tier = t
			changed = true
		}
		return r.clone(), changed
	}

	r := &ErrorRecord{
		Signature:  cls.Signature,
		Category:   cls.Category,
		Tier:       TierForCount(1),
		Count:      1,
		FirstSeen:  at,
		LastSeen:   at,
		Samples:    appendSample(nil, ev.Message),
		Kind:       ev.Kind,
		SourceFile: ev.SourceFile,
	}
	d.records.Add(cls.Signature, r)
	return r.clone(), true
}

// TakeEvicted returns and clears signatures evicted since the last call.
func (d *Deduplicator) TakeEvicted() []string {
	out := d.evicted
	d.evicted = nil
	return out
}

// Get returns a copy of the record without touching its recency.
func (d *Deduplicator) Get(sig string) (ErrorRecord, bool) {
	r, ok := d.records.Peek(sig)
	if !ok {
		return ErrorRecord{}, false
	}
	return r.clone(), true
}

func (d *Deduplicator) Len() int { return d.records.Len() }

// All returns copies of every record ordered by first occurrence.
func (d *Deduplicator) All() []ErrorRecord {
	vals := d.records.Values()
	out := make([]ErrorRecord, 0, len(vals))
	for _, r := range vals {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

func appendSample(samples []string, msg string) []string {
	if r := []rune(msg); len(r) > maxSampleRunes {
		msg = string(r[:maxSampleRunes-3]) + "..."
	}
	samples = append(samples, msg)
	if len(samples) > maxSamples {
		samples = append([]string(nil), samples[len(samples)-maxSamples:]...)
	}
	return samples
}

// Restore seeds the history with previously saved records. Existing
// signatures are kept; restored records are not scheduled.
func (d *Deduplicator) Restore(recs []ErrorRecord) int {
	n := 0
	for _, r := range recs {
		if r.Signature == "" || d.records.Contains(r.Signature) {
			continue
		}
		if r.Count < 1 {
			r.Count = 1
		}
		if t := TierForCount(r.Count); t > r.Tier {
			r.Tier = t
		}
		if len(r.Samples) > maxSamples {
			r.Samples = r.Samples[len(r.Samples)-maxSamples:]
		}
		rc := r.clone()
		d.records.Add(r.Signature, &rc)
		n++
	}
	return n
}

// Resize changes the history bound; 0 means unbounded. Shrinking evicts
// the least recently seen records.
func (d *Deduplicator) Resize(maxRecords int) {
	size := maxRecords
	if size <= 0 {
		size = math.MaxInt32
	}
	d.records.Resize(size)
}
