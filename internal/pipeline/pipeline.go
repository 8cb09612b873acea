package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"errbot/internal/eventbus"
	rtsup "errbot/internal/runtime/supervisor"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Event types published on the bus.
const (
	EventRecord   = "pipeline.record"
	EventDelivery = "pipeline.delivery"
	EventDropped  = "pipeline.dropped"
)

// RecordEvent is published when a record is created or changes tier.
type RecordEvent struct {
	Signature string    `json:"signature"`
	Category  Category  `json:"category"`
	Tier      string    `json:"tier"`
	Count     int       `json:"count"`
	New       bool      `json:"new"`
	At        time.Time `json:"at"`
}

// DroppedEvent is published when an event is filtered before classification.
type DroppedEvent struct {
	Kind   string    `json:"kind"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Dispatcher runs delivery jobs off the caller's goroutine.
type Dispatcher interface {
	Submit(job func(ctx context.Context)) error
}

// Store persists history snapshots and the delivery audit trail.
type Store interface {
	SaveRecords(ctx context.Context, recs []ErrorRecord) error
	LoadRecords(ctx context.Context) ([]ErrorRecord, error)
	AppendDelivery(ctx context.Context, d Delivery) error
}

type Option func(*Pipeline)

func WithLogger(log logx.Logger) Option { return func(p *Pipeline) { p.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(p *Pipeline) { p.bus = bus } }

func WithStore(st Store) Option { return func(p *Pipeline) { p.store = st } }

// WithDispatcher routes deliveries through d. Without one, RunTick delivers inline.
func WithDispatcher(d Dispatcher) Option { return func(p *Pipeline) { p.dispatcher = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// Pipeline owns the error history, the priority queues and the rate window.
// It is safe for concurrent use.
type Pipeline struct {
	mu    sync.Mutex
	cfg   Config
	dedup *Deduplicator
	sched *Scheduler

	gate   *Gate
	filter atomic.Pointer[LoopFilter]

	log        logx.Logger
	bus        eventbus.Bus
	store      Store
	dispatcher Dispatcher
	now        func() time.Time

	lifeMu    sync.Mutex
	sup       *rtsup.Supervisor
	timers    *cron.Cron
	timerJobs map[cron.EntryID]string
	persistCh chan Delivery

	received        atomic.Uint64
	ignored         atomic.Uint64
	burstSuppressed atomic.Uint64
	sent            atomic.Uint64
	suppressed      atomic.Uint64
	sinkFailures    atomic.Uint64
	evicted         atomic.Uint64
	queueRejected   atomic.Uint64
}

// New builds a Pipeline. A nil sender degrades to a sender that only logs.
func New(cfg Config, sender transport.Sender, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "pipeline"))
	if sender == nil {
		sender = transport.NopSender{Log: p.log}
	}
	p.dedup = NewDeduplicator(cfg.MaxRecords, cfg.BurstWindow, cfg.BurstMode)
	p.sched = NewScheduler(cfg.Cooldowns)
	p.gate = NewGate(cfg.gateConfig(), sender, p.log, p.now())
	p.filter.Store(NewLoopFilter(cfg.IgnorePatterns))
	return p
}

// Config returns the active configuration.
func (p *Pipeline) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Apply swaps limits, cooldowns, quiet hours, filters and targets. History and
// pending entries are kept; new cooldowns take effect on the next tick.
func (p *Pipeline) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	old := p.cfg
	p.cfg = cfg
	p.dedup.SetBurst(cfg.BurstWindow, cfg.BurstMode)
	if cfg.MaxRecords != old.MaxRecords {
		p.dedup.Resize(cfg.MaxRecords)
		p.dropEvictedLocked()
	}
	p.sched.SetCooldowns(cfg.Cooldowns)
	p.mu.Unlock()

	p.gate.Apply(cfg.gateConfig())
	p.filter.Store(NewLoopFilter(cfg.IgnorePatterns))

	if cfg.TickInterval != old.TickInterval || cfg.DigestSchedule != old.DigestSchedule || cfg.SnapshotSchedule != old.SnapshotSchedule {
		p.restartTimers()
	}
}

// ReportError is the explicit entry point for other subsystems. An empty
// sourceFile defaults to the caller's file.
func (p *Pipeline) ReportError(kind, message, stack, sourceFile string) bool {
	if sourceFile == "" {
		sourceFile = callerSite(1)
	}
	return p.Report(ErrorEvent{Kind: kind, Message: message, Stack: stack, SourceFile: sourceFile})
}

// Report feeds one event into the pipeline. It reports whether the event was
// recorded. It never blocks on I/O and never panics.
func (p *Pipeline) Report(ev ErrorEvent) (recorded bool) {
	defer func() {
		if r := recover(); r != nil {
			recorded = false
			p.log.Warn("report panicked", logx.Any("panic", r))
		}
	}()

	p.received.Add(1)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now()
	}
	if ev.Kind == "" {
		ev.Kind = KindReport
	}
	if p.filter.Load().Drop(ev.Message) {
		p.ignored.Add(1)
		p.publish(EventDropped, DroppedEvent{Kind: ev.Kind, Reason: "loop", At: ev.OccurredAt})
		return false
	}

	p.mu.Lock()
	if p.dedup.ShouldSuppress(ev) {
		p.mu.Unlock()
		p.burstSuppressed.Add(1)
		p.publish(EventDropped, DroppedEvent{Kind: ev.Kind, Reason: "burst", At: ev.OccurredAt})
		return false
	}
	cls := Classify(ev)
	rec, changed := p.dedup.Record(ev, cls)
	p.dropEvictedLocked()
	if changed {
		p.sched.Enqueue(rec, p.now())
	}
	p.mu.Unlock()

	if changed {
		p.publish(EventRecord, RecordEvent{
			Signature: rec.Signature,
			Category:  rec.Category,
			Tier:      rec.Tier.String(),
			Count:     rec.Count,
			New:       rec.Count == 1,
			At:        ev.OccurredAt,
		})
	}
	return true
}

func (p *Pipeline) dropEvictedLocked() {
	for _, sig := range p.dedup.TakeEvicted() {
		p.sched.Remove(sig)
		p.evicted.Add(1)
	}
}

// RunTick moves every ready entry to delivery and returns how many were taken.
func (p *Pipeline) RunTick(now time.Time) int {
	p.mu.Lock()
	ready := p.sched.Tick(now)
	p.mu.Unlock()

	for _, e := range ready {
		entry := e
		if p.dispatcher == nil {
			p.deliver(context.Background(), entry)
			continue
		}
		if err := p.dispatcher.Submit(func(ctx context.Context) { p.deliver(ctx, entry) }); err != nil {
			p.queueRejected.Add(1)
			p.requeue(entry)
			p.log.Warn("dispatch rejected, entry requeued",
				logx.String("signature", entry.Signature),
				logx.String("tier", entry.Tier.String()),
				logx.Err(err),
			)
		}
	}
	return len(ready)
}

func (p *Pipeline) requeue(e PriorityEntry) {
	p.mu.Lock()
	p.sched.Requeue(e, p.now())
	p.mu.Unlock()
}

func (p *Pipeline) deliver(ctx context.Context, e PriorityEntry) {
	p.mu.Lock()
	rec, ok := p.dedup.Get(e.Signature)
	p.mu.Unlock()
	if !ok {
		return
	}

	now := p.now()
	out, err := p.gate.Dispatch(ctx, e, rec, now)
	switch out.Result {
	case ResultSent:
		p.sent.Add(1)
	case ResultSuppressed:
		p.suppressed.Add(1)
		p.requeue(e)
	case ResultFailed:
		p.sinkFailures.Add(1)
		p.requeue(e)
		p.log.Warn("notification send failed, entry requeued",
			logx.String("signature", e.Signature),
			logx.String("tier", e.Tier.String()),
			logx.Int("attempts", e.Attempts+1),
			logx.Err(err),
		)
	}

	d := Delivery{
		At:        now,
		Signature: rec.Signature,
		Category:  rec.Category,
		Tier:      e.Tier,
		Count:     rec.Count,
		Result:    out.Result.String(),
		Reason:    out.Reason,
		Escalated: out.Escalated,
	}
	if err != nil {
		d.Error = err.Error()
	}
	p.publish(EventDelivery, d)
	p.persistDelivery(d)
}

// Stats returns a read-only snapshot.
func (p *Pipeline) Stats() Stats {
	now := p.now()
	p.mu.Lock()
	total := p.dedup.Len()
	depth := p.sched.Depth()
	var critical, recurring int
	for _, r := range p.dedup.records.Values() {
		if r.Tier == TierCritical {
			critical++
		}
		if r.Count > 1 {
			recurring++
		}
	}
	p.mu.Unlock()

	w := p.gate.Window()
	byTier := make(map[string]int, len(depth))
	for t, n := range depth {
		byTier[t.String()] = n
	}
	return Stats{
		TotalSignatures:         total,
		QueueDepthByTier:        byTier,
		NotificationsThisMinute: w.MinuteCount,
		NotificationsThisHour:   w.HourCount,
		CriticalCount:           critical,
		RecurringCount:          recurring,
		QuietHoursActive:        p.gate.QuietActive(now),
		Received:                p.received.Load(),
		Ignored:                 p.ignored.Load(),
		BurstSuppressed:         p.burstSuppressed.Load(),
		Sent:                    p.sent.Load(),
		Suppressed:              p.suppressed.Load(),
		SinkFailures:            p.sinkFailures.Load(),
		Evicted:                 p.evicted.Load(),
		QueueRejected:           p.queueRejected.Load(),
	}
}

// Records returns copies of all records ordered by first occurrence.
func (p *Pipeline) Records() []ErrorRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dedup.All()
}

// Record returns one record by signature.
func (p *Pipeline) Record(sig string) (ErrorRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dedup.Get(sig)
}

// Top returns up to n records ordered by tier, count and recency.
func (p *Pipeline) Top(n int) []ErrorRecord {
	recs := p.Records()
	sortRecordsBySeverity(recs)
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}
	return recs
}

// ResetMinute and ResetHour are driven by the timers; exported for hosts
// that run their own clock.
func (p *Pipeline) ResetMinute(now time.Time) { p.gate.ResetMinute(now) }
func (p *Pipeline) ResetHour(now time.Time)   { p.gate.ResetHour(now) }

func (p *Pipeline) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: data})
}
