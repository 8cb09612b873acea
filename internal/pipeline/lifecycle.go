package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	rtsup "errbot/internal/runtime/supervisor"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	persistQueueSize = 256
	storeCallTimeout = 2 * time.Second
)

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a digest or snapshot cron spec. Empty is valid.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Start restores saved history and starts the timers. It is idempotent.
func (p *Pipeline) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.sup != nil {
		return nil
	}

	if p.store != nil {
		lctx, cancel := context.WithTimeout(ctx, storeCallTimeout)
		recs, err := p.store.LoadRecords(lctx)
		cancel()
		if err != nil {
			p.log.Warn("history restore failed", logx.Err(err))
		} else if len(recs) > 0 {
			p.mu.Lock()
			n := p.dedup.Restore(recs)
			p.dropEvictedLocked()
			p.mu.Unlock()
			p.log.Info("history restored", logx.Int("records", n))
		}
	}

	p.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	if p.store != nil {
		ch := make(chan Delivery, persistQueueSize)
		p.persistCh = ch
		p.sup.GoRestart("pipeline.persist", func(c context.Context) error {
			p.persistLoop(c, ch)
			if c.Err() != nil {
				return c.Err()
			}
			return nil
		}, rtsup.WithStopOnCleanExit(true))
	}
	p.startTimersLocked()
	p.log.Info("pipeline started",
		logx.Duration("tick", p.Config().TickInterval),
		logx.Bool("store", p.store != nil),
	)
	return nil
}

// Stop stops the timers, flushes the audit queue and writes a final snapshot.
// Pending entries are abandoned.
func (p *Pipeline) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.lifeMu.Lock()
	sup := p.sup
	c := p.timers
	ch := p.persistCh
	p.sup, p.timers, p.persistCh = nil, nil, nil
	p.lifeMu.Unlock()
	if sup == nil {
		return nil
	}

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if ch != nil {
		close(ch)
	}
	if err := sup.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
		p.log.Warn("audit queue not drained before deadline")
	}
	sup.Cancel()

	if p.store != nil {
		if serr := p.SaveSnapshot(ctx); serr != nil {
			p.log.Warn("final snapshot failed", logx.Err(serr))
		}
	}
	p.log.Info("pipeline stopped")
	return nil
}

// SaveSnapshot writes all records to the store.
func (p *Pipeline) SaveSnapshot(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	recs := p.Records()
	cctx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()
	if err := p.store.SaveRecords(cctx, recs); err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	return nil
}

// SendDigest sends a summary of the busiest records to the main target.
// It bypasses the gate's rate window.
func (p *Pipeline) SendDigest(ctx context.Context) error {
	recs := p.Records()
	if len(recs) == 0 {
		return nil
	}
	cfg := p.Config()
	p.gate.mu.Lock()
	sender := p.gate.sender
	p.gate.mu.Unlock()
	if sender == nil {
		return errNoSender
	}
	opts := &transport.SendOptions{ParseMode: transport.ParseModeMarkdownV2, DisablePreview: true}
	if _, err := sender.SendText(ctx, cfg.Main, FormatDigest(recs, p.now()), opts); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	return nil
}

func (p *Pipeline) persistDelivery(d Delivery) {
	p.lifeMu.Lock()
	ch := p.persistCh
	if ch == nil {
		p.lifeMu.Unlock()
		return
	}
	select {
	case ch <- d:
	default:
		p.log.Debug("audit queue full, delivery not persisted", logx.String("signature", d.Signature))
	}
	p.lifeMu.Unlock()
}

func (p *Pipeline) persistLoop(ctx context.Context, ch <-chan Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, storeCallTimeout)
			if err := p.store.AppendDelivery(cctx, d); err != nil {
				p.log.Debug("append delivery failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (p *Pipeline) restartTimers() {
	p.lifeMu.Lock()
	old := p.timers
	p.timers = nil
	p.lifeMu.Unlock()
	// Running jobs may need lifeMu, so wait without holding it.
	if old != nil {
		<-old.Stop().Done()
	}

	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.sup == nil || p.timers != nil {
		return
	}
	p.startTimersLocked()
}

// startTimersLocked registers tick, window reset, digest and snapshot jobs.
// Call with lifeMu held.
func (p *Pipeline) startTimersLocked() {
	cfg := p.Config()
	loc := cfg.QuietHours.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{log: p.log})),
	)
	jobs := make(map[cron.EntryID]string, 5)
	jobs[c.Schedule(cron.Every(cfg.TickInterval), cron.FuncJob(func() { p.RunTick(p.now()) }))] = "tick"
	jobs[c.Schedule(cron.Every(time.Minute), cron.FuncJob(func() { p.ResetMinute(p.now()) }))] = "minute_reset"
	jobs[c.Schedule(cron.Every(time.Hour), cron.FuncJob(func() { p.ResetHour(p.now()) }))] = "hour_reset"

	runCtx := p.sup.Context()
	if spec := strings.TrimSpace(cfg.DigestSchedule); spec != "" {
		if id, err := c.AddFunc(spec, func() {
			cctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
			defer cancel()
			if err := p.SendDigest(cctx); err != nil {
				p.log.Warn("digest failed", logx.Err(err))
			}
		}); err != nil {
			p.log.Warn("digest schedule rejected", logx.String("spec", spec), logx.Err(err))
		} else {
			jobs[id] = "digest"
		}
	}
	if spec := strings.TrimSpace(cfg.SnapshotSchedule); spec != "" && p.store != nil {
		if id, err := c.AddFunc(spec, func() {
			if err := p.SaveSnapshot(runCtx); err != nil {
				p.log.Warn("snapshot failed", logx.Err(err))
			}
		}); err != nil {
			p.log.Warn("snapshot schedule rejected", logx.String("spec", spec), logx.Err(err))
		} else {
			jobs[id] = "snapshot"
		}
	}
	c.Start()
	p.timers = c
	p.timerJobs = jobs
}

// Timer is one registered periodic job. Every is zero for cron-spec jobs.
type Timer struct {
	Name  string
	Every time.Duration
	Next  time.Time
}

// Timers lists the running periodic jobs in registration order. It is empty
// before Start and after Stop.
func (p *Pipeline) Timers() []Timer {
	p.lifeMu.Lock()
	c, names := p.timers, p.timerJobs
	p.lifeMu.Unlock()
	if c == nil {
		return nil
	}
	entries := c.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	out := make([]Timer, 0, len(entries))
	for _, e := range entries {
		t := Timer{Name: names[e.ID], Next: e.Next}
		if d, ok := e.Schedule.(cron.ConstantDelaySchedule); ok {
			t.Every = d.Delay
		}
		out = append(out, t)
	}
	return out
}

// cronLogger adapts logx.Logger to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

// Supervisor returns the pipeline's supervisor (nil if not started).
func (p *Pipeline) Supervisor() *rtsup.Supervisor {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	return p.sup
}
