package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"errbot/internal/eventbus"
	"errbot/internal/transport"
	logx "errbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(cfg Config, s transport.Sender, opts ...Option) (*Pipeline, *fakeClock) {
	clk := &fakeClock{now: t0}
	if cfg.Main.IsZero() {
		cfg.Main = transport.ChatTarget{ChatID: mainChat}
	}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return New(cfg, s, opts...), clk
}

func TestPipelineRateLimitRequeuesSuppressed(t *testing.T) {
	s := &fakeSender{}
	p, _ := newTestPipeline(Config{MaxPerMinute: 3, MaxPerHour: 100, BurstWindow: 30 * time.Second}, s)

	for i := 0; i < 5; i++ {
		require.True(t, p.Report(ev(KindLogError, fmt.Sprintf("worker %c crashed", 'a'+i), t0)))
	}
	require.Equal(t, 5, p.RunTick(t0))

	assert.Equal(t, 3, s.count())
	st := p.Stats()
	assert.Equal(t, uint64(3), st.Sent)
	assert.Equal(t, uint64(2), st.Suppressed)
	assert.Equal(t, 2, st.QueueDepthByTier["LOW"])
	assert.Equal(t, 3, st.NotificationsThisMinute)

	// The window reopens; requeued entries go out once their cooldown passes.
	p.ResetMinute(t0.Add(time.Minute))
	assert.Equal(t, 2, p.RunTick(t0.Add(time.Minute)))
	assert.Equal(t, 5, s.count())
	assert.Equal(t, 0, p.Stats().QueueDepthByTier["LOW"])
}

func TestPipelineBurstStormSendsOnce(t *testing.T) {
	s := &fakeSender{}
	p, clk := newTestPipeline(Config{BurstWindow: 30 * time.Second, Cooldowns: DefaultCooldowns()}, s)

	for i := 0; i < 50; i++ {
		p.Report(ev("console.error", "X failed", t0.Add(time.Duration(i)*15*time.Millisecond)))
	}
	recs := p.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Count)
	assert.Equal(t, uint64(49), p.Stats().BurstSuppressed)

	for i := 0; i <= 40; i++ {
		at := t0.Add(time.Duration(i) * 10 * time.Second)
		clk.Set(at)
		p.RunTick(at)
	}
	assert.Equal(t, 1, s.count())
}

func TestPipelineLoopPrevention(t *testing.T) {
	s := &fakeSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	p, _ := newTestPipeline(Config{}, s, WithBus(bus))

	assert.False(t, p.Report(ev(KindLogError, "telegram: Too Many Requests: retry after 17 (429)", t0)))
	assert.False(t, p.Report(ev(KindLogError, `Post "https://api.telegram.org/bot***/sendMessage": i/o timeout`, t0)))

	st := p.Stats()
	assert.Equal(t, 0, st.TotalSignatures)
	assert.Equal(t, uint64(2), st.Ignored)
	assert.Empty(t, p.Records())

	e := <-events
	assert.Equal(t, EventDropped, e.Type)
}

func TestPipelineIgnorePatterns(t *testing.T) {
	p, _ := newTestPipeline(Config{IgnorePatterns: []string{"Context Canceled"}}, &fakeSender{})
	assert.False(t, p.Report(ev(KindLogError, "poll: context canceled", t0)))
	assert.True(t, p.Report(ev(KindLogError, "poll: deadline exceeded", t0)))
}

func TestPipelineEscalationToUrgent(t *testing.T) {
	s := &fakeSender{}
	p, _ := newTestPipeline(Config{
		Urgent:       transport.ChatTarget{ChatID: urgentChat},
		MaxPerMinute: 100,
		MaxPerHour:   100,
	}, s)

	for i := 0; i < 10; i++ {
		p.Report(ev(KindPanic, "nil pointer dereference", t0.Add(time.Duration(i)*time.Minute)))
	}
	rec := p.Top(1)[0]
	require.Equal(t, TierCritical, rec.Tier)

	p.RunTick(t0.Add(10 * time.Minute))
	assert.Equal(t, 1, s.countTo(mainChat))
	assert.Equal(t, 1, s.countTo(urgentChat))
	assert.Equal(t, 1, p.Stats().CriticalCount)
	assert.Equal(t, 1, p.Stats().RecurringCount)
}

func TestPipelineSinkFailureIsCountedAndRequeued(t *testing.T) {
	s := &fakeSender{err: errors.New("dial tcp: connection refused")}
	p, _ := newTestPipeline(Config{}, s)

	require.True(t, p.Report(ev(KindLogError, "disk full", t0)))
	p.RunTick(t0.Add(5 * time.Minute))

	st := p.Stats()
	assert.Equal(t, uint64(1), st.SinkFailures)
	assert.Equal(t, uint64(0), st.Sent)
	assert.Equal(t, 1, st.QueueDepthByTier["LOW"])
	assert.Equal(t, 0, st.NotificationsThisMinute)
	// The failure itself never becomes a record.
	assert.Equal(t, 1, st.TotalSignatures)
}

type rejectingDispatcher struct{}

func (rejectingDispatcher) Submit(func(ctx context.Context)) error { return errors.New("queue full") }

func TestPipelineRequeuesWhenDispatcherRejects(t *testing.T) {
	p, _ := newTestPipeline(Config{}, &fakeSender{}, WithDispatcher(rejectingDispatcher{}))
	p.Report(ev(KindLogError, "boom", t0))
	assert.Equal(t, 1, p.RunTick(t0.Add(5*time.Minute)))
	st := p.Stats()
	assert.Equal(t, uint64(1), st.QueueRejected)
	assert.Equal(t, 1, st.QueueDepthByTier["LOW"])
}

func TestPipelineTierChangeReschedules(t *testing.T) {
	s := &fakeSender{}
	p, _ := newTestPipeline(Config{}, s)

	p.Report(ev(KindLogError, "cache miss storm", t0))
	p.Report(ev(KindLogError, "cache miss storm", t0.Add(time.Minute)))

	st := p.Stats()
	assert.Equal(t, 0, st.QueueDepthByTier["LOW"])
	assert.Equal(t, 1, st.QueueDepthByTier["MEDIUM"])
}

func TestPipelineEvictionRemovesPendingEntry(t *testing.T) {
	p, _ := newTestPipeline(Config{MaxRecords: 1}, &fakeSender{})
	p.Report(ev(KindLogError, "first", t0))
	p.Report(ev(KindLogError, "second", t0))

	st := p.Stats()
	assert.Equal(t, 1, st.TotalSignatures)
	assert.Equal(t, uint64(1), st.Evicted)
	assert.Equal(t, 1, st.QueueDepthByTier["LOW"])
}

func TestPipelineApplyUpdatesLimits(t *testing.T) {
	s := &fakeSender{}
	p, _ := newTestPipeline(Config{MaxPerMinute: 1}, s)
	p.Report(ev(KindLogError, "a", t0))
	p.Report(ev(KindLogError, "b", t0))

	cfg := p.Config()
	cfg.MaxPerMinute = 10
	p.Apply(cfg)
	p.RunTick(t0.Add(5 * time.Minute))
	assert.Equal(t, 2, s.count())
}

func TestPipelinesAreIndependent(t *testing.T) {
	a, _ := newTestPipeline(Config{}, &fakeSender{})
	b, _ := newTestPipeline(Config{}, &fakeSender{})
	a.Report(ev(KindLogError, "only in a", t0))
	assert.Equal(t, 1, a.Stats().TotalSignatures)
	assert.Equal(t, 0, b.Stats().TotalSignatures)
}

func TestRecoverCapturesPanic(t *testing.T) {
	p, _ := newTestPipeline(Config{}, &fakeSender{})
	func() {
		defer p.Recover()
		var m map[string]int
		m["x"] = 1
	}()
	recs := p.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, KindPanic, recs[0].Kind)
	assert.Contains(t, recs[0].Samples[0], "nil map")
}

func TestGoReportsPanics(t *testing.T) {
	p, _ := newTestPipeline(Config{}, &fakeSender{})
	var wg sync.WaitGroup
	wg.Add(1)
	p.Go("worker", func() {
		defer wg.Done()
		panic(errors.New("worker exploded"))
	})
	wg.Wait()
	require.Eventually(t, func() bool { return len(p.Records()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "worker exploded", p.Records()[0].Samples[0])
}

func TestCaptureLineBecomesLogErrorEvent(t *testing.T) {
	p, _ := newTestPipeline(Config{}, &fakeSender{})
	p.CaptureLine(logx.CapturedLine{At: t0, Level: "error", Message: "query failed", Err: "connection reset by peer", Caller: "store/db.go:88"})

	recs := p.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, KindLogError, recs[0].Kind)
	assert.Equal(t, CategoryNetwork, recs[0].Category)
	assert.Equal(t, "store/db.go", recs[0].SourceFile)
	assert.Equal(t, "query failed: connection reset by peer", recs[0].Samples[0])
}

func TestReportToleratesEmptyInput(t *testing.T) {
	p, _ := newTestPipeline(Config{}, nil)
	assert.NotPanics(t, func() {
		p.ReportError("", "", "", "")
		p.RunTick(t0.Add(time.Hour))
	})
}

type memStore struct {
	mu         sync.Mutex
	saved      []ErrorRecord
	deliveries []Delivery
	load       []ErrorRecord
}

func (m *memStore) SaveRecords(ctx context.Context, recs []ErrorRecord) error {
	m.mu.Lock()
	m.saved = recs
	m.mu.Unlock()
	return nil
}

func (m *memStore) LoadRecords(ctx context.Context) ([]ErrorRecord, error) { return m.load, nil }

func (m *memStore) AppendDelivery(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	m.deliveries = append(m.deliveries, d)
	m.mu.Unlock()
	return nil
}

func TestStartRestoresAndStopSnapshots(t *testing.T) {
	st := &memStore{load: []ErrorRecord{{Signature: "NETWORK:1", Category: CategoryNetwork, Tier: TierMedium, Count: 3, FirstSeen: t0, LastSeen: t0}}}
	s := &fakeSender{}
	p, _ := newTestPipeline(Config{TickInterval: time.Hour}, s, WithStore(st))

	require.NoError(t, p.Start(context.Background()))
	require.Len(t, p.Records(), 1)

	p.Report(ev(KindLogError, "fresh failure", t0))
	p.RunTick(t0.Add(5 * time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.saved, 2)
	require.Len(t, st.deliveries, 1)
	assert.Equal(t, "sent", st.deliveries[0].Result)
}

func TestStartRegistersTimers(t *testing.T) {
	p, _ := newTestPipeline(Config{TickInterval: 10 * time.Second, DigestSchedule: "@daily", SnapshotSchedule: "@hourly"}, &fakeSender{}, WithStore(&memStore{}))
	assert.Empty(t, p.Timers())

	require.NoError(t, p.Start(context.Background()))
	every := map[string]time.Duration{}
	for _, tm := range p.Timers() {
		every[tm.Name] = tm.Every
		assert.False(t, tm.Next.IsZero(), tm.Name)
	}
	assert.Equal(t, map[string]time.Duration{
		"tick":         10 * time.Second,
		"minute_reset": time.Minute,
		"hour_reset":   time.Hour,
		"digest":       0,
		"snapshot":     0,
	}, every)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.Empty(t, p.Timers())
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("0 9 * * *"))
	assert.NoError(t, ValidateSchedule("@daily"))
	assert.Error(t, ValidateSchedule("every tuesday"))
}
