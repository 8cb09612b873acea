package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errbot/internal/eventbus"
	"errbot/internal/notifier"
	"errbot/internal/pipeline"
)

type staticStats pipeline.Stats

func (s staticStats) Stats() pipeline.Stats { return pipeline.Stats(s) }

func TestObserveDeliveriesAndSends(t *testing.T) {
	m := New(nil)
	m.Observe(eventbus.Event{Type: pipeline.EventDelivery, Data: pipeline.Delivery{Tier: pipeline.TierHigh, Result: "sent"}})
	m.Observe(eventbus.Event{Type: pipeline.EventDelivery, Data: pipeline.Delivery{Tier: pipeline.TierHigh, Result: "sent"}})
	m.Observe(eventbus.Event{Type: "notifier.failed", Data: notifier.SendEvent{Took: "120ms", Error: "boom"}})
	m.Observe(eventbus.Event{Type: "notifier.breaker", Data: notifier.BreakerEvent{From: "closed", To: "open"}})
	m.Observe(eventbus.Event{Type: "notifier.rejected", Data: map[string]any{"depth": 3}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("HIGH", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breaker.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breaker.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sendLatency))
}

func TestStatsCollectorExportsSnapshot(t *testing.T) {
	m := New(staticStats{
		TotalSignatures:  4,
		QueueDepthByTier: map[string]int{"LOW": 2},
		Sent:             9,
		QuietHoursActive: true,
	})
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, "errbot_pipeline_signatures 4")
	assert.Contains(t, out, `errbot_pipeline_queue_depth{tier="LOW"} 2`)
	assert.Contains(t, out, `errbot_pipeline_events_total{outcome="sent"} 9`)
	assert.Contains(t, out, "errbot_pipeline_quiet_hours_active 1")
	assert.True(t, strings.Contains(out, "go_goroutines"))
}

func TestRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	m := New(nil)
	m.RegisterBusDrops(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: pipeline.EventDelivery, Data: pipeline.Delivery{Tier: pipeline.TierLow, Result: "failed"}})
		return testutil.ToFloat64(m.deliveries.WithLabelValues("LOW", "failed")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
