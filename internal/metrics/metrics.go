// Package metrics exposes pipeline state and delivery outcomes to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"errbot/internal/eventbus"
	"errbot/internal/notifier"
	"errbot/internal/pipeline"
)

const namespace = "errbot"

type StatsSource interface {
	Stats() pipeline.Stats
}

// Metrics owns a private registry so tests and embedders never collide with
// the global default registry.
type Metrics struct {
	reg *prometheus.Registry

	deliveries  *prometheus.CounterVec
	sendLatency prometheus.Histogram
	sendErrors  prometheus.Counter
	breaker     *prometheus.GaugeVec
	rejected    prometheus.Counter
}

func New(src StatsSource) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by tier and result.",
		}, []string{"tier", "result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "send_duration_seconds",
			Help:      "Chat send latency including retries inside the breaker.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "send_errors_total",
			Help:      "Chat sends that returned an error.",
		}),
		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "breaker_state",
			Help:      "1 for the current circuit breaker state.",
		}, []string{"state"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "queue_rejected_total",
			Help:      "Jobs rejected because the dispatch queue was full.",
		}),
	}
	m.setBreaker("closed")
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deliveries, m.sendLatency, m.sendErrors, m.breaker, m.rejected,
	)
	if src != nil {
		m.reg.MustRegister(newStatsCollector(src))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterBusDrops exports the event bus drop counter.
func (m *Metrics) RegisterBusDrops(bus eventbus.Filtered) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber was slow.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Run folds bus events into counters until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Filtered) {
	ch, unsub := bus.SubscribePrefix(256, pipeline.EventDelivery, "notifier.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case pipeline.Delivery:
		m.deliveries.WithLabelValues(d.Tier.String(), d.Result).Inc()
	case notifier.SendEvent:
		if took, err := time.ParseDuration(d.Took); err == nil {
			m.sendLatency.Observe(took.Seconds())
		}
		if d.Error != "" {
			m.sendErrors.Inc()
		}
	case notifier.BreakerEvent:
		m.setBreaker(d.To)
	default:
		if e.Type == "notifier.rejected" {
			m.rejected.Inc()
		}
	}
}

func (m *Metrics) setBreaker(state string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.breaker.WithLabelValues(s).Set(v)
	}
}
