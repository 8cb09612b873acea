package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"errbot/internal/pipeline"
)

// statsCollector reads one Stats snapshot per scrape.
type statsCollector struct {
	src StatsSource

	signatures *prometheus.Desc
	queueDepth *prometheus.Desc
	window     *prometheus.Desc
	critical   *prometheus.Desc
	recurring  *prometheus.Desc
	quiet      *prometheus.Desc
	events     *prometheus.Desc
}

func newStatsCollector(src StatsSource) *statsCollector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pipeline", name), help, labels, nil)
	}
	return &statsCollector{
		src:        src,
		signatures: d("signatures", "Distinct error signatures in history."),
		queueDepth: d("queue_depth", "Pending scheduler entries by tier.", "tier"),
		window:     d("notifications_in_window", "Notifications sent in the current rate window.", "window"),
		critical:   d("critical_signatures", "Signatures at CRITICAL tier."),
		recurring:  d("recurring_signatures", "Signatures seen more than once."),
		quiet:      d("quiet_hours_active", "1 while quiet hours are in effect."),
		events:     d("events_total", "Pipeline event counters by outcome.", "outcome"),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.signatures, c.queueDepth, c.window, c.critical, c.recurring, c.quiet, c.events} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(c.signatures, float64(st.TotalSignatures))
	for _, t := range []pipeline.Tier{pipeline.TierCritical, pipeline.TierHigh, pipeline.TierMedium, pipeline.TierLow} {
		gauge(c.queueDepth, float64(st.QueueDepthByTier[t.String()]), t.String())
	}
	gauge(c.window, float64(st.NotificationsThisMinute), "minute")
	gauge(c.window, float64(st.NotificationsThisHour), "hour")
	gauge(c.critical, float64(st.CriticalCount))
	gauge(c.recurring, float64(st.RecurringCount))
	quiet := 0.0
	if st.QuietHoursActive {
		quiet = 1
	}
	gauge(c.quiet, quiet)

	for outcome, v := range map[string]uint64{
		"received":         st.Received,
		"ignored":          st.Ignored,
		"burst_suppressed": st.BurstSuppressed,
		"sent":             st.Sent,
		"suppressed":       st.Suppressed,
		"sink_failure":     st.SinkFailures,
		"evicted":          st.Evicted,
		"queue_rejected":   st.QueueRejected,
	} {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(v), outcome)
	}
}
