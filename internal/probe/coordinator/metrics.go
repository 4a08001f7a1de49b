package coordinator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle results used as the "result" label.
const (
	resultOK     = "ok"
	resultFailed = "failed"
	resultEmpty  = "empty"
)

type metrics struct {
	cycles     *prometheus.CounterVec
	duration   prometheus.Histogram
	redefined  prometheus.Counter
	skipped    prometheus.Counter
	fetches    *prometheus.CounterVec
	dirty      prometheus.Gauge
	probes     prometheus.Gauge
	liveWatch  prometheus.Gauge
	throttled  prometheus.Counter
	rolledBack prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, namespace string) (*metrics, error) {
	m := &metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Redefinition cycles by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of redefinition cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		redefined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classes_redefined_total",
			Help:      "Classes pushed to the observed process.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classes_skipped_total",
			Help:      "Dirty classes skipped because they could not be resolved.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "class_fetches_total",
			Help:      "Class body lookups by source.",
		}, []string{"source"}),
		dirty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dirty_members",
			Help:      "Members waiting for a rewrite pass.",
		}),
		probes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probes",
			Help:      "Probe records in the index after the last cycle.",
		}),
		liveWatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_requests",
			Help:      "Field and exception watch entries.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_flush_throttled_total",
			Help:      "Automatic cycles delayed by the rate limiter.",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_rolled_back_total",
			Help:      "Rewrite batches undone after a failure.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cycles, m.duration, m.redefined, m.skipped, m.fetches,
		m.dirty, m.probes, m.liveWatch, m.throttled, m.rolledBack,
	}
}
