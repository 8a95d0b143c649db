package pagedsched

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the step-level Prometheus instruments a running
// scheduler reports. A nil *Metrics is a valid no-op — the scheduler
// never requires a live registry to function, only to be observed.
type Metrics struct {
	cacheUsage        prometheus.Gauge
	megabatchFillRate prometheus.Gauge
	preemptions       *prometheus.CounterVec
}

// NewMetrics registers the scheduler's instruments against reg and
// returns a Metrics ready to be attached to a Scheduler via WithMetrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagedsched",
			Name:      "kv_cache_used_percent",
			Help:      "Percentage of paged KV blocks currently in use.",
		}),
		megabatchFillRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagedsched",
			Name:      "megabatch_fill_ratio",
			Help:      "scheduled tokens / max_num_batched_tokens for the last step.",
		}),
		preemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagedsched",
			Name:      "preemptions_total",
			Help:      "Number of preemption-by-recompute events, labeled by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.cacheUsage, m.megabatchFillRate, m.preemptions)
	return m
}

func (m *Metrics) observeStep(out *SchedulerOutput, maxBatchedTokens int) {
	if m == nil {
		return
	}
	m.cacheUsage.Set(out.CacheUsage)
	if maxBatchedTokens > 0 {
		m.megabatchFillRate.Set(float64(out.TotalNumScheduledTokens) / float64(maxBatchedTokens))
	}
}

func (m *Metrics) observePreemption(full bool) {
	if m == nil {
		return
	}
	kind := "partial"
	if full {
		kind = "full"
	}
	m.preemptions.WithLabelValues(kind).Inc()
}
