package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapnote/syncrelay/internal/pending"
)

// Metrics instruments the relay. A nil *Metrics is a no-op so the proxy and
// syncer work without a registry in tests.
type Metrics struct {
	queuedTotal        prometheus.Counter
	replaySuccessTotal prometheus.Counter
	replayFailureTotal prometheus.Counter
	quarantinedTotal   prometheus.Counter
	cacheHitTotal      prometheus.Counter
	cacheMissTotal     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, store pending.Store) *Metrics {
	m := &Metrics{
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncrelay",
			Name:      "queued_changes_total",
			Help:      "Mutating requests captured into the pending store.",
		}),
		replaySuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncrelay",
			Name:      "replay_success_total",
			Help:      "Queued changes delivered to the upstream.",
		}),
		replayFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncrelay",
			Name:      "replay_failure_total",
			Help:      "Replay attempts that left the change queued.",
		}),
		quarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncrelay",
			Name:      "quarantined_changes_total",
			Help:      "Changes moved to the dead-letter collection.",
		}),
		cacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncrelay",
			Name:      "response_cache_hit_total",
			Help:      "Offline reads served from the response cache.",
		}),
		cacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncrelay",
			Name:      "response_cache_miss_total",
			Help:      "Offline reads with no cached fallback.",
		}),
	}
	reg.MustRegister(
		m.queuedTotal,
		m.replaySuccessTotal,
		m.replayFailureTotal,
		m.quarantinedTotal,
		m.cacheHitTotal,
		m.cacheMissTotal,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "syncrelay",
			Name:      "pending_queue_depth",
			Help:      "Changes currently waiting for replay.",
		}, func() float64 {
			return float64(len(store.ListAll()))
		}),
	)
	return m
}

func (m *Metrics) ObserveQueued() {
	if m == nil {
		return
	}
	m.queuedTotal.Inc()
}

func (m *Metrics) ObserveOutcome(outcome pending.Outcome) {
	if m == nil {
		return
	}
	if outcome.Success {
		m.replaySuccessTotal.Inc()
		return
	}
	m.replayFailureTotal.Inc()
	if outcome.Quarantined {
		m.quarantinedTotal.Inc()
	}
}

func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.cacheHitTotal.Inc()
}

func (m *Metrics) ObserveCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissTotal.Inc()
}
