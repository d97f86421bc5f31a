package relay

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/snapnote/syncrelay/internal/pending"
)

func TestMetricsObserveOutcome(t *testing.T) {
	store := pending.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry(), store)

	metrics.ObserveQueued()
	metrics.ObserveOutcome(pending.Outcome{Success: true})
	metrics.ObserveOutcome(pending.Outcome{Success: false})
	metrics.ObserveOutcome(pending.Outcome{Success: false, Quarantined: true})

	if got := testutil.ToFloat64(metrics.queuedTotal); got != 1 {
		t.Fatalf("expected 1 queued, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.replaySuccessTotal); got != 1 {
		t.Fatalf("expected 1 replay success, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.replayFailureTotal); got != 2 {
		t.Fatalf("expected 2 replay failures, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.quarantinedTotal); got != 1 {
		t.Fatalf("expected 1 quarantined, got %f", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveQueued()
	metrics.ObserveOutcome(pending.Outcome{Success: true})
	metrics.ObserveCacheHit()
	metrics.ObserveCacheMiss()
}
