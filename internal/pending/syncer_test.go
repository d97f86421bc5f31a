package pending

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func appendChange(t *testing.T, store Store, change Change) Change {
	t.Helper()
	if !store.Append(change, nil) {
		t.Fatalf("append failed for %+v", change)
	}
	all := store.ListAll()
	return all[len(all)-1]
}

func TestSyncerDrainEmptiesQueueOnSuccess(t *testing.T) {
	var served atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	store := NewMemoryStore()
	appendChange(t, store, Change{URL: upstream.URL + "/notes/1", Method: "PUT", Body: "a"})
	appendChange(t, store, Change{URL: upstream.URL + "/notes/2", Method: "DELETE"})

	syncer, err := NewSyncer(SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	outcomes := syncer.Drain(context.Background())
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, outcome := range outcomes {
		if !outcome.Success || outcome.StatusCode != http.StatusOK {
			t.Fatalf("expected successful outcome, got %+v", outcome)
		}
	}
	if served.Load() != 2 {
		t.Fatalf("expected 2 upstream requests, got %d", served.Load())
	}
	if store.HasAny() {
		t.Fatalf("expected empty queue after drain")
	}
}

func TestSyncerDrainKeepsFailedRecordsQueued(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/notes/2") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	store := NewMemoryStore()
	appendChange(t, store, Change{URL: upstream.URL + "/notes/1", Method: "PUT"})
	failing := appendChange(t, store, Change{URL: upstream.URL + "/notes/2", Method: "PUT"})

	syncer, err := NewSyncer(SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	outcomes := syncer.Drain(context.Background())
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if !outcomes[0].Success {
		t.Fatalf("expected first replay to succeed, got %+v", outcomes[0])
	}
	if outcomes[1].Success || outcomes[1].StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected second replay to fail with 500, got %+v", outcomes[1])
	}

	remaining := store.ListAll()
	if len(remaining) != 1 || remaining[0].ID != failing.ID {
		t.Fatalf("expected only the failing change to stay queued, got %+v", remaining)
	}
	if remaining[0].Attempts != 1 || remaining[0].LastError != "http 500" {
		t.Fatalf("expected attempt bookkeeping on the failed change, got %+v", remaining[0])
	}

	// The record replays again on the next cycle.
	second := syncer.Drain(context.Background())
	if len(second) != 1 || second[0].ID != failing.ID {
		t.Fatalf("expected next cycle to retry the failed change, got %+v", second)
	}
}

func TestSyncerReplaysMethodHeadersAndBody(t *testing.T) {
	type seen struct {
		method string
		path   string
		auth   string
		body   string
	}
	received := make(chan seen, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- seen{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: string(body)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	store := NewMemoryStore()
	appendChange(t, store, Change{
		URL:     upstream.URL + "/rest/v1/notes?id=eq.7",
		Method:  "PATCH",
		Headers: [][2]string{{"Authorization", "Bearer token-7"}, {"Content-Type", "application/json"}},
		Body:    `{"title":"renamed"}`,
	})

	syncer, err := NewSyncer(SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	outcomes := syncer.Drain(context.Background())
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("expected successful replay, got %+v", outcomes)
	}
	got := <-received
	if got.method != "PATCH" || got.path != "/rest/v1/notes" {
		t.Fatalf("unexpected replayed request: %+v", got)
	}
	if got.auth != "Bearer token-7" {
		t.Fatalf("expected captured Authorization header, got %q", got.auth)
	}
	if got.body != `{"title":"renamed"}` {
		t.Fatalf("expected captured body, got %q", got.body)
	}
}

func TestSyncerNotifiesSettledStateAfterDrain(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	store := NewMemoryStore()
	appendChange(t, store, Change{URL: upstream.URL + "/notes/1", Method: "PUT"})

	var notified []bool
	syncer, err := NewSyncer(SyncerOptions{
		Store:  store,
		Notify: func(hasPending bool) { notified = append(notified, hasPending) },
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	syncer.Drain(context.Background())
	if len(notified) != 1 || notified[0] {
		t.Fatalf("expected a single hasPending=false notification, got %v", notified)
	}

	// An empty drain still reports settled state.
	syncer.Drain(context.Background())
	if len(notified) != 2 || notified[1] {
		t.Fatalf("expected notification on empty drain too, got %v", notified)
	}
}

func TestSyncerQuarantinesAfterMaxAttempts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	store := NewMemoryStore()
	change := appendChange(t, store, Change{URL: upstream.URL + "/notes/1", Method: "PUT"})

	var outcomes []Outcome
	syncer, err := NewSyncer(SyncerOptions{
		Store:       store,
		MaxAttempts: 2,
		OnOutcome:   func(outcome Outcome) { outcomes = append(outcomes, outcome) },
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}

	syncer.Drain(context.Background())
	if len(store.Quarantined()) != 0 {
		t.Fatalf("expected no quarantine after first failure")
	}
	syncer.Drain(context.Background())
	quarantined := store.Quarantined()
	if len(quarantined) != 1 || quarantined[0].Change.ID != change.ID {
		t.Fatalf("expected change quarantined after second failure, got %+v", quarantined)
	}
	if store.HasAny() {
		t.Fatalf("expected replay queue empty after quarantine")
	}
	if len(outcomes) != 2 || !outcomes[1].Quarantined {
		t.Fatalf("expected final outcome to report quarantine, got %+v", outcomes)
	}

	// Drain after quarantine replays nothing.
	if got := syncer.Drain(context.Background()); len(got) != 0 {
		t.Fatalf("expected empty drain after quarantine, got %+v", got)
	}
}

func TestSyncerZeroMaxAttemptsRetriesForever(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	store := NewMemoryStore()
	appendChange(t, store, Change{URL: upstream.URL + "/notes/1", Method: "PUT"})

	syncer, err := NewSyncer(SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		syncer.Drain(context.Background())
	}
	if len(store.Quarantined()) != 0 {
		t.Fatalf("expected no quarantine with unlimited attempts")
	}
	remaining := store.ListAll()
	if len(remaining) != 1 || remaining[0].Attempts != 5 {
		t.Fatalf("expected change to stay queued with 5 attempts, got %+v", remaining)
	}
}

func TestSyncerTransportFailureKeepsRecord(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	store := NewMemoryStore()
	appendChange(t, store, Change{URL: upstream.URL + "/notes/1", Method: "DELETE"})

	syncer, err := NewSyncer(SyncerOptions{Store: store})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	outcomes := syncer.Drain(context.Background())
	if len(outcomes) != 1 || outcomes[0].Success || outcomes[0].Error == "" {
		t.Fatalf("expected transport failure outcome, got %+v", outcomes)
	}
	if !store.HasAny() {
		t.Fatalf("expected change to stay queued after transport failure")
	}
}

func TestNewSyncerRequiresStore(t *testing.T) {
	if _, err := NewSyncer(SyncerOptions{}); err == nil {
		t.Fatalf("expected error without a store")
	}
}
