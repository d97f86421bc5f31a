package pending

import (
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	if err := store.Open(); err != nil {
		t.Fatalf("open sqlite store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)

	if !store.Append(Change{
		URL:     "http://api/notes/1",
		Method:  "PUT",
		Headers: [][2]string{{"Authorization", "Bearer tok"}},
		Body:    `{"title":"a"}`,
	}, nil) {
		t.Fatalf("append failed")
	}
	if !store.Append(Change{URL: "http://api/notes/2", Method: "DELETE"}, nil) {
		t.Fatalf("append failed")
	}

	changes := store.ListAll()
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].ID != 1 || changes[1].ID != 2 {
		t.Fatalf("expected sequential ids, got %+v", changes)
	}
	if len(changes[0].Headers) != 1 || changes[0].Headers[0][1] != "Bearer tok" {
		t.Fatalf("expected headers to round-trip, got %+v", changes[0].Headers)
	}
	if changes[0].Body != `{"title":"a"}` {
		t.Fatalf("expected body to round-trip, got %q", changes[0].Body)
	}

	if !store.RemoveByID(1) {
		t.Fatalf("remove failed")
	}
	if remaining := store.ListAll(); len(remaining) != 1 || remaining[0].ID != 2 {
		t.Fatalf("expected only change 2 to remain, got %+v", remaining)
	}
	if !store.RemoveByID(99) {
		t.Fatalf("expected removing an unknown id to be a no-op success")
	}
}

func TestSQLiteStoreQuarantineLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)

	if !store.Append(Change{URL: "http://api/notes/1", Method: "PUT", Body: "x"}, nil) {
		t.Fatalf("append failed")
	}
	if got := store.MarkAttempt(1, "http 500"); got != 1 {
		t.Fatalf("expected attempt count 1, got %d", got)
	}
	if got := store.MarkAttempt(1, "http 500"); got != 2 {
		t.Fatalf("expected attempt count 2, got %d", got)
	}
	if !store.Quarantine(1, "http 500") {
		t.Fatalf("quarantine failed")
	}
	if store.HasAny() {
		t.Fatalf("expected empty replay queue after quarantine")
	}
	quarantined := store.Quarantined()
	if len(quarantined) != 1 || quarantined[0].Change.Body != "x" {
		t.Fatalf("expected quarantined change with payload, got %+v", quarantined)
	}
	if !store.RequeueQuarantined(1) {
		t.Fatalf("requeue failed")
	}
	requeued := store.ListAll()
	if len(requeued) != 1 || requeued[0].ID == 1 {
		t.Fatalf("expected requeued change under a fresh id, got %+v", requeued)
	}
	if requeued[0].Attempts != 0 {
		t.Fatalf("expected attempt counter reset, got %+v", requeued[0])
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("new sqlite store failed: %v", err)
	}
	if err := store.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !store.Append(Change{URL: "http://api/notes/1", Method: "POST", Body: "payload"}, nil) {
		t.Fatalf("append failed")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Open(); err != nil {
		t.Fatalf("open after reopen failed: %v", err)
	}
	changes := reopened.ListAll()
	if len(changes) != 1 || changes[0].Body != "payload" {
		t.Fatalf("expected persisted change, got %+v", changes)
	}
}
