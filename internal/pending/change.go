package pending

import (
	"errors"
	"io"
	"time"
)

var (
	ErrStoreUnavailable = errors.New("pending store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
)

// Change is one deferred mutating request, captured at the moment it failed
// to reach the upstream and replayed by the Syncer until it succeeds or is
// quarantined.
type Change struct {
	ID        int64       `json:"id"`
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Headers   [][2]string `json:"headers"`
	Body      string      `json:"body"`
	Timestamp int64       `json:"timestamp"`
	Attempts  int         `json:"attempts,omitempty"`
	LastError string      `json:"lastError,omitempty"`
}

// Quarantined is a change that exhausted its replay attempts and was moved
// out of the replay queue. It keeps the full request so an operator can
// requeue it after fixing whatever made it fail.
type Quarantined struct {
	Change   Change `json:"change"`
	FailedAt int64  `json:"failedAt"`
}

// Store is crash-durable append/list/delete storage for pending changes.
// Every operation degrades instead of failing into the caller: a store that
// could not be opened answers as if it were empty and reports mutations as
// unsuccessful. Callers that need to distinguish "empty" from "broken" check
// Open's error.
type Store interface {
	// Open initializes the underlying persistence. Idempotent and safe to
	// call from multiple goroutines; returns ErrStoreUnavailable (wrapped)
	// when the backing layer cannot be used.
	Open() error

	// Append assigns the timestamp and the next id, then persists the change
	// in a single atomic transaction. When body is non-nil it is fully read
	// into the record before anything is written; a record is never persisted
	// with partially materialized content. Reports success as a bool.
	Append(change Change, body io.Reader) bool

	// ListAll returns every persisted change in insertion order as a
	// point-in-time snapshot. Empty, never an error, on an unavailable store.
	ListAll() []Change

	// RemoveByID deletes the change with that id. Removing an id that is not
	// present is not an error.
	RemoveByID(id int64) bool

	// HasAny reports whether ListAll would be non-empty.
	HasAny() bool

	// MarkAttempt increments the persisted replay-attempt counter for id and
	// records the most recent failure. Returns the new attempt count, or 0
	// when the record is absent or the store is unavailable.
	MarkAttempt(id int64, lastError string) int

	// Quarantine moves the change with that id out of the replay queue into
	// the dead-letter collection.
	Quarantine(id int64, lastError string) bool

	// Quarantined returns the dead-letter collection, oldest first.
	Quarantined() []Quarantined

	// AckQuarantined discards a dead-lettered change for good.
	AckQuarantined(id int64) bool

	// RequeueQuarantined puts a dead-lettered change back at the tail of the
	// replay queue with a fresh id and a reset attempt counter.
	RequeueQuarantined(id int64) bool

	Close() error
}

func materializeBody(change Change, body io.Reader) (Change, error) {
	if body != nil {
		data, err := io.ReadAll(body)
		if err != nil {
			return Change{}, err
		}
		change.Body = string(data)
	}
	if change.Timestamp == 0 {
		change.Timestamp = time.Now().UnixMilli()
	}
	if change.Headers == nil {
		change.Headers = [][2]string{}
	}
	return change, nil
}
