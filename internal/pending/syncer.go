package pending

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Outcome reports one replay attempt from a drain cycle.
type Outcome struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	Success     bool   `json:"success"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Error       string `json:"error,omitempty"`
	Quarantined bool   `json:"quarantined,omitempty"`
}

type SyncerOptions struct {
	Store      Store
	HTTPClient *http.Client

	// MaxAttempts quarantines a change after that many failed replays.
	// Zero retries indefinitely.
	MaxAttempts int

	// Notify receives the recomputed pending state after every drain cycle.
	Notify func(hasPending bool)

	// OnOutcome observes each settled replay attempt.
	OnOutcome func(Outcome)

	Logger Logger
}

// Syncer drains the pending store against the live upstream. Each drain
// cycle snapshots the queue, replays every record independently and
// concurrently, and removes a record only when the upstream answered with a
// success status. Failed records stay queued for the next cycle; there is no
// retry or backoff within a cycle.
type Syncer struct {
	store       Store
	client      *http.Client
	maxAttempts int
	notify      func(bool)
	onOutcome   func(Outcome)
	logger      Logger
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Syncer{
		store:       opts.Store,
		client:      client,
		maxAttempts: maxAttempts,
		notify:      opts.Notify,
		onOutcome:   opts.OnOutcome,
		logger:      opts.Logger,
	}, nil
}

// Drain runs one full replay pass. It never returns an error: a single
// record's failure must not abort the batch, and the caller learns what
// happened from the per-record outcomes, returned in enqueue order.
func (s *Syncer) Drain(ctx context.Context) []Outcome {
	changes := s.store.ListAll()
	outcomes := make([]Outcome, len(changes))
	var wg sync.WaitGroup
	for i, change := range changes {
		wg.Add(1)
		go func(i int, change Change) {
			defer wg.Done()
			outcomes[i] = s.replay(ctx, change)
		}(i, change)
	}
	wg.Wait()

	for _, outcome := range outcomes {
		if s.onOutcome != nil {
			s.onOutcome(outcome)
		}
	}
	hasPending := s.store.HasAny()
	if s.notify != nil {
		s.notify(hasPending)
	}
	return outcomes
}

func (s *Syncer) replay(ctx context.Context, change Change) Outcome {
	outcome := Outcome{ID: change.ID, URL: change.URL, Method: change.Method}
	req, err := http.NewRequestWithContext(ctx, change.Method, change.URL, strings.NewReader(change.Body))
	if err != nil {
		s.recordFailure(change, err.Error(), &outcome)
		return outcome
	}
	// Captured headers carry the caller's credentials (cookies, bearer
	// token) exactly as they were at enqueue time.
	for _, header := range change.Headers {
		req.Header.Add(header[0], header[1])
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure(change, err.Error(), &outcome)
		return outcome
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	outcome.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		outcome.Success = true
		s.store.RemoveByID(change.ID)
		return outcome
	}
	s.recordFailure(change, fmt.Sprintf("http %d", resp.StatusCode), &outcome)
	return outcome
}

func (s *Syncer) recordFailure(change Change, reason string, outcome *Outcome) {
	outcome.Error = reason
	attempts := s.store.MarkAttempt(change.ID, reason)
	if s.maxAttempts > 0 && attempts >= s.maxAttempts {
		if s.store.Quarantine(change.ID, reason) {
			outcome.Quarantined = true
			s.logf("change %d quarantined after %d attempts: %s", change.ID, attempts, reason)
		}
	}
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
