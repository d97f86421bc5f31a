package pending

import (
	"io"
	"sync"
	"time"
)

type memoryStore struct {
	mu          sync.Mutex
	nextID      int64
	items       []Change
	quarantined []Quarantined
}

// NewMemoryStore returns a Store that lives only as long as the process.
// Used by tests and by deployments that accept losing queued changes on
// restart.
func NewMemoryStore() Store {
	return &memoryStore{nextID: 1}
}

func (s *memoryStore) Open() error {
	return nil
}

func (s *memoryStore) Append(change Change, body io.Reader) bool {
	change, err := materializeBody(change, body)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	change.ID = s.nextID
	s.nextID++
	s.items = append(s.items, change)
	return true
}

func (s *memoryStore) ListAll() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.items...)
}

func (s *memoryStore) RemoveByID(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return true
}

func (s *memoryStore) HasAny() bool {
	return len(s.ListAll()) > 0
}

func (s *memoryStore) MarkAttempt(id int64, lastError string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Attempts++
			s.items[i].LastError = lastError
			return s.items[i].Attempts
		}
	}
	return 0
}

func (s *memoryStore) Quarantine(id int64, lastError string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.items {
		if item.ID == id {
			item.LastError = lastError
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.quarantined = append(s.quarantined, Quarantined{
				Change:   item,
				FailedAt: time.Now().UnixMilli(),
			})
			return true
		}
	}
	return false
}

func (s *memoryStore) Quarantined() []Quarantined {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Quarantined(nil), s.quarantined...)
}

func (s *memoryStore) AckQuarantined(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.quarantined {
		if item.Change.ID == id {
			s.quarantined = append(s.quarantined[:i], s.quarantined[i+1:]...)
			return true
		}
	}
	return false
}

func (s *memoryStore) RequeueQuarantined(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.quarantined {
		if item.Change.ID == id {
			s.quarantined = append(s.quarantined[:i], s.quarantined[i+1:]...)
			change := item.Change
			change.ID = s.nextID
			s.nextID++
			change.Attempts = 0
			change.LastError = ""
			s.items = append(s.items, change)
			return true
		}
	}
	return false
}

func (s *memoryStore) Close() error {
	return nil
}
