package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileStore struct {
	path string

	mu          sync.Mutex
	nextID      int64
	items       []Change
	quarantined []Quarantined
}

type fileStoreState struct {
	NextID      int64         `json:"nextId"`
	Items       []Change      `json:"items"`
	Quarantined []Quarantined `json:"quarantined,omitempty"`
}

// NewFileStore returns a Store persisted as a single JSON file. The snapshot
// is re-read before every operation and replaced atomically after every
// mutation, so independent processes sharing the same path observe each
// other's writes. Concurrent writers from different processes race as
// last-writer-wins; deployments that need stronger isolation use the sqlite
// or postgres backends.
func NewFileStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &fileStore{path: path}, nil
}

func (s *fileStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileStore) loadLocked() error {
	s.nextID = 1
	s.items = nil
	s.quarantined = nil
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := validateSnapshot(data); err != nil {
		return fmt.Errorf("%w: invalid snapshot %s: %v", ErrStoreUnavailable, s.path, err)
	}
	var state fileStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if state.NextID < 1 {
		state.NextID = 1
	}
	s.nextID = state.NextID
	s.items = state.Items
	s.quarantined = state.Quarantined
	return nil
}

func (s *fileStore) Append(change Change, body io.Reader) bool {
	change, err := materializeBody(change, body)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return false
	}
	change.ID = s.nextID
	s.nextID++
	s.items = append(s.items, change)
	return s.saveLocked() == nil
}

func (s *fileStore) ListAll() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return nil
	}
	return append([]Change(nil), s.items...)
}

func (s *fileStore) RemoveByID(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return false
	}
	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return s.saveLocked() == nil
		}
	}
	// Deleting an absent id is a no-op, not an error.
	return true
}

func (s *fileStore) HasAny() bool {
	return len(s.ListAll()) > 0
}

func (s *fileStore) MarkAttempt(id int64, lastError string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return 0
	}
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Attempts++
			s.items[i].LastError = lastError
			if s.saveLocked() != nil {
				return 0
			}
			return s.items[i].Attempts
		}
	}
	return 0
}

func (s *fileStore) Quarantine(id int64, lastError string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return false
	}
	for i, item := range s.items {
		if item.ID == id {
			item.LastError = lastError
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.quarantined = append(s.quarantined, Quarantined{
				Change:   item,
				FailedAt: time.Now().UnixMilli(),
			})
			return s.saveLocked() == nil
		}
	}
	return false
}

func (s *fileStore) Quarantined() []Quarantined {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return nil
	}
	return append([]Quarantined(nil), s.quarantined...)
}

func (s *fileStore) AckQuarantined(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return false
	}
	for i, item := range s.quarantined {
		if item.Change.ID == id {
			s.quarantined = append(s.quarantined[:i], s.quarantined[i+1:]...)
			return s.saveLocked() == nil
		}
	}
	return false
}

func (s *fileStore) RequeueQuarantined(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadLocked() != nil {
		return false
	}
	for i, item := range s.quarantined {
		if item.Change.ID == id {
			s.quarantined = append(s.quarantined[:i], s.quarantined[i+1:]...)
			change := item.Change
			change.ID = s.nextID
			s.nextID++
			change.Attempts = 0
			change.LastError = ""
			s.items = append(s.items, change)
			return s.saveLocked() == nil
		}
	}
	return false
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) saveLocked() error {
	state := fileStoreState{
		NextID:      s.nextID,
		Items:       append([]Change{}, s.items...),
		Quarantined: append([]Quarantined(nil), s.quarantined...),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
