package evaluation

import (
	"slices"
	"sync"
	"time"
)

// dbTimeout bounds every storage round trip of the SQL and Redis stores.
const dbTimeout = 5 * time.Second

// Stores bundles the storage ports of one backend.
type Stores struct {
	Responses  ResponseStore
	Snapshots  SessionSnapshotStore
	Completion CompletionStore
}

// NewMemoryStores returns in-memory implementations of every port.
func NewMemoryStores() Stores {
	return Stores{
		Responses:  NewMemoryResponseStore(),
		Snapshots:  NewMemorySnapshotStore(),
		Completion: NewMemoryCompletionStore(),
	}
}

func (s Stores) withDefaults() Stores {
	if s.Responses == nil {
		s.Responses = NewMemoryResponseStore()
	}
	if s.Snapshots == nil {
		s.Snapshots = NewMemorySnapshotStore()
	}
	if s.Completion == nil {
		s.Completion = NewMemoryCompletionStore()
	}
	return s
}

// MemoryResponseStore is an in-memory ResponseStore.
type MemoryResponseStore struct {
	mu        sync.RWMutex
	responses []Response
	ids       map[string]struct{}
}

func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{ids: make(map[string]struct{})}
}

func (s *MemoryResponseStore) Append(resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[resp.ResponseID]; ok {
		return nil
	}
	resp.Answers = slices.Clone(resp.Answers)
	s.responses = append(s.responses, resp)
	s.ids[resp.ResponseID] = struct{}{}
	return nil
}

func (s *MemoryResponseStore) List() ([]Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Response, len(s.responses))
	for i, r := range s.responses {
		r.Answers = slices.Clone(r.Answers)
		out[i] = r
	}
	return out, nil
}

func (s *MemoryResponseStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = nil
	s.ids = make(map[string]struct{})
	return nil
}

// MemorySnapshotStore is an in-memory SessionSnapshotStore.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]Snapshot)}
}

func (s *MemorySnapshotStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[StudentKey(snap.StudentID)] = snap.clone()
	return nil
}

func (s *MemorySnapshotStore) Load(studentID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[StudentKey(studentID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := snap.clone()
	return &out, nil
}

func (s *MemorySnapshotStore) Delete(studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, StudentKey(studentID))
	return nil
}

func (s *MemorySnapshotStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]Snapshot)
	return nil
}

// MemoryCompletionStore is an in-memory CompletionStore.
type MemoryCompletionStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func NewMemoryCompletionStore() *MemoryCompletionStore {
	return &MemoryCompletionStore{sets: make(map[string]map[string]struct{})}
}

func completionSetKey(studentID string, grade Grade) string {
	return StudentKey(studentID) + "|" + string(grade)
}

func (s *MemoryCompletionStore) Add(studentID string, grade Grade, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := completionSetKey(studentID, grade)
	set, ok := s.sets[k]
	if !ok {
		set = make(map[string]struct{})
		s.sets[k] = set
	}
	set[key] = struct{}{}
	return nil
}

func (s *MemoryCompletionStore) Keys(studentID string, grade Grade) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]struct{})
	for key := range s.sets[completionSetKey(studentID, grade)] {
		out[key] = struct{}{}
	}
	return out, nil
}

func (s *MemoryCompletionStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = make(map[string]map[string]struct{})
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
