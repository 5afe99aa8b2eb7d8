package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Store maps task ids to completed results. Safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	m   map[string]Result
	now func() time.Time
}

// Aged is one line of a store scan.
type Aged struct {
	ID          string
	CompletedAt time.Time
}

func NewStore() *Store {
	return &Store{m: map[string]Result{}, now: time.Now}
}

// Put stamps r with the completion time. An existing id is overwritten.
func (s *Store) Put(id string, r Result) {
	r.CompletedAt = s.now()
	s.mu.Lock()
	s.m[id] = r
	s.mu.Unlock()
}

// PopIfPresent removes and returns the entry for id. Exactly one concurrent
// caller observes a given entry.
func (s *Store) PopIfPresent(id string) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	return r, ok
}

// SnapshotAgeSorted lists entries oldest first. It is stale as soon as it returns.
func (s *Store) SnapshotAgeSorted() []Aged {
	s.mu.Lock()
	out := make([]Aged, 0, len(s.m))
	for id, r := range s.m {
		out = append(out, Aged{ID: id, CompletedAt: r.CompletedAt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	n := len(s.m)
	s.mu.Unlock()
	return n
}
