package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps presence in a process-local map. Expired records
// are invisible to reads immediately and reclaimed by a periodic sweep,
// matching the externally observable behavior of the Redis store.
type MemoryStore struct {
	mu       sync.Mutex
	projects map[string]map[string]Record
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		projects: make(map[string]map[string]Record),
		ttl:      ttl,
		now:      now,
	}
}

func (s *MemoryStore) expired(rec Record) bool {
	return s.now().Sub(rec.LastActiveAt) > s.ttl
}

func (s *MemoryStore) Put(_ context.Context, projectID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.projects[projectID]
	if users == nil {
		users = make(map[string]Record)
		s.projects[projectID] = users
	}
	users[rec.UserID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, projectID, userID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.projects[projectID][userID]
	if !ok || s.expired(rec) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.projects[projectID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.projects, projectID)
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, projectID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]Record, 0)
	for _, rec := range s.projects[projectID] {
		if !s.expired(rec) {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *MemoryStore) Count(ctx context.Context, projectID string) (int, error) {
	recs, err := s.List(ctx, projectID)
	return len(recs), err
}

func (s *MemoryStore) ProjectsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := make([]string, 0)
	for projectID, users := range s.projects {
		if rec, ok := users[userID]; ok && !s.expired(rec) {
			projects = append(projects, projectID)
		}
	}
	return projects, nil
}

// SweepStale reclaims expired records and empty project maps. Returns
// the number of records removed.
func (s *MemoryStore) SweepStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for projectID, users := range s.projects {
		for userID, rec := range users {
			if s.expired(rec) {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(s.projects, projectID)
		}
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStale()
		}
	}
}
