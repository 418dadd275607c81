package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process lock store. The mutex serializes
// acquisition, giving the same at-most-one guarantee the Postgres
// store gets from its conditional upsert.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]Lock // projectID + "\x00" + trackID
	now   func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{locks: make(map[string]Lock), now: now}
}

func lockKey(projectID, trackID string) string {
	return projectID + "\x00" + trackID
}

func (s *MemoryStore) Acquire(_ context.Context, l Lock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey(l.ProjectID, l.TrackID)
	if existing, ok := s.locks[key]; ok && !existing.Expired(s.now()) {
		return false, nil
	}
	s.locks[key] = l
	return true, nil
}

// Get treats an expired lock as absent, matching ListActive.
func (s *MemoryStore) Get(_ context.Context, projectID, trackID string) (Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[lockKey(projectID, trackID)]
	if !ok || l.Expired(s.now()) {
		return Lock{}, false, nil
	}
	return l, true, nil
}

func (s *MemoryStore) Release(_ context.Context, projectID, trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, lockKey(projectID, trackID))
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context, projectID string) ([]Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	active := make([]Lock, 0)
	for _, l := range s.locks {
		if l.ProjectID == projectID && !l.Expired(now) {
			active = append(active, l)
		}
	}
	return active, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, l := range s.locks {
		if l.Expired(now) && l.AutoRelease {
			delete(s.locks, key)
			removed++
		}
	}
	return removed, nil
}
