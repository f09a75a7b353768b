package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a Store that forgets everything on exit.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	tasks    map[string][]TaskRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		tasks:    make(map[string][]TaskRecord),
	}
}

func (s *MemoryStore) OpenSession(_ context.Context, id, target string, now time.Time) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.UpdatedAt = now
		s.sessions[id] = sess
		return sess, false, nil
	}
	sess := Session{ID: id, Target: target, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return sess, true, nil
}

func (s *MemoryStore) SaveTask(_ context.Context, rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.SessionID]; !ok {
		return fmt.Errorf("save task %d: %w", rec.TaskID, ErrSessionNotFound)
	}
	s.tasks[rec.SessionID] = append(s.tasks[rec.SessionID], rec)
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, sessionID string, limit int) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.tasks[sessionID]
	out := make([]TaskRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *MemoryStore) Compact(_ context.Context, sessionID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.tasks[sessionID]
	if keep < 0 {
		keep = 0
	}
	if len(recs) <= keep {
		return 0, nil
	}
	dropped := len(recs) - keep
	s.tasks[sessionID] = append([]TaskRecord(nil), recs[dropped:]...)
	return dropped, nil
}

func (s *MemoryStore) Close() error { return nil }
