package generation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/comicforge/comicforge/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, before *pagination.Cursor, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if before != nil && !olderThan(s, before) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// olderThan reports whether s sorts after the cursor position in newest-first
// order, i.e. (createdAt, id) < (cursor.CreatedAt, cursor.ID).
func olderThan(s *Session, c *pagination.Cursor) bool {
	if s.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return s.CreatedAt.Equal(c.CreatedAt) && s.ID < c.ID
}

func (m *MemoryStore) MarkRunning(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = StatusRunning
	s.StartedAt = &at
	return nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Progress = progress
	return nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, status Status, kind FailureKind, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status != StatusRunning {
		return false, nil
	}
	s.Status = status
	s.FailureKind = kind
	s.FailureReason = reason
	s.CompletedAt = &at
	if status == StatusSucceeded {
		s.Progress = 100
	}
	return true, nil
}

func (m *MemoryStore) ListStuckRunning(_ context.Context, startedBefore time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusRunning && s.StartedAt != nil && s.StartedAt.Before(startedBefore) {
			cp := *s
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
