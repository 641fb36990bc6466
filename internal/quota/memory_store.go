package quota

import (
	"context"
	"sync"
	"time"

	"github.com/comicforge/comicforge/internal/metrics"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory quota ledger for demo/development mode.
// A single mutex stands in for the storage-level atomicity the Postgres
// store gets from conditional updates.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window // by userID
}

// NewMemoryStore creates a new in-memory quota store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

func (m *MemoryStore) CurrentWindow(ctx context.Context, userID string, now time.Time) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.ensureCurrent(userID, now)
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Consume(ctx context.Context, userID string, amount, ceiling int, now time.Time) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.ensureCurrent(userID, now)

	if amount > 0 {
		if w.Consumed+amount > ceiling {
			return nil, ErrCeilingReached
		}
		w.Consumed += amount
	} else {
		w.Consumed += amount
		if w.Consumed < 0 {
			w.Consumed = 0
		}
	}

	cp := *w
	return &cp, nil
}

// ensureCurrent returns the window covering now, rolling over if the stored
// one expired. Caller must hold the lock.
func (m *MemoryStore) ensureCurrent(userID string, now time.Time) *Window {
	w, ok := m.windows[userID]
	if ok && w.Covers(now) {
		return w
	}
	if ok {
		metrics.QuotaRolloversTotal.Inc()
	}
	w = &Window{UserID: userID, WindowStart: now, Consumed: 0}
	m.windows[userID] = w
	return w
}
