package billing

import (
	"context"
	"sync"
)

// MemoryCustomerStore is an in-memory CustomerStore for tests and local
// development.
type MemoryCustomerStore struct {
	mu       sync.RWMutex
	byUser   map[string]*Customer
	byStripe map[string]*Customer
}

var _ CustomerStore = (*MemoryCustomerStore)(nil)

func NewMemoryCustomerStore() *MemoryCustomerStore {
	return &MemoryCustomerStore{
		byUser:   make(map[string]*Customer),
		byStripe: make(map[string]*Customer),
	}
}

func (m *MemoryCustomerStore) Put(_ context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byUser[c.UserID] = &cp
	m.byStripe[c.StripeCustomerID] = &cp
	return nil
}

func (m *MemoryCustomerStore) GetByUser(_ context.Context, userID string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byUser[userID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryCustomerStore) GetByStripeCustomer(_ context.Context, stripeCustomerID string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byStripe[stripeCustomerID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}
