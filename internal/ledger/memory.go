package ledger

import (
	"context"
	"sync"
)

type account struct {
	access Access
	usage  Usage
}

// MemoryStore keeps counters in process. Used in development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: map[string]*account{}}
}

func (m *MemoryStore) get(userID string) *account {
	a, ok := m.accounts[userID]
	if !ok {
		a = &account{}
		m.accounts[userID] = a
	}
	return a
}

func (m *MemoryStore) SetAccess(_ context.Context, userID string, access Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(userID).access = access
	return nil
}

func (m *MemoryStore) GetAccess(_ context.Context, userID string) (Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return Access{}, nil
	}
	return a.access, nil
}

func (m *MemoryStore) GetUsage(_ context.Context, userID string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return Usage{}, nil
	}
	return a.usage, nil
}

func (m *MemoryStore) SetUsage(_ context.Context, userID string, usage Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(userID).usage = usage
	return nil
}

func (m *MemoryStore) ConsumeInteraction(_ context.Context, userID string, limit *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.get(userID)
	if limit != nil && a.usage.InteractionsUsed >= *limit {
		return a.usage.InteractionsUsed, ErrAllowanceExhausted
	}
	a.usage.InteractionsUsed++
	return a.usage.InteractionsUsed, nil
}

func (m *MemoryStore) ConsumeCredit(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.get(userID)
	if a.usage.CreditsRemaining <= 0 {
		return a.usage.CreditsRemaining, ErrInsufficientCredits
	}
	a.usage.CreditsRemaining--
	return a.usage.CreditsRemaining, nil
}
