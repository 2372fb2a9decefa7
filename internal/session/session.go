package session

import (
	"context"
	"sync"
	"time"

	"rekonkas/backend/internal/domain"
)

// Store maps an opaque bearer token to an authenticated principal. Entries
// expire after the TTL given at Set time; Get never returns an expired entry.
type Store interface {
	Set(ctx context.Context, token string, principal domain.Principal, ttl time.Duration) error
	Get(ctx context.Context, token string) (*domain.Principal, bool, error)
	Delete(ctx context.Context, token string) error
}

type memoryEntry struct {
	principal domain.Principal
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Sessions are lost on restart,
// which is acceptable for dev mode; production deployments use the redis store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Set(_ context.Context, token string, principal domain.Principal, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[token] = memoryEntry{principal: principal, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, token string) (*domain.Principal, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[token]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, token)
		m.mu.Unlock()
		return nil, false, nil
	}
	principal := entry.principal
	return &principal, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, token)
	return nil
}
