package keychain

import (
	"sync"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/pairing"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]pairing.Credentials
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]pairing.Credentials)}
}

func (m *MemoryStore) Save(key string, creds *pairing.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = *creds
	return nil
}

func (m *MemoryStore) Retrieve(key string) (*pairing.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	creds, ok := m.entries[key]
	if !ok {
		return nil, apperrors.KeychainNotFound(key)
	}
	copy := creds
	return &copy, nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
