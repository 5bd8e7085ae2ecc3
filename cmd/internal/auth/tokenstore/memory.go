package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the pair in process memory. It does not survive restarts.
type MemoryStore struct {
	mu  sync.RWMutex
	s   Session
	set bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Read(ctx context.Context) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.set || m.s.Empty() {
		return Session{}, false, nil
	}
	return m.s, true, nil
}

func (m *MemoryStore) Write(ctx context.Context, access, refresh string) error {
	m.mu.Lock()
	m.s = Session{AccessToken: access, RefreshToken: refresh}
	m.set = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.s = Session{}
	m.set = false
	m.mu.Unlock()
	return nil
}
