package service

import (
	"sync"

	"signal_trader/internal/models"
)

// MemoryStore keeps the state in process. Used for dry runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	st    *models.PersistedState
	Saves int
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load() (*models.PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, ErrNotFound
	}
	return m.st.Clone(), nil
}

func (m *MemoryStore) Save(st *models.PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st.Clone()
	m.Saves++
	return nil
}

// Last returns the most recently saved state or nil.
func (m *MemoryStore) Last() *models.PersistedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil
	}
	return m.st.Clone()
}
