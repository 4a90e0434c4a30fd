package service

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

// Holder is the single write path for PersistedState. Every mutation runs under one mutex
// and is written through to the store.
type Holder struct {
	mu    sync.Mutex
	store Store
	st    *models.PersistedState
	dirty bool
	now   func() time.Time
}

func NewHolder(store Store) *Holder {
	return &Holder{
		store: store,
		st:    models.NewPersistedState(),
		now:   time.Now,
	}
}

// SetClock replaces the time source, tests only.
func (h *Holder) SetClock(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

// Load replaces in-memory state with the stored one. Any load failure is a cold start.
func (h *Holder) Load() (loaded bool) {
	st, err := h.store.Load()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case err == nil:
		h.st = st
		h.dirty = false
		logger.Info("[STATE] loaded: positions=%d pending_exits=%d dedup_days=%d",
			len(st.OpenPositions), len(st.PendingExits), len(st.ProcessedSignalIDs))
		return true
	case errors.Is(err, ErrNotFound):
		logger.Info("[STATE] no previous state, starting fresh")
	default:
		logger.Error("[STATE] load failed, starting fresh: %v", err)
	}
	h.st = models.NewPersistedState()
	return false
}

// Mutate runs fn under the write lock. When fn reports a change (or an earlier save failed)
// the whole state is saved. fn errors abort without saving; save errors keep the in-memory
// change, mark the state dirty and are returned tagged as persistence errors.
func (h *Holder) Mutate(fn func(st *models.PersistedState) (changed bool, err error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	changed, err := fn(h.st)
	if err != nil {
		return err
	}
	if !changed && !h.dirty {
		return nil
	}
	return h.saveLocked()
}

// Read gives fn a locked view. fn must not keep references to maps after returning.
func (h *Holder) Read(fn func(st *models.PersistedState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.st)
}

// Snapshot returns a deep copy for presentation.
func (h *Holder) Snapshot() *models.PersistedState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st.Clone()
}

// Flush retries a failed save, no-op when clean.
func (h *Holder) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}
	return h.saveLocked()
}

// Save writes the state unconditionally (shutdown path).
func (h *Holder) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveLocked()
}

func (h *Holder) Dirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

func (h *Holder) saveLocked() error {
	h.st.LastSaveTime = h.now()
	if err := h.store.Save(h.st); err != nil {
		h.dirty = true
		logger.Error("[STATE] save failed, will retry on next mutation: %v", err)
		return models.WithKind(models.KindPersistence, err)
	}
	h.dirty = false
	return nil
}
