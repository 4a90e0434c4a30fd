package service

import (
	"signal_trader/internal/market"
	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

// Deduplicator remembers processed signal ids per trading day.
type Deduplicator struct {
	h *Holder
}

func NewDeduplicator(h *Holder) *Deduplicator {
	return &Deduplicator{h: h}
}

func (d *Deduplicator) IsProcessed(id, day string) bool {
	var ok bool
	d.h.Read(func(st *models.PersistedState) {
		ok = st.ProcessedSignalIDs[day].Has(id)
	})
	return ok
}

// MarkProcessed persists synchronously, the caller must not place an order before it returns.
// Marking an id twice is a no-op.
func (d *Deduplicator) MarkProcessed(id, day string) error {
	return d.h.Mutate(func(st *models.PersistedState) (bool, error) {
		set, ok := st.ProcessedSignalIDs[day]
		if !ok {
			set = make(models.StringSet)
			st.ProcessedSignalIDs[day] = set
		}
		if set.Has(id) {
			return false, nil
		}
		set.Add(id)
		return true, nil
	})
}

// Purge drops partitions older than retentionDays before today. Returns the number removed.
func (d *Deduplicator) Purge(today string, retentionDays int) (int, error) {
	cutoff, err := market.DayBefore(today, retentionDays)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = d.h.Mutate(func(st *models.PersistedState) (bool, error) {
		for day := range st.ProcessedSignalIDs {
			// YYYY-MM-DD sorts lexically
			if day < cutoff {
				delete(st.ProcessedSignalIDs, day)
				removed++
			}
		}
		return removed > 0, nil
	})
	if removed > 0 {
		logger.Info("[DEDUP] purged %d trading days older than %s", removed, cutoff)
	}
	return removed, err
}

// Count returns the total ids across all days.
func (d *Deduplicator) Count() int {
	n := 0
	d.h.Read(func(st *models.PersistedState) {
		for _, ids := range st.ProcessedSignalIDs {
			n += len(ids)
		}
	})
	return n
}
