package portfolio

import (
	"sort"
	"time"

	"signal_trader/internal/models"
	"signal_trader/internal/modules/state/service"
)

type DueExit struct {
	Symbol   string
	Position models.Position
	Deadline time.Time
}

// Scheduler keeps PendingExits. It shares storage with the Tracker but never touches positions.
type Scheduler struct {
	h *service.Holder
}

func NewScheduler(h *service.Holder) *Scheduler {
	return &Scheduler{h: h}
}

func (s *Scheduler) Schedule(symbol string, deadline, now time.Time) error {
	return s.h.Mutate(func(st *models.PersistedState) (bool, error) {
		st.PendingExits[symbol] = models.PendingExit{Symbol: symbol, ExitDeadline: deadline, ScheduledAt: now}
		if p, ok := st.OpenPositions[symbol]; ok {
			p.ExitDeadline = deadline
			st.OpenPositions[symbol] = p
		}
		return true, nil
	})
}

func (s *Scheduler) Cancel(symbol string) error {
	return s.h.Mutate(func(st *models.PersistedState) (bool, error) {
		if _, ok := st.PendingExits[symbol]; !ok {
			return false, nil
		}
		delete(st.PendingExits, symbol)
		return true, nil
	})
}

// Due lists elapsed exits, oldest deadline first. Exits for untracked symbols are skipped.
func (s *Scheduler) Due(now time.Time) []DueExit {
	var out []DueExit
	s.h.Read(func(st *models.PersistedState) {
		for sym, pe := range st.PendingExits {
			if pe.ExitDeadline.After(now) {
				continue
			}
			p, ok := st.OpenPositions[sym]
			if !ok {
				continue
			}
			out = append(out, DueExit{Symbol: sym, Position: p, Deadline: pe.ExitDeadline})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// Pending returns a copy.
func (s *Scheduler) Pending() map[string]models.PendingExit {
	out := make(map[string]models.PendingExit)
	s.h.Read(func(st *models.PersistedState) {
		for k, v := range st.PendingExits {
			out[k] = v
		}
	})
	return out
}
