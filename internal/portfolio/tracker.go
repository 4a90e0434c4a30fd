package portfolio

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"signal_trader/internal/models"
	"signal_trader/internal/modules/state/service"
	"signal_trader/pkg/logger"
)

type DiscrepancyKind string

const (
	// Untracked is a broker position with no local record.
	Untracked DiscrepancyKind = "UNTRACKED"
	// Phantom is a local record the broker no longer reports.
	Phantom DiscrepancyKind = "PHANTOM"
)

type Discrepancy struct {
	Kind         DiscrepancyKind
	Symbol       string
	LocalShares  int
	BrokerShares int
	AvgCost      float64
}

// Tracker is the in-process view of open positions. It has no copy of its own,
// every call goes through the state holder.
type Tracker struct {
	h           *service.Holder
	hold        time.Duration
	stopLossPct float64
}

func NewTracker(h *service.Holder, hold time.Duration, stopLossPct float64) *Tracker {
	return &Tracker{h: h, hold: hold, stopLossPct: stopLossPct}
}

func (t *Tracker) HoldDuration() time.Duration { return t.hold }

func (t *Tracker) Add(p models.Position) error {
	return t.h.Mutate(func(st *models.PersistedState) (bool, error) {
		st.OpenPositions[p.Symbol] = p
		return true, nil
	})
}

// Remove drops the position together with its pending exit.
func (t *Tracker) Remove(symbol string) error {
	return t.h.Mutate(func(st *models.PersistedState) (bool, error) {
		_, okPos := st.OpenPositions[symbol]
		_, okExit := st.PendingExits[symbol]
		delete(st.OpenPositions, symbol)
		delete(st.PendingExits, symbol)
		return okPos || okExit, nil
	})
}

func (t *Tracker) Has(symbol string) bool {
	var ok bool
	t.h.Read(func(st *models.PersistedState) {
		_, ok = st.OpenPositions[symbol]
	})
	return ok
}

func (t *Tracker) Get(symbol string) (models.Position, bool) {
	var (
		p  models.Position
		ok bool
	)
	t.h.Read(func(st *models.PersistedState) {
		p, ok = st.OpenPositions[symbol]
	})
	return p, ok
}

func (t *Tracker) Count() int {
	n := 0
	t.h.Read(func(st *models.PersistedState) { n = len(st.OpenPositions) })
	return n
}

// OpenPositions returns a copy.
func (t *Tracker) OpenPositions() map[string]models.Position {
	out := make(map[string]models.Position)
	t.h.Read(func(st *models.PersistedState) {
		for k, v := range st.OpenPositions {
			out[k] = v
		}
	})
	return out
}

// Reconcile aligns local records with the broker's positions.
// Recovered positions take AvgCost as entry and now as entry time, so their PnL is approximate.
// Symbols in skip are left untouched on both sides. Short positions are never adopted.
// Nothing is written when both sides already agree.
func (t *Tracker) Reconcile(broker []models.BrokerPosition, skip map[string]struct{}, now time.Time) ([]Discrepancy, error) {
	live := make(map[string]models.BrokerPosition, len(broker))
	for _, bp := range broker {
		if bp.Shares == 0 || bp.Symbol == "" {
			continue
		}
		if _, ok := skip[bp.Symbol]; ok {
			continue
		}
		if bp.Shares < 0 {
			logger.Warn("[SYNC] ignoring short broker position %s: %d shares, engine is long only", bp.Symbol, bp.Shares)
			continue
		}
		live[bp.Symbol] = bp
	}

	var found []Discrepancy
	err := t.h.Mutate(func(st *models.PersistedState) (bool, error) {
		for sym, bp := range live {
			if _, ok := st.OpenPositions[sym]; ok {
				continue
			}
			deadline := now.Add(t.hold)
			st.OpenPositions[sym] = models.Position{
				Symbol:       sym,
				Shares:       bp.Shares,
				EntryPrice:   bp.AvgCost,
				EntryTime:    now,
				StopPrice:    t.recoveredStop(bp.AvgCost),
				ExitDeadline: deadline,
				Recovered:    true,
			}
			st.PendingExits[sym] = models.PendingExit{Symbol: sym, ExitDeadline: deadline, ScheduledAt: now}
			found = append(found, Discrepancy{Kind: Untracked, Symbol: sym, BrokerShares: bp.Shares, AvgCost: bp.AvgCost})
		}
		for sym, p := range st.OpenPositions {
			if _, ok := live[sym]; ok {
				continue
			}
			if _, ok := skip[sym]; ok {
				continue
			}
			delete(st.OpenPositions, sym)
			delete(st.PendingExits, sym)
			found = append(found, Discrepancy{Kind: Phantom, Symbol: sym, LocalShares: p.Shares})
		}
		// a pending exit without a position is stale
		stale := 0
		for sym := range st.PendingExits {
			if _, ok := skip[sym]; ok {
				continue
			}
			if _, ok := st.OpenPositions[sym]; !ok {
				delete(st.PendingExits, sym)
				stale++
				logger.Warn("[SYNC] dropped stale pending exit for %s", sym)
			}
		}
		return len(found) > 0 || stale > 0, nil
	})

	sort.Slice(found, func(i, j int) bool { return found[i].Symbol < found[j].Symbol })
	for _, d := range found {
		switch d.Kind {
		case Untracked:
			logger.Warn("[SYNC] untracked broker position %s: %d shares @ %.2f, recovered with exit in %s",
				d.Symbol, d.BrokerShares, d.AvgCost, t.hold)
		case Phantom:
			logger.Warn("[SYNC] phantom position %s (%d shares) closed outside the engine, removed",
				d.Symbol, d.LocalShares)
		}
	}
	return found, err
}

func (t *Tracker) recoveredStop(avgCost float64) float64 {
	f := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(t.stopLossPct).Div(decimal.NewFromInt(100)))
	v, _ := decimal.NewFromFloat(avgCost).Mul(f).Round(2).Float64()
	return v
}
