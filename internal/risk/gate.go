package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signal_trader/internal/market"
	"signal_trader/internal/models"
	"signal_trader/internal/modules/state/service"
	"signal_trader/pkg/logger"
)

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonDailyLimit       Reason = "DAILY_LIMIT"
	ReasonConcurrencyLimit Reason = "CONCURRENCY_LIMIT"
	ReasonDuplicateSymbol  Reason = "DUPLICATE_SYMBOL"
)

type Decision struct {
	Admit  bool
	Reason Reason
}

func admit() Decision        { return Decision{Admit: true} }
func deny(r Reason) Decision { return Decision{Reason: r} }
func (d Decision) String() string {
	if d.Admit {
		return "ADMIT"
	}
	return "DENY(" + string(d.Reason) + ")"
}

type Limits struct {
	MaxDailyTrades         int
	MaxConcurrentPositions int
	PositionSizePct        float64 // 3.0 => 3% of account value per position
	StopLossPct            float64 // 1.0 => stop 1% under entry
}

// Gate is admission control. It keeps no counters of its own, they live in PersistedState.
type Gate struct {
	h      *service.Holder
	cal    *market.Calendar
	limits Limits

	clockMu sync.RWMutex
	clock   func() time.Time
}

func NewGate(h *service.Holder, cal *market.Calendar, limits Limits) *Gate {
	return &Gate{h: h, cal: cal, limits: limits, clock: time.Now}
}

// SetClock replaces the time source, tests only.
func (g *Gate) SetClock(now func() time.Time) {
	g.clockMu.Lock()
	g.clock = now
	g.clockMu.Unlock()
}

func (g *Gate) now() time.Time {
	g.clockMu.RLock()
	defer g.clockMu.RUnlock()
	return g.clock()
}

func (g *Gate) Limits() Limits { return g.limits }

// rollover resets the counters when the trading day changed. Caller holds the state lock.
func (g *Gate) rollover(st *models.PersistedState) bool {
	today := g.cal.TradingDay(g.now())
	if st.DailyCounters.TradeDate == today {
		return false
	}
	logger.Info("[RISK] new trading day %s (was %q), daily counters reset", today, st.DailyCounters.TradeDate)
	st.DailyCounters = models.DailyCounters{
		TradeDate:     today,
		TradesTaken:   0,
		LastResetDate: today,
	}
	st.DailyClosed = nil
	return true
}

// CheckPreTrade: daily cap, then concurrency cap, then duplicate symbol. First failure wins.
// A rollover observed here is persisted right away.
func (g *Gate) CheckPreTrade(symbol string) Decision {
	var d Decision
	err := g.h.Mutate(func(st *models.PersistedState) (bool, error) {
		changed := g.rollover(st)
		switch {
		case st.DailyCounters.TradesTaken >= g.limits.MaxDailyTrades:
			d = deny(ReasonDailyLimit)
		case len(st.OpenPositions) >= g.limits.MaxConcurrentPositions:
			d = deny(ReasonConcurrencyLimit)
		default:
			if _, ok := st.OpenPositions[symbol]; ok {
				d = deny(ReasonDuplicateSymbol)
			} else {
				d = admit()
			}
		}
		return changed, nil
	})
	if err != nil {
		// the decision still stands, the reset is retried with the next write
		logger.Warn("[RISK] persisting rollover failed: %v", err)
	}
	return d
}

// SizePosition = floor(accountValue * pct / price), at least one share when the raw value is positive.
func (g *Gate) SizePosition(price, accountValue float64) int {
	if price <= 0 || accountValue <= 0 {
		return 0
	}
	raw := decimal.NewFromFloat(accountValue).
		Mul(decimal.NewFromFloat(g.limits.PositionSizePct)).
		Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromFloat(price))
	if !raw.IsPositive() {
		return 0
	}
	shares := raw.Floor().IntPart()
	if shares < 1 {
		shares = 1
	}
	return int(shares)
}

// StopPrice rounds to cents.
func (g *Gate) StopPrice(entry float64) float64 {
	f := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(g.limits.StopLossPct).Div(decimal.NewFromInt(100)))
	v, _ := decimal.NewFromFloat(entry).Mul(f).Round(2).Float64()
	return v
}

// RecordTrade counts an accepted entry against today's cap.
func (g *Gate) RecordTrade() error {
	return g.h.Mutate(func(st *models.PersistedState) (bool, error) {
		g.rollover(st)
		st.DailyCounters.TradesTaken++
		return true, nil
	})
}

// RecordClose keeps the closed trade for today's stats.
func (g *Gate) RecordClose(rec models.TradeRecord) error {
	return g.h.Mutate(func(st *models.PersistedState) (bool, error) {
		g.rollover(st)
		st.DailyClosed = append(st.DailyClosed, rec)
		return true, nil
	})
}

// TradesTaken is read-only. A stale day counts as zero without writing.
func (g *Gate) TradesTaken() int {
	today := g.cal.TradingDay(g.now())
	n := 0
	g.h.Read(func(st *models.PersistedState) {
		if st.DailyCounters.TradeDate == today {
			n = st.DailyCounters.TradesTaken
		}
	})
	return n
}

// Stats summarises the current trading day.
func (g *Gate) Stats() models.DailyStats {
	today := g.cal.TradingDay(g.now())
	s := models.DailyStats{TradeDate: today}
	g.h.Read(func(st *models.PersistedState) {
		s.PositionsOpen = len(st.OpenPositions)
		if st.DailyCounters.TradeDate != today {
			return
		}
		s.TradesTaken = st.DailyCounters.TradesTaken
		wins := 0
		pnl := decimal.Zero
		for _, rec := range st.DailyClosed {
			pnl = pnl.Add(decimal.NewFromFloat(rec.PnL))
			if rec.PnL > 0 {
				wins++
			}
		}
		s.TradesClosed = len(st.DailyClosed)
		s.PnL, _ = pnl.Round(2).Float64()
		if s.TradesClosed > 0 {
			s.WinRate = float64(wins) / float64(s.TradesClosed) * 100
		}
	})
	s.TradesRemaining = g.limits.MaxDailyTrades - s.TradesTaken
	if s.TradesRemaining < 0 {
		s.TradesRemaining = 0
	}
	return s
}

// PnL computes realised result of a close. Prices go through decimal to keep cents exact.
func PnL(entry, exit float64, shares int) (pnl, pct float64) {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	diff := x.Sub(e)
	pnl, _ = diff.Mul(decimal.NewFromInt(int64(shares))).Round(2).Float64()
	if e.IsZero() {
		return pnl, 0
	}
	pct, _ = diff.Div(e).Mul(decimal.NewFromInt(100)).Round(4).Float64()
	return pnl, pct
}
