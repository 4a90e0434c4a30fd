package risk

import (
	"os"
	"sync"
	"testing"
	"time"

	"signal_trader/internal/market"
	"signal_trader/internal/models"
	"signal_trader/internal/modules/state/service"
	"signal_trader/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}

var defaultLimits = Limits{
	MaxDailyTrades:         30,
	MaxConcurrentPositions: 3,
	PositionSizePct:        3,
	StopLossPct:            1,
}

type fixture struct {
	gate  *Gate
	h     *service.Holder
	store *service.MemoryStore
	now   time.Time
}

func newFixture(t *testing.T, limits Limits) *fixture {
	t.Helper()
	cal, err := market.NewCalendar("America/New_York", "09:30", "16:00", 16, true)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	f := &fixture{store: service.NewMemoryStore()}
	f.h = service.NewHolder(f.store)
	f.gate = NewGate(f.h, cal, limits)
	// Monday 2025-08-04 10:00 EDT
	f.now = time.Date(2025, 8, 4, 14, 0, 0, 0, time.UTC)
	f.gate.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) open(t *testing.T, symbols ...string) {
	t.Helper()
	err := f.h.Mutate(func(st *models.PersistedState) (bool, error) {
		for _, s := range symbols {
			st.OpenPositions[s] = models.Position{Symbol: s, Shares: 10, EntryPrice: 10}
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
}

func TestSizeAndStop(t *testing.T) {
	f := newFixture(t, defaultLimits)

	if got := f.gate.SizePosition(30, 50000); got != 50 {
		t.Errorf("SizePosition(30, 50000) = %d, want 50", got)
	}
	if got := f.gate.StopPrice(30); got != 29.70 {
		t.Errorf("StopPrice(30) = %v, want 29.70", got)
	}

	cases := []struct {
		name           string
		price, account float64
		want           int
	}{
		{"floors", 31, 50000, 48},
		{"price above budget still one share", 5000, 50000, 1},
		{"zero account", 30, 0, 0},
		{"zero price", 0, 50000, 0},
		{"negative account", 30, -10, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.gate.SizePosition(tc.price, tc.account); got != tc.want {
				t.Errorf("SizePosition(%v, %v) = %d, want %d", tc.price, tc.account, got, tc.want)
			}
		})
	}
}

func TestStopPriceRoundsToCents(t *testing.T) {
	f := newFixture(t, defaultLimits)
	if got := f.gate.StopPrice(12.345); got != 12.22 {
		t.Errorf("StopPrice(12.345) = %v, want 12.22", got)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	f := newFixture(t, defaultLimits)
	f.open(t, "AAA", "BBB", "CCC")

	d := f.gate.CheckPreTrade("DDD")
	if d.Admit || d.Reason != ReasonConcurrencyLimit {
		t.Fatalf("4th symbol: got %s, want DENY(CONCURRENCY_LIMIT)", d)
	}
}

func TestDuplicateSymbol(t *testing.T) {
	f := newFixture(t, defaultLimits)
	f.open(t, "ABC")

	if d := f.gate.CheckPreTrade("ABC"); d.Admit || d.Reason != ReasonDuplicateSymbol {
		t.Fatalf("got %s, want DENY(DUPLICATE_SYMBOL)", d)
	}
	if d := f.gate.CheckPreTrade("XYZ"); !d.Admit {
		t.Fatalf("other symbol: got %s, want ADMIT", d)
	}
}

func TestDailyLimitAndRollover(t *testing.T) {
	f := newFixture(t, Limits{MaxDailyTrades: 2, MaxConcurrentPositions: 5, PositionSizePct: 3, StopLossPct: 1})

	for i := 0; i < 2; i++ {
		if d := f.gate.CheckPreTrade("ABC"); !d.Admit {
			t.Fatalf("trade %d: got %s", i, d)
		}
		if err := f.gate.RecordTrade(); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}
	if d := f.gate.CheckPreTrade("ABC"); d.Reason != ReasonDailyLimit {
		t.Fatalf("after cap: got %s, want DENY(DAILY_LIMIT)", d)
	}
	if got := f.gate.Stats().TradesRemaining; got != 0 {
		t.Errorf("TradesRemaining = %d, want 0", got)
	}

	// 16:30 EDT belongs to the next trading day
	f.now = time.Date(2025, 8, 4, 20, 30, 0, 0, time.UTC)
	if got := f.gate.TradesTaken(); got != 0 {
		t.Errorf("TradesTaken after cutoff = %d, want 0", got)
	}
	if d := f.gate.CheckPreTrade("ABC"); !d.Admit {
		t.Fatalf("next day: got %s, want ADMIT", d)
	}
	saved := f.store.Last()
	if saved.DailyCounters.TradeDate != "2025-08-05" || saved.DailyCounters.TradesTaken != 0 {
		t.Errorf("rollover not persisted: %+v", saved.DailyCounters)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, defaultLimits)
	f.open(t, "ABC")
	if err := f.gate.RecordTrade(); err != nil {
		t.Fatal(err)
	}
	for _, pnl := range []float64{12.5, -4.25} {
		if err := f.gate.RecordClose(models.TradeRecord{Symbol: "X", PnL: pnl}); err != nil {
			t.Fatal(err)
		}
	}

	s := f.gate.Stats()
	if s.TradeDate != "2025-08-04" || s.TradesTaken != 1 || s.TradesClosed != 2 || s.PositionsOpen != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.PnL != 8.25 {
		t.Errorf("PnL = %v, want 8.25", s.PnL)
	}
	if s.WinRate != 50 {
		t.Errorf("WinRate = %v, want 50", s.WinRate)
	}
	if s.TradesRemaining != 29 {
		t.Errorf("TradesRemaining = %d, want 29", s.TradesRemaining)
	}
}

func TestPnL(t *testing.T) {
	pnl, pct := PnL(30, 30.6, 50)
	if pnl != 30 || pct != 2 {
		t.Errorf("PnL(30, 30.6, 50) = %v, %v", pnl, pct)
	}
	pnl, pct = PnL(0, 5, 1)
	if pnl != 5 || pct != 0 {
		t.Errorf("zero entry: %v, %v", pnl, pct)
	}
}

func TestSetClockWhileChecking(t *testing.T) {
	f := newFixture(t, defaultLimits)
	base := f.now

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			at := base.Add(time.Duration(i) * time.Second)
			f.gate.SetClock(func() time.Time { return at })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if d := f.gate.CheckPreTrade("ABC"); !d.Admit {
				t.Errorf("denied: %s", d)
				return
			}
		}
	}()
	wg.Wait()
	if got := f.gate.Stats().TradeDate; got != "2025-08-04" {
		t.Errorf("trade date = %q", got)
	}
}
