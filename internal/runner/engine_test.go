package runner

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"signal_trader/internal/market"
	"signal_trader/internal/models"
	bservice "signal_trader/internal/modules/broker/service"
	hservice "signal_trader/internal/modules/health/service"
	"signal_trader/internal/modules/state/service"
	"signal_trader/internal/notify"
	"signal_trader/internal/portfolio"
	"signal_trader/internal/risk"
	"signal_trader/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}

// Monday 2025-08-04 10:00 New York
var t0 = time.Date(2025, 8, 4, 14, 0, 0, 0, time.UTC)

type queueSource struct {
	mu   sync.Mutex
	next [][]models.Signal
}

func (q *queueSource) push(sigs ...models.Signal) {
	q.mu.Lock()
	q.next = append(q.next, sigs)
	q.mu.Unlock()
}

func (q *queueSource) GetNewSignals(context.Context) ([]models.Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.next) == 0 {
		return nil, nil
	}
	out := q.next[0]
	q.next = q.next[1:]
	return out, nil
}

type memJournal struct {
	mu   sync.Mutex
	recs []models.TradeRecord
}

func (j *memJournal) Record(_ context.Context, rec models.TradeRecord) error {
	j.mu.Lock()
	j.recs = append(j.recs, rec)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) all() []models.TradeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.TradeRecord(nil), j.recs...)
}

type harness struct {
	e       *Engine
	store   *service.MemoryStore
	paper   *bservice.Paper
	src     *queueSource
	journal *memJournal

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, maxConcurrent int) *harness {
	t.Helper()
	cal, err := market.NewCalendar("America/New_York", "09:30", "16:00", 16, true)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		store:   service.NewMemoryStore(),
		src:     &queueSource{},
		journal: &memJournal{},
		now:     t0,
	}
	holder := service.NewHolder(h.store)
	holder.SetClock(h.clock)
	gate := risk.NewGate(holder, cal, risk.Limits{
		MaxDailyTrades:         30,
		MaxConcurrentPositions: maxConcurrent,
		PositionSizePct:        3,
		StopLossPct:            1,
	})
	gate.SetClock(h.clock)
	h.paper = bservice.NewPaper(50000, cal)
	h.paper.SetClock(h.clock)

	set := Settings{
		PollInterval:         10 * time.Millisecond,
		ClosedMarketInterval: 10 * time.Millisecond,
		ExitInterval:         10 * time.Millisecond,
		ReconcileInterval:    10 * time.Millisecond,
		BrokerTimeout:        time.Second,
		ErrorBackoff:         10 * time.Millisecond,
		ShutdownTimeout:      time.Second,
		HoldDuration:         10 * time.Minute,
		RetentionDays:        7,
	}
	h.e = NewEngine(set, Deps{
		Holder:    holder,
		Dedup:     service.NewDeduplicator(holder),
		Gate:      gate,
		Tracker:   portfolio.NewTracker(holder, set.HoldDuration, 1),
		Scheduler: portfolio.NewScheduler(holder),
		Calendar:  cal,
		Gateway:   h.paper,
		Source:    h.src,
		Journal:   h.journal,
		Notifier:  notify.NewStdout(),
		Health:    hservice.NewState(),
	})
	h.e.SetClock(h.clock)
	return h
}

// connect without starting the loops
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if ok, err := h.paper.Connect(context.Background()); !ok || err != nil {
		t.Fatal(ok, err)
	}
	h.e.running.Store(true)
}

func signal(ts, sym string, price float64) models.Signal {
	return models.Signal{ID: models.SignalID(ts, sym), Symbol: sym, Price: price, ObservedAt: t0}
}

func (h *harness) enter(t *testing.T, sym string, price float64) {
	t.Helper()
	h.paper.SetPrice(sym, price)
	h.e.processSignal(context.Background(), signal("09:45:01", sym, price))
	if h.e.StateOf(sym) != models.StateOpen {
		t.Fatalf("%s not open after entry", sym)
	}
}

func TestIngestEntersOnceAndPersistsDedup(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	ctx := context.Background()

	sig := signal("09:45:01", "ABC", 30)
	h.paper.SetPrice("ABC", 30)
	h.src.push(sig)
	h.src.push(sig)

	for i := 0; i < 2; i++ {
		if _, err := h.e.ingestOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if n := len(h.paper.Orders()); n != 1 {
		t.Fatalf("orders = %d, want 1", n)
	}
	p, ok := h.e.Tracker.Get("ABC")
	if !ok || p.Shares != 50 || p.StopPrice != 29.7 || !p.ExitDeadline.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("position = %+v", p)
	}
	saved := h.store.Last()
	if !saved.ProcessedSignalIDs["2025-08-04"].Has(sig.ID) {
		t.Error("signal id not persisted")
	}
	if saved.DailyCounters.TradesTaken != 1 {
		t.Errorf("trades taken = %d", saved.DailyCounters.TradesTaken)
	}
	if _, ok := saved.PendingExits["ABC"]; !ok {
		t.Error("pending exit not persisted")
	}
}

func TestFourthSymbolDeniedAtConcurrencyCap(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	for _, s := range []string{"AAA", "BBB", "CCC"} {
		h.enter(t, s, 10)
	}

	h.paper.SetPrice("DDD", 10)
	h.e.processSignal(context.Background(), signal("09:50:00", "DDD", 10))

	if n := len(h.paper.Orders()); n != 3 {
		t.Fatalf("orders = %d, want 3", n)
	}
	if h.e.StateOf("DDD") != models.StateNone {
		t.Errorf("DDD state = %s", h.e.StateOf("DDD"))
	}
	if !h.e.Dedup.IsProcessed(models.SignalID("09:50:00", "DDD"), "2025-08-04") {
		t.Error("denied signal not marked processed")
	}
}

func TestMarketClosedSkipsIngestion(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	closed := false
	h.paper.SetMarketOpen(&closed)
	h.src.push(signal("09:45:01", "ABC", 30))

	wait, err := h.e.ingestOnce(context.Background())
	if err != nil || wait != h.e.set.ClosedMarketInterval {
		t.Fatalf("ingestOnce = %s, %v", wait, err)
	}
	if len(h.paper.Orders()) != 0 {
		t.Fatal("ordered while market closed")
	}
}

func TestExitClosesDuePosition(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.enter(t, "ABC", 30)
	ctx := context.Background()

	h.advance(5 * time.Minute)
	if _, err := h.e.exitOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if h.e.StateOf("ABC") != models.StateOpen {
		t.Fatal("closed before deadline")
	}

	h.advance(5 * time.Minute)
	h.paper.SetPrice("ABC", 30.6)
	if _, err := h.e.exitOnce(ctx); err != nil {
		t.Fatal(err)
	}

	recs := h.journal.all()
	if len(recs) != 1 {
		t.Fatalf("journal = %+v", recs)
	}
	r := recs[0]
	if r.ExitReason != models.ExitTime || r.ExitPrice != 30.6 || r.PnL != 30 || r.PnLPct != 2 || r.Shares != 50 {
		t.Errorf("record = %+v", r)
	}
	if h.e.StateOf("ABC") != models.StateClosed {
		t.Errorf("state = %s, want CLOSED", h.e.StateOf("ABC"))
	}
	if st := h.e.Stats(); st.TradesClosed != 1 || st.PnL != 30 || st.PositionsOpen != 0 {
		t.Errorf("stats = %+v", st)
	}
	if last := h.store.Last(); len(last.OpenPositions) != 0 || len(last.PendingExits) != 0 {
		t.Errorf("persisted after exit = %+v", last)
	}
}

func TestExitUsesEntryPriceWhenFillUnknown(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.enter(t, "ABC", 30)
	h.paper.SetPrice("ABC", 0)
	h.advance(10 * time.Minute)

	if _, err := h.e.exitOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	recs := h.journal.all()
	if len(recs) != 1 || recs[0].ExitPrice != 30 || recs[0].PnL != 0 {
		t.Fatalf("journal = %+v", recs)
	}
}

func TestExitingSetBlocksSecondClose(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.enter(t, "ABC", 30)
	p, _ := h.e.Tracker.Get("ABC")

	if !h.e.tryBeginExit("ABC") {
		t.Fatal("first claim failed")
	}
	if h.e.StateOf("ABC") != models.StateExitPending {
		t.Errorf("state = %s", h.e.StateOf("ABC"))
	}
	if err := h.e.closeOne(context.Background(), p, models.ExitTime); err != nil {
		t.Fatal(err)
	}
	for _, o := range h.paper.Orders() {
		if o.Close {
			t.Fatal("second close was sent")
		}
	}

	// ingestion must not touch a symbol that is exiting
	h.e.processSignal(context.Background(), signal("09:59:00", "ABC", 31))
	if n := len(h.paper.Orders()); n != 1 {
		t.Fatalf("orders = %d, want 1", n)
	}

	h.e.endExit("ABC")
	if h.e.StateOf("ABC") != models.StateOpen {
		t.Errorf("state after release = %s", h.e.StateOf("ABC"))
	}
}

func TestExitDropsPositionAlreadyFlat(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.enter(t, "ABC", 30)
	h.paper.SetPosition("ABC", 0, 0)
	h.advance(10 * time.Minute)

	if _, err := h.e.exitOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.e.Tracker.Has("ABC") {
		t.Fatal("ABC still tracked")
	}
	if len(h.journal.all()) != 0 {
		t.Fatal("trade record written for a position closed elsewhere")
	}
}

func TestSyncRecoversAndRemoves(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.enter(t, "ABC", 30)
	h.paper.SetPosition("ABC", 0, 0)
	h.paper.SetPosition("XYZ", 20, 12.5)

	found, err := h.e.syncOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("discrepancies = %+v", found)
	}
	if h.e.Tracker.Has("ABC") {
		t.Error("phantom ABC kept")
	}
	p, ok := h.e.Tracker.Get("XYZ")
	if !ok || !p.Recovered {
		t.Fatalf("XYZ = %+v", p)
	}

	again, err := h.e.syncOnce(context.Background())
	if err != nil || len(again) != 0 {
		t.Fatalf("second sync = %+v, %v", again, err)
	}
}

// slowPositions hands out a broker snapshot only after release is closed.
type slowPositions struct {
	*bservice.Paper
	taken   chan struct{}
	release chan struct{}
}

func newSlowPositions(p *bservice.Paper) *slowPositions {
	return &slowPositions{Paper: p, taken: make(chan struct{}), release: make(chan struct{})}
}

func (s *slowPositions) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	out, err := s.Paper.Positions(ctx)
	close(s.taken)
	<-s.release
	return out, err
}

type syncResult struct {
	found []portfolio.Discrepancy
	err   error
}

// syncAround runs syncOnce and calls during while its broker snapshot is held back.
func (h *harness) syncAround(t *testing.T, during func()) []portfolio.Discrepancy {
	t.Helper()
	slow := newSlowPositions(h.paper)
	h.e.Gateway = slow
	done := make(chan syncResult, 1)
	go func() {
		found, err := h.e.syncOnce(context.Background())
		done <- syncResult{found, err}
	}()
	<-slow.taken
	during()
	close(slow.release)
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	return res.found
}

func TestSyncKeepsEntryFilledDuringSnapshot(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.paper.SetPrice("ABC", 30)

	found := h.syncAround(t, func() {
		h.e.processSignal(context.Background(), signal("09:45:01", "ABC", 30))
	})
	if len(found) != 0 {
		t.Fatalf("discrepancies = %+v", found)
	}
	p, ok := h.e.Tracker.Get("ABC")
	if !ok || p.Recovered || p.OrderRef == "" {
		t.Fatalf("ABC = %+v, tracked %v", p, ok)
	}
	if _, ok := h.e.Scheduler.Pending()["ABC"]; !ok {
		t.Error("ABC lost its pending exit")
	}
}

func TestSyncDoesNotRecoverExitClosedDuringSnapshot(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.enter(t, "ABC", 30)
	h.advance(10 * time.Minute)

	found := h.syncAround(t, func() {
		if _, err := h.e.exitOnce(context.Background()); err != nil {
			t.Error(err)
		}
	})
	if len(found) != 0 {
		t.Fatalf("discrepancies = %+v", found)
	}
	if h.e.Tracker.Has("ABC") {
		t.Error("closed ABC tracked again")
	}
	if n := len(h.journal.all()); n != 1 {
		t.Errorf("journal = %d records, want 1", n)
	}
	if d := h.e.Gate.CheckPreTrade("ABC"); !d.Admit {
		t.Errorf("ABC blocked after close: %s", d)
	}
}

func TestSetClockWhileExitLoopReads(t *testing.T) {
	h := newHarness(t, 3)
	h.connect(t)
	h.enter(t, "ABC", 30)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			at := t0.Add(time.Duration(i) * time.Second)
			h.e.SetClock(func() time.Time { return at })
		}
	}()
	for i := 0; i < 50; i++ {
		if _, err := h.e.exitOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	<-done
	if !h.e.Tracker.Has("ABC") {
		t.Error("ABC closed before its deadline")
	}
}

func TestStartFailsWithoutConnection(t *testing.T) {
	h := newHarness(t, 3)
	h.paper.SetConnectError(errors.New("gateway down"))

	err := h.e.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded without a connection")
	}
	var ke *models.KindError
	if !errors.As(err, &ke) || ke.Kind != models.KindConnectivity {
		t.Errorf("err = %v, want connectivity", err)
	}
	if h.e.Running() {
		t.Error("engine running after failed start")
	}
}

func TestStartClosesOverdueAndKeepsFutureExits(t *testing.T) {
	h := newHarness(t, 3)
	st := models.NewPersistedState()
	for sym, deadline := range map[string]time.Time{
		"OLD": t0.Add(-time.Minute),
		"NEW": t0.Add(5 * time.Minute),
	} {
		st.OpenPositions[sym] = models.Position{Symbol: sym, Shares: 10, EntryPrice: 20, EntryTime: deadline.Add(-10 * time.Minute), ExitDeadline: deadline}
		st.PendingExits[sym] = models.PendingExit{Symbol: sym, ExitDeadline: deadline}
		h.paper.SetPosition(sym, 10, 20)
	}
	if err := h.store.Save(st); err != nil {
		t.Fatal(err)
	}
	h.paper.SetPrice("OLD", 21)

	ctx := context.Background()
	if err := h.e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	recs := h.journal.all()
	if len(recs) != 1 || recs[0].Symbol != "OLD" || recs[0].ExitReason != models.ExitRecoveredOverdue || recs[0].PnL != 10 {
		t.Fatalf("journal after start = %+v", recs)
	}
	if !h.e.Tracker.Has("NEW") {
		t.Fatal("NEW closed early")
	}
	pe := h.e.Scheduler.Pending()["NEW"]
	if !pe.ExitDeadline.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("NEW deadline = %v", pe.ExitDeadline)
	}

	if err := h.e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStopFlattensOnlyWhatBrokerHolds(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.enter(t, "ABC", 30)
	h.enter(t, "DEF", 10)
	h.paper.SetPosition("DEF", 0, 0)

	if err := h.e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if h.e.Running() {
		t.Fatal("still running")
	}

	recs := h.journal.all()
	if len(recs) != 1 || recs[0].Symbol != "ABC" || recs[0].ExitReason != models.ExitShutdown {
		t.Fatalf("journal = %+v", recs)
	}
	last := h.store.Last()
	if len(last.OpenPositions) != 0 || len(last.PendingExits) != 0 {
		t.Errorf("final state = %+v", last)
	}
	if err := h.e.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSafeIterationRecoversPanic(t *testing.T) {
	h := newHarness(t, 3)
	wait := h.e.safeIteration(context.Background(), hservice.LoopExit, func(context.Context) (time.Duration, error) {
		panic("boom")
	})
	if wait != h.e.set.ErrorBackoff {
		t.Errorf("wait = %s, want error backoff", wait)
	}
	wait = h.e.safeIteration(context.Background(), hservice.LoopExit, func(context.Context) (time.Duration, error) {
		return time.Minute, nil
	})
	if wait != time.Minute {
		t.Errorf("wait = %s", wait)
	}
}
