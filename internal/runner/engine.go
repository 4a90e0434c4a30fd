package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"signal_trader/internal/market"
	"signal_trader/internal/metrics"
	"signal_trader/internal/models"
	"signal_trader/internal/modules/config"
	hservice "signal_trader/internal/modules/health/service"
	jservice "signal_trader/internal/modules/journal/service"
	"signal_trader/internal/modules/state/service"
	"signal_trader/internal/notify"
	"signal_trader/internal/portfolio"
	"signal_trader/internal/risk"
	"signal_trader/pkg/logger"
	"signal_trader/pkg/tracing"
)

type Settings struct {
	PollInterval         time.Duration
	ClosedMarketInterval time.Duration
	ExitInterval         time.Duration
	ReconcileInterval    time.Duration
	BrokerTimeout        time.Duration
	ErrorBackoff         time.Duration
	ShutdownTimeout      time.Duration
	HoldDuration         time.Duration
	RetentionDays        int
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		PollInterval:         cfg.Alerts.PollInterval,
		ClosedMarketInterval: cfg.Alerts.ClosedMarketInterval,
		ExitInterval:         cfg.Engine.ExitInterval,
		ReconcileInterval:    cfg.Engine.ReconcileInterval,
		BrokerTimeout:        cfg.Engine.BrokerTimeout,
		ErrorBackoff:         cfg.Engine.ErrorBackoff,
		ShutdownTimeout:      cfg.Engine.ShutdownTimeout,
		HoldDuration:         cfg.Risk.HoldDuration,
		RetentionDays:        cfg.State.RetentionDays,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Holder    *service.Holder
	Dedup     *service.Deduplicator
	Gate      *risk.Gate
	Tracker   *portfolio.Tracker
	Scheduler *portfolio.Scheduler
	Calendar  *market.Calendar
	Gateway   models.BrokerGateway
	Source    models.AlertSource
	Journal   jservice.Journal
	Notifier  notify.Notifier
	Health    *hservice.State
}

// Engine owns the three loops and is the only writer of trading state.
type Engine struct {
	set Settings
	Deps

	clockMu sync.RWMutex
	clock   func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	entering map[string]struct{}
	exiting  map[string]struct{}
	// gen counts entry and exit claims per symbol, so sync can tell a symbol moved under it
	gen map[string]uint64
}

func NewEngine(set Settings, d Deps) *Engine {
	return &Engine{
		set:      set,
		Deps:     d,
		clock:    time.Now,
		entering: make(map[string]struct{}),
		exiting:  make(map[string]struct{}),
		gen:      make(map[string]uint64),
	}
}

// SetClock replaces the time source, tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.clockMu.Lock()
	e.clock = now
	e.clockMu.Unlock()
}

func (e *Engine) now() time.Time {
	e.clockMu.RLock()
	defer e.clockMu.RUnlock()
	return e.clock()
}

func (e *Engine) Running() bool { return e.running.Load() }

// Start loads state, connects, reconciles, recovers pending exits and launches the loops.
// Only a failed connect is returned as an error.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return nil
	}
	e.Holder.Load()
	e.purge()

	bctx, cancel := e.brokerCtx(ctx)
	ok, err := e.Gateway.Connect(bctx)
	cancel()
	if !ok {
		if err == nil {
			err = errors.New("gateway refused connection")
		}
		return models.WithKind(models.KindConnectivity, errors.Wrapf(err, "connect %s", e.Gateway.Name()))
	}
	e.Health.SetBrokerConnected(true)
	logger.Info("[ENGINE] connected to %s broker", e.Gateway.Name())

	if _, err := e.syncOnce(ctx); err != nil {
		logger.Error("[SYNC] startup reconcile failed: %v", err)
	}
	e.recoverPendingExits(ctx)

	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = loopCancel
	e.running.Store(true)

	e.wg.Add(3)
	go e.loop(loopCtx, hservice.LoopIngest, e.ingestOnce)
	go e.loop(loopCtx, hservice.LoopExit, e.exitOnce)
	go e.loop(loopCtx, hservice.LoopSync, e.syncLoopOnce)

	e.Health.SetReady(true)
	st := e.Gate.Stats()
	logger.Info("[ENGINE] started: open=%d trades_today=%d remaining=%d", st.PositionsOpen, st.TradesTaken, st.TradesRemaining)
	e.Notifier.Sendf("🚀 signal_trader started (%s): %d open, %d trades left today",
		e.Gateway.Name(), st.PositionsOpen, st.TradesRemaining)
	return nil
}

// Stop ends the loops, flattens what the broker still holds and saves the final state.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.Swap(false) {
		return nil
	}
	e.Health.SetReady(false)
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.set.ShutdownTimeout):
		logger.Warn("[ENGINE] loops did not stop within %s, continuing shutdown", e.set.ShutdownTimeout)
	case <-ctx.Done():
		logger.Warn("[ENGINE] stop context done before loops finished")
	}

	err := e.closeAll(ctx)
	if serr := e.Holder.Save(); serr != nil {
		err = multierr.Append(err, serr)
	}
	if err != nil {
		logger.Error("[ENGINE] stopped with errors: %v", err)
	} else {
		logger.Info("[ENGINE] stopped cleanly")
	}
	e.Notifier.Send("⏹ signal_trader stopped")
	return err
}

// StateOf reports where symbol is in the position lifecycle.
func (e *Engine) StateOf(symbol string) models.PositionState {
	e.mu.Lock()
	_, exiting := e.exiting[symbol]
	_, entering := e.entering[symbol]
	e.mu.Unlock()

	switch {
	case exiting:
		return models.StateExitPending
	case entering:
		return models.StateEntryPending
	case e.Tracker.Has(symbol):
		return models.StateOpen
	}

	today := e.Calendar.TradingDay(e.now())
	closed := false
	e.Holder.Read(func(st *models.PersistedState) {
		if st.DailyCounters.TradeDate != today {
			return
		}
		for _, rec := range st.DailyClosed {
			if rec.Symbol == symbol {
				closed = true
				return
			}
		}
	})
	if closed {
		return models.StateClosed
	}
	return models.StateNone
}

func (e *Engine) Snapshot() *models.PersistedState { return e.Holder.Snapshot() }

func (e *Engine) Stats() models.DailyStats { return e.Gate.Stats() }

func (e *Engine) OpenPositions() map[string]models.Position { return e.Tracker.OpenPositions() }

// tryBeginEntry claims symbol for an entry; fails while an entry or exit is in flight.
func (e *Engine) tryBeginEntry(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.exiting[symbol]; ok {
		return false
	}
	if _, ok := e.entering[symbol]; ok {
		return false
	}
	e.entering[symbol] = struct{}{}
	e.gen[symbol]++
	return true
}

func (e *Engine) endEntry(symbol string) {
	e.mu.Lock()
	delete(e.entering, symbol)
	e.mu.Unlock()
}

// tryBeginExit is the atomic check-and-insert into the exiting set.
func (e *Engine) tryBeginExit(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.exiting[symbol]; ok {
		return false
	}
	if _, ok := e.entering[symbol]; ok {
		return false
	}
	e.exiting[symbol] = struct{}{}
	e.gen[symbol]++
	return true
}

func (e *Engine) endExit(symbol string) {
	e.mu.Lock()
	delete(e.exiting, symbol)
	e.mu.Unlock()
}

// inFlight is a view of the entry and exit claims at one moment.
type inFlight struct {
	busy map[string]struct{}
	gen  map[string]uint64
}

func (e *Engine) markInFlight() inFlight {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := inFlight{
		busy: make(map[string]struct{}, len(e.entering)+len(e.exiting)),
		gen:  make(map[string]uint64, len(e.gen)),
	}
	for s := range e.entering {
		m.busy[s] = struct{}{}
	}
	for s := range e.exiting {
		m.busy[s] = struct{}{}
	}
	for s, g := range e.gen {
		m.gen[s] = g
	}
	return m
}

// unsettled lists symbols a broker snapshot taken after before cannot be trusted for:
// in flight then, in flight now, or claimed in between.
func (e *Engine) unsettled(before inFlight) map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]struct{}, len(before.busy))
	for s := range before.busy {
		out[s] = struct{}{}
	}
	for s := range e.entering {
		out[s] = struct{}{}
	}
	for s := range e.exiting {
		out[s] = struct{}{}
	}
	for s, g := range e.gen {
		if before.gen[s] != g {
			out[s] = struct{}{}
		}
	}
	return out
}

// brokerCtx bounds a broker call. Loop cancellation does not abort a call already in flight.
func (e *Engine) brokerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.set.BrokerTimeout)
}

func (e *Engine) observe(call string, start time.Time) {
	metrics.BrokerLatency.WithLabelValues(call).Observe(time.Since(start).Seconds())
}

type iteration func(ctx context.Context) (time.Duration, error)

func (e *Engine) loop(ctx context.Context, name hservice.Loop, fn iteration) {
	defer e.wg.Done()
	logger.Info("[ENGINE] %s loop started", name)
	defer logger.Info("[ENGINE] %s loop stopped", name)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !e.running.Load() {
			return
		}
		wait := e.safeIteration(ctx, name, fn)
		e.Health.Touch(name, e.now())
		timer.Reset(wait)
	}
}

// safeIteration runs one iteration; errors and panics are logged, counted and turn into a backoff.
func (e *Engine) safeIteration(ctx context.Context, name hservice.Loop, fn iteration) (wait time.Duration) {
	span, sctx := tracing.StartSpan(ctx, "loop."+string(name))
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		tracing.Finish(span, err)
		if err != nil {
			metrics.LoopErrors.WithLabelValues(string(name)).Inc()
			logger.Error("[%s] iteration failed: %v", name, err)
			wait = e.set.ErrorBackoff
		}
	}()
	wait, err = fn(sctx)
	return wait
}

func (e *Engine) purge() {
	today := e.Calendar.TradingDay(e.now())
	n, err := e.Dedup.Purge(today, e.set.RetentionDays)
	if err != nil {
		logger.Warn("[STATE] dedup purge: %v", err)
		return
	}
	if n > 0 {
		logger.Info("[STATE] purged %d old dedup partition(s)", n)
	}
}
