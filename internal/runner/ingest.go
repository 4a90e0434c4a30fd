package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"signal_trader/internal/metrics"
	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

func (e *Engine) ingestOnce(ctx context.Context) (time.Duration, error) {
	bctx, cancel := e.brokerCtx(ctx)
	open := e.Gateway.IsMarketOpen(bctx)
	cancel()
	if !open {
		logger.Debug("[INGEST] market closed, next check in %s", e.set.ClosedMarketInterval)
		return e.set.ClosedMarketInterval, nil
	}

	bctx, cancel = e.brokerCtx(ctx)
	connected := e.Gateway.IsConnected(bctx)
	cancel()
	e.Health.SetBrokerConnected(connected)
	if !connected {
		return 0, models.WithKind(models.KindConnectivity, errors.New("broker disconnected"))
	}

	signals, err := e.Source.GetNewSignals(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read signals")
	}
	for _, sig := range signals {
		if !e.running.Load() || ctx.Err() != nil {
			break
		}
		e.processSignal(ctx, sig)
	}
	return e.set.PollInterval, nil
}

// processSignal takes one signal through dedup, risk, sizing and entry.
// The signal id is persisted before the order goes out, so a crash never re-enters it.
func (e *Engine) processSignal(ctx context.Context, sig models.Signal) {
	day := e.Calendar.TradingDay(e.now())
	if e.Dedup.IsProcessed(sig.ID, day) {
		metrics.Signals.WithLabelValues("duplicate").Inc()
		logger.Debug("[INGEST] %s already processed", sig.ID)
		return
	}

	if !e.tryBeginEntry(sig.Symbol) {
		metrics.Signals.WithLabelValues("in_flight").Inc()
		logger.Info("[INGEST] %s skipped, %s has an order in flight", sig.ID, sig.Symbol)
		e.discard(sig.ID, day)
		return
	}
	defer e.endEntry(sig.Symbol)

	d := e.Gate.CheckPreTrade(sig.Symbol)
	if !d.Admit {
		metrics.Signals.WithLabelValues("denied").Inc()
		metrics.RiskDenials.WithLabelValues(string(d.Reason)).Inc()
		logger.Info("[INGEST] %s denied: %s", sig.ID, d.Reason)
		e.discard(sig.ID, day)
		return
	}

	bctx, cancel := e.brokerCtx(ctx)
	start := time.Now()
	account, err := e.Gateway.AccountValue(bctx)
	e.observe("account_value", start)
	cancel()
	if err != nil {
		metrics.Signals.WithLabelValues("error").Inc()
		logger.Error("[INGEST] %s: account value: %v", sig.ID, models.WithKind(models.KindConnectivity, err))
		return
	}

	shares := e.Gate.SizePosition(sig.Price, account)
	if shares == 0 {
		metrics.Signals.WithLabelValues("sizing").Inc()
		logger.Warn("[INGEST] %s: sizing failed (price=%.2f account=%.2f)", sig.ID, sig.Price, account)
		e.discard(sig.ID, day)
		return
	}
	stop := e.Gate.StopPrice(sig.Price)

	if err := e.Dedup.MarkProcessed(sig.ID, day); err != nil {
		metrics.Signals.WithLabelValues("error").Inc()
		logger.Error("[INGEST] %s: not entering, dedup not persisted: %v", sig.ID, err)
		return
	}

	bctx, cancel = e.brokerCtx(ctx)
	start = time.Now()
	ref, err := e.Gateway.PlaceEntry(bctx, sig.Symbol, shares, stop)
	e.observe("place_entry", start)
	cancel()
	if err != nil {
		metrics.Signals.WithLabelValues("error").Inc()
		logger.Error("[INGEST] %s: entry %s x%d failed: %v", sig.ID, sig.Symbol, shares, err)
		e.Notifier.Sendf("❗️ entry %s x%d failed: %v", sig.Symbol, shares, err)
		return
	}

	now := e.now()
	deadline := now.Add(e.set.HoldDuration)
	pos := models.Position{
		Symbol:       sig.Symbol,
		Shares:       shares,
		EntryPrice:   sig.Price,
		EntryTime:    now,
		StopPrice:    stop,
		ExitDeadline: deadline,
		OrderRef:     ref,
	}
	if err := e.Tracker.Add(pos); err != nil {
		logger.Error("[INGEST] %s: %v", sig.Symbol, err)
	}
	if err := e.Scheduler.Schedule(sig.Symbol, deadline, now); err != nil {
		logger.Error("[INGEST] %s: %v", sig.Symbol, err)
	}
	if err := e.Gate.RecordTrade(); err != nil {
		logger.Error("[INGEST] %s: %v", sig.Symbol, err)
	}

	metrics.Signals.WithLabelValues("entered").Inc()
	metrics.OpenPositions.Set(float64(e.Tracker.Count()))
	st := e.Gate.Stats()
	logger.Info("[INGEST] BUY %s x%d @ %.2f stop %.2f exit %s order %s | today %d/%d open %d",
		sig.Symbol, shares, sig.Price, stop, deadline.Format(time.TimeOnly), ref,
		st.TradesTaken, st.TradesTaken+st.TradesRemaining, st.PositionsOpen)
	msg := "🟢 BUY %s x%d @ %.2f stop %.2f, exit at %s"
	if sig.Resistance > 0 {
		e.Notifier.Sendf(msg+", next resistance %.2f", sig.Symbol, shares, sig.Price, stop,
			deadline.In(e.Calendar.Location()).Format(time.TimeOnly), sig.Resistance)
	} else {
		e.Notifier.Sendf(msg, sig.Symbol, shares, sig.Price, stop,
			deadline.In(e.Calendar.Location()).Format(time.TimeOnly))
	}
}

// discard marks a signal that will not be acted on, so it is not reconsidered after a restart.
func (e *Engine) discard(id, day string) {
	if err := e.Dedup.MarkProcessed(id, day); err != nil {
		logger.Warn("[INGEST] %s: %v", id, err)
	}
}
