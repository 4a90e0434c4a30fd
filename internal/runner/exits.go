package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"signal_trader/internal/metrics"
	"signal_trader/internal/models"
	"signal_trader/internal/risk"
	"signal_trader/pkg/logger"
)

func (e *Engine) exitOnce(ctx context.Context) (time.Duration, error) {
	var errs error
	for _, d := range e.Scheduler.Due(e.now()) {
		if !e.running.Load() || ctx.Err() != nil {
			break
		}
		errs = multierr.Append(errs, e.closeOne(ctx, d.Position, models.ExitTime))
	}
	errs = multierr.Append(errs, e.Holder.Flush())
	return e.set.ExitInterval, errs
}

// closeOne closes p at the broker and records the trade. A symbol already in the exiting set is skipped.
func (e *Engine) closeOne(ctx context.Context, p models.Position, reason models.ExitReason) error {
	if !e.tryBeginExit(p.Symbol) {
		logger.Debug("[EXIT] %s close already in flight", p.Symbol)
		return nil
	}
	defer e.endExit(p.Symbol)

	bctx, cancel := e.brokerCtx(ctx)
	start := time.Now()
	fill, ok, err := e.Gateway.ClosePosition(bctx, p.Symbol, p.Shares)
	e.observe("close_position", start)
	cancel()
	if err != nil {
		return models.WithKind(models.KindConnectivity, errors.Wrapf(err, "close %s", p.Symbol))
	}

	if !ok {
		// closed outside the engine, e.g. the protective stop fired
		logger.Warn("[EXIT] %s already flat at broker, dropping without a trade record", p.Symbol)
		metrics.Discrepancies.WithLabelValues("PHANTOM").Inc()
		if err := e.Tracker.Remove(p.Symbol); err != nil {
			return err
		}
		metrics.OpenPositions.Set(float64(e.Tracker.Count()))
		return nil
	}

	if fill <= 0 {
		logger.Warn("[EXIT] %s fill price unknown, recording at entry %.2f", p.Symbol, p.EntryPrice)
		fill = p.EntryPrice
	}
	exitTime := e.now()
	pnl, pct := risk.PnL(p.EntryPrice, fill, p.Shares)
	rec := models.TradeRecord{
		Symbol:     p.Symbol,
		EntryPrice: p.EntryPrice,
		ExitPrice:  fill,
		Shares:     p.Shares,
		EntryTime:  p.EntryTime,
		ExitTime:   exitTime,
		PnL:        pnl,
		PnLPct:     pct,
		ExitReason: reason,
		Recovered:  p.Recovered,
	}

	var errs error
	errs = multierr.Append(errs, e.Tracker.Remove(p.Symbol))
	errs = multierr.Append(errs, e.Gate.RecordClose(rec))
	jctx, jcancel := e.brokerCtx(ctx)
	if err := e.Journal.Record(jctx, rec); err != nil {
		logger.Error("[EXIT] journal %s: %v", p.Symbol, err)
	}
	jcancel()

	metrics.Exits.WithLabelValues(string(reason)).Inc()
	metrics.OpenPositions.Set(float64(e.Tracker.Count()))
	st := e.Gate.Stats()
	metrics.DailyPnL.Set(st.PnL)
	logger.Info("[EXIT] SELL %s x%d @ %.2f (%s) pnl %.2f (%.2f%%) held %s | day pnl %.2f",
		p.Symbol, p.Shares, fill, reason, pnl, pct, exitTime.Sub(p.EntryTime).Round(time.Second), st.PnL)
	e.Notifier.Sendf("🔴 SELL %s x%d @ %.2f (%s): pnl %.2f (%.2f%%), day %.2f",
		p.Symbol, p.Shares, fill, reason, pnl, pct, st.PnL)
	return errs
}

// recoverPendingExits runs once at startup. Overdue exits close now, the rest keep their deadline.
// An open position without a pending exit gets one.
func (e *Engine) recoverPendingExits(ctx context.Context) {
	now := e.now()
	pending := e.Scheduler.Pending()
	for sym, p := range e.Tracker.OpenPositions() {
		pe, ok := pending[sym]
		if !ok {
			deadline := p.ExitDeadline
			if deadline.IsZero() {
				deadline = now.Add(e.set.HoldDuration)
			}
			if err := e.Scheduler.Schedule(sym, deadline, now); err != nil {
				logger.Error("[EXIT] reschedule %s: %v", sym, err)
			}
			pe = models.PendingExit{Symbol: sym, ExitDeadline: deadline, ScheduledAt: now}
			logger.Warn("[EXIT] %s had no pending exit, scheduled for %s", sym, deadline.Format(time.TimeOnly))
		}

		if pe.ExitDeadline.After(now) {
			logger.Info("[EXIT] %s exit in %s", sym, pe.ExitDeadline.Sub(now).Round(time.Second))
			continue
		}
		logger.Warn("[EXIT] %s exit overdue by %s, closing now", sym, now.Sub(pe.ExitDeadline).Round(time.Second))
		if err := e.closeOne(ctx, p, models.ExitRecoveredOverdue); err != nil {
			logger.Error("[EXIT] overdue close %s: %v, exit loop will retry", sym, err)
		}
	}
}

// closeAll flattens every tracked position the broker still holds. Symbols the broker reports flat
// are dropped from tracking without an order.
func (e *Engine) closeAll(ctx context.Context) error {
	positions := e.Tracker.OpenPositions()
	if len(positions) == 0 {
		return nil
	}

	bctx, cancel := e.brokerCtx(ctx)
	live, err := e.Gateway.Positions(bctx)
	cancel()
	var held map[string]int
	if err != nil {
		logger.Warn("[ENGINE] shutdown: broker positions unavailable, closing all tracked: %v", err)
	} else {
		held = make(map[string]int, len(live))
		for _, bp := range live {
			if bp.Shares != 0 {
				held[bp.Symbol] = bp.Shares
			}
		}
	}

	var errs error
	for sym, p := range positions {
		if held != nil {
			if _, ok := held[sym]; !ok {
				logger.Info("[ENGINE] shutdown: %s already flat, untracking", sym)
				errs = multierr.Append(errs, e.Tracker.Remove(sym))
				continue
			}
		}
		logger.Info("[ENGINE] shutdown: closing %s x%d", sym, p.Shares)
		errs = multierr.Append(errs, e.closeOne(ctx, p, models.ExitShutdown))
	}
	return errs
}
