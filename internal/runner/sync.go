package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"signal_trader/internal/metrics"
	"signal_trader/internal/models"
	"signal_trader/internal/portfolio"
	"signal_trader/pkg/logger"
)

func (e *Engine) syncLoopOnce(ctx context.Context) (time.Duration, error) {
	_, err := e.syncOnce(ctx)
	e.purge()
	return e.set.ReconcileInterval, err
}

// syncOnce reconciles tracked positions with the broker. Symbols with an entry or exit in
// flight around the Positions call are left out, the snapshot may predate their fill.
func (e *Engine) syncOnce(ctx context.Context) ([]portfolio.Discrepancy, error) {
	before := e.markInFlight()
	bctx, cancel := e.brokerCtx(ctx)
	start := time.Now()
	live, err := e.Gateway.Positions(bctx)
	e.observe("positions", start)
	cancel()
	if err != nil {
		e.Health.SetBrokerConnected(false)
		return nil, models.WithKind(models.KindConnectivity, errors.Wrap(err, "broker positions"))
	}
	e.Health.SetBrokerConnected(true)

	skip := e.unsettled(before)
	if len(skip) > 0 {
		logger.Debug("[SYNC] %d symbol(s) in flight, left for the next pass", len(skip))
	}
	found, err := e.Tracker.Reconcile(live, skip, e.now())
	for _, d := range found {
		metrics.Discrepancies.WithLabelValues(string(d.Kind)).Inc()
		switch d.Kind {
		case portfolio.Untracked:
			e.Notifier.Sendf("⚠️ recovered untracked %s x%d @ %.2f, exit in %s",
				d.Symbol, d.BrokerShares, d.AvgCost, e.Tracker.HoldDuration())
		case portfolio.Phantom:
			e.Notifier.Sendf("⚠️ %s closed outside the engine, removed from tracking", d.Symbol)
		}
	}
	metrics.OpenPositions.Set(float64(e.Tracker.Count()))
	if len(found) == 0 {
		logger.Debug("[SYNC] in sync: %d broker position(s)", len(live))
	}
	return found, err
}
