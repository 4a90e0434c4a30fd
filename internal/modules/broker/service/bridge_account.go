package service

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

// AccountValue is the net liquidation value. The sidecar may send it as a string.
func (b *Bridge) AccountValue(ctx context.Context) (float64, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return 0, err
	}
	var r struct {
		NetLiquidation any `json:"net_liquidation"`
	}
	if err := b.do(ctx, http.MethodGet, "/account", nil, &r); err != nil {
		return 0, errors.Wrap(err, "bridge account")
	}
	v, err := cast.ToFloat64E(r.NetLiquidation)
	if err != nil {
		return 0, errors.Wrapf(err, "bridge account: bad net_liquidation %v", r.NetLiquidation)
	}
	return v, nil
}

func (b *Bridge) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol  string `json:"symbol"`
		Shares  any    `json:"shares"`
		AvgCost any    `json:"avg_cost"`
	}
	if err := b.do(ctx, http.MethodGet, "/positions", nil, &rows); err != nil {
		return nil, errors.Wrap(err, "bridge positions")
	}

	out := make([]models.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		shares, err := cast.ToIntE(r.Shares)
		if err != nil {
			logger.Warn("[BROKER] skip position %q: bad shares %v", r.Symbol, r.Shares)
			continue
		}
		out = append(out, models.BrokerPosition{
			Symbol:  strings.ToUpper(strings.TrimSpace(r.Symbol)),
			Shares:  shares,
			AvgCost: cast.ToFloat64(r.AvgCost),
		})
	}
	return out, nil
}

// IsMarketOpen asks the sidecar and falls back to the local calendar.
func (b *Bridge) IsMarketOpen(ctx context.Context) bool {
	var r struct {
		Open bool `json:"open"`
	}
	if err := b.do(ctx, http.MethodGet, "/market/open", nil, &r); err != nil {
		logger.Debug("[BROKER] market status from calendar: %v", err)
		return b.cal.IsOpen(time.Now())
	}
	return r.Open
}
