package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

type entryRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Shares        int     `json:"shares"`
	StopPrice     float64 `json:"stop_price"`
}

type closeRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Shares        int    `json:"shares"`
}

// PlaceEntry sends a market buy with an attached protective stop.
func (b *Bridge) PlaceEntry(ctx context.Context, symbol string, shares int, stopPrice float64) (models.OrderRef, error) {
	if shares <= 0 {
		return "", fmt.Errorf("PlaceEntry: shares <= 0")
	}
	if stopPrice <= 0 {
		return "", fmt.Errorf("PlaceEntry: stopPrice <= 0")
	}
	if err := b.ensureConnected(ctx); err != nil {
		return "", err
	}

	req := entryRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Shares:        shares,
		StopPrice:     stopPrice,
	}
	var r struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := b.do(ctx, http.MethodPost, "/orders/entry", req, &r); err != nil {
		return "", errors.Wrapf(err, "entry %s", symbol)
	}
	if r.OrderID == "" {
		return "", fmt.Errorf("entry %s rejected: status=%q", symbol, r.Status)
	}
	logger.Info("[BROKER] entry %s x%d stop=%.2f -> order %s (%s)", symbol, shares, stopPrice, r.OrderID, r.Status)
	return models.OrderRef(r.OrderID), nil
}

// ClosePosition sends a market sell. 409 from the sidecar means the symbol is already flat.
func (b *Bridge) ClosePosition(ctx context.Context, symbol string, shares int) (float64, bool, error) {
	if err := b.ensureConnected(ctx); err != nil {
		return 0, false, err
	}

	req := closeRequest{ClientOrderID: uuid.NewString(), Symbol: symbol, Shares: shares}
	var r struct {
		OrderID   string `json:"order_id"`
		FillPrice any    `json:"fill_price"`
	}
	err := b.do(ctx, http.MethodPost, "/orders/close", req, &r)
	if errors.Is(err, errNothingToClose) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "close %s", symbol)
	}
	fill := cast.ToFloat64(r.FillPrice)
	logger.Info("[BROKER] close %s x%d -> order %s fill=%.4f", symbol, shares, r.OrderID, fill)
	return fill, true, nil
}
