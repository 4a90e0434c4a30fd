package models

import "context"

// OrderRef identifies an accepted entry order at the broker.
type OrderRef string

// BrokerPosition is one position as reported by the broker.
type BrokerPosition struct {
	Symbol  string  `json:"symbol"`
	Shares  int     `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// BrokerGateway is the broker connectivity layer. Every call may fail or block;
// callers pass a context with their own timeout.
type BrokerGateway interface {
	Name() string
	Connect(ctx context.Context) (bool, error)
	IsConnected(ctx context.Context) bool
	AccountValue(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
	PlaceEntry(ctx context.Context, symbol string, shares int, stopPrice float64) (OrderRef, error)
	// ClosePosition returns ok=false when the broker holds nothing to close.
	// fillPrice is 0 when the fill is not known yet.
	ClosePosition(ctx context.Context, symbol string, shares int) (fillPrice float64, ok bool, err error)
	IsMarketOpen(ctx context.Context) bool
	Close() error
}
