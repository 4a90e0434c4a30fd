package models

import (
	"context"
	"time"
)

// Signal is one alert row from the feed. Only ID is ever persisted.
type Signal struct {
	ID          string // <raw timestamp>_<symbol>
	Symbol      string
	Price       float64
	ObservedAt  time.Time
	Description string
	Strategy    string
	Resistance  float64 // "Next resistance $X" from the description, 0 if absent
}

// SignalID builds the dedup key the same way for every source.
func SignalID(rawTimestamp, symbol string) string {
	return rawTimestamp + "_" + symbol
}

// AlertSource produces new signals. Implementations dedup across calls on their own,
// the engine dedups again against persisted state.
type AlertSource interface {
	GetNewSignals(ctx context.Context) ([]Signal, error)
}
