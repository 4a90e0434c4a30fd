package models

import "time"

// Position is one open holding, keyed by symbol.
type Position struct {
	Symbol       string    `json:"symbol"`
	Shares       int       `json:"shares"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	StopPrice    float64   `json:"stop_price"`
	ExitDeadline time.Time `json:"exit_deadline"`
	OrderRef     OrderRef  `json:"order_ref"`
	// Recovered positions were found at the broker without a local record.
	// EntryPrice is the broker avg cost and EntryTime is the reconcile time, both approximate.
	Recovered bool `json:"recovered"`
}

// PendingExit is the exit schedule, kept apart from Position so it survives restarts on its own.
type PendingExit struct {
	Symbol       string    `json:"symbol"`
	ExitDeadline time.Time `json:"exit_deadline"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// PositionState is the lifecycle of a symbol inside the engine.
type PositionState string

const (
	StateNone         PositionState = "NONE"
	StateEntryPending PositionState = "ENTRY_PENDING"
	StateOpen         PositionState = "OPEN"
	StateExitPending  PositionState = "EXIT_PENDING"
	StateClosed       PositionState = "CLOSED"
)

type ExitReason string

const (
	ExitTime             ExitReason = "TIME_EXIT"
	ExitShutdown         ExitReason = "SHUTDOWN"
	ExitRecoveredOverdue ExitReason = "RECOVERED_OVERDUE"
)

// TradeRecord is append-only history, written once on close.
type TradeRecord struct {
	Symbol     string     `json:"symbol"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Shares     int        `json:"shares"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   time.Time  `json:"exit_time"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnl_pct"`
	ExitReason ExitReason `json:"exit_reason"`
	Recovered  bool       `json:"recovered"`
}

// DailyStats is the per trading day summary for logs and /healthz.
type DailyStats struct {
	TradeDate       string  `json:"trade_date"`
	TradesTaken     int     `json:"trades_taken"`
	TradesClosed    int     `json:"trades_closed"`
	PnL             float64 `json:"pnl"`
	WinRate         float64 `json:"win_rate"`
	PositionsOpen   int     `json:"positions_open"`
	TradesRemaining int     `json:"trades_remaining"`
}
