package service

import (
	"context"
	"fmt"

	"signal_trader/internal/models"
	"signal_trader/pkg/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id          BIGSERIAL PRIMARY KEY,
    symbol      TEXT        NOT NULL,
    shares      INTEGER     NOT NULL,
    entry_price NUMERIC(14,4) NOT NULL,
    exit_price  NUMERIC(14,4) NOT NULL,
    entry_time  TIMESTAMPTZ NOT NULL,
    exit_time   TIMESTAMPTZ NOT NULL,
    pnl         NUMERIC(14,2) NOT NULL,
    pnl_pct     NUMERIC(10,4) NOT NULL,
    exit_reason TEXT        NOT NULL,
    recovered   BOOLEAN     NOT NULL DEFAULT FALSE,
    UNIQUE (symbol, entry_time, exit_time)
)`

const insertTrade = `
INSERT INTO trades (symbol, shares, entry_price, exit_price, entry_time, exit_time, pnl, pnl_pct, exit_reason, recovered)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (symbol, entry_time, exit_time) DO NOTHING`

// PgJournal writes closed trades to postgres.
type PgJournal struct {
	db db.TxManager
}

func NewPgJournal(m db.TxManager) *PgJournal {
	return &PgJournal{db: m}
}

func (j *PgJournal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.Conn().Exec(ctx, schema); err != nil {
		return fmt.Errorf("PgJournal.EnsureSchema: %w", err)
	}
	return nil
}

func (j *PgJournal) Record(ctx context.Context, rec models.TradeRecord) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("PgJournal.Record: %w", err)
		}
	}()
	return j.db.RunMaster(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctxTx, insertTrade,
			rec.Symbol, rec.Shares, rec.EntryPrice, rec.ExitPrice,
			rec.EntryTime, rec.ExitTime, rec.PnL, rec.PnLPct,
			string(rec.ExitReason), rec.Recovered,
		)
		return err
	})
}
