package service

import (
	"context"

	"go.uber.org/multierr"

	"signal_trader/internal/models"
)

type Journal interface {
	Record(ctx context.Context, rec models.TradeRecord) error
}

// Multi writes to every journal and joins the failures.
type Multi []Journal

func (m Multi) Record(ctx context.Context, rec models.TradeRecord) error {
	var err error
	for _, j := range m {
		err = multierr.Append(err, j.Record(ctx, rec))
	}
	return err
}
