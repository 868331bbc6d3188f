package store

import (
	"context"
	"time"
)

// Tx is the scoped unit of work handed to WithTx callbacks. Every write
// inside the callback commits together or not at all.
type Tx interface {
	AppendTrade(ctx context.Context, trade Trade) error
	CreatePosition(ctx context.Context, position Position) (int64, error)
	ClosePosition(ctx context.Context, id int64, exitPrice float64, closedAt time.Time, holdMinutes int, realizedPnL float64) error
	// ActivePosition returns the open record for symbol+side, if any.
	ActivePosition(ctx context.Context, symbol, side string) (Position, bool, error)
	TradesSince(ctx context.Context, since time.Time) ([]Trade, error)
	PositionsClosedSince(ctx context.Context, since time.Time) ([]Position, error)
}

type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
