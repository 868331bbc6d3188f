package exchange

import "context"

type Side string

type PositionSide string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// CloseSide returns the order side that reduces a position on the given side.
func CloseSide(side PositionSide) Side {
	if side == PositionLong {
		return SideSell
	}
	return SideBuy
}

// Position is one leg as reported by the exchange. Amount is signed:
// negative means short.
type Position struct {
	Symbol        string
	Side          PositionSide
	Amount        float64
	EntryPrice    float64
	UnrealizedPnL float64
}

type MarketOrder struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}

// Fill is the result of a filled market order.
type Fill struct {
	OrderID      string
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Quantity     float64
	AvgPrice     float64
	RealizedPnL  float64
	Commission   float64
	Status       string
}

type Client interface {
	Positions(ctx context.Context, symbol string) ([]Position, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceMarketOrder(ctx context.Context, order MarketOrder) (Fill, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetHedgeMode(ctx context.Context, enabled bool) error
}
