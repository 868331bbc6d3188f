package store

import "time"

// Trade is one filled order. Rows are append-only.
type Trade struct {
	ID           int64
	Timestamp    time.Time
	Symbol       string
	Side         string
	PositionSide string
	Quantity     float64
	Price        float64
	Notional     float64
	OrderID      string
	RealizedPnL  float64
	Commission   float64
	Status       string
}

// Position tracks one leg from open to close. A record is mutated exactly
// once, on close; rotation creates a new record instead of reopening one.
type Position struct {
	ID              int64
	Symbol          string
	Side            string
	OpenedAt        time.Time
	ClosedAt        *time.Time
	EntryPrice      float64
	ExitPrice       *float64
	Quantity        float64
	Leverage        int
	Notional        float64
	HoldTimeMinutes int
	RealizedPnL     float64
	Active          bool
}

// DailyStats is derived fresh from the day's trade and position rows, never
// updated incrementally.
type DailyStats struct {
	Date                  time.Time
	TotalVolume           float64
	NumTrades             int
	RealizedPnL           float64
	FeesPaid              float64
	EstimatedRewardPoints float64
}
