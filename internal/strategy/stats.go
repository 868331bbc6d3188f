package strategy

import (
	"time"

	"aster-rotator/internal/store"
)

const (
	holdMultiplier = 10.0
	baseMultiplier = 1.0
)

// ComputeDailyStats derives the day's aggregate row from raw trade and
// position records. Volume counts every fill's notional. Reward points are
// estimated as traded volume plus time-weighted held notional, where legs
// held past the minimum hold earn the boosted multiplier.
func ComputeDailyStats(date time.Time, trades []store.Trade, closed []store.Position, minHoldMinutes int) store.DailyStats {
	stats := store.DailyStats{Date: date}
	for _, trade := range trades {
		stats.TotalVolume += trade.Notional
		stats.NumTrades++
		stats.RealizedPnL += trade.RealizedPnL
		stats.FeesPaid += trade.Commission
	}
	points := stats.TotalVolume
	for _, pos := range closed {
		multiplier := baseMultiplier
		if pos.HoldTimeMinutes >= minHoldMinutes {
			multiplier = holdMultiplier
		}
		points += pos.Notional * float64(pos.HoldTimeMinutes) * multiplier
	}
	stats.EstimatedRewardPoints = points
	return stats
}
