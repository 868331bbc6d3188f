package strategy

import (
	"fmt"
	"math"

	"aster-rotator/internal/config"
	"aster-rotator/internal/exchange"
)

const (
	quantityDecimals  = 3
	exposureSafetyCap = 0.5
)

// RiskManager sizes orders and decides when open positions must be closed.
type RiskManager struct {
	capitalUSDT float64
	leverage    int
	positionPct float64
	stopLossPct float64
	maxDriftPct float64
}

func NewRiskManager(strat config.StrategyConfig, risk config.RiskConfig) *RiskManager {
	return &RiskManager{
		capitalUSDT: strat.CapitalUSDT,
		leverage:    strat.Leverage,
		positionPct: strat.MaxPositionSizePct,
		stopLossPct: risk.StopLossPct,
		maxDriftPct: risk.MaxDriftPct,
	}
}

// ContractQuantity converts the configured capital fraction into a contract
// quantity at the given mark price, rounded to the exchange's step size.
func (r *RiskManager) ContractQuantity(markPrice float64) (float64, error) {
	if markPrice <= 0 {
		return 0, fmt.Errorf("mark price %.8f: %w", markPrice, ErrInvalidPrice)
	}
	margin := r.capitalUSDT * (r.positionPct / 100)
	qty := roundTo(margin*float64(r.leverage)/markPrice, quantityDecimals)
	if qty == 0 {
		return 0, fmt.Errorf("price %.2f too high for margin %.2f: %w", markPrice, margin, ErrZeroQuantity)
	}
	return qty, nil
}

// ShouldClose checks one leg against the stop loss and drift thresholds.
// Stop loss wins when both trip. PnL percentages are measured against the
// leg's entry notional, symmetrically: a runaway gain on one leg means a
// runaway loss on its hedge.
func (r *RiskManager) ShouldClose(pos exchange.Position) (bool, CloseReason) {
	notional := math.Abs(pos.Amount) * pos.EntryPrice
	if notional == 0 {
		return false, ""
	}
	// Thresholds are exclusive: a leg sitting exactly on one keeps holding.
	pnlPct := pos.UnrealizedPnL / notional * 100
	if math.Abs(pnlPct) > r.stopLossPct {
		return true, ReasonStopLoss
	}
	if math.Abs(pnlPct) > r.maxDriftPct {
		return true, ReasonDrift
	}
	return false, ""
}

// Exposure sums the absolute entry notionals of all open legs.
func (r *RiskManager) Exposure(positions []exchange.Position) float64 {
	var total float64
	for _, pos := range positions {
		total += math.Abs(pos.Amount) * pos.EntryPrice
	}
	return total
}

// CanOpen reports whether adding prospective notional keeps total exposure
// inside half of the account's leveraged capital.
func (r *RiskManager) CanOpen(positions []exchange.Position, prospectiveNotional float64) bool {
	limit := r.capitalUSDT * float64(r.leverage) * exposureSafetyCap
	return r.Exposure(positions)+prospectiveNotional <= limit
}

func roundTo(value float64, decimals int) float64 {
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}
