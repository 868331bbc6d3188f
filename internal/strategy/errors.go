package strategy

import (
	"errors"
	"fmt"

	"aster-rotator/internal/exchange"
)

var (
	ErrInvalidPrice = errors.New("mark price must be > 0")
	ErrZeroQuantity = errors.New("contract quantity rounds to zero")
)

// CloseReason explains why the risk sweep closed a pair.
type CloseReason string

const (
	ReasonStopLoss CloseReason = "stop_loss"
	ReasonDrift    CloseReason = "drift"
)

// PartialExecutionError reports that the first leg of a pair filled but the
// second did not, leaving an unhedged position on the exchange.
type PartialExecutionError struct {
	Symbol     string
	FilledSide exchange.PositionSide
	Err        error
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("partial execution on %s: %s leg filled, opposite leg failed: %v", e.Symbol, e.FilledSide, e.Err)
}

func (e *PartialExecutionError) Unwrap() error {
	return e.Err
}
