package strategy

import (
	"time"

	"aster-rotator/internal/exchange"
)

type State string

type Event string

const (
	StateEmpty    State = "EMPTY"
	StateOpening  State = "OPENING"
	StateHolding  State = "HOLDING"
	StateRotating State = "ROTATING"
)

const (
	EventOpen      Event = "OPEN"
	EventOpened    Event = "OPENED"
	EventRotate    Event = "ROTATE"
	EventAbort     Event = "ABORT"
	EventRiskClose Event = "RISK_CLOSE"
)

// TrackedPosition is the engine's record of one leg it opened. StoreID
// links back to the persisted row so the close can be recorded against it.
type TrackedPosition struct {
	Side       exchange.PositionSide
	Quantity   float64
	EntryPrice float64
	OpenedAt   time.Time
	StoreID    int64
}
