package strategy

import (
	"context"
	"math/rand"
	"time"
)

const (
	legDelayMin = 2 * time.Second
	legDelayMax = 5 * time.Second

	rotationDelayMin = 5 * time.Second
	rotationDelayMax = 10 * time.Second

	qtyJitterPct = 0.05
)

// Delayer sleeps for a random duration inside [min, max]. The engine uses
// it between order legs so placement timing does not look scripted.
type Delayer interface {
	Wait(ctx context.Context, min, max time.Duration) error
}

type randomDelayer struct {
	rng *rand.Rand
}

func NewDelayer(rng *rand.Rand) Delayer {
	return &randomDelayer{rng: rng}
}

func (d *randomDelayer) Wait(ctx context.Context, min, max time.Duration) error {
	delay := min
	if max > min {
		delay += time.Duration(d.rng.Int63n(int64(max - min + 1)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// qtyJitterFactor returns a multiplier in [0.95, 1.05].
func qtyJitterFactor(rng *rand.Rand) float64 {
	return 1 - qtyJitterPct + rng.Float64()*2*qtyJitterPct
}
