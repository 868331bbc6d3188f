package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"aster-rotator/internal/config"
	"aster-rotator/internal/exchange"
	"aster-rotator/internal/metrics"
	"aster-rotator/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const flatEpsilon = 1e-9

// Notifier pushes human-readable event messages to an operator channel.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Recorder mirrors derived rows to an external sink. Calls must not block
// the trading cycle.
type Recorder interface {
	RecordStats(stats store.DailyStats)
	RecordClosedPosition(position store.Position)
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, string) error { return nil }

type noopRecorder struct{}

func (noopRecorder) RecordStats(store.DailyStats)        {}
func (noopRecorder) RecordClosedPosition(store.Position) {}

// Engine runs the hold-and-rotate cycle: keep a delta neutral pair open,
// hold it past the reward threshold, then close and reopen it to generate
// volume. One Engine drives one symbol.
type Engine struct {
	cfg      config.StrategyConfig
	client   exchange.Client
	store    store.Store
	risk     *RiskManager
	sm       *StateMachine
	delayer  Delayer
	metrics  *metrics.Metrics
	notifier Notifier
	recorder Recorder
	log      *zap.Logger

	rng *rand.Rand
	now func() time.Time

	long  *TrackedPosition
	short *TrackedPosition
}

func NewEngine(
	cfg config.StrategyConfig,
	client exchange.Client,
	st store.Store,
	risk *RiskManager,
	delayer Delayer,
	m *metrics.Metrics,
	log *zap.Logger,
) *Engine {
	if m == nil {
		m = metrics.NewNoop()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if delayer == nil {
		delayer = NewDelayer(rng)
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		store:    st,
		risk:     risk,
		sm:       NewStateMachine(),
		delayer:  delayer,
		metrics:  m,
		notifier: noopNotifier{},
		recorder: noopRecorder{},
		log:      log,
		rng:      rng,
		now:      time.Now,
	}
}

func (e *Engine) SetNotifier(n Notifier) {
	if n != nil {
		e.notifier = n
	}
}

func (e *Engine) SetRecorder(r Recorder) {
	if r != nil {
		e.recorder = r
	}
}

func (e *Engine) State() State {
	return e.sm.State()
}

// Status summarizes the engine for operator queries.
func (e *Engine) Status() string {
	state := e.sm.State()
	if e.long == nil || e.short == nil {
		return fmt.Sprintf("%s %s", e.cfg.Symbol, state)
	}
	held := e.now().Sub(e.long.OpenedAt).Round(time.Minute)
	return fmt.Sprintf("%s %s qty %.3f held %s", e.cfg.Symbol, state, e.long.Quantity, held)
}

// Restore rebuilds tracked state from the store after a restart. Rows with
// no matching live position are closed at the current mark price.
func (e *Engine) Restore(ctx context.Context) error {
	var longRec, shortRec store.Position
	var haveLong, haveShort bool
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		longRec, haveLong, err = tx.ActivePosition(ctx, e.cfg.Symbol, string(exchange.PositionLong))
		if err != nil {
			return err
		}
		shortRec, haveShort, err = tx.ActivePosition(ctx, e.cfg.Symbol, string(exchange.PositionShort))
		return err
	})
	if err != nil {
		return err
	}
	if haveLong {
		e.long = &TrackedPosition{
			Side:       exchange.PositionLong,
			Quantity:   longRec.Quantity,
			EntryPrice: longRec.EntryPrice,
			OpenedAt:   longRec.OpenedAt,
			StoreID:    longRec.ID,
		}
	}
	if haveShort {
		e.short = &TrackedPosition{
			Side:       exchange.PositionShort,
			Quantity:   shortRec.Quantity,
			EntryPrice: shortRec.EntryPrice,
			OpenedAt:   shortRec.OpenedAt,
			StoreID:    shortRec.ID,
		}
	}
	if e.long != nil && e.short != nil {
		e.sm.SetState(StateHolding)
		e.log.Info("restored open pair",
			zap.String("symbol", e.cfg.Symbol),
			zap.Float64("qty", e.long.Quantity),
			zap.Time("opened_at", e.long.OpenedAt),
		)
	} else if e.long != nil || e.short != nil {
		e.log.Warn("restored a single leg, rotation or the risk sweep will resolve it",
			zap.Bool("long", e.long != nil),
			zap.Bool("short", e.short != nil),
		)
		e.sm.SetState(StateHolding)
	}
	return nil
}

// RunCycle executes one pass of the strategy: reconcile tracked state
// against the exchange, sweep risk, then open or rotate as the state
// machine allows. A failed cycle leaves the book flat or untouched, never
// half-rotated.
func (e *Engine) RunCycle(ctx context.Context) error {
	live, err := e.client.Positions(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	markPrice, err := e.client.MarkPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch mark price: %w", err)
	}
	if markPrice <= 0 {
		return fmt.Errorf("mark price %.8f: %w", markPrice, ErrInvalidPrice)
	}

	dropped, err := e.reconcile(ctx, live, markPrice)
	if err != nil {
		return err
	}
	closed, err := e.sweepRisk(ctx, live)
	if err != nil {
		return err
	}
	if dropped || closed {
		// A cleanup cycle never reopens. The next cycle starts fresh
		// from whatever state the cleanup left.
		e.updateDailyStats(ctx)
		return nil
	}

	switch e.sm.State() {
	case StateEmpty:
		if err := e.openPair(ctx, live, markPrice); err != nil {
			return err
		}
	case StateHolding:
		rotate, err := e.shouldRotate(ctx)
		if err != nil {
			return err
		}
		if rotate {
			if err := e.rotatePair(ctx, live); err != nil {
				return err
			}
		}
	}

	e.updateDailyStats(ctx)
	return nil
}

// reconcile drops tracked legs that no longer exist on the exchange. The
// store row is closed at the current mark so derived stats stay consistent.
func (e *Engine) reconcile(ctx context.Context, live []exchange.Position, markPrice float64) (bool, error) {
	dropped := false
	for _, leg := range []**TrackedPosition{&e.long, &e.short} {
		tracked := *leg
		if tracked == nil {
			continue
		}
		if liveAmount(live, tracked.Side) > flatEpsilon {
			continue
		}
		e.log.Warn("tracked position missing on exchange, dropping it",
			zap.String("symbol", e.cfg.Symbol),
			zap.String("side", string(tracked.Side)),
		)
		closedAt := e.now()
		held := int(closedAt.Sub(tracked.OpenedAt).Minutes())
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.ClosePosition(ctx, tracked.StoreID, markPrice, closedAt, held, 0)
		})
		if err != nil {
			return dropped, fmt.Errorf("reconcile %s leg: %w", tracked.Side, err)
		}
		*leg = nil
		dropped = true
	}
	if e.long == nil && e.short == nil && e.sm.State() == StateHolding {
		e.sm.Apply(EventRiskClose)
	}
	return dropped, nil
}

// sweepRisk closes every live leg when any one trips a threshold. A delta
// neutral book only drifts as a pair, so a single tripped leg means the
// hedge is broken either way. The sweep looks only at live data, never at
// internal state: an orphan leg left by a failed open is untracked but
// still bleeds.
func (e *Engine) sweepRisk(ctx context.Context, live []exchange.Position) (bool, error) {
	var reason CloseReason
	for _, pos := range live {
		if math.Abs(pos.Amount) <= flatEpsilon {
			continue
		}
		if pos.EntryPrice <= 0 {
			e.log.Warn("live position has zero entry notional, cannot assess risk",
				zap.String("symbol", pos.Symbol),
				zap.String("side", string(pos.Side)),
				zap.Float64("amount", pos.Amount),
			)
			continue
		}
		if closeIt, r := e.risk.ShouldClose(pos); closeIt {
			reason = r
			e.log.Warn("risk threshold tripped",
				zap.String("symbol", pos.Symbol),
				zap.String("side", string(pos.Side)),
				zap.Float64("unrealized_pnl", pos.UnrealizedPnL),
				zap.String("reason", string(r)),
			)
			break
		}
	}
	if reason == "" {
		return false, nil
	}
	e.metrics.RiskCloses.Inc()
	closeErr := e.closePair(ctx, live, string(reason))
	if e.sm.State() == StateHolding {
		e.sm.Apply(EventRiskClose)
	}
	e.notify(ctx, fmt.Sprintf("Risk close on %s (%s)", e.cfg.Symbol, reason))
	if closeErr != nil {
		return true, fmt.Errorf("risk close: %w", closeErr)
	}
	return true, nil
}

// openPair places the LONG leg, waits a jittered beat, then the SHORT leg.
// A SHORT failure is reported as a partial execution; the orphan LONG is
// left for the next cycle's risk sweep to find in live data.
func (e *Engine) openPair(ctx context.Context, live []exchange.Position, markPrice float64) error {
	qty, err := e.risk.ContractQuantity(markPrice)
	if err != nil {
		return err
	}
	qty = roundTo(qty*qtyJitterFactor(e.rng), quantityDecimals)
	if qty <= 0 {
		return ErrZeroQuantity
	}
	prospective := 2 * qty * markPrice
	if !e.risk.CanOpen(live, prospective) {
		e.log.Warn("exposure cap reached, skipping open",
			zap.Float64("exposure", e.risk.Exposure(live)),
			zap.Float64("prospective", prospective),
		)
		return nil
	}

	e.sm.Apply(EventOpen)
	if err := e.openLegs(ctx, qty); err != nil {
		if e.long != nil && e.short != nil {
			// Both legs filled, only the bookkeeping failed. The pair
			// is live on the exchange, so the state must say so.
			e.sm.Apply(EventOpened)
			return err
		}
		e.sm.Apply(EventAbort)
		return err
	}
	e.sm.Apply(EventOpened)
	e.metrics.PairsOpened.Inc()
	e.log.Info("opened delta neutral pair",
		zap.String("symbol", e.cfg.Symbol),
		zap.Float64("qty", qty),
		zap.Float64("mark_price", markPrice),
	)
	e.notify(ctx, fmt.Sprintf("Opened %s pair qty %.3f @ %.2f", e.cfg.Symbol, qty, markPrice))
	return nil
}

func (e *Engine) openLegs(ctx context.Context, qty float64) error {
	longFill, err := e.placeOrder(ctx, exchange.MarketOrder{
		Symbol:       e.cfg.Symbol,
		Side:         exchange.SideBuy,
		PositionSide: exchange.PositionLong,
		Quantity:     qty,
	})
	if err != nil {
		return fmt.Errorf("open long leg: %w", err)
	}
	if err := e.delayer.Wait(ctx, legDelayMin, legDelayMax); err != nil {
		return err
	}
	shortFill, err := e.placeOrder(ctx, exchange.MarketOrder{
		Symbol:       e.cfg.Symbol,
		Side:         exchange.SideSell,
		PositionSide: exchange.PositionShort,
		Quantity:     qty,
	})
	if err != nil {
		return &PartialExecutionError{
			Symbol:     e.cfg.Symbol,
			FilledSide: exchange.PositionLong,
			Err:        err,
		}
	}

	openedAt := e.now()
	long := &TrackedPosition{
		Side:       exchange.PositionLong,
		Quantity:   longFill.Quantity,
		EntryPrice: longFill.AvgPrice,
		OpenedAt:   openedAt,
	}
	short := &TrackedPosition{
		Side:       exchange.PositionShort,
		Quantity:   shortFill.Quantity,
		EntryPrice: shortFill.AvgPrice,
		OpenedAt:   openedAt,
	}
	e.long = long
	e.short = short

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendTrade(ctx, e.tradeFromFill(longFill, openedAt)); err != nil {
			return err
		}
		if err := tx.AppendTrade(ctx, e.tradeFromFill(shortFill, openedAt)); err != nil {
			return err
		}
		longID, err := tx.CreatePosition(ctx, e.positionFromLeg(long, openedAt))
		if err != nil {
			return err
		}
		shortID, err := tx.CreatePosition(ctx, e.positionFromLeg(short, openedAt))
		if err != nil {
			return err
		}
		long.StoreID = longID
		short.StoreID = shortID
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist open: %w", err)
	}
	return nil
}

// closePair closes every live leg best effort, sized to the live amount so
// the book goes flat even when it has drifted from the tracked quantities,
// and always clears the tracked pair. Callers must not reopen when an error
// comes back: the book may still hold a leg the exchange refused to close.
func (e *Engine) closePair(ctx context.Context, live []exchange.Position, reason string) error {
	var errs []error
	first := true
	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		tracked := e.trackedLeg(side)
		qty := liveAmount(live, side)
		if qty <= flatEpsilon {
			if tracked == nil {
				continue
			}
			// Stale snapshot: fall back to the tracked quantity. The
			// reduce-only flag caps the order at whatever actually remains.
			qty = tracked.Quantity
		}
		if !first {
			if err := e.delayer.Wait(ctx, legDelayMin, legDelayMax); err != nil {
				errs = append(errs, err)
				break
			}
		}
		first = false
		if err := e.closeLeg(ctx, side, qty, tracked, reason); err != nil {
			errs = append(errs, fmt.Errorf("close %s leg: %w", side, err))
		}
	}
	e.long = nil
	e.short = nil
	return errors.Join(errs...)
}

func (e *Engine) closeLeg(ctx context.Context, side exchange.PositionSide, qty float64, tracked *TrackedPosition, reason string) error {
	fill, err := e.placeOrder(ctx, exchange.MarketOrder{
		Symbol:       e.cfg.Symbol,
		Side:         exchange.CloseSide(side),
		PositionSide: side,
		Quantity:     qty,
		ReduceOnly:   true,
	})
	if err != nil {
		return err
	}
	closedAt := e.now()
	if tracked == nil {
		// An untracked leg has no position row; record the closing fill so
		// the day's volume stays honest.
		err = e.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.AppendTrade(ctx, e.tradeFromFill(fill, closedAt))
		})
		if err != nil {
			return fmt.Errorf("persist close: %w", err)
		}
		e.log.Info("closed untracked leg",
			zap.String("symbol", e.cfg.Symbol),
			zap.String("side", string(side)),
			zap.String("reason", reason),
			zap.Float64("qty", qty),
		)
		return nil
	}
	held := int(closedAt.Sub(tracked.OpenedAt).Minutes())
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendTrade(ctx, e.tradeFromFill(fill, closedAt)); err != nil {
			return err
		}
		return tx.ClosePosition(ctx, tracked.StoreID, fill.AvgPrice, closedAt, held, fill.RealizedPnL)
	})
	if err != nil {
		return fmt.Errorf("persist close: %w", err)
	}
	exitPrice := fill.AvgPrice
	e.recorder.RecordClosedPosition(store.Position{
		ID:              tracked.StoreID,
		Symbol:          e.cfg.Symbol,
		Side:            string(tracked.Side),
		OpenedAt:        tracked.OpenedAt,
		ClosedAt:        &closedAt,
		EntryPrice:      tracked.EntryPrice,
		ExitPrice:       &exitPrice,
		Quantity:        tracked.Quantity,
		Leverage:        e.cfg.Leverage,
		Notional:        tracked.Quantity * tracked.EntryPrice,
		HoldTimeMinutes: held,
		RealizedPnL:     fill.RealizedPnL,
	})
	e.log.Info("closed leg",
		zap.String("symbol", e.cfg.Symbol),
		zap.String("side", string(tracked.Side)),
		zap.String("reason", reason),
		zap.Int("held_minutes", held),
		zap.Float64("realized_pnl", fill.RealizedPnL),
	)
	return nil
}

// rotatePair closes the held pair and reopens a fresh one after a jittered
// pause. If any close fails, the rotation aborts without reopening and the
// state machine lands back in EMPTY.
func (e *Engine) rotatePair(ctx context.Context, live []exchange.Position) error {
	e.sm.Apply(EventRotate)
	if err := e.closePair(ctx, live, "rotation"); err != nil {
		e.sm.Apply(EventAbort)
		return fmt.Errorf("rotation close: %w", err)
	}
	if err := e.delayer.Wait(ctx, rotationDelayMin, rotationDelayMax); err != nil {
		e.sm.Apply(EventAbort)
		return err
	}
	markPrice, err := e.client.MarkPrice(ctx, e.cfg.Symbol)
	if err != nil {
		e.sm.Apply(EventAbort)
		return fmt.Errorf("rotation mark price: %w", err)
	}
	qty, err := e.risk.ContractQuantity(markPrice)
	if err != nil {
		e.sm.Apply(EventAbort)
		return err
	}
	qty = roundTo(qty*qtyJitterFactor(e.rng), quantityDecimals)
	if qty <= 0 {
		e.sm.Apply(EventAbort)
		return ErrZeroQuantity
	}
	if err := e.openLegs(ctx, qty); err != nil {
		if e.long != nil && e.short != nil {
			e.sm.Apply(EventOpened)
			return fmt.Errorf("rotation reopen: %w", err)
		}
		e.sm.Apply(EventAbort)
		return fmt.Errorf("rotation reopen: %w", err)
	}
	e.sm.Apply(EventOpened)
	e.metrics.PairsRotated.Inc()
	e.log.Info("rotated pair",
		zap.String("symbol", e.cfg.Symbol),
		zap.Float64("qty", qty),
	)
	e.notify(ctx, fmt.Sprintf("Rotated %s pair qty %.3f", e.cfg.Symbol, qty))
	return nil
}

// shouldRotate requires the minimum hold to have elapsed on every tracked
// leg and the daily volume target to still be open. Once the target is hit
// the pair just sits and accrues time-weighted points. A lone leg, as a
// restart can leave behind, rotates too: closing it and reopening a full
// pair is how the book gets hedged again.
func (e *Engine) shouldRotate(ctx context.Context) (bool, error) {
	if e.long == nil && e.short == nil {
		return false, nil
	}
	minHold := time.Duration(e.cfg.MinHoldMinutes) * time.Minute
	for _, leg := range []*TrackedPosition{e.long, e.short} {
		if leg != nil && e.now().Sub(leg.OpenedAt) < minHold {
			return false, nil
		}
	}
	if e.cfg.DailyVolumeTarget <= 0 {
		return true, nil
	}
	var volume float64
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		trades, err := tx.TradesSince(ctx, e.dayStart())
		if err != nil {
			return err
		}
		for _, trade := range trades {
			volume += trade.Notional
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("daily volume: %w", err)
	}
	if volume >= e.cfg.DailyVolumeTarget {
		e.log.Info("daily volume target reached, holding instead of rotating",
			zap.Float64("volume", volume),
			zap.Float64("target", e.cfg.DailyVolumeTarget),
		)
		return false, nil
	}
	return true, nil
}

// updateDailyStats recomputes today's aggregates. Failures are counted and
// logged, never propagated: stats are derived data and must not stop the
// trading cycle.
func (e *Engine) updateDailyStats(ctx context.Context) {
	dayStart := e.dayStart()
	var trades []store.Trade
	var closed []store.Position
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		trades, err = tx.TradesSince(ctx, dayStart)
		if err != nil {
			return err
		}
		closed, err = tx.PositionsClosedSince(ctx, dayStart)
		return err
	})
	if err != nil {
		e.metrics.StatsErrors.Inc()
		e.log.Warn("daily stats update failed", zap.Error(err))
		return
	}
	stats := ComputeDailyStats(dayStart, trades, closed, e.cfg.MinHoldMinutes)
	e.recorder.RecordStats(stats)
}

func (e *Engine) placeOrder(ctx context.Context, order exchange.MarketOrder) (exchange.Fill, error) {
	order.ClientOrderID = "rot-" + uuid.NewString()
	fill, err := e.client.PlaceMarketOrder(ctx, order)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return exchange.Fill{}, err
	}
	e.metrics.OrdersPlaced.Inc()
	return fill, nil
}

func (e *Engine) tradeFromFill(fill exchange.Fill, at time.Time) store.Trade {
	return store.Trade{
		Timestamp:    at,
		Symbol:       fill.Symbol,
		Side:         string(fill.Side),
		PositionSide: string(fill.PositionSide),
		Quantity:     fill.Quantity,
		Price:        fill.AvgPrice,
		Notional:     fill.Quantity * fill.AvgPrice,
		OrderID:      fill.OrderID,
		RealizedPnL:  fill.RealizedPnL,
		Commission:   fill.Commission,
		Status:       fill.Status,
	}
}

func (e *Engine) positionFromLeg(leg *TrackedPosition, openedAt time.Time) store.Position {
	return store.Position{
		Symbol:     e.cfg.Symbol,
		Side:       string(leg.Side),
		OpenedAt:   openedAt,
		EntryPrice: leg.EntryPrice,
		Quantity:   leg.Quantity,
		Leverage:   e.cfg.Leverage,
		Notional:   leg.Quantity * leg.EntryPrice,
		Active:     true,
	}
}

func (e *Engine) notify(ctx context.Context, message string) {
	if err := e.notifier.Send(ctx, message); err != nil {
		e.log.Warn("alert send failed", zap.Error(err))
	}
}

func (e *Engine) dayStart() time.Time {
	now := e.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (e *Engine) trackedLeg(side exchange.PositionSide) *TrackedPosition {
	if side == exchange.PositionLong {
		return e.long
	}
	return e.short
}

func liveAmount(positions []exchange.Position, side exchange.PositionSide) float64 {
	for _, pos := range positions {
		if pos.Side == side {
			return math.Abs(pos.Amount)
		}
	}
	return 0
}
