package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"aster-rotator/internal/config"
	"aster-rotator/internal/exchange"
	"aster-rotator/internal/store"

	"go.uber.org/zap"
)

type fakeExchange struct {
	mu        sync.Mutex
	positions []exchange.Position
	markPrice float64
	fills     []exchange.MarketOrder
	failOrder func(exchange.MarketOrder) error
	orderSeq  int
}

func (f *fakeExchange) Positions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeExchange) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markPrice, nil
}

func (f *fakeExchange) PlaceMarketOrder(ctx context.Context, order exchange.MarketOrder) (exchange.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOrder != nil {
		if err := f.failOrder(order); err != nil {
			return exchange.Fill{}, err
		}
	}
	f.fills = append(f.fills, order)
	f.orderSeq++
	return exchange.Fill{
		OrderID:      fmt.Sprintf("ord-%d", f.orderSeq),
		Symbol:       order.Symbol,
		Side:         order.Side,
		PositionSide: order.PositionSide,
		Quantity:     order.Quantity,
		AvgPrice:     f.markPrice,
		Status:       "FILLED",
	}, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (f *fakeExchange) SetHedgeMode(ctx context.Context, enabled bool) error {
	return nil
}

func (f *fakeExchange) setPositions(positions []exchange.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = positions
}

func (f *fakeExchange) fillCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fills)
}

func (f *fakeExchange) fillAt(i int) exchange.MarketOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fills[i]
}

type memStore struct {
	mu        sync.Mutex
	trades    []store.Trade
	positions []store.Position
	nextID    int64
	failTx    error
}

func (m *memStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTx != nil {
		return m.failTx
	}
	trades := make([]store.Trade, len(m.trades))
	copy(trades, m.trades)
	positions := make([]store.Position, len(m.positions))
	copy(positions, m.positions)
	if err := fn(&memTx{s: m}); err != nil {
		m.trades = trades
		m.positions = positions
		return err
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pos := range m.positions {
		if pos.Active {
			n++
		}
	}
	return n
}

type memTx struct {
	s *memStore
}

func (t *memTx) AppendTrade(ctx context.Context, trade store.Trade) error {
	t.s.nextID++
	trade.ID = t.s.nextID
	t.s.trades = append(t.s.trades, trade)
	return nil
}

func (t *memTx) CreatePosition(ctx context.Context, position store.Position) (int64, error) {
	t.s.nextID++
	position.ID = t.s.nextID
	position.Active = true
	t.s.positions = append(t.s.positions, position)
	return position.ID, nil
}

func (t *memTx) ClosePosition(ctx context.Context, id int64, exitPrice float64, closedAt time.Time, holdMinutes int, realizedPnL float64) error {
	for i := range t.s.positions {
		pos := &t.s.positions[i]
		if pos.ID != id {
			continue
		}
		if !pos.Active {
			return errors.New("position already closed")
		}
		pos.Active = false
		pos.ExitPrice = &exitPrice
		pos.ClosedAt = &closedAt
		pos.HoldTimeMinutes = holdMinutes
		pos.RealizedPnL = realizedPnL
		return nil
	}
	return errors.New("position not found")
}

func (t *memTx) ActivePosition(ctx context.Context, symbol, side string) (store.Position, bool, error) {
	for _, pos := range t.s.positions {
		if pos.Active && pos.Symbol == symbol && pos.Side == side {
			return pos, true, nil
		}
	}
	return store.Position{}, false, nil
}

func (t *memTx) TradesSince(ctx context.Context, since time.Time) ([]store.Trade, error) {
	var out []store.Trade
	for _, trade := range t.s.trades {
		if !trade.Timestamp.Before(since) {
			out = append(out, trade)
		}
	}
	return out, nil
}

func (t *memTx) PositionsClosedSince(ctx context.Context, since time.Time) ([]store.Position, error) {
	var out []store.Position
	for _, pos := range t.s.positions {
		if pos.ClosedAt != nil && !pos.ClosedAt.Before(since) {
			out = append(out, pos)
		}
	}
	return out, nil
}

type instantDelayer struct{}

func (instantDelayer) Wait(ctx context.Context, min, max time.Duration) error {
	return ctx.Err()
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Send(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	stats  []store.DailyStats
	closed []store.Position
}

func (f *fakeRecorder) RecordStats(stats store.DailyStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, stats)
}

func (f *fakeRecorder) RecordClosedPosition(position store.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, position)
}

type engineFixture struct {
	engine   *Engine
	exchange *fakeExchange
	store    *memStore
	notifier *fakeNotifier
	recorder *fakeRecorder
	clock    *time.Time
}

func newEngineFixture(t *testing.T, cfg config.StrategyConfig) *engineFixture {
	t.Helper()
	fx := &fakeExchange{markPrice: 100}
	st := &memStore{}
	risk := NewRiskManager(cfg, config.RiskConfig{StopLossPct: 1.0, MaxDriftPct: 0.8})
	eng := NewEngine(cfg, fx, st, risk, instantDelayer{}, nil, zap.NewNop())
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}
	eng.SetNotifier(notifier)
	eng.SetRecorder(recorder)
	eng.rng = rand.New(rand.NewSource(7))
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	clock := &now
	eng.now = func() time.Time { return *clock }
	return &engineFixture{
		engine:   eng,
		exchange: fx,
		store:    st,
		notifier: notifier,
		recorder: recorder,
		clock:    clock,
	}
}

func defaultEngineConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Symbol:             "BTCUSDT",
		CapitalUSDT:        10000,
		Leverage:           10,
		MaxPositionSizePct: 2,
		MinHoldMinutes:     90,
	}
}

// mirrorLivePair sets the fake exchange's live book to match the engine's
// tracked pair with the given unrealized pnl on each leg.
func (f *engineFixture) mirrorLivePair(pnl float64) {
	qty := f.exchange.fillAt(f.exchange.fillCount() - 1).Quantity
	f.exchange.setPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionLong, Amount: qty, EntryPrice: 100, UnrealizedPnL: pnl},
		{Symbol: "BTCUSDT", Side: exchange.PositionShort, Amount: -qty, EntryPrice: 100, UnrealizedPnL: -pnl},
	})
}

func (f *engineFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestRunCycleOpensPairWhenEmpty(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 2 {
		t.Fatalf("expected 2 orders, got %d", got)
	}
	long := f.exchange.fillAt(0)
	short := f.exchange.fillAt(1)
	if long.Side != exchange.SideBuy || long.PositionSide != exchange.PositionLong {
		t.Fatalf("first leg should be BUY/LONG, got %s/%s", long.Side, long.PositionSide)
	}
	if short.Side != exchange.SideSell || short.PositionSide != exchange.PositionShort {
		t.Fatalf("second leg should be SELL/SHORT, got %s/%s", short.Side, short.PositionSide)
	}
	if long.ReduceOnly || short.ReduceOnly {
		t.Fatalf("opening legs must not be reduce-only")
	}
	if long.Quantity != short.Quantity {
		t.Fatalf("legs must match: %v vs %v", long.Quantity, short.Quantity)
	}
	// Base quantity is 10000 * 2% * 10 / 100 = 20 contracts, jittered 5%.
	if long.Quantity < 19 || long.Quantity > 21 {
		t.Fatalf("quantity %v outside jitter bounds", long.Quantity)
	}
	if long.ClientOrderID == "" || long.ClientOrderID == short.ClientOrderID {
		t.Fatalf("legs need distinct client order ids")
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("expected %s, got %s", StateHolding, f.engine.State())
	}
	if got := f.store.activeCount(); got != 2 {
		t.Fatalf("expected 2 active position rows, got %d", got)
	}
	if len(f.store.trades) != 2 {
		t.Fatalf("expected 2 trade rows, got %d", len(f.store.trades))
	}
	if len(f.recorder.stats) == 0 {
		t.Fatalf("expected a daily stats record")
	}
}

func TestRunCycleHoldsUntilMinimumThenRotates(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	f.mirrorLivePair(5)

	f.advance(89 * time.Minute)
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("hold cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 2 {
		t.Fatalf("89 minutes held must not rotate, got %d orders", got)
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("expected %s, got %s", StateHolding, f.engine.State())
	}

	f.advance(1 * time.Minute)
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("rotation cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 6 {
		t.Fatalf("rotation should add 2 closes and 2 opens, got %d total", got)
	}
	if !f.exchange.fillAt(2).ReduceOnly || !f.exchange.fillAt(3).ReduceOnly {
		t.Fatalf("rotation closes must be reduce-only")
	}
	if f.exchange.fillAt(4).ReduceOnly || f.exchange.fillAt(5).ReduceOnly {
		t.Fatalf("rotation reopens must not be reduce-only")
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("expected %s after rotation, got %s", StateHolding, f.engine.State())
	}
	if got := f.store.activeCount(); got != 2 {
		t.Fatalf("expected 2 active rows after rotation, got %d", got)
	}
	if len(f.store.positions) != 4 {
		t.Fatalf("rotation must create new rows, expected 4 total, got %d", len(f.store.positions))
	}
	for _, pos := range f.store.positions[:2] {
		if pos.Active {
			t.Fatalf("rotated-out row %d still active", pos.ID)
		}
		if pos.HoldTimeMinutes != 90 {
			t.Fatalf("expected 90 minutes held, got %d", pos.HoldTimeMinutes)
		}
	}
}

func TestRotationAbortsWithoutReopenWhenCloseFails(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	f.mirrorLivePair(5)
	f.advance(91 * time.Minute)
	f.exchange.failOrder = func(order exchange.MarketOrder) error {
		if order.ReduceOnly {
			return errors.New("exchange rejected close")
		}
		return nil
	}
	err := f.engine.RunCycle(ctx)
	if err == nil {
		t.Fatalf("expected rotation error")
	}
	if got := f.exchange.fillCount(); got != 2 {
		t.Fatalf("no reopen may happen after a failed close, got %d orders", got)
	}
	if f.engine.State() != StateEmpty {
		t.Fatalf("expected %s after aborted rotation, got %s", StateEmpty, f.engine.State())
	}
	if f.engine.long != nil || f.engine.short != nil {
		t.Fatalf("tracked pair must be cleared after a failed close")
	}
}

func TestOpenReportsPartialExecution(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	f.exchange.failOrder = func(order exchange.MarketOrder) error {
		if order.PositionSide == exchange.PositionShort {
			return errors.New("margin check failed")
		}
		return nil
	}
	err := f.engine.RunCycle(context.Background())
	var partial *PartialExecutionError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialExecutionError, got %v", err)
	}
	if partial.FilledSide != exchange.PositionLong {
		t.Fatalf("expected LONG as the filled side, got %s", partial.FilledSide)
	}
	if f.engine.State() != StateEmpty {
		t.Fatalf("expected %s, got %s", StateEmpty, f.engine.State())
	}
	if f.engine.long != nil || f.engine.short != nil {
		t.Fatalf("partial open must not track a pair")
	}
	if got := f.store.activeCount(); got != 0 {
		t.Fatalf("partial open must not persist positions, got %d", got)
	}
}

func TestOpenWithPersistFailureStaysHolding(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	f.store.failTx = errors.New("disk full")
	err := f.engine.RunCycle(context.Background())
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("filled pair must be tracked as holding, got %s", f.engine.State())
	}
	if f.engine.long == nil || f.engine.short == nil {
		t.Fatalf("filled pair must stay tracked when persistence fails")
	}
}

func TestRiskSweepClosesBothLegs(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	// -600 against roughly 2000 notional trips the 1% stop on the long leg.
	f.mirrorLivePair(-600)
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("risk cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 4 {
		t.Fatalf("risk close should close both legs, got %d orders", got)
	}
	if !f.exchange.fillAt(2).ReduceOnly || !f.exchange.fillAt(3).ReduceOnly {
		t.Fatalf("risk closes must be reduce-only")
	}
	if f.engine.State() != StateEmpty {
		t.Fatalf("expected %s after risk close, got %s", StateEmpty, f.engine.State())
	}
	if got := f.store.activeCount(); got != 0 {
		t.Fatalf("expected no active rows, got %d", got)
	}
	if len(f.notifier.messages) == 0 {
		t.Fatalf("expected a risk close alert")
	}
	if len(f.recorder.closed) != 2 {
		t.Fatalf("expected 2 closed rows mirrored, got %d", len(f.recorder.closed))
	}
}

func TestRiskSweepClosesOrphanLegAfterPartialOpen(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	f.exchange.failOrder = func(order exchange.MarketOrder) error {
		if order.PositionSide == exchange.PositionShort && !order.ReduceOnly {
			return errors.New("margin check failed")
		}
		return nil
	}
	err := f.engine.RunCycle(ctx)
	var partial *PartialExecutionError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialExecutionError, got %v", err)
	}
	// The orphan LONG bleeds -5%, five times the 1% stop.
	f.exchange.setPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionLong, Amount: 20, EntryPrice: 100, UnrealizedPnL: -100},
	})
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("sweep cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 2 {
		t.Fatalf("sweep cycle must close the orphan and nothing else, got %d orders", got)
	}
	closeOrder := f.exchange.fillAt(1)
	if !closeOrder.ReduceOnly || closeOrder.Side != exchange.SideSell || closeOrder.PositionSide != exchange.PositionLong {
		t.Fatalf("expected a reduce-only SELL/LONG close, got %+v", closeOrder)
	}
	if closeOrder.Quantity != 20 {
		t.Fatalf("close must match the live amount, got %v", closeOrder.Quantity)
	}
	if f.engine.State() != StateEmpty {
		t.Fatalf("expected %s, got %s", StateEmpty, f.engine.State())
	}
	// With the book flat a later cycle opens a hedged pair again.
	f.exchange.failOrder = nil
	f.exchange.setPositions(nil)
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("reopen cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 4 {
		t.Fatalf("expected a fresh pair after the sweep, got %d orders", got)
	}
}

func TestRiskSweepSkipsZeroEntryPositions(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	// A leg with size but no entry price cannot be assessed and must not
	// trip a close, however bad its reported pnl looks.
	f.exchange.setPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionLong, Amount: 20, EntryPrice: 0, UnrealizedPnL: -1000},
		{Symbol: "BTCUSDT", Side: exchange.PositionShort, Amount: -20, EntryPrice: 100, UnrealizedPnL: 5},
	})
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("sweep cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 2 {
		t.Fatalf("unassessable leg must not trigger closes, got %d orders", got)
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("expected %s, got %s", StateHolding, f.engine.State())
	}
}

func TestRiskCloseSizesOrdersFromLiveBook(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	// The live book drifted to 25 contracts per side and tripped the stop.
	f.exchange.setPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionLong, Amount: 25, EntryPrice: 100, UnrealizedPnL: -600},
		{Symbol: "BTCUSDT", Side: exchange.PositionShort, Amount: -25, EntryPrice: 100, UnrealizedPnL: 600},
	})
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("risk cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 4 {
		t.Fatalf("expected both legs closed, got %d orders", got)
	}
	for _, i := range []int{2, 3} {
		if got := f.exchange.fillAt(i).Quantity; got != 25 {
			t.Fatalf("close order %d must use the live amount 25, got %v", i, got)
		}
	}
}

func TestLoneRestoredLegRotatesIntoFreshPair(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	openedAt := f.clock.Add(-120 * time.Minute)
	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreatePosition(ctx, store.Position{
			Symbol:     "BTCUSDT",
			Side:       string(exchange.PositionLong),
			OpenedAt:   openedAt,
			EntryPrice: 100,
			Quantity:   20,
			Leverage:   10,
			Notional:   2000,
			Active:     true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := f.engine.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if f.engine.State() != StateHolding || f.engine.long == nil || f.engine.short != nil {
		t.Fatalf("expected a lone restored LONG in %s", StateHolding)
	}
	f.exchange.setPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionLong, Amount: 20, EntryPrice: 100, UnrealizedPnL: 10},
	})
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("rotation cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 3 {
		t.Fatalf("expected one close and two opens, got %d orders", got)
	}
	closeOrder := f.exchange.fillAt(0)
	if !closeOrder.ReduceOnly || closeOrder.PositionSide != exchange.PositionLong {
		t.Fatalf("first order must close the lone leg, got %+v", closeOrder)
	}
	if f.exchange.fillAt(1).ReduceOnly || f.exchange.fillAt(2).ReduceOnly {
		t.Fatalf("reopened pair must not be reduce-only")
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("expected %s after rotation, got %s", StateHolding, f.engine.State())
	}
	if f.engine.long == nil || f.engine.short == nil {
		t.Fatalf("rotation must leave a full tracked pair")
	}
	if got := f.store.activeCount(); got != 2 {
		t.Fatalf("expected 2 active rows after rotation, got %d", got)
	}
	if f.store.positions[0].Active || f.store.positions[0].HoldTimeMinutes != 120 {
		t.Fatalf("restored row must be closed with its hold time, got %+v", f.store.positions[0])
	}
}

func TestExposureCapSkipsOpen(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	// Cap is 10000 * 10 * 0.5 = 50000. Existing book already exceeds it.
	f.exchange.setPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionLong, Amount: 600, EntryPrice: 100},
	})
	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 0 {
		t.Fatalf("exposure cap must prevent opening, got %d orders", got)
	}
	if f.engine.State() != StateEmpty {
		t.Fatalf("expected %s, got %s", StateEmpty, f.engine.State())
	}
}

func TestReconcileDropsExternallyClosedPair(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	// Live book goes flat behind the bot's back.
	f.exchange.setPositions(nil)
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("reconcile cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 2 {
		t.Fatalf("cleanup cycle must not place orders, got %d", got)
	}
	if f.engine.State() != StateEmpty {
		t.Fatalf("expected %s, got %s", StateEmpty, f.engine.State())
	}
	if got := f.store.activeCount(); got != 0 {
		t.Fatalf("expected no active rows after reconcile, got %d", got)
	}
	// A fresh cycle opens again.
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("reopen cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 4 {
		t.Fatalf("expected fresh open after cleanup, got %d orders", got)
	}
}

func TestVolumeTargetStopsRotation(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.DailyVolumeTarget = 1000
	f := newEngineFixture(t, cfg)
	ctx := context.Background()
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("open cycle: %v", err)
	}
	f.mirrorLivePair(5)
	f.advance(120 * time.Minute)
	if err := f.engine.RunCycle(ctx); err != nil {
		t.Fatalf("held cycle: %v", err)
	}
	if got := f.exchange.fillCount(); got != 2 {
		t.Fatalf("volume target reached, rotation must wait, got %d orders", got)
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("expected %s, got %s", StateHolding, f.engine.State())
	}
}

func TestRestoreRebuildsPairFromStore(t *testing.T) {
	f := newEngineFixture(t, defaultEngineConfig())
	ctx := context.Background()
	openedAt := f.clock.Add(-30 * time.Minute)
	err := f.store.WithTx(ctx, func(tx store.Tx) error {
		for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
			_, err := tx.CreatePosition(ctx, store.Position{
				Symbol:     "BTCUSDT",
				Side:       string(side),
				OpenedAt:   openedAt,
				EntryPrice: 100,
				Quantity:   20,
				Leverage:   10,
				Notional:   2000,
				Active:     true,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := f.engine.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if f.engine.State() != StateHolding {
		t.Fatalf("expected %s after restore, got %s", StateHolding, f.engine.State())
	}
	if f.engine.long == nil || f.engine.short == nil {
		t.Fatalf("restore must rebuild both legs")
	}
	if f.engine.long.Quantity != 20 || f.engine.long.EntryPrice != 100 {
		t.Fatalf("restored leg mismatch: %+v", f.engine.long)
	}
}
