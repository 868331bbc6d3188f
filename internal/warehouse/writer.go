package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"aster-rotator/internal/config"
	"aster-rotator/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Writer mirrors daily stats and closed positions to Postgres. Rows are
// queued and written off the trading path; a full queue drops rows rather
// than block a cycle.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	stats     chan store.DailyStats
	positions chan store.Position
	started   atomic.Bool
	dropStats atomic.Uint64
	dropPos   atomic.Uint64
}

func New(cfg config.WarehouseConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("warehouse dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWithDB(db, cfg, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWithDB(db *sql.DB, cfg config.WarehouseConfig, log *zap.Logger) *Writer {
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		stats:     make(chan store.DailyStats, queueSize),
		positions: make(chan store.Position, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// RecordStats implements strategy.Recorder.
func (w *Writer) RecordStats(stats store.DailyStats) {
	if w == nil {
		return
	}
	select {
	case w.stats <- stats:
		return
	default:
		if w.dropStats.Add(1) == 1 && w.log != nil {
			w.log.Warn("warehouse stats queue full")
		}
	}
}

// RecordClosedPosition implements strategy.Recorder.
func (w *Writer) RecordClosedPosition(position store.Position) {
	if w == nil {
		return
	}
	select {
	case w.positions <- position:
		return
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("warehouse position queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case stats := <-w.stats:
			w.writeStats(ctx, stats)
		case position := <-w.positions:
			w.writePosition(ctx, position)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("warehouse db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		day DATE NOT NULL PRIMARY KEY,
		total_volume DOUBLE PRECISION NOT NULL,
		num_trades INTEGER NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		fees_paid DOUBLE PRECISION NOT NULL,
		estimated_reward_points DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, w.table("daily_stats"))); err != nil {
		return err
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		leverage INTEGER NOT NULL,
		notional DOUBLE PRECISION NOT NULL,
		hold_time_minutes INTEGER NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (id, opened_at)
	)`, w.table("closed_positions")))
}

func (w *Writer) writeStats(ctx context.Context, stats store.DailyStats) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		day, total_volume, num_trades, realized_pnl, fees_paid, estimated_reward_points, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,now())
	ON CONFLICT (day) DO UPDATE SET
		total_volume = EXCLUDED.total_volume,
		num_trades = EXCLUDED.num_trades,
		realized_pnl = EXCLUDED.realized_pnl,
		fees_paid = EXCLUDED.fees_paid,
		estimated_reward_points = EXCLUDED.estimated_reward_points,
		updated_at = now()`, w.table("daily_stats"))
	if _, err := w.db.ExecContext(ctx, query,
		stats.Date,
		stats.TotalVolume,
		stats.NumTrades,
		stats.RealizedPnL,
		stats.FeesPaid,
		stats.EstimatedRewardPoints,
	); err != nil && w.log != nil {
		w.log.Warn("warehouse daily stats upsert failed", zap.Error(err))
	}
}

func (w *Writer) writePosition(ctx context.Context, position store.Position) {
	if w.db == nil {
		return
	}
	if position.ClosedAt == nil || position.ExitPrice == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		id, symbol, side, opened_at, closed_at, entry_price, exit_price,
		quantity, leverage, notional, hold_time_minutes, realized_pnl
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id, opened_at) DO NOTHING`, w.table("closed_positions"))
	if _, err := w.db.ExecContext(ctx, query,
		position.ID,
		position.Symbol,
		position.Side,
		position.OpenedAt,
		*position.ClosedAt,
		position.EntryPrice,
		*position.ExitPrice,
		position.Quantity,
		position.Leverage,
		position.Notional,
		position.HoldTimeMinutes,
		position.RealizedPnL,
	); err != nil && w.log != nil {
		w.log.Warn("warehouse closed position insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
