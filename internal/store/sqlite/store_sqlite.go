package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"aster-rotator/internal/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver allows one writer at a time; a single connection keeps
	// transactions serialized instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			position_side TEXT NOT NULL,
			quantity REAL NOT NULL,
			price REAL NOT NULL,
			notional REAL NOT NULL,
			order_id TEXT NOT NULL UNIQUE,
			realized_pnl REAL NOT NULL DEFAULT 0,
			commission REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'FILLED'
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			position_side TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER,
			entry_price REAL NOT NULL,
			exit_price REAL,
			quantity REAL NOT NULL,
			leverage INTEGER NOT NULL,
			notional REAL NOT NULL,
			hold_time_minutes INTEGER NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades (ts)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_active ON positions (symbol, position_side, is_active)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&tx{tx: dbTx}); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	return dbTx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) AppendTrade(ctx context.Context, trade store.Trade) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (ts, symbol, side, position_side, quantity, price, notional, order_id, realized_pnl, commission, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.Timestamp.UnixMilli(),
		trade.Symbol,
		trade.Side,
		trade.PositionSide,
		trade.Quantity,
		trade.Price,
		trade.Notional,
		trade.OrderID,
		trade.RealizedPnL,
		trade.Commission,
		trade.Status,
	)
	return err
}

func (t *tx) CreatePosition(ctx context.Context, position store.Position) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (symbol, position_side, opened_at, entry_price, quantity, leverage, notional, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		position.Symbol,
		position.Side,
		position.OpenedAt.UnixMilli(),
		position.EntryPrice,
		position.Quantity,
		position.Leverage,
		position.Notional,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *tx) ClosePosition(ctx context.Context, id int64, exitPrice float64, closedAt time.Time, holdMinutes int, realizedPnL float64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE positions
		 SET closed_at = ?, exit_price = ?, hold_time_minutes = ?, realized_pnl = ?, is_active = 0
		 WHERE id = ? AND is_active = 1`,
		closedAt.UnixMilli(),
		exitPrice,
		holdMinutes,
		realizedPnL,
		id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("position not found or already closed")
	}
	return nil
}

func (t *tx) ActivePosition(ctx context.Context, symbol, side string) (store.Position, bool, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, symbol, position_side, opened_at, closed_at, entry_price, exit_price, quantity, leverage, notional, hold_time_minutes, realized_pnl, is_active
		 FROM positions
		 WHERE symbol = ? AND position_side = ? AND is_active = 1
		 ORDER BY id DESC LIMIT 1`,
		symbol, side)
	position, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Position{}, false, nil
		}
		return store.Position{}, false, err
	}
	return position, true, nil
}

func (t *tx) TradesSince(ctx context.Context, since time.Time) ([]store.Trade, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, ts, symbol, side, position_side, quantity, price, notional, order_id, realized_pnl, commission, status
		 FROM trades WHERE ts >= ? ORDER BY ts`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var trades []store.Trade
	for rows.Next() {
		var trade store.Trade
		var ts int64
		if err := rows.Scan(&trade.ID, &ts, &trade.Symbol, &trade.Side, &trade.PositionSide,
			&trade.Quantity, &trade.Price, &trade.Notional, &trade.OrderID,
			&trade.RealizedPnL, &trade.Commission, &trade.Status); err != nil {
			return nil, err
		}
		trade.Timestamp = time.UnixMilli(ts).UTC()
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (t *tx) PositionsClosedSince(ctx context.Context, since time.Time) ([]store.Position, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, symbol, position_side, opened_at, closed_at, entry_price, exit_price, quantity, leverage, notional, hold_time_minutes, realized_pnl, is_active
		 FROM positions WHERE is_active = 0 AND closed_at >= ? ORDER BY closed_at`,
		since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []store.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	return positions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (store.Position, error) {
	var position store.Position
	var openedAt int64
	var closedAt sql.NullInt64
	var exitPrice sql.NullFloat64
	var active int
	if err := row.Scan(&position.ID, &position.Symbol, &position.Side, &openedAt, &closedAt,
		&position.EntryPrice, &exitPrice, &position.Quantity, &position.Leverage,
		&position.Notional, &position.HoldTimeMinutes, &position.RealizedPnL, &active); err != nil {
		return store.Position{}, err
	}
	position.OpenedAt = time.UnixMilli(openedAt).UTC()
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64).UTC()
		position.ClosedAt = &t
	}
	if exitPrice.Valid {
		p := exitPrice.Float64
		position.ExitPrice = &p
	}
	position.Active = active == 1
	return position, nil
}
