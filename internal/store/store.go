// Package store persists trades, daily risk metrics, and gateway order
// tracking in SQLite. One Store instance owns one database file; it satisfies
// risk.TradeStore, paper.TradeStore, and gateway.OrderStore.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"trading-engine/internal/gateway"
	"trading-engine/internal/paper"
	"trading-engine/internal/risk"
	"trading-engine/pkg/exchange"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    qty REAL NOT NULL,
    pnl REAL NOT NULL,
    reason TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_trades (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    qty REAL NOT NULL,
    fee REAL DEFAULT 0,
    pnl REAL DEFAULT 0,
    reason TEXT,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_metrics (
    date TEXT PRIMARY KEY,
    daily_pnl REAL DEFAULT 0,
    daily_trades INTEGER DEFAULT 0,
    daily_wins INTEGER DEFAULT 0,
    daily_losses REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tracked_orders (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    exchange TEXT NOT NULL,
    type TEXT NOT NULL,
    side TEXT NOT NULL,
    amount REAL NOT NULL,
    price REAL DEFAULT 0,
    opened_at DATETIME NOT NULL
);
`

// Store wraps the SQL handle.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, applying
// the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveClosedTrade records a completed round trip from the risk manager.
func (s *Store) SaveClosedTrade(ctx context.Context, t risk.ClosedTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, side, entry_price, exit_price, qty, pnl, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.Side), t.EntryP, t.ExitP, t.Quantity, t.PnL, string(t.Reason), t.OpenedAt, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListClosedTrades returns the most recent closed trades, newest first.
func (s *Store) ListClosedTrades(ctx context.Context, limit int) ([]risk.ClosedTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, side, entry_price, exit_price, qty, pnl, reason, opened_at, closed_at
		FROM trades ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []risk.ClosedTrade
	for rows.Next() {
		var t risk.ClosedTrade
		var side, reason string
		if err := rows.Scan(&t.Symbol, &side, &t.EntryP, &t.ExitP, &t.Quantity, &t.PnL, &reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.Side = risk.Side(side)
		t.Reason = risk.CloseReason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertDailyMetrics accumulates the day's realized results.
func (s *Store) UpsertDailyMetrics(ctx context.Context, day string, pnl float64, trades, wins int, losses float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_wins, daily_losses)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = daily_pnl + excluded.daily_pnl,
			daily_trades = daily_trades + excluded.daily_trades,
			daily_wins = daily_wins + excluded.daily_wins,
			daily_losses = daily_losses + excluded.daily_losses`,
		day, pnl, trades, wins, losses)
	if err != nil {
		return fmt.Errorf("upsert risk metrics: %w", err)
	}
	return nil
}

// DailyMetrics returns the stored counters for one UTC date. A day with no
// activity yields zero values and no error.
func (s *Store) DailyMetrics(ctx context.Context, day string) (pnl float64, trades, wins int, losses float64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT daily_pnl, daily_trades, daily_wins, daily_losses
		FROM risk_metrics WHERE date = ?`, day)
	if scanErr := row.Scan(&pnl, &trades, &wins, &losses); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return 0, 0, 0, 0, nil
		}
		return 0, 0, 0, 0, fmt.Errorf("query risk metrics: %w", scanErr)
	}
	return pnl, trades, wins, losses, nil
}

// SavePaperTrade appends one simulated fill to the paper trade log.
func (s *Store) SavePaperTrade(ctx context.Context, t paper.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paper_trades (id, order_id, symbol, side, price, qty, fee, pnl, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.Symbol, string(t.Side), t.Price, t.Quantity, t.Commission, t.PnL, string(t.Reason), t.Time)
	if err != nil {
		return fmt.Errorf("insert paper trade: %w", err)
	}
	return nil
}

// SaveTrackedOrder mirrors a gateway tracking entry.
func (s *Store) SaveTrackedOrder(ctx context.Context, o gateway.TrackedOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_orders (id, symbol, exchange, type, side, amount, price, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			exchange = excluded.exchange,
			type = excluded.type,
			side = excluded.side,
			amount = excluded.amount,
			price = excluded.price,
			opened_at = excluded.opened_at`,
		o.ID, o.Symbol, o.Exchange, string(o.Type), string(o.Side), o.Amount, o.Price, o.OpenedAt)
	if err != nil {
		return fmt.Errorf("upsert tracked order: %w", err)
	}
	return nil
}

// DeleteTrackedOrder removes a tracking entry once the order is resolved.
func (s *Store) DeleteTrackedOrder(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tracked_orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tracked order: %w", err)
	}
	return nil
}

// ListTrackedOrders reloads every tracking entry, oldest first.
func (s *Store) ListTrackedOrders(ctx context.Context) ([]gateway.TrackedOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, exchange, type, side, amount, price, opened_at
		FROM tracked_orders ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("query tracked orders: %w", err)
	}
	defer rows.Close()

	var out []gateway.TrackedOrder
	for rows.Next() {
		var o gateway.TrackedOrder
		var typ, side string
		if err := rows.Scan(&o.ID, &o.Symbol, &o.Exchange, &typ, &side, &o.Amount, &o.Price, &o.OpenedAt); err != nil {
			return nil, err
		}
		o.Type = exchange.OrderType(typ)
		o.Side = exchange.Side(side)
		out = append(out, o)
	}
	return out, rows.Err()
}
