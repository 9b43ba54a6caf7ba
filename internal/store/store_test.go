package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trading-engine/internal/gateway"
	"trading-engine/internal/paper"
	"trading-engine/internal/risk"
	"trading-engine/pkg/exchange"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestClosedTradeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	opened := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	trade := risk.ClosedTrade{
		Symbol:   "BTCUSDT",
		Side:     risk.SideLong,
		EntryP:   50000,
		ExitP:    52500,
		Quantity: 0.2,
		PnL:      490,
		Reason:   risk.ReasonTakeProfit,
		OpenedAt: opened,
		ClosedAt: opened.Add(time.Hour),
	}
	if err := s.SaveClosedTrade(ctx, trade); err != nil {
		t.Fatalf("SaveClosedTrade: %v", err)
	}

	got, err := s.ListClosedTrades(ctx, 10)
	if err != nil {
		t.Fatalf("ListClosedTrades: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("trades=%d, expected 1", len(got))
	}
	if got[0].Symbol != "BTCUSDT" || got[0].Side != risk.SideLong || got[0].PnL != 490 || got[0].Reason != risk.ReasonTakeProfit {
		t.Fatalf("trade=%+v", got[0])
	}
}

func TestDailyMetricsAccumulate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDailyMetrics(ctx, "2026-08-28", 100, 1, 1, 0); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertDailyMetrics(ctx, "2026-08-28", -40, 1, 0, 40); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	pnl, trades, wins, losses, err := s.DailyMetrics(ctx, "2026-08-28")
	if err != nil {
		t.Fatalf("DailyMetrics: %v", err)
	}
	if pnl != 60 || trades != 2 || wins != 1 || losses != 40 {
		t.Fatalf("metrics pnl=%v trades=%d wins=%d losses=%v", pnl, trades, wins, losses)
	}

	// Unknown day is zero values, not an error.
	pnl, trades, _, _, err = s.DailyMetrics(ctx, "1999-01-01")
	if err != nil || pnl != 0 || trades != 0 {
		t.Fatalf("unknown day pnl=%v trades=%d err=%v", pnl, trades, err)
	}
}

func TestTrackedOrderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o := gateway.TrackedOrder{
		ID:       "ord-1",
		Symbol:   "ETHUSDT",
		Exchange: "binance",
		Type:     exchange.OrderTypeLimit,
		Side:     exchange.SideBuy,
		Amount:   1.5,
		Price:    3000,
		OpenedAt: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
	}
	if err := s.SaveTrackedOrder(ctx, o); err != nil {
		t.Fatalf("SaveTrackedOrder: %v", err)
	}
	// Saving again updates rather than failing.
	o.Price = 3100
	if err := s.SaveTrackedOrder(ctx, o); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ListTrackedOrders(ctx)
	if err != nil {
		t.Fatalf("ListTrackedOrders: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("orders=%d, expected 1", len(got))
	}
	if got[0].Price != 3100 || got[0].Type != exchange.OrderTypeLimit || got[0].Side != exchange.SideBuy {
		t.Fatalf("order=%+v", got[0])
	}

	if err := s.DeleteTrackedOrder(ctx, "ord-1"); err != nil {
		t.Fatalf("DeleteTrackedOrder: %v", err)
	}
	got, _ = s.ListTrackedOrders(ctx)
	if len(got) != 0 {
		t.Fatalf("orders=%d after delete", len(got))
	}
	// Deleting a missing id is a no-op.
	if err := s.DeleteTrackedOrder(ctx, "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestSavePaperTrade(t *testing.T) {
	s := openTestStore(t)
	err := s.SavePaperTrade(context.Background(), paper.Trade{
		ID:         "t-1",
		OrderID:    "o-1",
		Symbol:     "BTCUSDT",
		Side:       exchange.SideBuy,
		Price:      45000,
		Quantity:   0.1,
		Commission: 4.5,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SavePaperTrade: %v", err)
	}
}
