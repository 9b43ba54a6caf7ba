package risk

import (
	"context"
	"math"
	"testing"
	"time"
)

func testParams() Parameters {
	return Parameters{
		MaxPositionSize:  0.02,
		StopLossPct:      0.02,
		TakeProfitPct:    0.04,
		TrailingStopPct:  0.015,
		MaxDailyLoss:     0.05,
		MaxDrawdown:      0.20,
		MaxOpenPositions: 5,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		name    string
		params  Parameters
		entry   float64
		stop    float64
		balance float64
		vol     float64
		want    float64
		wantErr error
	}{
		{
			name:    "risk based sizing",
			params:  testParams(),
			entry:   50000,
			stop:    49000,
			balance: 10000,
			want:    0.2, // 10000 * 0.02 / 1000
		},
		{
			name: "volatility shrinks the size",
			params: func() Parameters {
				p := testParams()
				p.VolatilityAdjustment = true
				return p
			}(),
			entry:   50000,
			stop:    49000,
			balance: 10000,
			vol:     1,
			want:    0.1,
		},
		{
			name:    "affordability caps the quantity",
			params:  testParams(),
			entry:   50000,
			stop:    49900, // tight stop would size 2 BTC
			balance: 10000,
			want:    0.2, // balance / entry
		},
		{
			name:    "floor at a tenth of a percent of balance",
			params:  testParams(),
			entry:   100,
			stop:    5000, // huge distance sizes below the floor
			balance: 10000,
			want:    0.1, // 0.001 * 10000 / 100
		},
		{
			name:    "zero stop distance",
			params:  testParams(),
			entry:   50000,
			stop:    50000,
			balance: 10000,
			wantErr: ErrInvalidPrice,
		},
		{
			name:    "negative balance",
			params:  testParams(),
			entry:   50000,
			stop:    49000,
			balance: -1,
			wantErr: ErrInvalidBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.params)
			got, err := m.CalculatePositionSize(tt.entry, tt.stop, tt.balance, tt.vol)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Fatalf("err=%v, expected %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CalculatePositionSize: %v", err)
			}
			if !almostEqual(got, tt.want) {
				t.Fatalf("size=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestProtectiveLevels(t *testing.T) {
	p := testParams()
	p.StopLossPct = 0.02
	p.TakeProfitPct = 0.05
	m := NewManager(p)

	if got := m.StopLossPrice(50000, SideLong); !almostEqual(got, 49000) {
		t.Fatalf("long stop=%v, expected 49000", got)
	}
	if got := m.TakeProfitPrice(50000, SideLong); !almostEqual(got, 52500) {
		t.Fatalf("long target=%v, expected 52500", got)
	}
	if got := m.StopLossPrice(50000, SideShort); !almostEqual(got, 51000) {
		t.Fatalf("short stop=%v, expected 51000", got)
	}
	if got := m.TakeProfitPrice(50000, SideShort); !almostEqual(got, 47500) {
		t.Fatalf("short target=%v, expected 47500", got)
	}
}

func TestOpenPositionIsGuarded(t *testing.T) {
	m := NewManager(testParams())

	pos, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.2)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if !almostEqual(pos.StopLoss, 49000) || !almostEqual(pos.TakeProfit, 52000) {
		t.Fatalf("levels sl=%v tp=%v, expected 49000/52000", pos.StopLoss, pos.TakeProfit)
	}
	if !almostEqual(pos.TrailingStop, 50000*0.985) {
		t.Fatalf("initial trailing=%v, expected %v", pos.TrailingStop, 50000*0.985)
	}

	if _, err := m.OpenPosition("BTCUSDT", SideLong, 51000, 0.1); err != ErrPositionAlreadyOpen {
		t.Fatalf("second open err=%v, expected ErrPositionAlreadyOpen", err)
	}
	// The original position is untouched.
	got, ok := m.Position("BTCUSDT")
	if !ok || !almostEqual(got.EntryPrice, 50000) {
		t.Fatalf("position=%+v, expected the first entry preserved", got)
	}
}

func TestTrailingStopOnlyRatchetsUp(t *testing.T) {
	m := NewManager(testParams())
	if _, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.2); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	steps := []struct {
		price float64
		want  float64
	}{
		{51000, 51000 * 0.985},
		{50500, 51000 * 0.985}, // pullback: stop must not move down
		{52000, 52000 * 0.985},
		{51000, 52000 * 0.985},
	}
	prev := 0.0
	for _, s := range steps {
		got, err := m.UpdateTrailingStop("BTCUSDT", s.price)
		if err != nil {
			t.Fatalf("UpdateTrailingStop(%v): %v", s.price, err)
		}
		if !almostEqual(got, s.want) {
			t.Fatalf("trailing after %v = %v, expected %v", s.price, got, s.want)
		}
		if got < prev {
			t.Fatalf("trailing moved down: %v -> %v", prev, got)
		}
		prev = got
	}
}

func TestShouldClosePosition(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64 // fed in order; last one is asserted
		want   CloseReason
	}{
		{name: "hold inside the band", prices: []float64{50500}, want: ReasonHold},
		{name: "stop loss", prices: []float64{48900}, want: ReasonStopLoss},
		{name: "take profit", prices: []float64{52100}, want: ReasonTakeProfit},
		// Run up ratchets the trail to 52000*0.985=51220, then the drop
		// breaches it while staying above the fixed stop.
		{name: "trailing stop after a run up", prices: []float64{52000 - 1, 51000}, want: ReasonTrailingStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(testParams())
			if _, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.2); err != nil {
				t.Fatalf("OpenPosition: %v", err)
			}
			var dec Decision
			var err error
			for _, p := range tt.prices {
				dec, err = m.ShouldClosePosition("BTCUSDT", p)
				if err != nil {
					t.Fatalf("ShouldClosePosition(%v): %v", p, err)
				}
			}
			if dec.Reason != tt.want {
				t.Fatalf("reason=%s, expected %s", dec.Reason, tt.want)
			}
			if dec.Close != (tt.want != ReasonHold) {
				t.Fatalf("close=%v for reason %s", dec.Close, dec.Reason)
			}
		})
	}
}

func TestShouldClosePositionIdempotentAroundClose(t *testing.T) {
	m := NewManager(testParams())
	if _, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.2); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if _, err := m.ClosePosition(context.Background(), "BTCUSDT", 52000, ReasonManual); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// A feed race can deliver one more tick after the close; the check must
	// answer no-position without an error.
	dec, err := m.ShouldClosePosition("BTCUSDT", 48000)
	if err != nil {
		t.Fatalf("ShouldClosePosition after close: %v", err)
	}
	if dec.Close || dec.Reason != ReasonNoPosition {
		t.Fatalf("decision=%+v, expected no_position and no close", dec)
	}

	// A second explicit close is a real error.
	if _, err := m.ClosePosition(context.Background(), "BTCUSDT", 48000, ReasonManual); err != ErrNoPosition {
		t.Fatalf("double close err=%v, expected ErrNoPosition", err)
	}
}

func TestCloseRealizesNetPnL(t *testing.T) {
	m := NewManager(testParams())
	if _, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.2); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if err := m.AddFees("BTCUSDT", 10); err != nil {
		t.Fatalf("AddFees: %v", err)
	}

	pnl, err := m.ClosePosition(context.Background(), "BTCUSDT", 52500, ReasonTakeProfit)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	want := (52500.0-50000.0)*0.2 - 10 // 490 net of fees
	if !almostEqual(pnl, want) {
		t.Fatalf("pnl=%v, expected %v", pnl, want)
	}

	s := m.Summary()
	if s.OpenPositions != 0 || s.DailyTrades != 1 || !almostEqual(s.DailyPnL, want) || !almostEqual(s.TotalPnL, want) {
		t.Fatalf("summary=%+v, expected the close reflected", s)
	}
}

func TestCloseAtEntryRealizesMinusFees(t *testing.T) {
	m := NewManager(testParams())
	if _, err := m.OpenPosition("ETHUSDT", SideLong, 3000, 1); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if err := m.AddFees("ETHUSDT", 6); err != nil {
		t.Fatalf("AddFees: %v", err)
	}

	pnl, err := m.ClosePosition(context.Background(), "ETHUSDT", 3000, ReasonManual)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if !almostEqual(pnl, -6) {
		t.Fatalf("pnl=%v, a flat exit realizes exactly the fees", pnl)
	}
	if _, ok := m.Position("ETHUSDT"); ok {
		t.Fatal("position still tracked after close")
	}
}

func TestDailyCountersRollOverAtUTCMidnight(t *testing.T) {
	m := NewManager(testParams())
	clock := time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.day = m.utcDay()

	if _, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.2); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if _, err := m.ClosePosition(context.Background(), "BTCUSDT", 49000, ReasonStopLoss); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if s := m.Summary(); s.DailyTrades != 1 || s.DailyPnL >= 0 {
		t.Fatalf("summary before rollover=%+v", s)
	}

	clock = clock.Add(2 * time.Hour) // past midnight UTC

	s := m.Summary()
	if s.Day != "2026-08-28" {
		t.Fatalf("day=%s, expected 2026-08-28", s.Day)
	}
	if s.DailyTrades != 0 || s.DailyPnL != 0 {
		t.Fatalf("daily counters not reset: %+v", s)
	}
	if almostEqual(s.TotalPnL, 0) {
		t.Fatal("lifetime PnL must survive the rollover")
	}
}

func TestCheckRiskLimits(t *testing.T) {
	t.Run("healthy account passes", func(t *testing.T) {
		m := NewManager(testParams())
		checks := m.CheckRiskLimits(10000)
		for name, ok := range checks {
			if !ok {
				t.Fatalf("check %s failed on a fresh account", name)
			}
		}
	})

	t.Run("non-positive balance fails everything", func(t *testing.T) {
		m := NewManager(testParams())
		checks := m.CheckRiskLimits(0)
		if checks["balance_positive"] || checks["daily_loss"] || checks["drawdown"] {
			t.Fatalf("checks=%v, expected balance-dependent checks to fail", checks)
		}
	})

	t.Run("position cap", func(t *testing.T) {
		p := testParams()
		p.MaxOpenPositions = 1
		m := NewManager(p)
		if _, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.1); err != nil {
			t.Fatalf("OpenPosition: %v", err)
		}
		if checks := m.CheckRiskLimits(10000); checks["open_positions"] {
			t.Fatal("open_positions check passed at the cap")
		}
	})

	t.Run("daily loss breach", func(t *testing.T) {
		m := NewManager(testParams())
		if _, err := m.OpenPosition("BTCUSDT", SideLong, 50000, 0.2); err != nil {
			t.Fatalf("OpenPosition: %v", err)
		}
		// Lose 600 on a 10000 balance: past the 5% daily limit.
		if _, err := m.ClosePosition(context.Background(), "BTCUSDT", 47000, ReasonStopLoss); err != nil {
			t.Fatalf("ClosePosition: %v", err)
		}
		if checks := m.CheckRiskLimits(10000); checks["daily_loss"] {
			t.Fatal("daily_loss check passed after breaching the limit")
		}
	})
}
