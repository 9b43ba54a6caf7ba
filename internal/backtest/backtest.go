// Package backtest replays historical bars through the live risk rules.
// Entry sizing and every exit decision come from an injected risk.Manager,
// so a strategy backtested here sees exactly the stops it would get live.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"trading-engine/internal/risk"
)

var (
	ErrNoData     = errors.New("no candles supplied")
	ErrNilManager = errors.New("risk manager is required")
)

// Candle is one historical OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Strategy decides entries. Exits belong to the risk manager, not the
// strategy; a strategy that wants custom exits should express them as stop
// overrides via the manager.
type Strategy interface {
	// Name labels the strategy in logs and results.
	Name() string
	// RequiredBars is the minimum history before Signal is consulted.
	RequiredBars() int
	// ShouldEnter reports whether to open a long at history[len-1].Close.
	ShouldEnter(ctx context.Context, history []Candle) bool
}

// Config tunes a single backtest run.
type Config struct {
	Symbol         string
	InitialBalance float64
	CommissionRate float64 // decimal, charged on entry and exit notional
	Volatility     float64 // passed to position sizing, 0 disables the shrink
}

// TradeRecord is one completed round trip in the result.
type TradeRecord struct {
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64 // net of commission
	Reason     risk.CloseReason
	EntryTime  time.Time
	ExitTime   time.Time
}

// EquityPoint is one bar-close sample of account equity.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// Result aggregates a finished run.
type Result struct {
	Strategy      string
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	ProfitFactor  float64
	MaxDrawdown   float64 // fraction of peak equity
	FinalBalance  float64
	Return        float64 // fraction of initial balance
	Trades        []TradeRecord
	EquityCurve   []EquityPoint
}

// Engine runs backtests against a shared risk manager.
type Engine struct {
	cfg Config
	rm  *risk.Manager
}

// NewEngine creates a backtest engine. The risk manager should be dedicated
// to backtesting; its position book and daily counters are mutated by Run.
func NewEngine(cfg Config, rm *risk.Manager) (*Engine, error) {
	if rm == nil {
		return nil, ErrNilManager
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	return &Engine{cfg: cfg, rm: rm}, nil
}

// Run replays the candles through the strategy and the risk manager. Entries
// fill at bar close; exits fill at the protective level they breached, with
// intrabar lows and highs checked so a stop inside the bar's range triggers
// even when the close recovers.
func (e *Engine) Run(ctx context.Context, strategy Strategy, candles []Candle) (*Result, error) {
	if len(candles) == 0 {
		return nil, ErrNoData
	}
	warmup := strategy.RequiredBars()
	if len(candles) <= warmup {
		return nil, fmt.Errorf("need more than %d candles for %s, got %d", warmup, strategy.Name(), len(candles))
	}

	res := &Result{
		Strategy:     strategy.Name(),
		Symbol:       e.cfg.Symbol,
		FinalBalance: e.cfg.InitialBalance,
	}
	balance := e.cfg.InitialBalance
	peak := balance

	var open *openState
	for i := warmup; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bar := candles[i]

		if open != nil {
			exited, err := e.checkExit(ctx, open, bar, &balance, res)
			if err != nil {
				return nil, err
			}
			if exited {
				open = nil
			}
		}

		if open == nil && strategy.ShouldEnter(ctx, candles[:i+1]) {
			limits := e.rm.CheckRiskLimits(balance)
			if !limits["daily_loss"] || !limits["drawdown"] || !limits["open_positions"] {
				continue
			}
			st, err := e.enter(bar, balance)
			if err != nil {
				log.Printf("backtest: skip entry at %s: %v", bar.OpenTime.Format(time.RFC3339), err)
				continue
			}
			balance -= st.entryCommission
			open = st
		}

		if balance > peak {
			peak = balance
		}
		if peak > 0 {
			if dd := (peak - balance) / peak; dd > res.MaxDrawdown {
				res.MaxDrawdown = dd
			}
		}
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Time: bar.OpenTime, Equity: e.markEquity(balance, open, bar.Close)})
	}

	// Force-close anything still open at the final bar.
	if open != nil {
		last := candles[len(candles)-1]
		if err := e.close(ctx, open, last.Close, risk.ReasonManual, last.OpenTime, &balance, res); err != nil {
			return nil, err
		}
	}

	e.finalize(res, balance)
	log.Printf("backtest: %s on %s: trades=%d winrate=%.1f%% pnl=%.2f maxdd=%.1f%%",
		res.Strategy, res.Symbol, res.TotalTrades, res.WinRate*100, res.TotalPnL, res.MaxDrawdown*100)
	return res, nil
}

type openState struct {
	entryPrice      float64
	quantity        float64
	entryTime       time.Time
	entryCommission float64
}

func (e *Engine) enter(bar Candle, balance float64) (*openState, error) {
	entry := bar.Close
	stop := e.rm.StopLossPrice(entry, risk.SideLong)
	qty, err := e.rm.CalculatePositionSize(entry, stop, balance, e.cfg.Volatility)
	if err != nil {
		return nil, err
	}
	if _, err := e.rm.OpenPosition(e.cfg.Symbol, risk.SideLong, entry, qty); err != nil {
		return nil, err
	}
	commission := entry * qty * e.cfg.CommissionRate
	if err := e.rm.AddFees(e.cfg.Symbol, commission); err != nil {
		return nil, err
	}
	return &openState{
		entryPrice:      entry,
		quantity:        qty,
		entryTime:       bar.OpenTime,
		entryCommission: commission,
	}, nil
}

// checkExit probes the bar's low, high, and close in that pessimistic order.
func (e *Engine) checkExit(ctx context.Context, st *openState, bar Candle, balance *float64, res *Result) (bool, error) {
	for _, price := range []float64{bar.Low, bar.High, bar.Close} {
		decision, err := e.rm.ShouldClosePosition(e.cfg.Symbol, price)
		if err != nil {
			return false, err
		}
		if decision.Close {
			exit := e.exitFill(decision.Reason, price)
			if err := e.close(ctx, st, exit, decision.Reason, bar.OpenTime, balance, res); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// exitFill assumes the fill lands on the protective level rather than the
// probe price, matching how a resting stop or target executes.
func (e *Engine) exitFill(reason risk.CloseReason, probe float64) float64 {
	pos, ok := e.rm.Position(e.cfg.Symbol)
	if !ok {
		return probe
	}
	switch reason {
	case risk.ReasonStopLoss:
		return pos.StopLoss
	case risk.ReasonTakeProfit:
		return pos.TakeProfit
	case risk.ReasonTrailingStop:
		return pos.TrailingStop
	}
	return probe
}

func (e *Engine) close(ctx context.Context, st *openState, exit float64, reason risk.CloseReason, at time.Time, balance *float64, res *Result) error {
	exitCommission := exit * st.quantity * e.cfg.CommissionRate
	if err := e.rm.AddFees(e.cfg.Symbol, exitCommission); err != nil {
		return err
	}
	pnl, err := e.rm.ClosePosition(ctx, e.cfg.Symbol, exit, reason)
	if err != nil {
		return err
	}
	// Entry commission was already deducted from the running balance; the
	// manager nets both sides out of pnl, so add it back once.
	*balance += pnl + st.entryCommission

	res.TotalTrades++
	if pnl > 0 {
		res.WinningTrades++
	} else if pnl < 0 {
		res.LosingTrades++
	}
	res.TotalPnL += pnl
	res.Trades = append(res.Trades, TradeRecord{
		EntryPrice: st.entryPrice,
		ExitPrice:  exit,
		Quantity:   st.quantity,
		PnL:        pnl,
		Reason:     reason,
		EntryTime:  st.entryTime,
		ExitTime:   at,
	})
	return nil
}

func (e *Engine) markEquity(balance float64, st *openState, price float64) float64 {
	if st == nil {
		return balance
	}
	return balance + (price-st.entryPrice)*st.quantity
}

func (e *Engine) finalize(res *Result, balance float64) {
	res.FinalBalance = balance
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades)
	}
	var grossWin, grossLoss float64
	for _, t := range res.Trades {
		if t.PnL > 0 {
			grossWin += t.PnL
		} else {
			grossLoss -= t.PnL
		}
	}
	if grossLoss > 0 {
		res.ProfitFactor = grossWin / grossLoss
	}
	if e.cfg.InitialBalance > 0 {
		res.Return = (balance - e.cfg.InitialBalance) / e.cfg.InitialBalance
	}
}
