// Package risk implements position sizing, protective stops, and account
// level loss limits. One Manager instance owns the open positions of one
// trading account; construct it explicitly and inject it where needed.
package risk

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"trading-engine/internal/events"
	"trading-engine/pkg/metrics"
)

// minSizeFraction is the sizing floor: 0.1% of balance worth of quantity.
const minSizeFraction = 0.001

// TradeStore persists closed trades and daily metrics. Implemented by
// store.Store; optional.
type TradeStore interface {
	SaveClosedTrade(ctx context.Context, t ClosedTrade) error
	UpsertDailyMetrics(ctx context.Context, day string, pnl float64, trades, wins int, losses float64) error
}

// Manager tracks one open Position per symbol and applies the configured
// Parameters. Methods are safe for concurrent use, but ordering across
// threads is only what the internal lock provides; production callers should
// drive price updates from a single goroutine.
type Manager struct {
	mu        sync.Mutex
	params    Parameters
	positions map[string]*Position

	dailyPnL    float64
	dailyTrades int
	totalPnL    float64
	peakPnL     float64
	drawdown    float64 // absolute distance from peakPnL, ratcheted on losses
	day         string  // UTC date the daily counters belong to

	store TradeStore
	bus   *events.Bus
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists closed trades and daily metrics.
func WithStore(s TradeStore) Option { return func(m *Manager) { m.store = s } }

// WithBus publishes position lifecycle events.
func WithBus(b *events.Bus) Option { return func(m *Manager) { m.bus = b } }

// NewManager creates a risk manager with the given immutable parameters.
func NewManager(params Parameters, opts ...Option) *Manager {
	m := &Manager{
		params:    params,
		positions: make(map[string]*Position),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.day = m.utcDay()
	log.Printf("risk: manager initialized: size=%.1f%% sl=%.1f%% tp=%.1f%% trail=%.1f%%",
		params.MaxPositionSize*100, params.StopLossPct*100, params.TakeProfitPct*100, params.TrailingStopPct*100)
	return m
}

// Parameters returns the immutable configuration.
func (m *Manager) Parameters() Parameters { return m.params }

// CalculatePositionSize returns the quantity to trade so that losing the
// full entry-to-stop distance costs at most MaxPositionSize of the balance.
// When volatility adjustment is on, a supplied volatility shrinks the size by
// 1/(1+vol). The result is floored at 0.1% of balance worth of quantity and
// capped by affordability (quantity*entry <= balance).
func (m *Manager) CalculatePositionSize(entry, stop, balance, volatility float64) (float64, error) {
	if entry <= 0 || stop <= 0 {
		return 0, ErrInvalidPrice
	}
	if balance <= 0 {
		return 0, ErrInvalidBalance
	}
	riskPerUnit := math.Abs(entry - stop)
	if riskPerUnit == 0 {
		return 0, ErrInvalidPrice
	}

	qty := balance * m.params.MaxPositionSize / riskPerUnit
	if m.params.VolatilityAdjustment && volatility > 0 {
		qty /= 1 + volatility
	}

	if floor := minSizeFraction * balance / entry; qty < floor {
		qty = floor
	}
	if qty*entry > balance {
		qty = balance / entry
	}

	log.Printf("risk: sized %.6f units (entry=%.2f stop=%.2f balance=%.2f vol=%.4f)",
		qty, entry, stop, balance, volatility)
	return qty, nil
}

// StopLossPrice returns the protective stop for an entry.
func (m *Manager) StopLossPrice(entry float64, side Side) float64 {
	if side == SideShort {
		return entry * (1 + m.params.StopLossPct)
	}
	return entry * (1 - m.params.StopLossPct)
}

// TakeProfitPrice returns the profit target for an entry.
func (m *Manager) TakeProfitPrice(entry float64, side Side) float64 {
	if side == SideShort {
		return entry * (1 - m.params.TakeProfitPct)
	}
	return entry * (1 + m.params.TakeProfitPct)
}

// OpenPosition registers a new position. Opening a symbol that already has an
// open position is a guarded transition and fails with
// ErrPositionAlreadyOpen; it never silently overwrites the prior bookkeeping.
func (m *Manager) OpenPosition(symbol string, side Side, entry, qty float64) (Position, error) {
	if entry <= 0 {
		return Position{}, ErrInvalidPrice
	}
	if qty <= 0 {
		return Position{}, ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[symbol]; exists {
		return Position{}, ErrPositionAlreadyOpen
	}

	pos := &Position{
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   entry,
		Quantity:     qty,
		StopLoss:     m.stopLossLocked(entry, side),
		TakeProfit:   m.takeProfitLocked(entry, side),
		HighestPrice: entry,
		LowestPrice:  entry,
		OpenedAt:     m.now().UTC(),
	}
	if m.params.TrailingStopPct > 0 {
		if side == SideShort {
			pos.TrailingStop = entry * (1 + m.params.TrailingStopPct)
		} else {
			pos.TrailingStop = entry * (1 - m.params.TrailingStopPct)
		}
	}
	m.positions[symbol] = pos

	log.Printf("risk: opened %s %s qty=%.6f entry=%.2f sl=%.2f tp=%.2f",
		side, symbol, qty, entry, pos.StopLoss, pos.TakeProfit)
	if m.bus != nil {
		m.bus.Publish(events.EventPositionOpened, *pos)
	}
	return *pos, nil
}

// SetStops overrides the protective levels of an open position. Zero values
// leave the corresponding level unchanged.
func (m *Manager) SetStops(symbol string, stopLoss, takeProfit float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return ErrNoPosition
	}
	if stopLoss > 0 {
		pos.StopLoss = stopLoss
	}
	if takeProfit > 0 {
		pos.TakeProfit = takeProfit
	}
	return nil
}

// UpdateTrailingStop ratchets the trailing stop when price makes a new
// favorable excursion. For longs the stop only ever moves up; for shorts only
// down. Returns the current trailing stop.
func (m *Manager) UpdateTrailingStop(symbol string, price float64) (float64, error) {
	if price <= 0 {
		return 0, ErrInvalidPrice
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return 0, ErrNoPosition
	}
	m.ratchetLocked(pos, price)
	return pos.TrailingStop, nil
}

func (m *Manager) ratchetLocked(pos *Position, price float64) {
	if m.params.TrailingStopPct <= 0 {
		return
	}
	if pos.Side == SideLong {
		if price > pos.HighestPrice {
			pos.HighestPrice = price
			if next := price * (1 - m.params.TrailingStopPct); next > pos.TrailingStop {
				pos.TrailingStop = next
			}
		}
	} else {
		if price < pos.LowestPrice {
			pos.LowestPrice = price
			if next := price * (1 + m.params.TrailingStopPct); pos.TrailingStop == 0 || next < pos.TrailingStop {
				pos.TrailingStop = next
			}
		}
	}
}

// ShouldClosePosition evaluates the exit rules at the given price: stop loss,
// then take profit, then trailing stop. The trailing stop is ratcheted first
// so the freshly updated level is what gets checked this tick. A symbol with
// no open position yields Decision{Reason: ReasonNoPosition} and no error, so
// the call is idempotent around closes.
func (m *Manager) ShouldClosePosition(symbol string, price float64) (Decision, error) {
	if price <= 0 {
		return Decision{Reason: ReasonHold}, ErrInvalidPrice
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return Decision{Reason: ReasonNoPosition}, nil
	}

	m.ratchetLocked(pos, price)
	if pos.Side == SideLong {
		pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity
	} else {
		pos.UnrealizedPnL = (pos.EntryPrice - price) * pos.Quantity
	}

	var reason CloseReason
	switch {
	case pos.StopLoss > 0 && crossedAgainst(pos.Side, price, pos.StopLoss):
		reason = ReasonStopLoss
	case pos.TakeProfit > 0 && crossedInFavor(pos.Side, price, pos.TakeProfit):
		reason = ReasonTakeProfit
	case pos.TrailingStop > 0 && crossedAgainst(pos.Side, price, pos.TrailingStop):
		reason = ReasonTrailingStop
	default:
		return Decision{Reason: ReasonHold}, nil
	}
	return Decision{Close: true, Reason: reason}, nil
}

// crossedAgainst reports whether price breached a protective level.
func crossedAgainst(side Side, price, level float64) bool {
	if side == SideLong {
		return price <= level
	}
	return price >= level
}

// crossedInFavor reports whether price reached a profit target.
func crossedInFavor(side Side, price, level float64) bool {
	if side == SideLong {
		return price >= level
	}
	return price <= level
}

// ClosePosition realizes PnL at the exit price, updates daily and lifetime
// counters, removes the position, and returns the realized PnL.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, exit float64, reason CloseReason) (float64, error) {
	if exit <= 0 {
		return 0, ErrInvalidPrice
	}

	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNoPosition
	}
	delete(m.positions, symbol)

	var pnl float64
	if pos.Side == SideLong {
		pnl = (exit - pos.EntryPrice) * pos.Quantity
	} else {
		pnl = (pos.EntryPrice - exit) * pos.Quantity
	}
	pnl -= pos.Fees

	m.rollDayLocked()
	m.dailyPnL += pnl
	m.dailyTrades++
	m.totalPnL += pnl
	if m.totalPnL > m.peakPnL {
		m.peakPnL = m.totalPnL
	}
	if dd := m.peakPnL - m.totalPnL; dd > m.drawdown {
		m.drawdown = dd
	}
	day := m.day
	closed := ClosedTrade{
		Symbol:   symbol,
		Side:     pos.Side,
		EntryP:   pos.EntryPrice,
		ExitP:    exit,
		Quantity: pos.Quantity,
		PnL:      pnl,
		Reason:   reason,
		OpenedAt: pos.OpenedAt,
		ClosedAt: m.now().UTC(),
	}
	m.mu.Unlock()

	log.Printf("risk: closed %s %s qty=%.6f exit=%.2f pnl=%.2f reason=%s",
		closed.Side, symbol, closed.Quantity, exit, pnl, reason)
	metrics.IncExit(string(reason), string(closed.Side))
	if m.bus != nil {
		m.bus.Publish(events.EventPositionClosed, closed)
	}
	if m.store != nil {
		wins := 0
		losses := 0.0
		if pnl > 0 {
			wins = 1
		} else if pnl < 0 {
			losses = -pnl
		}
		if err := m.store.SaveClosedTrade(ctx, closed); err != nil {
			log.Printf("risk: persist closed trade %s: %v", symbol, err)
		}
		if err := m.store.UpsertDailyMetrics(ctx, day, pnl, 1, wins, losses); err != nil {
			log.Printf("risk: persist daily metrics: %v", err)
		}
	}
	return pnl, nil
}

// CheckRiskLimits evaluates account-level limits against the given balance.
// Results are reported, not enforced: callers must consult the map before
// trading. Daily counters reset lazily on UTC date rollover.
func (m *Manager) CheckRiskLimits(balance float64) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked()

	checks := map[string]bool{
		"balance_positive": balance > 0,
		"open_positions":   len(m.positions) < m.params.MaxOpenPositions,
	}
	if balance > 0 {
		checks["daily_loss"] = m.dailyPnL > -m.params.MaxDailyLoss*balance
		checks["drawdown"] = m.drawdown < m.params.MaxDrawdown*balance
	} else {
		checks["daily_loss"] = false
		checks["drawdown"] = false
	}

	for name, ok := range checks {
		if !ok && m.bus != nil {
			m.bus.Publish(events.EventRiskAlert, struct {
				Check   string
				Balance float64
			}{name, balance})
		}
	}
	return checks
}

// Position returns a snapshot of the open position for a symbol.
func (m *Manager) Position(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// AddFees attributes execution fees to an open position so ClosePosition can
// net them out.
func (m *Manager) AddFees(symbol string, fees float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return ErrNoPosition
	}
	pos.Fees += fees
	return nil
}

// Summary returns a point-in-time view of positions and counters.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked()
	s := Summary{
		OpenPositions: len(m.positions),
		Positions:     make([]Position, 0, len(m.positions)),
		DailyPnL:      m.dailyPnL,
		TotalPnL:      m.totalPnL,
		DailyTrades:   m.dailyTrades,
		Drawdown:      m.drawdown,
		Day:           m.day,
	}
	for _, pos := range m.positions {
		s.Positions = append(s.Positions, *pos)
	}
	return s
}

// rollDayLocked resets daily counters when the UTC date has changed since
// they were last touched. Per-process only; see DESIGN.md for the rationale.
func (m *Manager) rollDayLocked() {
	today := m.utcDay()
	if today == m.day {
		return
	}
	log.Printf("risk: daily rollover %s -> %s (pnl=%.2f trades=%d)", m.day, today, m.dailyPnL, m.dailyTrades)
	m.dailyPnL = 0
	m.dailyTrades = 0
	m.day = today
}

func (m *Manager) utcDay() string {
	return m.now().UTC().Format("2006-01-02")
}

func (m *Manager) stopLossLocked(entry float64, side Side) float64 {
	if side == SideShort {
		return entry * (1 + m.params.StopLossPct)
	}
	return entry * (1 - m.params.StopLossPct)
}

func (m *Manager) takeProfitLocked(entry float64, side Side) float64 {
	if side == SideShort {
		return entry * (1 - m.params.TakeProfitPct)
	}
	return entry * (1 + m.params.TakeProfitPct)
}
