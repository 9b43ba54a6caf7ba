// Package paper simulates the full order -> position -> exit lifecycle
// against live ticks or a synthetic random walk, without touching a venue.
// It is both the UI-facing paper-trading backend and the reference
// implementation of the order state machine.
package paper

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-engine/internal/events"
	"trading-engine/internal/risk"
	"trading-engine/pkg/exchange"
	"trading-engine/pkg/metrics"
)

// TradeStore persists the trade log. Implemented by store.Store; optional.
type TradeStore interface {
	SavePaperTrade(ctx context.Context, t Trade) error
}

// Engine simulates order execution for one account. Market-data callbacks
// and the polling goroutine both mutate shared state, so every mutation path
// goes through the single engine mutex; ticks additionally funnel through one
// dispatch goroutine.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	account   Account
	orders    map[string]*Order
	positions map[string]*Position
	prices    map[string]float64
	trades    []Trade
	equity    []EquityPoint

	bus   *events.Bus
	store TradeStore
	rng   *rand.Rand
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus attaches the engine to a price feed and event sink.
func WithBus(b *events.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithStore persists fills to a trade store.
func WithStore(s TradeStore) Option { return func(e *Engine) { e.store = s } }

// NewEngine creates a paper trading engine with its own isolated account.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	e := &Engine{
		cfg:       cfg,
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		prices:    make(map[string]float64),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
	e.account = Account{
		Balance:         cfg.InitialBalance,
		Equity:          cfg.InitialBalance,
		MarginAvailable: cfg.InitialBalance,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the tick dispatcher and the pending-order poll loop. When no
// bus is attached, a synthetic random walk drives prices instead.
func (e *Engine) Start(ctx context.Context) {
	if e.bus != nil {
		ch, unsub := e.bus.Subscribe(events.EventPriceTick, 256)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-ch:
					if !ok {
						return
					}
					if t, ok := payload.(events.Tick); ok {
						e.Tick(t.Symbol, t.Price)
					}
				}
			}
		}()
	} else {
		go e.randomWalk(ctx)
	}

	go func() {
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// randomWalk perturbs every known symbol's price by up to ±0.1% per step.
func (e *Engine) randomWalk(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			symbols := make([]string, 0, len(e.prices))
			for sym := range e.prices {
				symbols = append(symbols, sym)
			}
			e.mu.Unlock()
			for _, sym := range symbols {
				e.mu.Lock()
				p := e.prices[sym]
				e.mu.Unlock()
				e.Tick(sym, p*(1+(e.rng.Float64()*2-1)*0.001))
			}
		}
	}
}

// SetPrice seeds or overrides the simulated price for a symbol.
func (e *Engine) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.prices[symbol] = price
	e.mu.Unlock()
}

// Tick processes one price update: pending-order matching, position marks,
// trailing ratchets, and risk-triggered exits.
func (e *Engine) Tick(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.prices[symbol] = price
	e.matchPendingLocked(symbol, price)
	e.markPositionLocked(symbol, price)
	exit := e.riskExitLocked(symbol, price)
	e.recordEquityLocked()
	e.mu.Unlock()

	if exit != nil {
		// Auto-close outside the lock via the normal order path.
		if _, _, err := e.placeExitOrder(symbol, exit.qty, exit.reason); err != nil {
			log.Printf("paper: auto-exit %s (%s): %v", symbol, exit.reason, err)
		}
	}
}

type pendingExit struct {
	qty    float64
	reason risk.CloseReason
}

// PlaceOrder validates and places an order. Market orders fill immediately at
// the current simulated price with slippage applied against the taker;
// limit/stop/take-profit/trailing orders stay pending until triggered.
func (e *Engine) PlaceOrder(symbol string, side exchange.Side, typ exchange.OrderType, qty, price, stopPrice float64) (string, error) {
	if qty <= 0 {
		return "", ErrInvalidQuantity
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	last := e.prices[symbol]
	if last <= 0 && typ == exchange.OrderTypeMarket {
		return "", fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}

	ord := &Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Price:     price,
		StopPrice: stopPrice,
		Status:    exchange.StatusPending,
		CreatedAt: e.now().UTC(),
		UpdatedAt: e.now().UTC(),
	}

	// Funds / inventory validation up front so a pending order cannot become
	// unfillable by construction.
	if side == exchange.SideBuy {
		ref := last
		if typ == exchange.OrderTypeLimit && price > 0 {
			ref = price
		}
		cost := ref * qty * (1 + e.cfg.CommissionRate)
		if cost > e.marginAvailableLocked() {
			return "", fmt.Errorf("%w: need %.2f, available %.2f", ErrInsufficientBalance, cost, e.marginAvailableLocked())
		}
		if typ != exchange.OrderTypeMarket {
			ord.reserved = cost
		}
	} else {
		held := 0.0
		if pos, ok := e.positions[symbol]; ok {
			held = pos.Quantity
		}
		free := held - e.reservedQtyLocked(symbol)
		if qty > free+1e-12 {
			return "", fmt.Errorf("%w: selling %.8f, free %.8f of %.8f held", ErrInsufficientHolding, qty, free, held)
		}
		if typ != exchange.OrderTypeMarket {
			ord.reservedQty = qty
		}
	}

	if typ == exchange.OrderTypeTrailingStop {
		ord.trailMark = last
	}

	e.orders[ord.ID] = ord
	metrics.IncOrder("paper", string(side))

	if typ == exchange.OrderTypeMarket {
		e.fillLocked(ord, e.slipped(last, side))
	}
	return ord.ID, nil
}

// CancelOrder cancels a pending order and releases any reserved funds.
func (e *Engine) CancelOrder(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ord, ok := e.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if ord.Status != exchange.StatusPending {
		return ErrNotPending
	}
	ord.Status = exchange.StatusCancelled
	ord.reserved = 0
	ord.reservedQty = 0
	ord.UpdatedAt = e.now().UTC()
	if e.bus != nil {
		e.bus.Publish(events.EventOrderCancelled, *ord)
	}
	return nil
}

// ClosePosition exits the full position at the current price via a market
// order and returns the realized PnL of the close, net of commission.
func (e *Engine) ClosePosition(symbol string) (float64, error) {
	e.mu.Lock()
	pos, ok := e.positions[symbol]
	if !ok {
		e.mu.Unlock()
		return 0, ErrNoPosition
	}
	qty := pos.Quantity
	e.mu.Unlock()

	_, pnl, err := e.placeExitOrder(symbol, qty, risk.ReasonManual)
	if err != nil {
		return 0, err
	}
	return pnl, nil
}

// CloseAllPositions exits everything, returning the symbols closed.
func (e *Engine) CloseAllPositions() []string {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.positions))
	for sym := range e.positions {
		symbols = append(symbols, sym)
	}
	e.mu.Unlock()

	closed := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, err := e.ClosePosition(sym); err == nil {
			closed = append(closed, sym)
		}
	}
	return closed
}

// ResetAccount restores the initial balance and clears orders, positions,
// trades, and the equity history.
func (e *Engine) ResetAccount() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.account = Account{
		Balance:         e.cfg.InitialBalance,
		Equity:          e.cfg.InitialBalance,
		MarginAvailable: e.cfg.InitialBalance,
	}
	e.orders = make(map[string]*Order)
	e.positions = make(map[string]*Position)
	e.trades = nil
	e.equity = nil
	log.Printf("paper: account reset to %.2f", e.cfg.InitialBalance)
}

// Account returns a snapshot of the simulated account.
func (e *Engine) Account() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshAccountLocked()
	return e.account
}

// Position returns a snapshot of the open position for a symbol.
func (e *Engine) Position(symbol string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Orders returns snapshots of all orders.
func (e *Engine) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	return out
}

// Trades returns the trade log.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// EquityHistory returns the sampled equity curve.
func (e *Engine) EquityHistory() []EquityPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EquityPoint, len(e.equity))
	copy(out, e.equity)
	return out
}

// --- internals ---

// placeExitOrder submits the auto-generated closing market order for a risk
// or manual exit, tagging it with the reason. Returns the order id and the
// realized PnL of the fill, net of commission.
func (e *Engine) placeExitOrder(symbol string, qty float64, reason risk.CloseReason) (string, float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last := e.prices[symbol]
	if last <= 0 {
		return "", 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	pos, ok := e.positions[symbol]
	if !ok || pos.Quantity+1e-12 < qty {
		return "", 0, ErrNoPosition
	}

	ord := &Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      exchange.SideSell,
		Type:      exchange.OrderTypeMarket,
		Quantity:  qty,
		Status:    exchange.StatusPending,
		Reason:    reason,
		CreatedAt: e.now().UTC(),
		UpdatedAt: e.now().UTC(),
	}
	e.orders[ord.ID] = ord
	metrics.IncOrder("paper", string(exchange.SideSell))
	metrics.IncExit(string(reason), string(exchange.SideSell))
	pnl := e.fillLocked(ord, e.slipped(last, exchange.SideSell))
	return ord.ID, pnl, nil
}

// sweep re-evaluates pending orders and risk exits against the latest prices.
func (e *Engine) sweep() {
	e.mu.Lock()
	type pair struct {
		symbol string
		price  float64
	}
	snapshot := make([]pair, 0, len(e.prices))
	for sym, p := range e.prices {
		snapshot = append(snapshot, pair{sym, p})
	}
	e.mu.Unlock()

	for _, s := range snapshot {
		e.Tick(s.symbol, s.price)
	}
}

// matchPendingLocked fills pending orders whose trigger condition is met.
func (e *Engine) matchPendingLocked(symbol string, price float64) {
	for _, ord := range e.orders {
		if ord.Symbol != symbol || ord.Status != exchange.StatusPending {
			continue
		}
		switch ord.Type {
		case exchange.OrderTypeLimit:
			if (ord.Side == exchange.SideBuy && price <= ord.Price) ||
				(ord.Side == exchange.SideSell && price >= ord.Price) {
				e.fillLocked(ord, ord.Price)
			}
		case exchange.OrderTypeStopLoss:
			if (ord.Side == exchange.SideSell && price <= ord.StopPrice) ||
				(ord.Side == exchange.SideBuy && price >= ord.StopPrice) {
				e.fillLocked(ord, e.slipped(price, ord.Side))
			}
		case exchange.OrderTypeTakeProfit:
			if (ord.Side == exchange.SideSell && price >= ord.StopPrice) ||
				(ord.Side == exchange.SideBuy && price <= ord.StopPrice) {
				e.fillLocked(ord, e.slipped(price, ord.Side))
			}
		case exchange.OrderTypeTrailingStop:
			// Sell-side trailing: ratchet the mark up, trigger on the offset
			// below it. The offset comes from the configured trailing percent.
			if ord.Side == exchange.SideSell {
				if price > ord.trailMark {
					ord.trailMark = price
				}
				trigger := ord.trailMark * (1 - e.cfg.Risk.TrailingStopPct)
				if ord.StopPrice > trigger {
					trigger = ord.StopPrice
				}
				if price <= trigger {
					e.fillLocked(ord, e.slipped(price, ord.Side))
				}
			}
		}
	}
}

// markPositionLocked refreshes unrealized PnL and the trailing ratchet.
func (e *Engine) markPositionLocked(symbol string, price float64) {
	pos, ok := e.positions[symbol]
	if !ok {
		return
	}
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity
	if price > pos.HighestPrice {
		pos.HighestPrice = price
		if e.cfg.Risk.TrailingStopPct > 0 {
			if next := price * (1 - e.cfg.Risk.TrailingStopPct); next > pos.TrailingStop {
				pos.TrailingStop = next
			}
		}
	}
}

// riskExitLocked mirrors the risk manager's exit rules for the symbol and
// returns the exit to place, if any. Checked in order: stop loss, take
// profit, trailing stop.
func (e *Engine) riskExitLocked(symbol string, price float64) *pendingExit {
	pos, ok := e.positions[symbol]
	if !ok {
		return nil
	}
	switch {
	case pos.StopLoss > 0 && price <= pos.StopLoss:
		return &pendingExit{qty: pos.Quantity, reason: risk.ReasonStopLoss}
	case pos.TakeProfit > 0 && price >= pos.TakeProfit:
		return &pendingExit{qty: pos.Quantity, reason: risk.ReasonTakeProfit}
	case pos.TrailingStop > 0 && price <= pos.TrailingStop:
		return &pendingExit{qty: pos.Quantity, reason: risk.ReasonTrailingStop}
	}
	return nil
}

// fillLocked executes an order at the given price: account movement, position
// update, trade record, events. Returns the realized PnL of a closing fill,
// net of commission. A sell whose quantity no longer fits the position is
// rejected, never credited; the inventory it claimed was sold by another
// order after placement.
func (e *Engine) fillLocked(ord *Order, fillPrice float64) float64 {
	if ord.Side == exchange.SideSell {
		pos, ok := e.positions[ord.Symbol]
		if !ok || ord.Quantity > pos.Quantity+1e-12 {
			ord.Status = exchange.StatusRejected
			ord.reserved = 0
			ord.reservedQty = 0
			ord.UpdatedAt = e.now().UTC()
			log.Printf("paper: rejected sell %s qty=%.6f, position no longer covers it", ord.Symbol, ord.Quantity)
			if e.bus != nil {
				e.bus.Publish(events.EventOrderRejected, *ord)
			}
			return 0
		}
	}

	notional := fillPrice * ord.Quantity
	commission := notional * e.cfg.CommissionRate

	ord.Status = exchange.StatusFilled
	ord.FilledQty = ord.Quantity
	ord.AvgFillPrice = fillPrice
	ord.Commission = commission
	ord.reserved = 0
	ord.reservedQty = 0
	ord.UpdatedAt = e.now().UTC()

	trade := Trade{
		ID:         uuid.NewString(),
		OrderID:    ord.ID,
		Symbol:     ord.Symbol,
		Side:       ord.Side,
		Price:      fillPrice,
		Quantity:   ord.Quantity,
		Commission: commission,
		Reason:     ord.Reason,
		Time:       e.now().UTC(),
	}

	if ord.Side == exchange.SideBuy {
		e.account.Balance -= notional + commission
		e.applyBuyLocked(ord, fillPrice)
	} else {
		e.account.Balance += notional - commission
		trade.PnL = e.applySellLocked(ord, fillPrice) - commission
		e.account.RealizedPnL += trade.PnL
	}
	e.trades = append(e.trades, trade)
	e.refreshAccountLocked()

	log.Printf("paper: filled %s %s qty=%.6f price=%.4f fee=%.4f balance=%.2f",
		ord.Side, ord.Symbol, ord.Quantity, fillPrice, commission, e.account.Balance)
	if e.bus != nil {
		e.bus.Publish(events.EventOrderFilled, *ord)
	}
	if e.store != nil {
		if err := e.store.SavePaperTrade(context.Background(), trade); err != nil {
			log.Printf("paper: persist trade: %v", err)
		}
	}
	return trade.PnL
}

// applyBuyLocked opens or extends the position at a weighted-average entry.
func (e *Engine) applyBuyLocked(ord *Order, fillPrice float64) {
	pos, ok := e.positions[ord.Symbol]
	if !ok {
		sl, tp, trail := 0.0, 0.0, 0.0
		if e.cfg.Risk.StopLossPct > 0 {
			sl = fillPrice * (1 - e.cfg.Risk.StopLossPct)
		}
		if e.cfg.Risk.TakeProfitPct > 0 {
			tp = fillPrice * (1 + e.cfg.Risk.TakeProfitPct)
		}
		if e.cfg.Risk.TrailingStopPct > 0 {
			trail = fillPrice * (1 - e.cfg.Risk.TrailingStopPct)
		}
		e.positions[ord.Symbol] = &Position{
			Symbol:       ord.Symbol,
			Quantity:     ord.Quantity,
			EntryPrice:   fillPrice,
			StopLoss:     sl,
			TakeProfit:   tp,
			TrailingStop: trail,
			HighestPrice: fillPrice,
			OpenedAt:     e.now().UTC(),
		}
		return
	}
	total := pos.Quantity*pos.EntryPrice + ord.Quantity*fillPrice
	pos.Quantity += ord.Quantity
	pos.EntryPrice = total / pos.Quantity
}

// applySellLocked reduces (or closes) the position and returns the gross
// realized PnL of the reduction.
func (e *Engine) applySellLocked(ord *Order, fillPrice float64) float64 {
	pos, ok := e.positions[ord.Symbol]
	if !ok {
		return 0
	}
	closedQty := ord.Quantity
	if closedQty > pos.Quantity {
		closedQty = pos.Quantity
	}
	pnl := (fillPrice - pos.EntryPrice) * closedQty

	pos.Quantity -= closedQty
	if pos.Quantity <= 1e-12 {
		delete(e.positions, ord.Symbol)
		e.account.Trades++
		if pnl > 0 {
			e.account.Wins++
		} else if pnl < 0 {
			e.account.Losses++
		}
	}
	return pnl
}

func (e *Engine) refreshAccountLocked() {
	unrealized := 0.0
	for _, pos := range e.positions {
		unrealized += pos.UnrealizedPnL
	}
	e.account.UnrealizedPnL = unrealized
	e.account.Equity = e.account.Balance + unrealized
	e.account.MarginAvailable = e.account.Balance - e.reservedLocked()
	metrics.SetEquity(e.account.Equity)
}

func (e *Engine) marginAvailableLocked() float64 {
	return e.account.Balance - e.reservedLocked()
}

func (e *Engine) reservedLocked() float64 {
	reserved := 0.0
	for _, o := range e.orders {
		if o.Status == exchange.StatusPending {
			reserved += o.reserved
		}
	}
	return reserved
}

// reservedQtyLocked sums the inventory claimed by pending sell orders for a
// symbol, so a second sell cannot be written against coins already committed.
func (e *Engine) reservedQtyLocked(symbol string) float64 {
	qty := 0.0
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status == exchange.StatusPending {
			qty += o.reservedQty
		}
	}
	return qty
}

func (e *Engine) recordEquityLocked() {
	e.refreshAccountLocked()
	e.equity = append(e.equity, EquityPoint{Time: e.now().UTC(), Equity: e.account.Equity})
}

// slipped applies slippage against the taker: buys pay up, sells receive
// less.
func (e *Engine) slipped(price float64, side exchange.Side) float64 {
	if side == exchange.SideBuy {
		return price * (1 + e.cfg.SlippageRate)
	}
	return price * (1 - e.cfg.SlippageRate)
}
