package paper

import (
	"errors"
	"time"

	"trading-engine/internal/risk"
	"trading-engine/pkg/exchange"
)

var (
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientHolding = errors.New("insufficient held quantity")
	ErrNoPrice             = errors.New("no price available for symbol")
	ErrNoPosition          = errors.New("no open position for symbol")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotPending          = errors.New("order is not pending")
)

// Order is a simulated order. Terminal once filled, cancelled, or rejected.
type Order struct {
	ID           string
	Symbol       string
	Side         exchange.Side
	Type         exchange.OrderType
	Quantity     float64
	Price        float64 // limit price
	StopPrice    float64 // trigger for stop/take-profit/trailing orders
	Status       exchange.OrderStatus
	FilledQty    float64
	AvgFillPrice float64
	Commission   float64
	Reason       risk.CloseReason // set on auto-generated exit orders
	CreatedAt    time.Time
	UpdatedAt    time.Time

	trailMark   float64 // favorable extreme since placement, trailing orders only
	reserved    float64 // funds reserved for a pending buy
	reservedQty float64 // inventory reserved for a pending sell
}

// Position is the engine's view of held inventory (spot semantics: long only,
// sells reduce).
type Position struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64 // weighted average
	StopLoss      float64
	TakeProfit    float64
	TrailingStop  float64
	HighestPrice  float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}

// Account is the single simulated account of one engine instance.
type Account struct {
	Balance         float64
	Equity          float64 // balance + unrealized PnL
	MarginAvailable float64 // balance minus funds reserved by pending buys
	RealizedPnL     float64
	UnrealizedPnL   float64
	Trades          int // completed round trips
	Wins            int
	Losses          int
}

// Trade is one fill appended to the trade log.
type Trade struct {
	ID         string
	OrderID    string
	Symbol     string
	Side       exchange.Side
	Price      float64
	Quantity   float64
	Commission float64
	PnL        float64 // realized component, closing fills only
	Reason     risk.CloseReason
	Time       time.Time
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time
	Equity float64
}

// Config tunes the simulation.
type Config struct {
	InitialBalance float64
	CommissionRate float64 // decimal, charged on every fill
	SlippageRate   float64 // decimal, applied against the taker on market fills
	PollInterval   time.Duration
	Risk           risk.Parameters
}

// DefaultConfig returns the settings used by the demo runner.
func DefaultConfig() Config {
	return Config{
		InitialBalance: 10000,
		CommissionRate: 0.001,
		SlippageRate:   0.0005,
		PollInterval:   100 * time.Millisecond,
		Risk:           risk.DefaultParameters(),
	}
}
