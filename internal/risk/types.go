package risk

import (
	"errors"
	"time"
)

// Side denotes position direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// CloseReason explains an exit decision.
type CloseReason string

const (
	ReasonStopLoss     CloseReason = "stop_loss"
	ReasonTakeProfit   CloseReason = "take_profit"
	ReasonTrailingStop CloseReason = "trailing_stop"
	ReasonHold         CloseReason = "hold"
	ReasonNoPosition   CloseReason = "no_position"
	ReasonManual       CloseReason = "manual"
)

// Guarded-transition and input errors. These are real errors, not safe
// defaults: a caller that sees one has a bug or a race, and silently
// swallowing it would make "risk says don't trade" indistinguishable from
// "risk check is broken".
var (
	ErrPositionAlreadyOpen = errors.New("position already open for symbol")
	ErrNoPosition          = errors.New("no open position for symbol")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidBalance      = errors.New("balance must be positive")
)

// Parameters is the immutable per-manager risk configuration.
type Parameters struct {
	MaxPositionSize      float64 // fraction of balance risked per trade
	StopLossPct          float64
	TakeProfitPct        float64
	TrailingStopPct      float64
	MaxDailyLoss         float64 // fraction of balance
	MaxDrawdown          float64 // fraction of balance
	MaxOpenPositions     int
	VolatilityAdjustment bool
}

// DefaultParameters returns conservative defaults.
func DefaultParameters() Parameters {
	return Parameters{
		MaxPositionSize:      0.02,
		StopLossPct:          0.02,
		TakeProfitPct:        0.04,
		TrailingStopPct:      0.015,
		MaxDailyLoss:         0.05,
		MaxDrawdown:          0.20,
		MaxOpenPositions:     5,
		VolatilityAdjustment: true,
	}
}

// Position is one open exposure. At most one Position per symbol exists per
// manager instance.
type Position struct {
	Symbol        string
	Side          Side
	EntryPrice    float64
	Quantity      float64
	StopLoss      float64
	TakeProfit    float64
	TrailingStop  float64
	HighestPrice  float64 // favorable-excursion tracker (long)
	LowestPrice   float64 // favorable-excursion tracker (short)
	UnrealizedPnL float64
	RealizedPnL   float64
	Fees          float64
	OpenedAt      time.Time
}

// Decision is the outcome of an exit check.
type Decision struct {
	Close  bool
	Reason CloseReason
}

// Summary is a snapshot of the manager's state for callers.
type Summary struct {
	OpenPositions int
	Positions     []Position
	DailyPnL      float64
	TotalPnL      float64
	DailyTrades   int
	Drawdown      float64 // absolute, from the realized-PnL peak
	Day           string  // UTC date the daily counters belong to
}

// ClosedTrade is what the manager reports to its store on ClosePosition.
type ClosedTrade struct {
	Symbol    string
	Side      Side
	EntryP    float64
	ExitP     float64
	Quantity  float64
	PnL       float64
	Reason    CloseReason
	OpenedAt  time.Time
	ClosedAt  time.Time
}
