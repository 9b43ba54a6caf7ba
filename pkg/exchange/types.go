// Package exchange defines the client contract a trading venue must satisfy
// and the normalized order/market-data types shared across the engine.
package exchange

import (
	"context"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStopLoss     OrderType = "STOP_LOSS"
	OrderTypeTakeProfit   OrderType = "TAKE_PROFIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Ticker is a best bid/ask + last price snapshot for a symbol.
type Ticker struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	Time   time.Time
}

// Balance holds free/locked amounts for one asset.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Market describes one tradable symbol on a venue.
type Market struct {
	Symbol    string
	Base      string
	Quote     string
	MinQty    float64
	QtyStep   float64
	PriceTick float64
	Active    bool
}

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	Symbol    string
	Side      Side
	Type      OrderType
	Quantity  float64
	Price     float64 // required for LIMIT
	StopPrice float64 // required for stop/take-profit orders
	ClientID  string  // optional client order id
}

// Order is the venue's view of a placed order.
type Order struct {
	ID            string
	ClientID      string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Quantity      float64
	Price         float64
	StopPrice     float64
	FilledQty     float64
	AvgFillPrice  float64
	Commission    float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Client abstracts a single exchange connection. Every method is blocking and
// honors the supplied context. Implementations must be safe for concurrent use.
type Client interface {
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchBalance(ctx context.Context) ([]Balance, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	FetchOrder(ctx context.Context, symbol, orderID string) (Order, error)
	FetchMarkets(ctx context.Context) ([]Market, error)
}
