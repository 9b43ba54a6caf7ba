// Package binance adapts the go-binance spot client to the exchange.Client
// contract used by the gateway.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"trading-engine/pkg/exchange"
)

const (
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"
)

// Client implements exchange.Client over the Binance spot REST API.
type Client struct {
	api *gobinance.Client

	mu    sync.RWMutex
	steps map[string]exchange.Market // symbol -> filters, filled by FetchMarkets
}

// Config holds adapter settings.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// New creates a Binance adapter. Keys may be empty for public endpoints.
func New(cfg Config) *Client {
	api := gobinance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		api.BaseURL = baseURLTestnet
	} else {
		api.BaseURL = baseURLProduction
	}
	return &Client{
		api:   api,
		steps: make(map[string]exchange.Market),
	}
}

// FetchTicker returns best bid/ask plus last trade price.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	books, err := c.api.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return exchange.Ticker{}, c.mapError("fetch_ticker", err)
	}
	if len(books) == 0 {
		return exchange.Ticker{}, fmt.Errorf("fetch_ticker %s: %w", symbol, exchange.ErrNotFound)
	}

	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return exchange.Ticker{}, c.mapError("fetch_ticker", err)
	}

	t := exchange.Ticker{
		Symbol: symbol,
		Bid:    parseFloat(books[0].BidPrice),
		Ask:    parseFloat(books[0].AskPrice),
		Time:   time.Now().UTC(),
	}
	if len(prices) > 0 {
		t.Last = parseFloat(prices[0].Price)
	}
	return t, nil
}

// FetchBalance returns non-zero asset balances.
func (c *Client) FetchBalance(ctx context.Context) ([]exchange.Balance, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.mapError("fetch_balance", err)
	}

	out := make([]exchange.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, exchange.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// CreateOrder submits an order and normalizes the ack.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(mapSide(req.Side)).
		Type(mapType(req.Type)).
		Quantity(c.formatQuantity(req.Symbol, req.Quantity))

	switch req.Type {
	case exchange.OrderTypeLimit:
		svc = svc.Price(c.formatPrice(req.Symbol, req.Price)).
			TimeInForce(gobinance.TimeInForceTypeGTC)
	case exchange.OrderTypeStopLoss, exchange.OrderTypeTakeProfit:
		svc = svc.StopPrice(c.formatPrice(req.Symbol, req.StopPrice))
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return exchange.Order{}, c.mapError("create_order", err)
	}

	ord := exchange.Order{
		ID:        strconv.FormatInt(resp.OrderID, 10),
		ClientID:  resp.ClientOrderID,
		Symbol:    resp.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    mapStatus(resp.Status),
		Quantity:  parseFloat(resp.OrigQuantity),
		Price:     parseFloat(resp.Price),
		StopPrice: req.StopPrice,
		FilledQty: parseFloat(resp.ExecutedQuantity),
		CreatedAt: time.UnixMilli(resp.TransactTime).UTC(),
		UpdatedAt: time.UnixMilli(resp.TransactTime).UTC(),
	}
	if len(resp.Fills) > 0 {
		var notional, qty, fee float64
		for _, f := range resp.Fills {
			p := parseFloat(f.Price)
			q := parseFloat(f.Quantity)
			notional += p * q
			qty += q
			fee += parseFloat(f.Commission)
		}
		if qty > 0 {
			ord.AvgFillPrice = notional / qty
		}
		ord.Commission = fee
	}
	return ord, nil
}

// CancelOrder cancels an open order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel_order: bad order id %q: %w", orderID, exchange.ErrInvalidRequest)
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.mapError("cancel_order", err)
	}
	return nil
}

// FetchOrder returns the current state of an order.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.Order{}, fmt.Errorf("fetch_order: bad order id %q: %w", orderID, exchange.ErrInvalidRequest)
	}
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return exchange.Order{}, c.mapError("fetch_order", err)
	}

	filled := parseFloat(o.ExecutedQuantity)
	ord := exchange.Order{
		ID:        strconv.FormatInt(o.OrderID, 10),
		ClientID:  o.ClientOrderID,
		Symbol:    o.Symbol,
		Side:      exchange.Side(o.Side),
		Status:    mapStatus(o.Status),
		Quantity:  parseFloat(o.OrigQuantity),
		Price:     parseFloat(o.Price),
		StopPrice: parseFloat(o.StopPrice),
		FilledQty: filled,
		CreatedAt: time.UnixMilli(o.Time).UTC(),
		UpdatedAt: time.UnixMilli(o.UpdateTime).UTC(),
	}
	if quote := parseFloat(o.CummulativeQuoteQuantity); filled > 0 && quote > 0 {
		ord.AvgFillPrice = quote / filled
	}
	switch o.Type {
	case gobinance.OrderTypeLimit:
		ord.Type = exchange.OrderTypeLimit
	case gobinance.OrderTypeStopLoss, gobinance.OrderTypeStopLossLimit:
		ord.Type = exchange.OrderTypeStopLoss
	case gobinance.OrderTypeTakeProfit, gobinance.OrderTypeTakeProfitLimit:
		ord.Type = exchange.OrderTypeTakeProfit
	default:
		ord.Type = exchange.OrderTypeMarket
	}
	return ord, nil
}

// FetchMarkets loads exchange info and caches lot/price filters for
// quantity formatting on subsequent orders.
func (c *Client) FetchMarkets(ctx context.Context) ([]exchange.Market, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.mapError("fetch_markets", err)
	}

	out := make([]exchange.Market, 0, len(info.Symbols))
	c.mu.Lock()
	for _, s := range info.Symbols {
		m := exchange.Market{
			Symbol: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		}
		if f := s.LotSizeFilter(); f != nil {
			m.MinQty = parseFloat(f.MinQuantity)
			m.QtyStep = parseFloat(f.StepSize)
		}
		if f := s.PriceFilter(); f != nil {
			m.PriceTick = parseFloat(f.TickSize)
		}
		c.steps[s.Symbol] = m
		out = append(out, m)
	}
	c.mu.Unlock()
	return out, nil
}

// formatQuantity rounds a quantity down to the symbol's lot step. Binance
// rejects quantities that are not step-aligned, so truncation is the only
// safe direction.
func (c *Client) formatQuantity(symbol string, qty float64) string {
	c.mu.RLock()
	m, ok := c.steps[symbol]
	c.mu.RUnlock()

	d := decimal.NewFromFloat(qty)
	if ok && m.QtyStep > 0 {
		step := decimal.NewFromFloat(m.QtyStep)
		d = d.Div(step).Floor().Mul(step)
	}
	return d.String()
}

func (c *Client) formatPrice(symbol string, price float64) string {
	c.mu.RLock()
	m, ok := c.steps[symbol]
	c.mu.RUnlock()

	d := decimal.NewFromFloat(price)
	if ok && m.PriceTick > 0 {
		tick := decimal.NewFromFloat(m.PriceTick)
		d = d.Div(tick).Floor().Mul(tick)
	}
	return d.String()
}

// mapError translates Binance API errors into the shared taxonomy.
func (c *Client) mapError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		var kind error
		switch apiErr.Code {
		case -1022, -2014, -2015:
			kind = exchange.ErrAuthentication
		case -2010, -2011:
			kind = exchange.ErrInvalidRequest
		case -1003, -1015:
			kind = exchange.ErrRateLimited
		case -1021, -1007:
			kind = exchange.ErrTimeout
		case -1001, -1016:
			kind = exchange.ErrUnavailable
		case -2013:
			kind = exchange.ErrNotFound
		default:
			if apiErr.Code <= -1100 && apiErr.Code >= -1199 {
				kind = exchange.ErrInvalidRequest
			}
		}
		if kind != nil {
			return fmt.Errorf("binance %s: %w", op, exchange.WrapKind(kind, err))
		}
		return fmt.Errorf("binance %s: %v", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("binance %s: %w", op, exchange.WrapKind(exchange.ErrTimeout, err))
	}
	return fmt.Errorf("binance %s: %w", op, err)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func mapSide(s exchange.Side) gobinance.SideType {
	if s == exchange.SideSell {
		return gobinance.SideTypeSell
	}
	return gobinance.SideTypeBuy
}

func mapType(t exchange.OrderType) gobinance.OrderType {
	switch t {
	case exchange.OrderTypeLimit:
		return gobinance.OrderTypeLimit
	case exchange.OrderTypeStopLoss:
		return gobinance.OrderTypeStopLoss
	case exchange.OrderTypeTakeProfit:
		return gobinance.OrderTypeTakeProfit
	default:
		return gobinance.OrderTypeMarket
	}
}

func mapStatus(s gobinance.OrderStatusType) exchange.OrderStatus {
	switch s {
	case gobinance.OrderStatusTypeNew:
		return exchange.StatusPending
	case gobinance.OrderStatusTypePartiallyFilled:
		return exchange.StatusPartial
	case gobinance.OrderStatusTypeFilled:
		return exchange.StatusFilled
	case gobinance.OrderStatusTypeCanceled:
		return exchange.StatusCancelled
	case gobinance.OrderStatusTypeRejected:
		return exchange.StatusRejected
	case gobinance.OrderStatusTypeExpired:
		return exchange.StatusExpired
	default:
		return exchange.StatusPending
	}
}
