package gateway

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"trading-engine/pkg/exchange"
)

// Operation names an exchange call routed through the gateway.
type Operation string

const (
	OpFetchTicker  Operation = "fetch_ticker"
	OpFetchBalance Operation = "fetch_balance"
	OpCreateOrder  Operation = "create_order"
	OpCancelOrder  Operation = "cancel_order"
	OpFetchOrder   Operation = "fetch_order"
	OpFetchMarkets Operation = "fetch_markets"
)

// OpClass buckets operations so that, say, market-data failures do not open
// the breaker guarding order placement.
type OpClass string

const (
	ClassMarketData OpClass = "market_data"
	ClassOrders     OpClass = "orders"
	ClassAccount    OpClass = "account"
)

var opClasses = [...]OpClass{ClassMarketData, ClassOrders, ClassAccount}

// Class maps an operation to its class.
func (o Operation) Class() OpClass {
	switch o {
	case OpCreateOrder, OpCancelOrder, OpFetchOrder:
		return ClassOrders
	case OpFetchBalance:
		return ClassAccount
	default:
		return ClassMarketData
	}
}

// RetryPolicy controls the retry loop for one operation class.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicies returns the per-class policies.
func DefaultRetryPolicies() map[OpClass]RetryPolicy {
	return map[OpClass]RetryPolicy{
		ClassMarketData: {MaxAttempts: 3, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second},
		ClassOrders:     {MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
		ClassAccount:    {MaxAttempts: 3, BaseDelay: 1500 * time.Millisecond, MaxDelay: 15 * time.Second},
	}
}

// ConnectionConfig describes one exchange credential set.
type ConnectionConfig struct {
	Name       string
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool
	RateLimit  int // requests per minute
	Priority   int // lower = preferred
	Enabled    bool
	MaxRetries int           // overrides the per-class attempt count when > 0
	RetryDelay time.Duration // overrides the per-class base delay when > 0
}

// ClientFactory builds an exchange client from a connection config.
type ClientFactory func(cfg ConnectionConfig) (exchange.Client, error)

// connection is a pooled exchange client plus its health machinery.
type connection struct {
	cfg      ConnectionConfig
	client   exchange.Client
	limiter  *rate.Limiter
	breakers map[OpClass]*CircuitBreaker
	disabled atomic.Bool // set after a fatal auth error, for the session
}

func newConnection(cfg ConnectionConfig, client exchange.Client, breakerCfg BreakerConfig) *connection {
	rpm := cfg.RateLimit
	if rpm <= 0 {
		rpm = 600
	}
	breakers := make(map[OpClass]*CircuitBreaker, len(opClasses))
	for _, class := range opClasses {
		breakers[class] = NewCircuitBreaker(breakerCfg)
	}
	return &connection{
		cfg:      cfg,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		breakers: breakers,
	}
}

// healthy reports whether the connection should receive traffic: enabled, not
// auth-disabled, and fewer than half of its op-class breakers open.
func (c *connection) healthy() bool {
	if !c.cfg.Enabled || c.disabled.Load() {
		return false
	}
	open := 0
	for _, b := range c.breakers {
		if b.IsOpen() {
			open++
		}
	}
	return open <= len(c.breakers)/2
}

func (c *connection) retryPolicy(class OpClass, defaults map[OpClass]RetryPolicy) RetryPolicy {
	pol := defaults[class]
	if c.cfg.MaxRetries > 0 {
		pol.MaxAttempts = c.cfg.MaxRetries
	}
	if c.cfg.RetryDelay > 0 {
		pol.BaseDelay = c.cfg.RetryDelay
	}
	return pol
}
