package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-engine/pkg/exchange"
)

// mockVenue is a scriptable exchange.Client.
type mockVenue struct {
	mu        sync.Mutex
	name      string
	tickerErr error
	orderErr  error
	ticker    exchange.Ticker
	created   []exchange.OrderRequest
	cancelled []string
	calls     int
}

func (m *mockVenue) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.tickerErr != nil {
		return exchange.Ticker{}, m.tickerErr
	}
	t := m.ticker
	t.Symbol = symbol
	return t, nil
}

func (m *mockVenue) FetchBalance(ctx context.Context) ([]exchange.Balance, error) {
	return []exchange.Balance{{Asset: "USDT", Free: 1000}}, nil
}

func (m *mockVenue) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.orderErr != nil {
		return exchange.Order{}, m.orderErr
	}
	m.created = append(m.created, req)
	return exchange.Order{
		ID:       m.name + "-order-1",
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Status:   exchange.StatusPending,
		Quantity: req.Quantity,
		Price:    req.Price,
	}, nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockVenue) FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	return exchange.Order{ID: orderID, Symbol: symbol, Status: exchange.StatusPending}, nil
}

func (m *mockVenue) FetchMarkets(ctx context.Context) ([]exchange.Market, error) {
	return []exchange.Market{{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Active: true}}, nil
}

func testConfig(name string, priority int) ConnectionConfig {
	return ConnectionConfig{
		Name:      name,
		APIKey:    "credential-key-000000000001",
		APISecret: "credential-secret-0000000001",
		Testnet:   true,
		RateLimit: 60000, // keep the limiter out of the way
		Priority:  priority,
		Enabled:   true,
	}
}

// newTestGateway wires a gateway over mock venues with sleeps stubbed out.
func newTestGateway(t *testing.T, venues map[string]*mockVenue, opts ...Option) *Gateway {
	t.Helper()
	factory := func(cfg ConnectionConfig) (exchange.Client, error) {
		v, ok := venues[cfg.Name]
		if !ok {
			t.Fatalf("factory called for unknown venue %s", cfg.Name)
		}
		v.name = cfg.Name
		return v, nil
	}
	g := New(factory, opts...)
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestFailoverFollowsPriorityOrder(t *testing.T) {
	venues := map[string]*mockVenue{
		"alpha": {tickerErr: exchange.ErrUnavailable},
		"beta":  {tickerErr: exchange.ErrUnavailable},
		"gamma": {ticker: exchange.Ticker{Bid: 99, Ask: 101, Last: 100}},
	}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	for i, name := range []string{"alpha", "beta", "gamma"} {
		if !g.AddConnection(ctx, testConfig(name, i+1)) {
			t.Fatalf("AddConnection(%s) failed", name)
		}
	}
	if got := g.Primary(); got != "alpha" {
		t.Fatalf("primary=%s, expected alpha", got)
	}

	ticker, err := g.FetchTicker(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if ticker.Last != 100 {
		t.Fatalf("ticker.Last=%v, expected the gamma quote", ticker.Last)
	}
	// Both higher-priority venues were tried and exhausted their retries.
	if venues["alpha"].calls == 0 || venues["beta"].calls == 0 {
		t.Fatal("failover skipped a higher-priority venue")
	}
}

func TestAllExchangesUnavailable(t *testing.T) {
	venues := map[string]*mockVenue{
		"alpha": {tickerErr: exchange.ErrUnavailable},
		"beta":  {tickerErr: exchange.ErrTimeout},
	}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))
	g.AddConnection(ctx, testConfig("beta", 2))

	_, err := g.FetchTicker(ctx, "BTCUSDT")
	var allErr *AllExchangesUnavailableError
	if !errors.As(err, &allErr) {
		t.Fatalf("error=%v, expected AllExchangesUnavailableError", err)
	}
	if len(allErr.Attempts) != 2 {
		t.Fatalf("attempts=%d, expected one per venue", len(allErr.Attempts))
	}
	if allErr.Attempts[0].Connection != "alpha" || allErr.Attempts[1].Connection != "beta" {
		t.Fatalf("attempt order %v, expected priority order", allErr.Attempts)
	}
}

func TestCallerErrorSkipsFailover(t *testing.T) {
	venues := map[string]*mockVenue{
		"alpha": {tickerErr: exchange.ErrInvalidRequest},
		"beta":  {ticker: exchange.Ticker{Last: 100}},
	}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))
	g.AddConnection(ctx, testConfig("beta", 2))

	_, err := g.FetchTicker(ctx, "BTCUSDT")
	if !errors.Is(err, exchange.ErrInvalidRequest) {
		t.Fatalf("error=%v, expected the caller error back unchanged", err)
	}
	if venues["beta"].calls != 0 {
		t.Fatal("caller error must not trigger failover")
	}
	// No retries on the failing venue either.
	if venues["alpha"].calls != 1 {
		t.Fatalf("alpha calls=%d, expected 1", venues["alpha"].calls)
	}
}

func TestFatalErrorDisablesConnectionForSession(t *testing.T) {
	venues := map[string]*mockVenue{
		"alpha": {tickerErr: exchange.ErrAuthentication},
		"beta":  {ticker: exchange.Ticker{Last: 100}},
	}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))
	g.AddConnection(ctx, testConfig("beta", 2))

	// First call fails over to beta after the fatal error disables alpha.
	ticker, err := g.FetchTicker(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if ticker.Last != 100 {
		t.Fatalf("ticker.Last=%v, expected the beta quote", ticker.Last)
	}
	if venues["alpha"].calls != 1 {
		t.Fatalf("alpha calls=%d, fatal errors must not be retried", venues["alpha"].calls)
	}

	// alpha is out for the session; the next call goes straight to beta.
	if _, err := g.FetchTicker(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("FetchTicker after disable: %v", err)
	}
	if venues["alpha"].calls != 1 {
		t.Fatal("disabled connection still received traffic")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	venues := map[string]*mockVenue{
		"alpha": {tickerErr: exchange.ErrUnavailable},
	}
	g := newTestGateway(t, venues,
		WithBreakerConfig(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1}),
		WithRetryPolicies(map[OpClass]RetryPolicy{
			ClassMarketData: {MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			ClassOrders:     {MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			ClassAccount:    {MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		}),
	)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))

	g.FetchTicker(ctx, "BTCUSDT")
	g.FetchTicker(ctx, "BTCUSDT")

	status := g.Status()
	if len(status) != 1 {
		t.Fatalf("status entries=%d", len(status))
	}
	if got := status[0].Breakers[ClassMarketData]; got != "open" {
		t.Fatalf("market_data breaker=%s, expected open", got)
	}
	// Order placement is guarded by its own breaker and stays closed.
	if got := status[0].Breakers[ClassOrders]; got != "closed" {
		t.Fatalf("orders breaker=%s, expected closed", got)
	}

	// Third call short-circuits without reaching the venue.
	before := venues["alpha"].calls
	if _, err := g.FetchTicker(ctx, "BTCUSDT"); err == nil {
		t.Fatal("expected an error while the breaker is open")
	}
	if venues["alpha"].calls != before {
		t.Fatal("open breaker let a call through")
	}
}

func TestCredentialValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ConnectionConfig
		ok   bool
	}{
		{
			name: "short key",
			cfg:  ConnectionConfig{Name: "a", APIKey: "short", APISecret: "credential-secret-0000000001"},
		},
		{
			name: "placeholder on live",
			cfg: ConnectionConfig{
				Name:   "a",
				APIKey: "demo-key-000000000000000001", APISecret: "credential-secret-0000000001",
			},
		},
		{
			name: "placeholder allowed on testnet",
			cfg: ConnectionConfig{
				Name:   "a",
				APIKey: "demo-key-000000000000000001", APISecret: "credential-secret-0000000001",
				Testnet: true,
			},
			ok: true,
		},
		{
			name: "live with real-looking keys",
			cfg: ConnectionConfig{
				Name:   "a",
				APIKey: "kJh2n8Fq0LxPzW4v7RtYmC5sD1aG", APISecret: "zQ9xV3bN6mK1pL8wE2rT5yU7iO0a",
			},
			ok: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateCredentials(tt.cfg)
			if tt.ok && err != nil {
				t.Fatalf("validateCredentials: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestOrderTrackingAndStaleSweep(t *testing.T) {
	venues := map[string]*mockVenue{"alpha": {}}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))

	ord, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Quantity: 0.1, Price: 40000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if len(g.TrackedOrders()) != 1 {
		t.Fatal("pending order was not tracked")
	}

	// Nothing stale yet.
	if n := g.CancelStaleOrders(ctx, time.Hour); n != 0 {
		t.Fatalf("cancelled %d fresh orders", n)
	}

	// With maxAge 0 everything tracked is stale.
	if n := g.CancelStaleOrders(ctx, 0); n != 1 {
		t.Fatalf("cancelled=%d, expected 1", n)
	}
	if len(g.TrackedOrders()) != 0 {
		t.Fatal("swept order still tracked")
	}
	if got := venues["alpha"].cancelled; len(got) != 1 || got[0] != ord.ID {
		t.Fatalf("venue cancels=%v, expected [%s]", got, ord.ID)
	}
}

func TestCancelOrderUntracks(t *testing.T) {
	venues := map[string]*mockVenue{"alpha": {}}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))

	ord, err := g.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeLimit, Quantity: 0.2, Price: 60000,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := g.CancelOrder(ctx, "BTCUSDT", ord.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if len(g.TrackedOrders()) != 0 {
		t.Fatal("cancelled order still tracked")
	}
}

func TestGetBestPrice(t *testing.T) {
	venues := map[string]*mockVenue{
		"alpha": {ticker: exchange.Ticker{Bid: 99, Ask: 102}},
		"beta":  {ticker: exchange.Ticker{Bid: 100, Ask: 101}},
	}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))
	g.AddConnection(ctx, testConfig("beta", 2))

	buy, err := g.GetBestPrice(ctx, "BTCUSDT", exchange.SideBuy)
	if err != nil {
		t.Fatalf("GetBestPrice buy: %v", err)
	}
	if buy.Exchange != "beta" || buy.Price != 101 {
		t.Fatalf("best buy=%+v, expected beta at 101", buy)
	}

	sell, err := g.GetBestPrice(ctx, "BTCUSDT", exchange.SideSell)
	if err != nil {
		t.Fatalf("GetBestPrice sell: %v", err)
	}
	if sell.Exchange != "beta" || sell.Price != 100 {
		t.Fatalf("best sell=%+v, expected beta at 100", sell)
	}
}

func TestRemoveConnectionRecomputesPrimary(t *testing.T) {
	venues := map[string]*mockVenue{
		"alpha": {ticker: exchange.Ticker{Last: 1}},
		"beta":  {ticker: exchange.Ticker{Last: 2}},
	}
	g := newTestGateway(t, venues)
	ctx := context.Background()
	g.AddConnection(ctx, testConfig("alpha", 1))
	g.AddConnection(ctx, testConfig("beta", 2))

	if !g.RemoveConnection("alpha") {
		t.Fatal("RemoveConnection(alpha) failed")
	}
	if got := g.Primary(); got != "beta" {
		t.Fatalf("primary=%s after removal, expected beta", got)
	}
	if g.RemoveConnection("alpha") {
		t.Fatal("removing a missing connection reported success")
	}
}
