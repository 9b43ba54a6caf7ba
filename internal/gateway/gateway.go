// Package gateway routes exchange operations across a pool of connections
// with rate limiting, retry, circuit breaking, and priority-ordered failover.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"trading-engine/internal/events"
	"trading-engine/pkg/exchange"
	"trading-engine/pkg/metrics"
)

const minCredentialLen = 16

// Substrings that mark placeholder credentials; rejected on live connections.
var placeholderMarkers = []string{"test", "demo", "sandbox", "example", "changeme"}

// AttemptError records one failed connection attempt during failover.
type AttemptError struct {
	Connection string
	Err        error
}

// AllExchangesUnavailableError is returned when every healthy connection
// failed (or none was healthy). It enumerates what was tried.
type AllExchangesUnavailableError struct {
	Operation Operation
	Attempts  []AttemptError
}

func (e *AllExchangesUnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no healthy exchange connections available", e.Operation)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Connection, a.Err))
	}
	return fmt.Sprintf("%s failed on all exchanges [%s]", e.Operation, strings.Join(parts, "; "))
}

// TrackedOrder is the gateway's record of an order it placed, kept so stale
// orders can be swept.
type TrackedOrder struct {
	ID       string
	Symbol   string
	Exchange string
	Type     exchange.OrderType
	Side     exchange.Side
	Amount   float64
	Price    float64
	OpenedAt time.Time
}

// OrderStore persists tracked orders across restarts. Implemented by
// store.Store; optional.
type OrderStore interface {
	SaveTrackedOrder(ctx context.Context, o TrackedOrder) error
	DeleteTrackedOrder(ctx context.Context, id string) error
	ListTrackedOrders(ctx context.Context) ([]TrackedOrder, error)
}

// BestPrice is the result of a best-execution scan across connections.
type BestPrice struct {
	Exchange string
	Price    float64
}

// ConnectionStatus is a point-in-time health snapshot of one connection.
type ConnectionStatus struct {
	Name     string
	Priority int
	Enabled  bool
	Healthy  bool
	Disabled bool
	Breakers map[OpClass]string
}

// Gateway is the failover-capable entry point for all exchange traffic.
// Construct with New and share the instance; all methods are safe for
// concurrent use.
type Gateway struct {
	mu      sync.RWMutex
	conns   map[string]*connection
	primary string

	factory    ClientFactory
	policies   map[OpClass]RetryPolicy
	breakerCfg BreakerConfig

	trackedMu sync.Mutex
	tracked   map[string]TrackedOrder

	store OrderStore
	bus   *events.Bus

	sleep func(ctx context.Context, d time.Duration) error // injectable for tests
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetryPolicies overrides the per-class retry policies.
func WithRetryPolicies(p map[OpClass]RetryPolicy) Option {
	return func(g *Gateway) { g.policies = p }
}

// WithBreakerConfig overrides the circuit breaker settings.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(g *Gateway) { g.breakerCfg = cfg }
}

// WithOrderStore mirrors order tracking into a persistent store.
func WithOrderStore(s OrderStore) Option {
	return func(g *Gateway) { g.store = s }
}

// WithBus publishes failover events onto the bus.
func WithBus(b *events.Bus) Option {
	return func(g *Gateway) { g.bus = b }
}

// New creates an empty gateway; connections are added with AddConnection.
func New(factory ClientFactory, opts ...Option) *Gateway {
	g := &Gateway{
		conns:      make(map[string]*connection),
		factory:    factory,
		policies:   DefaultRetryPolicies(),
		breakerCfg: DefaultBreakerConfig(),
		tracked:    make(map[string]TrackedOrder),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddConnection validates, probes, and pools a new connection. It returns
// false (never panics) on any validation or connectivity failure, logging the
// reason, so a bad credential set cannot take down the caller.
func (g *Gateway) AddConnection(ctx context.Context, cfg ConnectionConfig) bool {
	if cfg.Name == "" {
		log.Printf("gateway: rejecting connection with empty name")
		return false
	}
	if err := validateCredentials(cfg); err != nil {
		log.Printf("gateway: rejecting %s: %v", cfg.Name, err)
		return false
	}

	g.mu.RLock()
	_, exists := g.conns[cfg.Name]
	g.mu.RUnlock()
	if exists {
		log.Printf("gateway: connection %s already exists", cfg.Name)
		return false
	}

	client, err := g.factory(cfg)
	if err != nil {
		log.Printf("gateway: building client for %s: %v", cfg.Name, err)
		return false
	}

	// Probe with a balance fetch before admitting the connection.
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := client.FetchBalance(probeCtx); err != nil {
		log.Printf("gateway: connectivity probe failed for %s: %v", cfg.Name, err)
		return false
	}

	g.mu.Lock()
	g.conns[cfg.Name] = newConnection(cfg, client, g.breakerCfg)
	g.recomputePrimaryLocked()
	g.mu.Unlock()

	log.Printf("gateway: added connection %s (priority %d, %d req/min)", cfg.Name, cfg.Priority, cfg.RateLimit)
	return true
}

// RemoveConnection drops a connection from the pool.
func (g *Gateway) RemoveConnection(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.conns[name]; !ok {
		return false
	}
	delete(g.conns, name)
	g.recomputePrimaryLocked()
	log.Printf("gateway: removed connection %s", name)
	return true
}

// Primary returns the name of the current preferred connection.
func (g *Gateway) Primary() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.primary
}

// Execute runs an operation against the highest-priority healthy connection,
// falling through the priority order on failure. Errors that indicate a bad
// request (rather than a bad venue) are returned immediately without failover.
func (g *Gateway) Execute(ctx context.Context, op Operation, args ...any) (any, error) {
	candidates := g.healthyByPriority()
	if len(candidates) == 0 {
		return nil, &AllExchangesUnavailableError{Operation: op}
	}

	var attempts []AttemptError
	for i, conn := range candidates {
		if i > 0 {
			metrics.IncFailover(candidates[i-1].cfg.Name, conn.cfg.Name)
			if g.bus != nil {
				g.bus.Publish(events.EventFailover, struct{ From, To string }{candidates[i-1].cfg.Name, conn.cfg.Name})
			}
		}

		result, err := g.executeOn(ctx, conn, op, args)
		if err == nil {
			return result, nil
		}
		if isCallerError(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("gateway: %s on %s failed: %v", op, conn.cfg.Name, err)
		attempts = append(attempts, AttemptError{Connection: conn.cfg.Name, Err: err})
	}
	return nil, &AllExchangesUnavailableError{Operation: op, Attempts: attempts}
}

// executeOn runs one operation against one connection: rate limit, breaker
// admission, then the per-class retry loop.
func (g *Gateway) executeOn(ctx context.Context, conn *connection, op Operation, args []any) (any, error) {
	class := op.Class()
	br := conn.breakers[class]

	if !br.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s/%s", conn.cfg.Name, class)
	}
	if err := conn.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	pol := conn.retryPolicy(class, g.policies)
	bo := &backoff.Backoff{
		Min:    pol.BaseDelay,
		Max:    pol.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		result, err := g.invoke(ctx, conn, op, args)
		if err == nil {
			br.RecordSuccess()
			g.publishBreakerState(conn)
			return result, nil
		}
		lastErr = err

		if exchange.IsFatal(err) {
			// Bad keys or revoked permissions: no retry, connection is out
			// for the rest of the session.
			conn.disabled.Store(true)
			br.RecordFailure()
			g.publishBreakerState(conn)
			metrics.IncExchangeError(conn.cfg.Name, string(class))
			log.Printf("gateway: disabling %s for the session: %v", conn.cfg.Name, err)
			return nil, err
		}
		if isCallerError(err) {
			// The request itself is wrong; retrying or failing over will not
			// change the answer, and the venue is not at fault.
			return nil, err
		}
		if attempt < pol.MaxAttempts {
			if serr := g.sleep(ctx, bo.Duration()); serr != nil {
				br.RecordFailure()
				g.publishBreakerState(conn)
				return nil, serr
			}
		}
	}

	br.RecordFailure()
	g.publishBreakerState(conn)
	metrics.IncExchangeError(conn.cfg.Name, string(class))
	return nil, fmt.Errorf("exhausted %d attempts: %w", pol.MaxAttempts, lastErr)
}

// invoke dispatches the operation to the typed client method.
func (g *Gateway) invoke(ctx context.Context, conn *connection, op Operation, args []any) (any, error) {
	switch op {
	case OpFetchTicker:
		symbol, err := argString(op, args, 0)
		if err != nil {
			return nil, err
		}
		return conn.client.FetchTicker(ctx, symbol)
	case OpFetchBalance:
		return conn.client.FetchBalance(ctx)
	case OpCreateOrder:
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: want 1 arg, got %d: %w", op, len(args), exchange.ErrInvalidRequest)
		}
		req, ok := args[0].(exchange.OrderRequest)
		if !ok {
			return nil, fmt.Errorf("%s: arg 0 is not an OrderRequest: %w", op, exchange.ErrInvalidRequest)
		}
		ord, err := conn.client.CreateOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		g.track(ctx, conn.cfg.Name, ord)
		return ord, nil
	case OpCancelOrder:
		symbol, err := argString(op, args, 0)
		if err != nil {
			return nil, err
		}
		orderID, err := argString(op, args, 1)
		if err != nil {
			return nil, err
		}
		err = conn.client.CancelOrder(ctx, symbol, orderID)
		if err == nil {
			g.untrack(ctx, orderID)
		}
		return nil, err
	case OpFetchOrder:
		symbol, err := argString(op, args, 0)
		if err != nil {
			return nil, err
		}
		orderID, err := argString(op, args, 1)
		if err != nil {
			return nil, err
		}
		return conn.client.FetchOrder(ctx, symbol, orderID)
	case OpFetchMarkets:
		return conn.client.FetchMarkets(ctx)
	default:
		return nil, fmt.Errorf("unsupported operation %q: %w", op, exchange.ErrInvalidRequest)
	}
}

// Typed wrappers over Execute.

func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	v, err := g.Execute(ctx, OpFetchTicker, symbol)
	if err != nil {
		return exchange.Ticker{}, err
	}
	return v.(exchange.Ticker), nil
}

func (g *Gateway) FetchBalance(ctx context.Context) ([]exchange.Balance, error) {
	v, err := g.Execute(ctx, OpFetchBalance)
	if err != nil {
		return nil, err
	}
	return v.([]exchange.Balance), nil
}

func (g *Gateway) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	v, err := g.Execute(ctx, OpCreateOrder, req)
	if err != nil {
		return exchange.Order{}, err
	}
	metrics.IncOrder("live", string(req.Side))
	return v.(exchange.Order), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := g.Execute(ctx, OpCancelOrder, symbol, orderID)
	return err
}

func (g *Gateway) FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	v, err := g.Execute(ctx, OpFetchOrder, symbol, orderID)
	if err != nil {
		return exchange.Order{}, err
	}
	return v.(exchange.Order), nil
}

func (g *Gateway) FetchMarkets(ctx context.Context) ([]exchange.Market, error) {
	v, err := g.Execute(ctx, OpFetchMarkets)
	if err != nil {
		return nil, err
	}
	return v.([]exchange.Market), nil
}

// GetBestPrice scans every connection's ticker and returns the venue offering
// the best execution price: lowest ask for buys, highest bid for sells.
// Connections that error are skipped.
func (g *Gateway) GetBestPrice(ctx context.Context, symbol string, side exchange.Side) (BestPrice, error) {
	g.mu.RLock()
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		if c.cfg.Enabled && !c.disabled.Load() {
			conns = append(conns, c)
		}
	}
	g.mu.RUnlock()

	best := BestPrice{}
	for _, conn := range conns {
		if err := conn.limiter.Wait(ctx); err != nil {
			return BestPrice{}, err
		}
		t, err := conn.client.FetchTicker(ctx, symbol)
		if err != nil {
			log.Printf("gateway: best-price ticker from %s failed: %v", conn.cfg.Name, err)
			continue
		}
		var price float64
		if side == exchange.SideBuy {
			price = t.Ask
			if price <= 0 {
				continue
			}
			if best.Exchange == "" || price < best.Price {
				best = BestPrice{Exchange: conn.cfg.Name, Price: price}
			}
		} else {
			price = t.Bid
			if price <= 0 {
				continue
			}
			if best.Exchange == "" || price > best.Price {
				best = BestPrice{Exchange: conn.cfg.Name, Price: price}
			}
		}
	}
	if best.Exchange == "" {
		return BestPrice{}, fmt.Errorf("no connection returned a usable %s price for %s", side, symbol)
	}
	return best, nil
}

// CancelStaleOrders sweeps tracked orders open longer than maxAge and cancels
// them. The tracking entry is removed whether or not the cancel succeeds, so
// a dead venue cannot pin entries forever. Returns the number of cancels that
// went through.
func (g *Gateway) CancelStaleOrders(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	g.trackedMu.Lock()
	stale := make([]TrackedOrder, 0)
	for _, o := range g.tracked {
		if o.OpenedAt.Before(cutoff) {
			stale = append(stale, o)
		}
	}
	g.trackedMu.Unlock()

	cancelled := 0
	for _, o := range stale {
		g.mu.RLock()
		conn := g.conns[o.Exchange]
		g.mu.RUnlock()

		if conn != nil {
			if err := conn.client.CancelOrder(ctx, o.Symbol, o.ID); err != nil {
				log.Printf("gateway: stale cancel %s on %s failed: %v", o.ID, o.Exchange, err)
			} else {
				cancelled++
				if g.bus != nil {
					g.bus.Publish(events.EventOrderCancelled, o)
				}
			}
		} else {
			log.Printf("gateway: stale order %s references unknown connection %s", o.ID, o.Exchange)
		}
		g.untrack(ctx, o.ID)
	}
	if len(stale) > 0 {
		log.Printf("gateway: stale sweep cancelled %d/%d orders older than %s", cancelled, len(stale), maxAge)
	}
	return cancelled
}

// RestoreTrackedOrders reloads tracking entries from the store after a
// restart so the stale sweep can resume.
func (g *Gateway) RestoreTrackedOrders(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	orders, err := g.store.ListTrackedOrders(ctx)
	if err != nil {
		return fmt.Errorf("restore tracked orders: %w", err)
	}
	g.trackedMu.Lock()
	for _, o := range orders {
		g.tracked[o.ID] = o
	}
	g.trackedMu.Unlock()
	return nil
}

// TrackedOrders returns a snapshot of open tracking entries.
func (g *Gateway) TrackedOrders() []TrackedOrder {
	g.trackedMu.Lock()
	defer g.trackedMu.Unlock()
	out := make([]TrackedOrder, 0, len(g.tracked))
	for _, o := range g.tracked {
		out = append(out, o)
	}
	return out
}

// Status reports per-connection health for callers.
func (g *Gateway) Status() []ConnectionStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ConnectionStatus, 0, len(g.conns))
	for _, c := range g.conns {
		st := ConnectionStatus{
			Name:     c.cfg.Name,
			Priority: c.cfg.Priority,
			Enabled:  c.cfg.Enabled,
			Healthy:  c.healthy(),
			Disabled: c.disabled.Load(),
			Breakers: make(map[OpClass]string, len(c.breakers)),
		}
		for class, b := range c.breakers {
			st.Breakers[class] = b.State().String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// --- internals ---

func (g *Gateway) healthyByPriority() []*connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		if c.healthy() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.Priority < out[j].cfg.Priority })
	return out
}

func (g *Gateway) recomputePrimaryLocked() {
	g.primary = ""
	best := int(^uint(0) >> 1)
	for name, c := range g.conns {
		if c.cfg.Enabled && c.cfg.Priority < best {
			best = c.cfg.Priority
			g.primary = name
		}
	}
}

func (g *Gateway) track(ctx context.Context, exchangeName string, ord exchange.Order) {
	if ord.Status == exchange.StatusFilled {
		return // nothing left to sweep
	}
	entry := TrackedOrder{
		ID:       ord.ID,
		Symbol:   ord.Symbol,
		Exchange: exchangeName,
		Type:     ord.Type,
		Side:     ord.Side,
		Amount:   ord.Quantity,
		Price:    ord.Price,
		OpenedAt: ord.CreatedAt,
	}
	if entry.OpenedAt.IsZero() {
		entry.OpenedAt = time.Now().UTC()
	}

	g.trackedMu.Lock()
	g.tracked[ord.ID] = entry
	g.trackedMu.Unlock()

	if g.store != nil {
		if err := g.store.SaveTrackedOrder(ctx, entry); err != nil {
			log.Printf("gateway: persist tracked order %s: %v", ord.ID, err)
		}
	}
}

func (g *Gateway) untrack(ctx context.Context, orderID string) {
	g.trackedMu.Lock()
	delete(g.tracked, orderID)
	g.trackedMu.Unlock()

	if g.store != nil {
		if err := g.store.DeleteTrackedOrder(ctx, orderID); err != nil {
			log.Printf("gateway: delete tracked order %s: %v", orderID, err)
		}
	}
}

func (g *Gateway) publishBreakerState(conn *connection) {
	for class, b := range conn.breakers {
		metrics.SetBreakerState(conn.cfg.Name, string(class), float64(b.State()))
	}
}

func validateCredentials(cfg ConnectionConfig) error {
	if len(cfg.APIKey) < minCredentialLen || len(cfg.APISecret) < minCredentialLen {
		return fmt.Errorf("credentials shorter than %d characters", minCredentialLen)
	}
	if !cfg.Testnet {
		lowered := strings.ToLower(cfg.APIKey + " " + cfg.APISecret)
		for _, marker := range placeholderMarkers {
			if strings.Contains(lowered, marker) {
				return fmt.Errorf("credential contains placeholder marker %q on a live connection", marker)
			}
		}
	}
	return nil
}

func isCallerError(err error) bool {
	return !exchange.IsFatal(err) && !exchange.IsTransient(err)
}

func argString(op Operation, args []any, idx int) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("%s: missing arg %d: %w", op, idx, exchange.ErrInvalidRequest)
	}
	s, ok := args[idx].(string)
	if !ok {
		return "", fmt.Errorf("%s: arg %d is not a string: %w", op, idx, exchange.ErrInvalidRequest)
	}
	return s, nil
}
