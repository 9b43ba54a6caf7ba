package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trading-engine/internal/events"
	"trading-engine/internal/gateway"
	"trading-engine/internal/market"
	"trading-engine/internal/paper"
	"trading-engine/internal/risk"
	"trading-engine/internal/store"
	"trading-engine/pkg/config"
	"trading-engine/pkg/crypto"
	"trading-engine/pkg/exchange"
	binanceex "trading-engine/pkg/exchange/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Printf("starting trading engine: symbols=%v mock=%v testnet=%v", cfg.Symbols, cfg.UseMockFeed, cfg.Testnet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	var enc *crypto.Encryptor
	if cfg.MasterKeyHex != "" {
		if enc, err = crypto.NewEncryptorFromHex(cfg.MasterKeyHex); err != nil {
			log.Fatalf("credential master key: %v", err)
		}
	}

	gw := gateway.New(
		func(c gateway.ConnectionConfig) (exchange.Client, error) {
			return binanceex.New(binanceex.Config{
				APIKey:    c.APIKey,
				APISecret: c.APISecret,
				Testnet:   c.Testnet,
			}), nil
		},
		gateway.WithOrderStore(db),
		gateway.WithBus(bus),
	)
	wireExchanges(ctx, cfg, enc, gw)

	riskParams := risk.Parameters{
		MaxPositionSize:      cfg.Risk.MaxPositionSize,
		StopLossPct:          cfg.Risk.StopLossPct,
		TakeProfitPct:        cfg.Risk.TakeProfitPct,
		TrailingStopPct:      cfg.Risk.TrailingStopPct,
		MaxDailyLoss:         cfg.Risk.MaxDailyLoss,
		MaxDrawdown:          cfg.Risk.MaxDrawdown,
		MaxOpenPositions:     cfg.Risk.MaxOpenPositions,
		VolatilityAdjustment: cfg.Risk.VolatilityAdjustment,
	}
	riskMgr := risk.NewManager(riskParams, risk.WithStore(db), risk.WithBus(bus))

	engine := paper.NewEngine(paper.Config{
		InitialBalance: cfg.InitialBalance,
		CommissionRate: cfg.CommissionRate,
		SlippageRate:   cfg.SlippageRate,
		PollInterval:   100 * time.Millisecond,
		Risk:           riskParams,
	}, paper.WithBus(bus), paper.WithStore(db))
	engine.Start(ctx)

	startFeed(ctx, cfg, bus)
	go sweepStaleOrders(ctx, gw)
	go logSummaries(ctx, engine, riskMgr, gw, bus)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("received %s, shutting down", s)

	cancel()
	for _, sym := range engine.CloseAllPositions() {
		log.Printf("closed %s on shutdown", sym)
	}
	acct := engine.Account()
	log.Printf("final equity=%.2f realized=%.2f trades=%d", acct.Equity, acct.RealizedPnL, acct.Trades)
}

// wireExchanges loads the connection file (if any) and registers each enabled
// venue with the gateway. Failed validation skips the connection but never
// aborts startup.
func wireExchanges(ctx context.Context, cfg *config.Config, enc *crypto.Encryptor, gw *gateway.Gateway) {
	exchanges, err := cfg.LoadExchanges(enc)
	if err != nil {
		log.Fatalf("load exchanges: %v", err)
	}
	for _, e := range exchanges {
		ok := gw.AddConnection(ctx, gateway.ConnectionConfig{
			Name:       e.Name,
			APIKey:     e.APIKey,
			APISecret:  e.APISecret,
			Passphrase: e.Passphrase,
			Testnet:    e.Testnet,
			RateLimit:  e.RateLimit,
			Priority:   e.Priority,
			Enabled:    e.Enabled,
			MaxRetries: e.MaxRetries,
			RetryDelay: time.Duration(e.RetryDelay * float64(time.Second)),
		})
		log.Printf("exchange %s registered=%v", e.Name, ok)
	}
	if err := gw.RestoreTrackedOrders(ctx); err != nil {
		log.Printf("restore tracked orders: %v", err)
	}
}

func startFeed(ctx context.Context, cfg *config.Config, bus *events.Bus) {
	if cfg.UseMockFeed {
		mock := &market.MockFeed{Bus: bus, Symbols: cfg.Symbols, StartPrice: 50000, Interval: time.Second}
		mock.Start(ctx)
		log.Println("mock price feed started")
		return
	}
	feed := &market.Feed{
		Stream:  binanceex.NewStreamClient(cfg.Testnet),
		Client:  binanceex.New(binanceex.Config{Testnet: cfg.Testnet}),
		Bus:     bus,
		Symbols: cfg.Symbols,
	}
	feed.Start(ctx)
	log.Println("live price feed started")
}

// sweepStaleOrders cancels tracked orders older than an hour every 10 minutes.
func sweepStaleOrders(ctx context.Context, gw *gateway.Gateway) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.CancelStaleOrders(ctx, time.Hour)
		}
	}
}

func logSummaries(ctx context.Context, engine *paper.Engine, rm *risk.Manager, gw *gateway.Gateway, bus *events.Bus) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acct := engine.Account()
			sum := rm.Summary()
			log.Printf("summary: equity=%.2f balance=%.2f positions=%d dailyPnL=%.2f connections=%d tickListeners=%d",
				acct.Equity, acct.Balance, sum.OpenPositions, sum.DailyPnL, len(gw.Status()), bus.Subscribers(events.EventPriceTick))
		}
	}
}
