// Package market turns exchange price streams into event-bus ticks.
package market

import (
	"context"
	"log"
	"time"

	"trading-engine/internal/events"
	"trading-engine/pkg/exchange"
	"trading-engine/pkg/exchange/binance"
)

// Feed streams best bid/ask tickers from Binance and publishes them to the
// event bus as price ticks.
type Feed struct {
	Stream  *binance.StreamClient
	Client  exchange.Client
	Bus     *events.Bus
	Symbols []string
}

// Start opens one websocket stream per symbol and a slow REST polling
// fallback. It returns immediately; the streams live until ctx is cancelled.
func (f *Feed) Start(ctx context.Context) {
	if f.Bus == nil || f.Stream == nil {
		log.Println("market feed not fully configured; skipping start")
		return
	}

	for _, sym := range f.Symbols {
		symbol := sym
		ch, stop, err := f.Stream.SubscribeTicker(ctx, symbol)
		if err != nil {
			log.Printf("market feed: ws subscribe %s: %v", symbol, err)
			continue
		}

		go func() {
			defer stop()
			for t := range ch {
				f.publish(t)
			}
			log.Printf("market feed: stream for %s ended", symbol)
		}()
	}

	if f.Client != nil {
		go f.pollSnapshots(ctx)
	}
}

// pollSnapshots backfills gaps when the websocket goes quiet.
func (f *Feed) pollSnapshots(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range f.Symbols {
				t, err := f.Client.FetchTicker(ctx, sym)
				if err != nil {
					log.Printf("market feed snapshot %s: %v", sym, err)
					continue
				}
				f.publish(t)
			}
		}
	}
}

func (f *Feed) publish(t exchange.Ticker) {
	f.Bus.Publish(events.EventPriceTick, events.Tick{
		Symbol: t.Symbol,
		Price:  t.Last,
		Bid:    t.Bid,
		Ask:    t.Ask,
		Time:   t.Time,
	})
}
