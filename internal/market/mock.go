package market

import (
	"context"
	"log"
	"math/rand"
	"time"

	"trading-engine/internal/events"
)

// MockFeed generates random-walk ticks for local development and demos.
type MockFeed struct {
	Bus        *events.Bus
	Symbols    []string
	StartPrice float64
	StepPct    float64 // max fractional move per tick
	Interval   time.Duration
}

// Start launches the walk. Zero-value fields get usable defaults.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("mock feed: bus not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 50000
	}
	if m.StepPct == 0 {
		m.StepPct = 0.001
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	prices := make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		prices[sym] = m.StartPrice
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, sym := range m.Symbols {
					p := prices[sym] * (1 + (rand.Float64()*2-1)*m.StepPct)
					prices[sym] = p
					spread := p * 0.0001
					m.Bus.Publish(events.EventPriceTick, events.Tick{
						Symbol: sym,
						Price:  p,
						Bid:    p - spread,
						Ask:    p + spread,
						Time:   time.Now().UTC(),
					})
				}
			}
		}
	}()
}
