package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderFilled    Event = "order.filled"
	EventOrderCancelled Event = "order.cancelled"
	EventOrderRejected  Event = "order.rejected"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventRiskAlert      Event = "risk.alert"
	EventFailover       Event = "gateway.failover"
)

// Tick is the payload carried by EventPriceTick.
type Tick struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Time   time.Time
}
