package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-engine/pkg/exchange"
)

// StreamClient streams public market data from Binance websockets.
type StreamClient struct {
	streamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		streamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
	}
}

// SubscribeTicker streams best bid/ask updates for one symbol. It returns the
// channel and a stop function; the channel is closed when the stream ends.
func (c *StreamClient) SubscribeTicker(ctx context.Context, symbol string) (<-chan exchange.Ticker, func(), error) {
	stream := fmt.Sprintf("%s@bookTicker", strings.ToLower(symbol))
	u := fmt.Sprintf("%s/%s", c.streamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan exchange.Ticker, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Connection may already be closed; ignore errors.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	// ReadMessage does not watch the context, so cancellation closes the
	// connection to unblock it. Only the read loop closes out; it is the
	// sole sender.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	go func() {
		defer close(done)
		defer stop()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Printf("binance ws read error: %v", err)
				return
			}

			t, err := parseBookTicker(msg)
			if err != nil {
				log.Printf("binance ws parse error: %v", err)
				continue
			}
			out <- t
		}
	}()

	return out, stop, nil
}

func parseBookTicker(msg []byte) (exchange.Ticker, error) {
	// The quantity keys "B" and "A" must be bound explicitly: encoding/json
	// matches keys case-insensitively when there is no exact match, and would
	// otherwise write the quantities over the "b"/"a" price fields.
	var raw struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		BidQty string `json:"B"`
		Ask    string `json:"a"`
		AskQty string `json:"A"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return exchange.Ticker{}, err
	}
	bid := parseFloat(raw.Bid)
	ask := parseFloat(raw.Ask)
	return exchange.Ticker{
		Symbol: raw.Symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		Time:   time.Now().UTC(),
	}, nil
}
