package binance

import (
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/pkg/exchange"
)

func clientWithSteps(m exchange.Market) *Client {
	c := New(Config{Testnet: true})
	c.steps[m.Symbol] = m
	return c
}

func TestFormatQuantityFloorsToStep(t *testing.T) {
	c := clientWithSteps(exchange.Market{Symbol: "BTCUSDT", QtyStep: 0.001, PriceTick: 0.01})

	tests := []struct {
		qty  float64
		want string
	}{
		{0.12345, "0.123"}, // truncated, never rounded up
		{0.1, "0.1"},
		{0.0009, "0"}, // below one step
		{1, "1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.formatQuantity("BTCUSDT", tt.qty), "qty %v", tt.qty)
	}

	// Unknown symbols pass through unrounded.
	assert.Equal(t, "0.12345", c.formatQuantity("ETHUSDT", 0.12345))
}

func TestFormatPriceFloorsToTick(t *testing.T) {
	c := clientWithSteps(exchange.Market{Symbol: "BTCUSDT", QtyStep: 0.001, PriceTick: 0.01})

	assert.Equal(t, "50000.12", c.formatPrice("BTCUSDT", 50000.129))
	assert.Equal(t, "50000", c.formatPrice("BTCUSDT", 50000))
}

func TestMapErrorTranslatesAPICodes(t *testing.T) {
	c := New(Config{Testnet: true})

	tests := []struct {
		name string
		code int64
		want error
	}{
		{name: "bad signature", code: -1022, want: exchange.ErrAuthentication},
		{name: "invalid key", code: -2015, want: exchange.ErrAuthentication},
		{name: "insufficient balance", code: -2010, want: exchange.ErrInvalidRequest},
		{name: "unknown order", code: -2011, want: exchange.ErrInvalidRequest},
		{name: "too many requests", code: -1003, want: exchange.ErrRateLimited},
		{name: "timestamp outside recv window", code: -1021, want: exchange.ErrTimeout},
		{name: "internal error", code: -1001, want: exchange.ErrUnavailable},
		{name: "no such order", code: -2013, want: exchange.ErrNotFound},
		{name: "11xx request issue", code: -1102, want: exchange.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.mapError("create_order", &common.APIError{Code: tt.code, Message: tt.name})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Unmapped codes keep the message but gain no kind.
	err := c.mapError("create_order", &common.APIError{Code: -9999, Message: "mystery"})
	require.Error(t, err)
	assert.False(t, exchange.IsFatal(err))
	assert.NotErrorIs(t, err, exchange.ErrInvalidRequest)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, exchange.StatusPending, mapStatus("NEW"))
	assert.Equal(t, exchange.StatusPartial, mapStatus("PARTIALLY_FILLED"))
	assert.Equal(t, exchange.StatusFilled, mapStatus("FILLED"))
	assert.Equal(t, exchange.StatusCancelled, mapStatus("CANCELED"))
	assert.Equal(t, exchange.StatusRejected, mapStatus("REJECTED"))
	assert.Equal(t, exchange.StatusExpired, mapStatus("EXPIRED"))
}

func TestParseBookTicker(t *testing.T) {
	msg := []byte(`{"u":400900217,"s":"BTCUSDT","b":"50000.10","B":"31.2","a":"50000.50","A":"40.6"}`)
	tick, err := parseBookTicker(msg)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 50000.10, tick.Bid)
	assert.Equal(t, 50000.50, tick.Ask)
	assert.Equal(t, (50000.10+50000.50)/2, tick.Last)

	// Quantity keys before price keys must not clobber the prices; json
	// falls back to case-insensitive key matching for unbound fields.
	msg = []byte(`{"u":400900218,"s":"BTCUSDT","B":"31.2","A":"40.6","b":"50000.10","a":"50000.50"}`)
	tick, err = parseBookTicker(msg)
	require.NoError(t, err)
	assert.Equal(t, 50000.10, tick.Bid)
	assert.Equal(t, 50000.50, tick.Ask)

	_, err = parseBookTicker([]byte("not json"))
	assert.Error(t, err)
}
