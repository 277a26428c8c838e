package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-copytrader/models"
)

func TestDataClientGetActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activity", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("user"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"proxyWallet":"0xABC","timestamp":1700000000,"conditionId":"0xcond","type":"TRADE",
			"size":20,"usdcSize":10,"transactionHash":"0xHASH","price":0.5,"asset":"777","side":"BUY","outcome":"Yes","title":"Will it?"}]`)
	}))
	defer srv.Close()

	client := NewDataClient(srv.URL, time.Second)
	rows, err := client.GetActivity(context.Background(), "0xabc", 50)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	observed := time.Unix(1700000100, 0)
	trade := rows[0].ToSourceTrade(observed)
	assert.Equal(t, "0xhash:777:BUY", trade.ID)
	assert.Equal(t, "0xabc", trade.SourceAccount)
	assert.Equal(t, models.TradeTypeTrade, trade.Type)
	assert.Equal(t, models.SideBuy, trade.Side)
	assert.Equal(t, 10.0, trade.UsdSize)
	assert.Equal(t, 20.0, trade.TokenSize)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), trade.Timestamp)
	assert.Equal(t, observed, trade.ObservedAt)
}

func TestDataClientGetPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions", r.URL.Path)
		fmt.Fprint(w, `[{"conditionId":"0xcond","asset":"777","size":40,"avgPrice":0.25,"curPrice":0.3}]`)
	}))
	defer srv.Close()

	client := NewDataClient(srv.URL, time.Second)
	positions, err := client.GetPositions(context.Background(), "0xabc")
	require.NoError(t, err)

	pos, ok := models.FindPosition(positions, "777")
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.CostBasis())
}

func TestDataClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad user"}`)
	}))
	defer srv.Close()

	client := NewDataClient(srv.URL, time.Second)
	_, err := client.GetPositions(context.Background(), "nope")
	assert.Error(t, err)
}

func TestMockExchangeBookSequence(t *testing.T) {
	m := NewMockExchange()
	first := &OrderBook{Asks: []OrderBookLevel{{Price: "0.5", Size: "10"}}}
	second := &OrderBook{}
	m.SetBooks("1", first, second)

	ctx := context.Background()
	b, err := m.GetOrderBook(ctx, "1")
	require.NoError(t, err)
	assert.Same(t, first, b)

	for i := 0; i < 2; i++ {
		b, err = m.GetOrderBook(ctx, "1")
		require.NoError(t, err)
		assert.Same(t, second, b)
	}
	assert.Equal(t, 3, m.Calls["GetOrderBook"])

	_, err = m.GetOrderBook(ctx, "unknown")
	assert.Error(t, err)
}
