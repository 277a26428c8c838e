package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
)

var account = "0x" + strings.Repeat("ab", 20)

type fakeCopier struct {
	metrics  syncer.CopyTraderMetrics
	groups   []syncer.AggregationGroup
	stats    *storage.CopyTradeStats
	statsErr error
}

func (f *fakeCopier) GetMetrics() syncer.CopyTraderMetrics          { return f.metrics }
func (f *fakeCopier) AggregationGroups() []syncer.AggregationGroup { return f.groups }
func (f *fakeCopier) GetStats(ctx context.Context) (*storage.CopyTradeStats, error) {
	return f.stats, f.statsErr
}

type fakeMonitor struct {
	metrics syncer.MonitorMetrics
}

func (f *fakeMonitor) GetMetrics() syncer.MonitorMetrics  { return f.metrics }
func (f *fakeMonitor) Accounts() []string                 { return []string{account} }
func (f *fakeMonitor) StreamStats() (seen, matched int64) { return 10, 2 }

type fakeSnapshots struct{}

func (fakeSnapshots) GetMetrics(ctx context.Context) (*syncer.SystemMetrics, error) {
	return &syncer.SystemMetrics{CopyTrader: syncer.CopyTraderMetrics{OrdersExecuted: 42}}, nil
}

func setupRouter(t *testing.T, copier *fakeCopier, ledger storage.Ledger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Aggregation.Enabled = true
	cfg.Aggregation.WindowSeconds = 60

	r := gin.New()
	NewHandler(&cfg, copier, &fakeMonitor{metrics: syncer.MonitorMetrics{TradesSaved: 7}}, ledger, fakeSnapshots{}).Register(r)
	return r
}

func doRequest(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	r := setupRouter(t, &fakeCopier{}, storage.NewMockStore())
	w := doRequest(r, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["accounts"])
}

func TestGetStats(t *testing.T) {
	copier := &fakeCopier{stats: &storage.CopyTradeStats{TotalOrders: 3, FilledUsd: 12.5}}
	r := setupRouter(t, copier, storage.NewMockStore())

	w := doRequest(r, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["total_orders"])
	assert.Equal(t, 12.5, body["filled_usd"])

	copier.statsErr = errors.New("db down")
	w = doRequest(r, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetMetrics(t *testing.T) {
	copier := &fakeCopier{metrics: syncer.CopyTraderMetrics{OrdersExecuted: 5, AvgCopyLatency: time.Second}}
	r := setupRouter(t, copier, storage.NewMockStore())

	w := doRequest(r, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)

	live := body["live"].(map[string]any)
	assert.Equal(t, float64(5), live["copy_trader"].(map[string]any)["orders_executed"])
	assert.Equal(t, float64(7), live["monitor"].(map[string]any)["trades_saved"])
	assert.Equal(t, float64(2), body["websocket"].(map[string]any)["matched"])
	assert.Equal(t, float64(42), body["persisted"].(map[string]any)["copy_trader"].(map[string]any)["orders_executed"])
}

func TestGetAggregation(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	copier := &fakeCopier{groups: []syncer.AggregationGroup{{
		Key:             syncer.AggregationKey{SourceAccount: account, ConditionID: "0xcond", AssetID: "777", Side: models.SideBuy},
		Trades:          []models.SourceTrade{{ID: "t1"}, {ID: "t2"}},
		TotalUsdSize:    0.9,
		AvgPrice:        0.45,
		WindowStartedAt: started,
	}}}
	r := setupRouter(t, copier, storage.NewMockStore())

	w := doRequest(r, http.MethodGet, "/api/aggregation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	group := body["groups"].([]any)[0].(map[string]any)
	assert.Equal(t, []any{"t1", "t2"}, group["trade_ids"])
	assert.Equal(t, "2026-01-01T12:01:00Z", group["closes_at"])
}

func TestGetPendingTrades(t *testing.T) {
	store := storage.NewMockStore()
	_, err := store.SaveSourceTrades(context.Background(), []models.SourceTrade{
		{ID: "t1", SourceAccount: account, AssetID: "777", Type: models.TradeTypeTrade, Side: models.SideBuy, Timestamp: time.Now()},
		{ID: "t2", SourceAccount: "0xother", AssetID: "777", Type: models.TradeTypeTrade, Side: models.SideBuy, Timestamp: time.Now()},
	}, false)
	require.NoError(t, err)
	r := setupRouter(t, &fakeCopier{}, store)

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantCount float64
	}{
		{name: "lists account trades", path: "/api/accounts/" + account + "/pending", wantCode: http.StatusOK, wantCount: 1},
		{name: "normalizes case", path: "/api/accounts/0x" + strings.ToUpper(account[2:]) + "/pending", wantCode: http.StatusOK, wantCount: 1},
		{name: "rejects bad address", path: "/api/accounts/not-an-address/pending", wantCode: http.StatusBadRequest},
		{name: "rejects bad limit", path: "/api/accounts/" + account + "/pending?limit=0", wantCode: http.StatusBadRequest},
		{name: "accepts limit", path: "/api/accounts/" + account + "/pending?limit=5", wantCode: http.StatusOK, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantCount, decode(t, w)["count"])
			}
		})
	}
}

func TestPreviewSizing(t *testing.T) {
	r := setupRouter(t, &fakeCopier{}, storage.NewMockStore())

	w := doRequest(r, http.MethodPost, "/api/sizing/preview", []byte(`{"source_usd": 200, "balance": 1000}`))
	require.Equal(t, http.StatusOK, w.Code)
	result := decode(t, w)["result"].(map[string]any)
	assert.Equal(t, float64(20), result["final_amount"])

	w = doRequest(r, http.MethodPost, "/api/sizing/preview", []byte(`{"balance": 1000}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBasicAuth(t *testing.T) {
	t.Setenv("AUTH_USERNAME", "admin")
	t.Setenv("AUTH_PASSWORD", "secret")
	r := setupRouter(t, &fakeCopier{stats: &storage.CopyTradeStats{}}, storage.NewMockStore())

	w := doRequest(r, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("admin", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// health and scrape stay open
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/health", nil).Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	r := setupRouter(t, &fakeCopier{}, storage.NewMockStore())
	doRequest(r, http.MethodGet, "/health", nil)

	w := doRequest(r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "copytrader_http_requests_total")
}
