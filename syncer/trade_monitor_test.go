package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

type fakeActivity struct {
	mu    sync.Mutex
	rows  map[string][]api.Activity
	errs  map[string]error
	calls map[string]int
}

func newFakeActivity() *fakeActivity {
	return &fakeActivity{
		rows:  make(map[string][]api.Activity),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeActivity) GetActivity(ctx context.Context, user string, limit int) ([]api.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[user]++
	if err := f.errs[user]; err != nil {
		return nil, err
	}
	return append([]api.Activity(nil), f.rows[user]...), nil
}

func (f *fakeActivity) push(user string, rows ...api.Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[user] = append(rows, f.rows[user]...)
}

func activityRow(wallet, hash string, ts time.Time) api.Activity {
	return api.Activity{
		ProxyWallet:     wallet,
		Timestamp:       ts.Unix(),
		ConditionID:     "0xcond",
		Type:            "TRADE",
		Size:            20,
		UsdcSize:        10,
		TransactionHash: hash,
		Price:           0.5,
		Asset:           "777",
		Side:            "BUY",
	}
}

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		FetchIntervalSec: 60,
		TooOldHours:      24,
		FanOut:           2,
		ActivityLimit:    50,
	}
}

func TestTradeMonitorSkipsHistoryOnFirstPoll(t *testing.T) {
	ctx := context.Background()
	source := newFakeActivity()
	store := storage.NewMockStore()
	source.push(traderWallet, activityRow(traderWallet, "0x01", time.Now().Add(-time.Minute)))

	var notified int32
	cfg := monitorConfig()
	cfg.SkipHistoryOnStart = true
	m := NewTradeMonitor(source, store, []string{traderWallet}, cfg, "", func() { atomic.AddInt32(&notified, 1) })

	assert.Zero(t, m.pollAll(ctx))
	mark, ok := store.Mark("0x01:777:BUY")
	require.True(t, ok)
	assert.Equal(t, models.StatusHistorical, mark.Status)
	assert.Zero(t, atomic.LoadInt32(&notified))

	source.push(traderWallet, activityRow(traderWallet, "0x02", time.Now()))
	assert.Equal(t, 1, m.pollAll(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&notified))

	open, err := store.FetchUnprocessedTrades(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "0x02:777:BUY", open[0].ID)
	assert.Equal(t, int64(1), m.GetMetrics().TradesSaved)
}

func TestTradeMonitorClosesStaleTrades(t *testing.T) {
	ctx := context.Background()
	source := newFakeActivity()
	store := storage.NewMockStore()
	source.push(traderWallet,
		activityRow(traderWallet, "0xnew", time.Now()),
		activityRow(traderWallet, "0xold", time.Now().Add(-48*time.Hour)),
	)

	m := NewTradeMonitor(source, store, []string{traderWallet}, monitorConfig(), "", nil)
	assert.Equal(t, 2, m.pollAll(ctx))

	mark, ok := store.Mark("0xold:777:BUY")
	require.True(t, ok)
	assert.Equal(t, models.StatusSkipped, mark.Status)
	assert.Contains(t, mark.Reason, "older than 24h")

	open, err := store.FetchUnprocessedTrades(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "0xnew:777:BUY", open[0].ID)

	// the stale trade is remembered and not marked again
	m.pollAll(ctx)
	assert.Equal(t, 1, store.CallCount("MarkSkipped"))
	assert.Equal(t, int64(1), m.GetMetrics().StaleSkipped)
}

func TestTradeMonitorAccountFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	source := newFakeActivity()
	store := storage.NewMockStore()
	source.errs["0xbad"] = errors.New("rate limited")
	source.push(traderWallet, activityRow(traderWallet, "0x01", time.Now()))

	m := NewTradeMonitor(source, store, []string{"0xBAD", traderWallet}, monitorConfig(), "", nil)
	assert.Equal(t, 1, m.pollAll(ctx))

	metrics := m.GetMetrics()
	assert.Equal(t, int64(2), metrics.Polls)
	assert.Equal(t, int64(1), metrics.PollErrors)
	assert.Equal(t, 1, source.calls["0xbad"], "accounts are normalized to lower case")
}

func TestTradeMonitorIgnoresIncompleteRows(t *testing.T) {
	source := newFakeActivity()
	store := storage.NewMockStore()
	noHash := activityRow(traderWallet, "", time.Now())
	noAsset := activityRow(traderWallet, "0x02", time.Now())
	noAsset.Asset = ""
	source.push(traderWallet, noHash, noAsset)

	m := NewTradeMonitor(source, store, []string{traderWallet}, monitorConfig(), "", nil)
	assert.Zero(t, m.pollAll(context.Background()))
	assert.Empty(t, store.Trades)
}

func TestTradeMonitorSaveError(t *testing.T) {
	source := newFakeActivity()
	store := storage.NewMockStore()
	store.ErrorOnNext["SaveSourceTrades"] = errors.New("disk full")
	source.push(traderWallet, activityRow(traderWallet, "0x01", time.Now()))

	cfg := monitorConfig()
	cfg.SkipHistoryOnStart = true
	m := NewTradeMonitor(source, store, []string{traderWallet}, cfg, "", nil)

	assert.Zero(t, m.pollAll(context.Background()))
	assert.Equal(t, int64(1), m.GetMetrics().PollErrors)

	// a failed first poll does not count, the retry still records history
	assert.Zero(t, m.pollAll(context.Background()))
	mark, ok := store.Mark("0x01:777:BUY")
	require.True(t, ok)
	assert.Equal(t, models.StatusHistorical, mark.Status)
}

func TestTradeMonitorNudge(t *testing.T) {
	source := newFakeActivity()
	store := storage.NewMockStore()

	var notified int32
	m := NewTradeMonitor(source, store, []string{traderWallet}, monitorConfig(), "", func() { atomic.AddInt32(&notified, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))

	require.Eventually(t, func() bool { return m.GetMetrics().Polls >= 1 }, 2*time.Second, 10*time.Millisecond)

	source.push(traderWallet, activityRow(traderWallet, "0x03", time.Now()))
	m.Nudge("0xAAA")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&notified) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), m.GetMetrics().Nudges)

	m.Stop()
	m.Stop()
}

func TestTradeMonitorRequiresAccounts(t *testing.T) {
	m := NewTradeMonitor(newFakeActivity(), storage.NewMockStore(), nil, monitorConfig(), "", nil)
	assert.Error(t, m.Start(context.Background()))
}
