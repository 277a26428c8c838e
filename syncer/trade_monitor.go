package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/metrics"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

// maxClosedStale bounds the set of stale trade IDs remembered between polls.
const maxClosedStale = 10000

// ActivitySource lists recent activity for a wallet, newest first.
type ActivitySource interface {
	GetActivity(ctx context.Context, user string, limit int) ([]api.Activity, error)
}

// TradeMonitor discovers new trades of the followed accounts and writes them
// to the ledger. It never executes anything; the copy trader picks the
// trades up from the ledger.
type TradeMonitor struct {
	source   ActivitySource
	ledger   storage.Ledger
	accounts []string
	config   config.MonitorConfig
	stream   *api.ActivityStream

	// onNew is called after a poll saved at least one new trade
	onNew func()

	seenMu sync.Mutex
	polled map[string]bool
	closed map[string]struct{}

	metrics   MonitorMetrics
	metricsMu sync.RWMutex

	nudgeCh chan string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// MonitorMetrics tracks discovery performance
type MonitorMetrics struct {
	Polls               int64         `json:"polls"`
	PollErrors          int64         `json:"poll_errors"`
	TradesSaved         int64         `json:"trades_saved"`
	StaleSkipped        int64         `json:"stale_skipped"`
	Nudges              int64         `json:"nudges"`
	AvgDetectionLatency time.Duration `json:"avg_detection_latency"`
	FastestDetection    time.Duration `json:"fastest_detection"`
	SlowestDetection    time.Duration `json:"slowest_detection"`
	LastPollAt          time.Time     `json:"last_poll_at"`
	LastDetectionAt     time.Time     `json:"last_detection_at"`
	detections          int64
}

// NewTradeMonitor creates a monitor for accounts. wsURL enables the
// websocket nudge when cfg.EnableWebsocket is set.
func NewTradeMonitor(source ActivitySource, ledger storage.Ledger, accounts []string, cfg config.MonitorConfig, wsURL string, onNew func()) *TradeMonitor {
	if cfg.FetchIntervalSec <= 0 {
		cfg.FetchIntervalSec = 1
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 4
	}
	if cfg.ActivityLimit <= 0 {
		cfg.ActivityLimit = 100
	}

	normalized := make([]string, 0, len(accounts))
	for _, a := range accounts {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(a)))
	}

	m := &TradeMonitor{
		source:   source,
		ledger:   ledger,
		accounts: normalized,
		config:   cfg,
		onNew:    onNew,
		polled:   make(map[string]bool),
		closed:   make(map[string]struct{}),
		nudgeCh:  make(chan string, len(normalized)+1),
	}
	if cfg.EnableWebsocket {
		m.stream = api.NewActivityStream(wsURL, normalized, m.Nudge)
	}
	return m
}

// Start begins polling
func (m *TradeMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("trade monitor already running")
	}
	if len(m.accounts) == 0 {
		return fmt.Errorf("no accounts to follow")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	loopCtx, cancel := context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.pollLoop(loopCtx)
	}()

	if m.stream != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.stream.Run(loopCtx)
		}()
	}

	logs.Infof("[TradeMonitor] Started: %d accounts, interval=%ds, fan-out=%d, websocket=%v",
		len(m.accounts), m.config.FetchIntervalSec, m.config.FanOut, m.stream != nil)
	return nil
}

// Stop halts polling and waits for in-flight polls
func (m *TradeMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logs.Info("[TradeMonitor] Stopped")
}

// Nudge asks for an immediate poll of wallet
func (m *TradeMonitor) Nudge(wallet string) {
	metrics.ActivityEvents.Inc()
	m.updateMetrics(func(mm *MonitorMetrics) { mm.Nudges++ })
	select {
	case m.nudgeCh <- strings.ToLower(wallet):
	default:
	}
}

func (m *TradeMonitor) pollLoop(ctx context.Context) {
	m.pollAll(ctx)

	ticker := time.NewTicker(time.Duration(m.config.FetchIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollAll(ctx)
		case wallet := <-m.nudgeCh:
			if n := m.pollAccount(ctx, wallet); n > 0 {
				m.notify()
			}
		}
	}
}

// pollAll polls every account with at most FanOut requests in flight. A
// failing account does not cancel the others.
func (m *TradeMonitor) pollAll(ctx context.Context) int {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		total int
	)
	g.SetLimit(m.config.FanOut)

	for _, account := range m.accounts {
		g.Go(func() error {
			n := m.pollAccount(ctx, account)
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if total > 0 {
		m.notify()
	}
	return total
}

// pollAccount fetches the latest activity of account and saves it. The
// first poll after start closes everything as historical when history is
// skipped. Trades older than TooOldHours are closed as skipped before they
// become visible to the copy trader.
func (m *TradeMonitor) pollAccount(ctx context.Context, account string) int {
	start := time.Now()
	rows, err := m.source.GetActivity(ctx, account, m.config.ActivityLimit)
	m.updateMetrics(func(mm *MonitorMetrics) {
		mm.Polls++
		mm.LastPollAt = start
	})
	if err != nil {
		if ctx.Err() == nil {
			logs.Errorf("[TradeMonitor] %s: fetch activity: %v", shortAddress(account), err)
			m.updateMetrics(func(mm *MonitorMetrics) { mm.PollErrors++ })
		}
		return 0
	}
	if len(rows) == 0 {
		m.markPolled(account)
		return 0
	}

	observedAt := time.Now()
	trades := make([]models.SourceTrade, 0, len(rows))
	for _, row := range rows {
		if row.TransactionHash == "" || row.Asset == "" {
			continue
		}
		trades = append(trades, row.ToSourceTrade(observedAt))
	}

	historical := m.config.SkipHistoryOnStart && !m.wasPolled(account)
	if !historical {
		m.closeStale(ctx, account, trades, observedAt)
	}

	inserted, err := m.ledger.SaveSourceTrades(ctx, trades, historical)
	if err != nil {
		logs.Errorf("[TradeMonitor] %s: save trades: %v", shortAddress(account), err)
		m.updateMetrics(func(mm *MonitorMetrics) { mm.PollErrors++ })
		return 0
	}
	m.markPolled(account)

	if historical {
		if inserted > 0 {
			logs.Infof("[TradeMonitor] %s: %d existing trades recorded as history", shortAddress(account), inserted)
		}
		return 0
	}
	if inserted == 0 {
		return 0
	}

	metrics.SourceTradesObserved.WithLabelValues(account).Add(float64(inserted))
	latency := observedAt.Sub(newest(trades))
	m.updateMetrics(func(mm *MonitorMetrics) {
		mm.TradesSaved += int64(inserted)
		mm.LastDetectionAt = observedAt
		mm.detections++
		mm.AvgDetectionLatency += (latency - mm.AvgDetectionLatency) / time.Duration(mm.detections)
		if mm.FastestDetection == 0 || latency < mm.FastestDetection {
			mm.FastestDetection = latency
		}
		if latency > mm.SlowestDetection {
			mm.SlowestDetection = latency
		}
	})
	logs.Infof("[TradeMonitor] %s: %d new trades (latency %s)", shortAddress(account), inserted, latency.Round(time.Millisecond))
	return inserted
}

// closeStale marks trades older than TooOldHours skipped. Marks are written
// before the trades are saved so the copy trader never sees them open.
func (m *TradeMonitor) closeStale(ctx context.Context, account string, trades []models.SourceTrade, now time.Time) {
	if m.config.TooOldHours <= 0 {
		return
	}
	cutoff := now.Add(-time.Duration(m.config.TooOldHours) * time.Hour)
	reason := fmt.Sprintf("trade older than %dh", m.config.TooOldHours)

	for _, t := range trades {
		if !t.Timestamp.Before(cutoff) || m.isClosed(t.ID) {
			continue
		}
		if err := m.ledger.MarkSkipped(ctx, t.ID, reason); err != nil {
			logs.Errorf("[TradeMonitor] %s: mark stale trade %s: %v", shortAddress(account), t.ID, err)
			continue
		}
		m.rememberClosed(t.ID)
		m.updateMetrics(func(mm *MonitorMetrics) { mm.StaleSkipped++ })
	}
}

func (m *TradeMonitor) notify() {
	if m.onNew != nil {
		m.onNew()
	}
}

func (m *TradeMonitor) wasPolled(account string) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	return m.polled[account]
}

func (m *TradeMonitor) markPolled(account string) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	m.polled[account] = true
}

func (m *TradeMonitor) isClosed(id string) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	_, ok := m.closed[id]
	return ok
}

func (m *TradeMonitor) rememberClosed(id string) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	// marks are idempotent, forgetting only costs a repeated no-op write
	if len(m.closed) >= maxClosedStale {
		m.closed = make(map[string]struct{})
	}
	m.closed[id] = struct{}{}
}

func (m *TradeMonitor) updateMetrics(fn func(mm *MonitorMetrics)) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	fn(&m.metrics)
}

// GetMetrics returns a snapshot of the monitor metrics
func (m *TradeMonitor) GetMetrics() MonitorMetrics {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.metrics
}

// Accounts returns the followed accounts, sorted
func (m *TradeMonitor) Accounts() []string {
	out := append([]string(nil), m.accounts...)
	sort.Strings(out)
	return out
}

// StreamStats reports websocket events seen and matched; zero without a
// stream.
func (m *TradeMonitor) StreamStats() (seen, matched int64) {
	if m.stream == nil {
		return 0, 0
	}
	return m.stream.Stats()
}

func newest(trades []models.SourceTrade) time.Time {
	var ts time.Time
	for _, t := range trades {
		if t.Timestamp.After(ts) {
			ts = t.Timestamp
		}
	}
	return ts
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
