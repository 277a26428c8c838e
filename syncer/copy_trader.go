package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

// CopyTrader is the single worker that turns unprocessed source trades into
// copied orders. Small buys are held in the aggregation buffer; everything
// else is executed as it arrives. Shutdown is only observed between
// logical orders.
type CopyTrader struct {
	ledger storage.Ledger
	engine *ExecutionEngine
	buffer *AggregationBuffer
	config CopyTraderConfig

	metrics   CopyTraderMetrics
	metricsMu sync.RWMutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wakeCh  chan struct{}
}

// CopyTraderConfig holds configuration for copy trading
type CopyTraderConfig struct {
	CheckInterval      time.Duration
	DrainInterval      time.Duration
	BatchSize          int
	AggregationEnabled bool
	AggregationWindow  time.Duration
	AggregationMinUsd  float64
	MinOrderUsd        float64 // trades below this are aggregated
	RetryLimit         int
}

// CopyTraderMetrics tracks copy trader performance
type CopyTraderMetrics struct {
	TradesSeen     int64            `json:"trades_seen"`
	Buffered       int64            `json:"buffered"`
	OrdersExecuted int64            `json:"orders_executed"`
	OrdersSkipped  int64            `json:"orders_skipped"`
	OrdersFailed   int64            `json:"orders_failed"`
	ExecuteErrors  int64            `json:"execute_errors"`
	FilledUsd      float64          `json:"filled_usd"`
	ByTerminal     map[string]int64 `json:"by_terminal"`
	AvgCopyLatency time.Duration    `json:"avg_copy_latency"`
	FastestCopy    time.Duration    `json:"fastest_copy"`
	SlowestCopy    time.Duration    `json:"slowest_copy"`
	LastOrderAt    time.Time        `json:"last_order_at"`
	latencyCount   int64
}

// NewCopyTrader creates a new copy trader
func NewCopyTrader(ledger storage.Ledger, engine *ExecutionEngine, config CopyTraderConfig) *CopyTrader {
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = 500 * time.Millisecond
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.AggregationMinUsd <= 0 {
		config.AggregationMinUsd = 1.0
	}
	if config.MinOrderUsd <= 0 {
		config.MinOrderUsd = 1.0
	}

	return &CopyTrader{
		ledger:  ledger,
		engine:  engine,
		buffer:  NewAggregationBuffer(ledger),
		config:  config,
		metrics: CopyTraderMetrics{ByTerminal: make(map[string]int64)},
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start launches the worker loop
func (ct *CopyTrader) Start(ctx context.Context) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.running {
		return fmt.Errorf("copy trader already running")
	}
	ct.running = true
	ct.stopCh = make(chan struct{})
	ct.doneCh = make(chan struct{})
	go ct.run(ctx)

	logs.Infof("[CopyTrader] Started: interval=%s, aggregation=%v (window=%s, min=$%.2f)",
		ct.config.CheckInterval, ct.config.AggregationEnabled, ct.config.AggregationWindow, ct.config.AggregationMinUsd)
	return nil
}

// Stop asks the worker to exit after the current logical order and waits
// for it.
func (ct *CopyTrader) Stop() {
	ct.mu.Lock()
	if !ct.running {
		ct.mu.Unlock()
		return
	}
	ct.running = false
	close(ct.stopCh)
	done := ct.doneCh
	ct.mu.Unlock()

	<-done
	logs.Info("[CopyTrader] Stopped")
}

// Wake triggers an immediate ledger check
func (ct *CopyTrader) Wake() {
	select {
	case ct.wakeCh <- struct{}{}:
	default:
	}
}

func (ct *CopyTrader) run(ctx context.Context) {
	defer close(ct.doneCh)

	ticker := time.NewTicker(ct.config.CheckInterval)
	defer ticker.Stop()
	drain := time.NewTicker(ct.config.DrainInterval)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ct.stopCh:
			return
		case <-ticker.C:
			ct.tick(ctx)
		case <-ct.wakeCh:
			ct.tick(ctx)
		case now := <-drain.C:
			if ct.config.AggregationEnabled {
				ct.drainAggregations(ctx, now)
			}
		}
	}
}

func (ct *CopyTrader) tick(ctx context.Context) {
	if err := ct.processNewTrades(ctx); err != nil {
		logs.Errorf("[CopyTrader] Error processing trades: %v", err)
	}
}

func (ct *CopyTrader) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-ct.stopCh:
		return true
	default:
		return false
	}
}

// processNewTrades handles up to BatchSize open trades. Buffered members are
// still open in the ledger, so the fetch reaches past them.
func (ct *CopyTrader) processNewTrades(ctx context.Context) error {
	limit := ct.config.BatchSize + ct.buffer.Members()
	trades, err := ct.ledger.FetchUnprocessedTrades(ctx, "", limit)
	if err != nil {
		return fmt.Errorf("failed to get unprocessed trades: %w", err)
	}

	fresh := 0
	for _, trade := range trades {
		if ct.stopping(ctx) || fresh >= ct.config.BatchSize {
			break
		}
		if ct.buffer.Contains(trade.ID) {
			continue
		}
		fresh++
		ct.processTrade(ctx, trade)
	}
	if fresh > 0 {
		ct.updateMetrics(func(m *CopyTraderMetrics) { m.TradesSeen += int64(fresh) })
	}
	return nil
}

func (ct *CopyTrader) processTrade(ctx context.Context, trade models.SourceTrade) {
	switch trade.Type {
	case models.TradeTypeTrade:
		if ct.config.AggregationEnabled && QualifiesForAggregation(trade, ct.config.MinOrderUsd) {
			if ct.buffer.Admit(trade) {
				ct.updateMetrics(func(m *CopyTraderMetrics) { m.Buffered++ })
			}
			return
		}
		ct.executeOrder(ctx, NewSingleOrder(trade))
	case models.TradeTypeMerge:
		ct.executeOrder(ctx, NewSingleOrder(trade))
	default:
		reason := fmt.Sprintf("activity type %s is not copied", trade.Type)
		logs.Infof("[CopyTrader] Skipping %s: %s", trade.ID, reason)
		if err := ct.ledger.MarkSkipped(ctx, trade.ID, reason); err != nil {
			logs.Errorf("[CopyTrader] Error marking trade skipped %s: %v", trade.ID, err)
		}
		ct.updateMetrics(func(m *CopyTraderMetrics) { m.OrdersSkipped++ })
	}
}

func (ct *CopyTrader) drainAggregations(ctx context.Context, now time.Time) {
	orders, err := ct.buffer.DrainReady(ctx, now, ct.config.AggregationWindow, ct.config.AggregationMinUsd)
	if err != nil {
		logs.Errorf("[CopyTrader] Error closing out aggregation groups: %v", err)
	}
	for _, agg := range orders {
		if ct.stopping(ctx) {
			// released groups that were not executed stay unprocessed in
			// the ledger and are picked up again after restart
			return
		}
		ct.executeOrder(ctx, NewOrderFromAggregate(agg))
	}
}

// executeOrder runs one logical order to completion. The book walk and the
// ledger writes after it share a context that outlives shutdown, so a
// started order always reaches a recorded terminal state.
func (ct *CopyTrader) executeOrder(ctx context.Context, order LogicalOrder) {
	start := time.Now()
	execCtx := context.WithoutCancel(ctx)
	out, err := ct.engine.Execute(execCtx, order)
	if err != nil {
		logs.Errorf("[CopyTrader] %s %s %s: %v", order.Action, order.AssetID, order.ID, err)
		ct.updateMetrics(func(m *CopyTraderMetrics) { m.ExecuteErrors++ })
		if order.Aggregated {
			ct.markAll(execCtx, order, models.ProcessedMark{Status: models.StatusFailed, Reason: err.Error()})
		}
		return
	}

	ct.persistOutcome(execCtx, order, out)
	ct.recordOutcome(out, time.Since(start))
}

// persistOutcome closes out every member trade of order.
func (ct *CopyTrader) persistOutcome(ctx context.Context, order LogicalOrder, out ExecutionOutcome) {
	mark := models.ProcessedMark{
		Status:   statusFor(out),
		Attempts: out.AttemptsUsed,
		Reason:   string(out.Terminal),
	}
	if mark.Status == models.StatusExhausted {
		mark.Attempts = ct.config.RetryLimit
	}

	total := 0.0
	for _, t := range order.Trades {
		total += t.UsdSize
	}
	for _, t := range order.Trades {
		m := mark
		if out.FilledTokens > 0 {
			share := 1.0 / float64(len(order.Trades))
			if total > 0 {
				share = t.UsdSize / total
			}
			m.ExecutedTokens = out.FilledTokens * share
		}
		if err := ct.ledger.MarkProcessed(ctx, t.ID, m); err != nil {
			logs.Errorf("[CopyTrader] Error marking trade processed %s: %v", t.ID, err)
		}
	}

	record := models.CopyTradeRecord{
		OrderID:        order.ID,
		SourceTradeIDs: order.TradeIDs(),
		SourceAccount:  order.SourceAccount,
		ConditionID:    order.ConditionID,
		AssetID:        order.AssetID,
		Action:         string(order.Action),
		Aggregated:     order.Aggregated,
		IntendedAmount: out.IntendedAmount,
		FilledUsd:      out.FilledUsd,
		FilledTokens:   out.FilledTokens,
		Attempts:       out.AttemptsUsed,
		Terminal:       string(out.Terminal),
		Reasoning:      out.Summary(),
	}
	if err := ct.ledger.SaveCopyTrade(ctx, record); err != nil {
		logs.Errorf("[CopyTrader] Error saving copy trade %s: %v", order.ID, err)
	}
}

func (ct *CopyTrader) markAll(ctx context.Context, order LogicalOrder, mark models.ProcessedMark) {
	for _, t := range order.Trades {
		if err := ct.ledger.MarkProcessed(ctx, t.ID, mark); err != nil {
			logs.Errorf("[CopyTrader] Error marking trade %s: %v", t.ID, err)
		}
	}
}

// statusFor maps a terminal outcome to the ledger status. Fills always
// stand, so an order that filled anything before stopping is executed
// unless retries or funds ran out.
func statusFor(out ExecutionOutcome) models.ProcessedStatus {
	switch out.Terminal {
	case TerminalCompleted:
		return models.StatusExecuted
	case TerminalPartialExhausted, TerminalAbortedFunds:
		return models.StatusExhausted
	}
	if out.FilledTokens > 0 {
		return models.StatusExecuted
	}
	if out.Terminal.Skipped() {
		return models.StatusSkipped
	}
	return models.StatusFailed
}

func (ct *CopyTrader) recordOutcome(out ExecutionOutcome, latency time.Duration) {
	ct.updateMetrics(func(m *CopyTraderMetrics) {
		m.ByTerminal[string(out.Terminal)]++
		m.FilledUsd += out.FilledUsd
		m.LastOrderAt = time.Now()
		switch statusFor(out) {
		case models.StatusExecuted:
			m.OrdersExecuted++
		case models.StatusSkipped:
			m.OrdersSkipped++
		default:
			m.OrdersFailed++
		}

		m.latencyCount++
		m.AvgCopyLatency += (latency - m.AvgCopyLatency) / time.Duration(m.latencyCount)
		if m.FastestCopy == 0 || latency < m.FastestCopy {
			m.FastestCopy = latency
		}
		if latency > m.SlowestCopy {
			m.SlowestCopy = latency
		}
	})
}

func (ct *CopyTrader) updateMetrics(fn func(m *CopyTraderMetrics)) {
	ct.metricsMu.Lock()
	defer ct.metricsMu.Unlock()
	fn(&ct.metrics)
}

// GetMetrics returns a snapshot of the copy trader metrics
func (ct *CopyTrader) GetMetrics() CopyTraderMetrics {
	ct.metricsMu.RLock()
	defer ct.metricsMu.RUnlock()
	m := ct.metrics
	m.ByTerminal = make(map[string]int64, len(ct.metrics.ByTerminal))
	for k, v := range ct.metrics.ByTerminal {
		m.ByTerminal[k] = v
	}
	return m
}

// AggregationGroups returns the live aggregation groups
func (ct *CopyTrader) AggregationGroups() []AggregationGroup {
	return ct.buffer.Groups()
}

// GetStats returns copy trading statistics from the ledger
func (ct *CopyTrader) GetStats(ctx context.Context) (*storage.CopyTradeStats, error) {
	return ct.ledger.GetCopyTradeStats(ctx)
}
