package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

// MockStore is an in-memory Ledger for testing
type MockStore struct {
	mu sync.RWMutex

	// Storage maps
	Trades     map[string]models.SourceTrade
	Marks      map[string]models.ProcessedMark
	Purchases  []models.TrackedPurchase
	CopyTrades []models.CopyTradeRecord

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Trades:      make(map[string]models.SourceTrade),
		Marks:       make(map[string]models.ProcessedMark),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how often name was called
func (m *MockStore) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

func (m *MockStore) Close() error {
	return m.trackCall("Close")
}

func (m *MockStore) SaveSourceTrades(ctx context.Context, trades []models.SourceTrade, markHistorical bool) (int, error) {
	if err := m.trackCall("SaveSourceTrades"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, t := range trades {
		if _, ok := m.Trades[t.ID]; ok {
			continue
		}
		t.SourceAccount = strings.ToLower(t.SourceAccount)
		m.Trades[t.ID] = t
		inserted++
		if markHistorical {
			if _, ok := m.Marks[t.ID]; !ok {
				m.Marks[t.ID] = models.ProcessedMark{Status: models.StatusHistorical, Reason: "present before start"}
			}
		}
	}
	return inserted, nil
}

func (m *MockStore) FetchUnprocessedTrades(ctx context.Context, account string, limit int) ([]models.SourceTrade, error) {
	if err := m.trackCall("FetchUnprocessedTrades"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	account = strings.ToLower(account)
	var result []models.SourceTrade
	for id, t := range m.Trades {
		if _, done := m.Marks[id]; done {
			continue
		}
		if account != "" && t.SourceAccount != account {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockStore) CountSourceTrades(ctx context.Context, account string) (int, error) {
	if err := m.trackCall("CountSourceTrades"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	account = strings.ToLower(account)
	n := 0
	for _, t := range m.Trades {
		if t.SourceAccount == account {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) MarkProcessed(ctx context.Context, tradeID string, mark models.ProcessedMark) error {
	if err := m.trackCall("MarkProcessed"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Marks[tradeID]; !ok {
		m.Marks[tradeID] = mark
	}
	return nil
}

func (m *MockStore) MarkSkipped(ctx context.Context, tradeID string, reason string) error {
	if err := m.trackCall("MarkSkipped"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Marks[tradeID]; !ok {
		m.Marks[tradeID] = models.ProcessedMark{Status: models.StatusSkipped, Reason: reason}
	}
	return nil
}

func (m *MockStore) GetProcessedMark(ctx context.Context, tradeID string) (*models.ProcessedMark, error) {
	if err := m.trackCall("GetProcessedMark"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mark, ok := m.Marks[tradeID]; ok {
		return &mark, nil
	}
	return nil, nil
}

func (m *MockStore) QueryPreviousBuys(ctx context.Context, conditionID, assetID, account string) ([]models.TrackedPurchase, error) {
	if err := m.trackCall("QueryPreviousBuys"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.TrackedPurchase
	for _, p := range m.Purchases {
		if matchesKey(p, conditionID, assetID, account) && p.TokensAcquired.IsPositive() {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *MockStore) RecordPurchase(ctx context.Context, p models.TrackedPurchase) error {
	if err := m.trackCall("RecordPurchase"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Account = strings.ToLower(p.Account)
	p.TokensAcquired = p.TokensAcquired.Round(trackedPrecision)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.Purchases = append(m.Purchases, p)
	return nil
}

func (m *MockStore) ScalePurchases(ctx context.Context, conditionID, assetID, account string, factor decimal.Decimal) error {
	if err := m.trackCall("ScalePurchases"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.Purchases {
		if matchesKey(p, conditionID, assetID, account) {
			m.Purchases[i].TokensAcquired = p.TokensAcquired.Mul(factor).Round(trackedPrecision)
		}
	}
	return nil
}

func (m *MockStore) ClearPurchases(ctx context.Context, conditionID, assetID, account string) error {
	if err := m.trackCall("ClearPurchases"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.Purchases {
		if matchesKey(p, conditionID, assetID, account) {
			m.Purchases[i].TokensAcquired = decimal.Zero
		}
	}
	return nil
}

func (m *MockStore) SaveCopyTrade(ctx context.Context, record models.CopyTradeRecord) error {
	if err := m.trackCall("SaveCopyTrade"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CopyTrades = append(m.CopyTrades, record)
	return nil
}

func (m *MockStore) GetCopyTradeStats(ctx context.Context) (*CopyTradeStats, error) {
	if err := m.trackCall("GetCopyTradeStats"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &CopyTradeStats{
		ByTerminal:     make(map[string]int),
		ProcessedCount: make(map[string]int),
	}
	for _, r := range m.CopyTrades {
		stats.TotalOrders++
		stats.ByTerminal[r.Terminal]++
		stats.FilledUsd += r.FilledUsd
		stats.FilledTokens += r.FilledTokens
	}
	for _, mark := range m.Marks {
		stats.ProcessedCount[string(mark.Status)]++
	}
	for i := len(m.CopyTrades) - 1; i >= 0 && len(stats.Recent) < recentCopyTrades; i-- {
		stats.Recent = append(stats.Recent, m.CopyTrades[i])
	}
	return stats, nil
}

// Mark returns the processed mark for tradeID without tracking a call
func (m *MockStore) Mark(tradeID string) (models.ProcessedMark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mark, ok := m.Marks[tradeID]
	return mark, ok
}

func matchesKey(p models.TrackedPurchase, conditionID, assetID, account string) bool {
	return p.ConditionID == conditionID && p.AssetID == assetID && p.Account == strings.ToLower(account)
}
