package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

// Ledger is the durable record of source trades, their processing state,
// tracked purchases and the copy-trade log. Marking is idempotent: closing
// out a trade that is already closed is a no-op.
type Ledger interface {
	Close() error

	// Source trades
	SaveSourceTrades(ctx context.Context, trades []models.SourceTrade, markHistorical bool) (int, error)
	FetchUnprocessedTrades(ctx context.Context, account string, limit int) ([]models.SourceTrade, error)
	CountSourceTrades(ctx context.Context, account string) (int, error)

	// Processing state
	MarkProcessed(ctx context.Context, tradeID string, mark models.ProcessedMark) error
	MarkSkipped(ctx context.Context, tradeID string, reason string) error
	GetProcessedMark(ctx context.Context, tradeID string) (*models.ProcessedMark, error)

	// Tracked purchases
	QueryPreviousBuys(ctx context.Context, conditionID, assetID, account string) ([]models.TrackedPurchase, error)
	RecordPurchase(ctx context.Context, purchase models.TrackedPurchase) error
	ScalePurchases(ctx context.Context, conditionID, assetID, account string, factor decimal.Decimal) error
	ClearPurchases(ctx context.Context, conditionID, assetID, account string) error

	// Copy-trade log
	SaveCopyTrade(ctx context.Context, record models.CopyTradeRecord) error
	GetCopyTradeStats(ctx context.Context) (*CopyTradeStats, error)
}

// CopyTradeStats summarizes the copy-trade log
type CopyTradeStats struct {
	TotalOrders    int                      `json:"total_orders"`
	ByTerminal     map[string]int           `json:"by_terminal"`
	FilledUsd      float64                  `json:"filled_usd"`
	FilledTokens   float64                  `json:"filled_tokens"`
	ProcessedCount map[string]int           `json:"processed_by_status"`
	Recent         []models.CopyTradeRecord `json:"recent"`
}

// Ensure all implementations satisfy the interface
var _ Ledger = (*Store)(nil)
var _ Ledger = (*PostgresStore)(nil)
var _ Ledger = (*MockStore)(nil)

const recentCopyTrades = 10

// trackedPrecision is the number of decimals tracked purchases keep
// (outcome token base units).
const trackedPrecision = 6
