package syncer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

// clearThreshold is the sold fraction at which tracked purchases are zeroed
// instead of scaled.
var clearThreshold = decimal.RequireFromString("0.99")

// PurchaseLedger persists tracked purchases.
type PurchaseLedger interface {
	QueryPreviousBuys(ctx context.Context, conditionID, assetID, account string) ([]models.TrackedPurchase, error)
	RecordPurchase(ctx context.Context, purchase models.TrackedPurchase) error
	ScalePurchases(ctx context.Context, conditionID, assetID, account string, factor decimal.Decimal) error
	ClearPurchases(ctx context.Context, conditionID, assetID, account string) error
}

// PositionTracker keeps the tokens acquired by copied buys per
// (market, asset, source account), so partial sells can be sized against
// what the bot itself bought.
type PositionTracker struct {
	ledger PurchaseLedger
}

// NewPositionTracker creates a tracker backed by ledger
func NewPositionTracker(ledger PurchaseLedger) *PositionTracker {
	return &PositionTracker{ledger: ledger}
}

// RecordBuy stores tokens acquired while copying a buy of account
func (p *PositionTracker) RecordBuy(ctx context.Context, conditionID, assetID, account string, tokens decimal.Decimal, sourceTradeID string) error {
	if !tokens.IsPositive() {
		return nil
	}
	return p.ledger.RecordPurchase(ctx, models.TrackedPurchase{
		ConditionID:    conditionID,
		AssetID:        assetID,
		Account:        account,
		TokensAcquired: tokens,
		SourceTradeID:  sourceTradeID,
	})
}

// TrackedTokens returns the tokens previously bought for a key
func (p *PositionTracker) TrackedTokens(ctx context.Context, conditionID, assetID, account string) (decimal.Decimal, error) {
	purchases, err := p.ledger.QueryPreviousBuys(ctx, conditionID, assetID, account)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query previous buys: %w", err)
	}
	total := decimal.Zero
	for _, purchase := range purchases {
		total = total.Add(purchase.TokensAcquired)
	}
	return total, nil
}

// ApplySell decays tracked purchases after selling soldFraction of them.
// At 99% or more the records are zeroed.
func (p *PositionTracker) ApplySell(ctx context.Context, conditionID, assetID, account string, soldFraction decimal.Decimal) error {
	if !soldFraction.IsPositive() {
		return nil
	}
	if soldFraction.GreaterThanOrEqual(clearThreshold) {
		return p.ledger.ClearPurchases(ctx, conditionID, assetID, account)
	}
	return p.ledger.ScalePurchases(ctx, conditionID, assetID, account, decimal.NewFromInt(1).Sub(soldFraction))
}

// SoldFraction is sold/tracked, or zero when nothing is tracked
func SoldFraction(sold, tracked decimal.Decimal) decimal.Decimal {
	if !tracked.IsPositive() {
		return decimal.Zero
	}
	return sold.DivRound(tracked, 8)
}
