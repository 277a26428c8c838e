package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes an exchange side string
func ParseSide(s string) Side {
	if strings.EqualFold(strings.TrimSpace(s), "SELL") {
		return SideSell
	}
	return SideBuy
}

// TradeType is the activity type reported by the Data API
type TradeType string

const (
	TradeTypeTrade  TradeType = "TRADE"
	TradeTypeMerge  TradeType = "MERGE"
	TradeTypeRedeem TradeType = "REDEEM"
	TradeTypeSplit  TradeType = "SPLIT"
)

// SourceTrade is one observed action by a copied account. Immutable once
// observed; processing state lives in the ledger.
type SourceTrade struct {
	ID              string    `json:"id"`
	SourceAccount   string    `json:"source_account"`
	ConditionID     string    `json:"condition_id"`
	AssetID         string    `json:"asset_id"`
	Type            TradeType `json:"type"`
	Side            Side      `json:"side"`
	UsdSize         float64   `json:"usd_size"`
	Price           float64   `json:"price"`
	TokenSize       float64   `json:"token_size"`
	Outcome         string    `json:"outcome"`
	Title           string    `json:"title"`
	TransactionHash string    `json:"transaction_hash"`
	Timestamp       time.Time `json:"timestamp"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Position is an account's holding in one outcome token as reported by the
// Data API.
type Position struct {
	ConditionID  string  `json:"conditionId"`
	AssetID      string  `json:"asset"`
	Outcome      string  `json:"outcome"`
	Title        string  `json:"title"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	InitialValue float64 `json:"initialValue"`
	CurrentValue float64 `json:"currentValue"`
	CurPrice     float64 `json:"curPrice"`
	Redeemable   bool    `json:"redeemable"`
}

// CostBasis returns the USD committed to the position
func (p Position) CostBasis() float64 {
	return p.Size * p.AvgPrice
}

// FindPosition returns the position for assetID, if any
func FindPosition(positions []Position, assetID string) (Position, bool) {
	for _, p := range positions {
		if p.AssetID == assetID {
			return p, true
		}
	}
	return Position{}, false
}

// TrackedPurchase is a quantity of tokens the bot believes it acquired by
// copying a buy of Account.
type TrackedPurchase struct {
	ConditionID    string          `json:"condition_id"`
	AssetID        string          `json:"asset_id"`
	Account        string          `json:"account"`
	TokensAcquired decimal.Decimal `json:"tokens_acquired"`
	SourceTradeID  string          `json:"source_trade_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ProcessedStatus records how the ledger closed out a source trade
type ProcessedStatus string

const (
	StatusExecuted   ProcessedStatus = "executed"
	StatusSkipped    ProcessedStatus = "skipped"
	StatusFailed     ProcessedStatus = "failed"
	StatusExhausted  ProcessedStatus = "exhausted"
	StatusHistorical ProcessedStatus = "historical"
)

// ProcessedMark is the payload written when a trade is closed out
type ProcessedMark struct {
	Status         ProcessedStatus
	ExecutedTokens float64
	Attempts       int
	Reason         string
}

// CopyTradeRecord is the log row written for each logical order
type CopyTradeRecord struct {
	OrderID        string    `json:"order_id"`
	SourceTradeIDs []string  `json:"source_trade_ids"`
	SourceAccount  string    `json:"source_account"`
	ConditionID    string    `json:"condition_id"`
	AssetID        string    `json:"asset_id"`
	Action         string    `json:"action"`
	Aggregated     bool      `json:"aggregated"`
	IntendedAmount float64   `json:"intended_amount"`
	FilledUsd      float64   `json:"filled_usd"`
	FilledTokens   float64   `json:"filled_tokens"`
	Attempts       int       `json:"attempts"`
	Terminal       string    `json:"terminal"`
	Reasoning      string    `json:"reasoning"`
	CreatedAt      time.Time `json:"created_at"`
}
