package syncer

import (
	"strings"
	"time"

	"polymarket-copytrader/models"
)

// OrderAction is what the engine does for a logical order
type OrderAction string

const (
	ActionBuy   OrderAction = "BUY"
	ActionSell  OrderAction = "SELL"
	ActionMerge OrderAction = "MERGE"
)

// Side returns the exchange side the action trades on
func (a OrderAction) Side() models.Side {
	if a == ActionBuy {
		return models.SideBuy
	}
	return models.SideSell
}

// Terminal is the final state of a logical order
type Terminal string

const (
	TerminalCompleted        Terminal = "COMPLETED"
	TerminalPartialExhausted Terminal = "PARTIAL_EXHAUSTED_RETRIES"
	TerminalAbortedFunds     Terminal = "ABORTED_FUNDS"
	TerminalNoLiquidity      Terminal = "ABORTED_NO_LIQUIDITY"
	TerminalBelowMinimum     Terminal = "SKIPPED_BELOW_MINIMUM"
	TerminalSlippage         Terminal = "SKIPPED_SLIPPAGE"
	TerminalNoPosition       Terminal = "SKIPPED_NO_POSITION"
)

// Skipped reports whether the order ended before anything was submitted
// by policy.
func (t Terminal) Skipped() bool {
	return strings.HasPrefix(string(t), "SKIPPED_")
}

// LogicalOrder is a single source trade or an aggregated group, sized and
// executed as one unit.
type LogicalOrder struct {
	ID              string
	Action          OrderAction
	SourceAccount   string
	ConditionID     string
	AssetID         string
	Title           string
	Outcome         string
	SourceUsdSize   float64
	SourcePrice     float64
	SourceTokenSize float64
	SourceTime      time.Time
	Trades          []models.SourceTrade
	Aggregated      bool
}

// TradeIDs returns the member trade ids
func (o LogicalOrder) TradeIDs() []string {
	ids := make([]string, len(o.Trades))
	for i, t := range o.Trades {
		ids[i] = t.ID
	}
	return ids
}

// NewSingleOrder wraps one source trade. MERGE trades become merge orders;
// everything else follows the trade side.
func NewSingleOrder(t models.SourceTrade) LogicalOrder {
	action := ActionBuy
	switch {
	case t.Type == models.TradeTypeMerge:
		action = ActionMerge
	case t.Side == models.SideSell:
		action = ActionSell
	}
	return LogicalOrder{
		ID:              t.ID,
		Action:          action,
		SourceAccount:   strings.ToLower(t.SourceAccount),
		ConditionID:     t.ConditionID,
		AssetID:         t.AssetID,
		Title:           t.Title,
		Outcome:         t.Outcome,
		SourceUsdSize:   t.UsdSize,
		SourcePrice:     t.Price,
		SourceTokenSize: t.TokenSize,
		SourceTime:      t.Timestamp,
		Trades:          []models.SourceTrade{t},
	}
}

// NewOrderFromAggregate builds a logical order from a released group. The
// price is the group's volume weighted average.
func NewOrderFromAggregate(a AggregatedOrder) LogicalOrder {
	order := LogicalOrder{
		ID:            a.ID,
		Action:        OrderAction(a.Key.Side),
		SourceAccount: a.Key.SourceAccount,
		ConditionID:   a.Key.ConditionID,
		AssetID:       a.Key.AssetID,
		SourceUsdSize: a.TotalUsdSize,
		SourcePrice:   a.AvgPrice,
		SourceTime:    a.WindowStartedAt,
		Trades:        a.Trades,
		Aggregated:    true,
	}
	for _, t := range a.Trades {
		order.SourceTokenSize += t.TokenSize
	}
	if len(a.Trades) > 0 {
		order.Title = a.Trades[0].Title
		order.Outcome = a.Trades[0].Outcome
	}
	return order
}

// ExecutionOutcome is the result of executing one logical order.
type ExecutionOutcome struct {
	OrderID        string        `json:"order_id"`
	Action         OrderAction   `json:"action"`
	Terminal       Terminal      `json:"terminal"`
	IntendedAmount float64       `json:"intended_amount"`
	FilledUsd      float64       `json:"filled_usd"`
	FilledTokens   float64       `json:"filled_tokens"`
	AttemptsUsed   int           `json:"attempts_used"`
	Sizing         *SizingResult `json:"sizing,omitempty"`
	Reasoning      []string      `json:"reasoning"`
}

func (o *ExecutionOutcome) note(msg string) {
	o.Reasoning = append(o.Reasoning, msg)
}

// Summary joins the reasoning trail into one line
func (o ExecutionOutcome) Summary() string {
	return strings.Join(o.Reasoning, "; ")
}
