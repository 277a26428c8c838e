package syncer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/metrics"
	"polymarket-copytrader/models"
)

// ExecutionEngine resolves logical orders into fill-or-kill orders against
// the live book. It processes one order at a time and is not safe for
// concurrent use.
type ExecutionEngine struct {
	exchange api.Exchange
	tracker  *PositionTracker
	sizing   config.SizingConfig
	exec     config.ExecutionConfig
	account  string
}

// NewExecutionEngine creates an engine trading for account
func NewExecutionEngine(exchange api.Exchange, tracker *PositionTracker, sizing config.SizingConfig, exec config.ExecutionConfig, account string) *ExecutionEngine {
	if exec.RetryLimit < 1 {
		exec.RetryLimit = 1
	}
	return &ExecutionEngine{
		exchange: exchange,
		tracker:  tracker,
		sizing:   sizing,
		exec:     exec,
		account:  account,
	}
}

// Execute runs one logical order to a terminal state. The returned error is
// reserved for failures before anything was submitted (balance or position
// lookups, an unsized strategy); every exchange outcome is reported through
// the ExecutionOutcome.
func (e *ExecutionEngine) Execute(ctx context.Context, order LogicalOrder) (ExecutionOutcome, error) {
	out := ExecutionOutcome{OrderID: order.ID, Action: order.Action}

	var err error
	switch order.Action {
	case ActionBuy:
		err = e.executeBuy(ctx, order, &out)
	case ActionSell, ActionMerge:
		err = e.executeSell(ctx, order, &out)
	default:
		err = fmt.Errorf("unsupported action %q", order.Action)
	}
	if err != nil {
		return out, err
	}

	e.observe(order, out)
	return out, nil
}

func (e *ExecutionEngine) executeBuy(ctx context.Context, order LogicalOrder, out *ExecutionOutcome) error {
	positions, err := e.exchange.GetAccountPositions(ctx, e.account)
	if err != nil {
		return fmt.Errorf("get my positions: %w", err)
	}
	balance, err := e.exchange.GetAccountBalance(ctx, e.account)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}

	exposure := 0.0
	if pos, ok := models.FindPosition(positions, order.AssetID); ok {
		exposure = pos.CostBasis()
	}

	sizing, err := ComputeSize(e.sizing, order.SourceUsdSize, balance, exposure)
	if err != nil {
		return err
	}
	out.Sizing = &sizing
	out.IntendedAmount = sizing.FinalAmount
	out.note(fmt.Sprintf("balance $%.2f, exposure $%.2f", balance, exposure))
	out.note(sizing.Reasoning)

	if sizing.FinalAmount == 0 {
		out.Terminal = TerminalBelowMinimum
		metrics.SizingRejections.WithLabelValues(rejectionReason(sizing)).Inc()
		return nil
	}

	e.walk(ctx, order, out, sizing.FinalAmount, e.exec.MinOrderUsd)

	if out.FilledTokens > 0 {
		tokens := decimal.NewFromFloat(out.FilledTokens)
		if err := e.tracker.RecordBuy(ctx, order.ConditionID, order.AssetID, order.SourceAccount, tokens, order.ID); err != nil {
			logs.Errorf("[Executor] %s: record purchase: %v", order.ID, err)
			out.note(fmt.Sprintf("tracking purchase failed: %v", err))
		}
	}
	return nil
}

func (e *ExecutionEngine) executeSell(ctx context.Context, order LogicalOrder, out *ExecutionOutcome) error {
	positions, err := e.exchange.GetAccountPositions(ctx, e.account)
	if err != nil {
		return fmt.Errorf("get my positions: %w", err)
	}
	mine, ok := models.FindPosition(positions, order.AssetID)
	if !ok || mine.Size <= 0 {
		out.Terminal = TerminalNoPosition
		out.note("no position to " + string(order.Action))
		return nil
	}

	tracked, err := e.tracker.TrackedTokens(ctx, order.ConditionID, order.AssetID, order.SourceAccount)
	if err != nil {
		return err
	}
	trackedTokens := tracked.InexactFloat64()

	var target float64
	fullExit := order.Action == ActionMerge
	if fullExit {
		target = mine.Size
		out.note(fmt.Sprintf("merge: closing full position of %.2f tokens", mine.Size))
	} else {
		sourcePositions, err := e.exchange.GetAccountPositions(ctx, order.SourceAccount)
		if err != nil {
			return fmt.Errorf("get trader positions: %w", err)
		}
		source, hasSource := models.FindPosition(sourcePositions, order.AssetID)
		plan := SellTarget(SellInput{
			HeldTokens:            mine.Size,
			TrackedTokens:         trackedTokens,
			SourceSoldTokens:      order.SourceTokenSize,
			SourceRemainingTokens: source.Size,
			SourceHasPosition:     hasSource,
			Multiplier:            ResolveMultiplier(e.sizing, order.SourceUsdSize),
		})
		target = plan.Tokens
		fullExit = plan.FullExit
		out.note(plan.Reasoning)
	}
	out.IntendedAmount = target

	if target < e.exec.MinOrderTokens {
		out.Terminal = TerminalBelowMinimum
		out.note(fmt.Sprintf("sell size %.4f below minimum %.2f tokens", target, e.exec.MinOrderTokens))
		metrics.SizingRejections.WithLabelValues("sell_below_minimum").Inc()
		return nil
	}

	e.walk(ctx, order, out, target, e.exec.MinOrderTokens)

	if out.FilledTokens > 0 && tracked.IsPositive() {
		// a completed full exit leaves nothing tracked, even when the held
		// position was smaller than the tracked purchases
		sold := SoldFraction(decimal.NewFromFloat(out.FilledTokens), tracked)
		if fullExit && out.Terminal == TerminalCompleted {
			sold = decimal.NewFromInt(1)
		}
		if err := e.tracker.ApplySell(ctx, order.ConditionID, order.AssetID, order.SourceAccount, sold); err != nil {
			logs.Errorf("[Executor] %s: update tracked purchases: %v", order.ID, err)
			out.note(fmt.Sprintf("updating tracked purchases failed: %v", err))
		} else {
			out.note(fmt.Sprintf("tracked purchases reduced by %s%%", sold.Mul(decimal.NewFromInt(100)).StringFixed(2)))
		}
	}
	return nil
}

// walk crosses the top of the book until less than minRemaining is left.
// target is USD for buys and tokens for sells.
func (e *ExecutionEngine) walk(ctx context.Context, order LogicalOrder, out *ExecutionOutcome, target, minRemaining float64) {
	isBuy := order.Action == ActionBuy
	side := order.Action.Side()
	remaining := target
	failures := 0

	fail := func(msg string) bool {
		failures++
		out.note(fmt.Sprintf("%s (%d/%d)", msg, failures, e.exec.RetryLimit))
		if failures >= e.exec.RetryLimit {
			out.Terminal = TerminalPartialExhausted
			return true
		}
		return false
	}

	for remaining >= minRemaining {
		book, err := e.exchange.GetOrderBook(ctx, order.AssetID)
		if err != nil {
			if fail(fmt.Sprintf("order book unavailable: %v", err)) {
				return
			}
			continue
		}

		level, ok := book.BestBid()
		bookSide := "bids"
		if isBuy {
			level, ok = book.BestAsk()
			bookSide = "asks"
		}
		if !ok {
			out.Terminal = TerminalNoLiquidity
			out.note("no " + bookSide + " in order book")
			return
		}

		var amount float64
		if isBuy {
			if level.Price-e.exec.SlippageGuard > order.SourcePrice {
				out.Terminal = TerminalSlippage
				out.note(fmt.Sprintf("best ask %.4f too far above trader price %.4f", level.Price, order.SourcePrice))
				return
			}
			amount = math.Min(remaining, level.Size*level.Price)
		} else {
			amount = math.Min(remaining, level.Size)
		}
		amount = floorCents(amount)
		if amount <= 0 {
			if fail(fmt.Sprintf("top of book too thin at %.4f", level.Price)) {
				return
			}
			continue
		}

		out.AttemptsUsed++
		_, err = e.exchange.SubmitFillOrKill(ctx, side, order.AssetID, amount, level.Price)
		if err != nil {
			if api.IsFundsError(err) {
				out.Terminal = TerminalAbortedFunds
				out.note(fmt.Sprintf("insufficient balance or allowance: %v", err))
				return
			}
			if fail(fmt.Sprintf("%s %.2f at %.4f rejected: %v", side, amount, level.Price, err)) {
				return
			}
			continue
		}

		if isBuy {
			out.FilledUsd += amount
			out.FilledTokens += amount / level.Price
			out.note(fmt.Sprintf("bought $%.2f at %.4f", amount, level.Price))
		} else {
			out.FilledTokens += amount
			out.FilledUsd += amount * level.Price
			out.note(fmt.Sprintf("sold %.2f tokens at %.4f", amount, level.Price))
		}
		remaining -= amount
		failures = 0
	}

	out.Terminal = TerminalCompleted
}

func (e *ExecutionEngine) observe(order LogicalOrder, out ExecutionOutcome) {
	metrics.OrdersTotal.WithLabelValues(string(order.Action), string(out.Terminal)).Inc()
	metrics.FilledUsd.WithLabelValues(string(order.Action)).Add(out.FilledUsd)
	metrics.ExecutionAttempts.Observe(float64(out.AttemptsUsed))
	if !order.SourceTime.IsZero() {
		metrics.CopyLatency.Observe(time.Since(order.SourceTime).Seconds())
	}

	logs.Infof("[Executor] %s %s %s: %s filled $%.2f / %.2f tokens in %d attempts | %s",
		order.Action, order.AssetID, order.ID, out.Terminal, out.FilledUsd, out.FilledTokens, out.AttemptsUsed, out.Summary())
}

func rejectionReason(r SizingResult) string {
	switch {
	case r.PositionLimitReached:
		return "position_limit"
	case r.ReducedByBalance:
		return "balance"
	default:
		return "below_minimum"
	}
}

func floorCents(v float64) float64 {
	return math.Floor(v*100+1e-9) / 100
}
