package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

const (
	myWallet     = "0xme"
	traderWallet = "0xaaa"
)

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		RetryLimit:     3,
		SlippageGuard:  0.05,
		MinOrderUsd:    1,
		MinOrderTokens: 1,
	}
}

func newTestEngine(ex *api.MockExchange, store *storage.MockStore) *ExecutionEngine {
	return NewExecutionEngine(ex, NewPositionTracker(store), percentageConfig(), testExecConfig(), myWallet)
}

func asks(price, size string) *api.OrderBook {
	return &api.OrderBook{Asks: []api.OrderBookLevel{{Price: price, Size: size}}}
}

func bids(price, size string) *api.OrderBook {
	return &api.OrderBook{Bids: []api.OrderBookLevel{{Price: price, Size: size}}}
}

func buyOrder(usd, price float64) LogicalOrder {
	return NewSingleOrder(models.SourceTrade{
		ID:            "buy-1",
		SourceAccount: traderWallet,
		ConditionID:   "0xcond",
		AssetID:       "777",
		Type:          models.TradeTypeTrade,
		Side:          models.SideBuy,
		UsdSize:       usd,
		Price:         price,
		TokenSize:     usd / price,
		Timestamp:     time.Now(),
	})
}

func sellOrder(tokens, price float64) LogicalOrder {
	return NewSingleOrder(models.SourceTrade{
		ID:            "sell-1",
		SourceAccount: traderWallet,
		ConditionID:   "0xcond",
		AssetID:       "777",
		Type:          models.TradeTypeTrade,
		Side:          models.SideSell,
		UsdSize:       tokens * price,
		Price:         price,
		TokenSize:     tokens,
		Timestamp:     time.Now(),
	})
}

var errKilled = errors.New("order couldn't be fully filled")

func TestExecuteBuyScenarios(t *testing.T) {
	tests := []struct {
		name         string
		books        []*api.OrderBook
		results      []error
		sourceUsd    float64
		wantTerminal Terminal
		wantFilled   float64
		wantAttempts int
	}{
		{
			name:         "single fill completes",
			books:        []*api.OrderBook{asks("0.52", "1000")},
			sourceUsd:    200,
			wantTerminal: TerminalCompleted,
			wantFilled:   20,
			wantAttempts: 1,
		},
		{
			name:         "walks top of book across refreshes",
			books:        []*api.OrderBook{asks("0.50", "20"), asks("0.51", "100")},
			sourceUsd:    200,
			wantTerminal: TerminalCompleted,
			wantFilled:   20,
			wantAttempts: 2,
		},
		{
			name:         "slippage guard",
			books:        []*api.OrderBook{asks("0.56", "1000")},
			sourceUsd:    200,
			wantTerminal: TerminalSlippage,
		},
		{
			name:         "ask within guard",
			books:        []*api.OrderBook{asks("0.54", "1000")},
			sourceUsd:    200,
			wantTerminal: TerminalCompleted,
			wantFilled:   20,
			wantAttempts: 1,
		},
		{
			name:         "empty book",
			books:        []*api.OrderBook{{}},
			sourceUsd:    200,
			wantTerminal: TerminalNoLiquidity,
		},
		{
			name:         "funds error aborts immediately",
			books:        []*api.OrderBook{asks("0.50", "1000")},
			results:      []error{api.ClassifyRejection("not enough balance / allowance")},
			sourceUsd:    200,
			wantTerminal: TerminalAbortedFunds,
			wantAttempts: 1,
		},
		{
			name:         "retries exhausted",
			books:        []*api.OrderBook{asks("0.50", "1000")},
			results:      []error{errKilled, errKilled, errKilled},
			sourceUsd:    200,
			wantTerminal: TerminalPartialExhausted,
			wantAttempts: 3,
		},
		{
			name:         "failure counter resets on fill",
			books:        []*api.OrderBook{asks("0.50", "20")},
			results:      []error{errKilled, errKilled, nil, errKilled, errKilled, nil},
			sourceUsd:    200,
			wantTerminal: TerminalCompleted,
			wantFilled:   20,
			wantAttempts: 6,
		},
		{
			name:         "partial fill then exhaustion keeps fill",
			books:        []*api.OrderBook{asks("0.50", "20")},
			results:      []error{nil, errKilled, errKilled, errKilled},
			sourceUsd:    200,
			wantTerminal: TerminalPartialExhausted,
			wantFilled:   10,
			wantAttempts: 4,
		},
		{
			name:         "below minimum never touches the book",
			books:        []*api.OrderBook{asks("0.50", "1000")},
			sourceUsd:    5,
			wantTerminal: TerminalBelowMinimum,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := api.NewMockExchange()
			ex.Balance = 1000
			ex.SetBooks("777", tt.books...)
			ex.SubmitResults = tt.results
			store := storage.NewMockStore()

			out, err := newTestEngine(ex, store).Execute(context.Background(), buyOrder(tt.sourceUsd, 0.5))
			require.NoError(t, err)

			assert.Equal(t, tt.wantTerminal, out.Terminal, out.Summary())
			assert.InDelta(t, tt.wantFilled, out.FilledUsd, 1e-9)
			assert.Equal(t, tt.wantAttempts, out.AttemptsUsed)
			assert.Equal(t, tt.wantAttempts, ex.SubmitCount())
			assert.NotEmpty(t, out.Reasoning)

			if tt.wantFilled > 0 {
				assert.Equal(t, 1, store.CallCount("RecordPurchase"))
			} else {
				assert.Zero(t, store.CallCount("RecordPurchase"))
			}
			if tt.wantTerminal == TerminalBelowMinimum {
				assert.Zero(t, ex.Calls["GetOrderBook"])
			}
		})
	}
}

func TestExecuteBuyAttemptSizing(t *testing.T) {
	ex := api.NewMockExchange()
	ex.Balance = 1000
	ex.SetBooks("777", asks("0.50", "8"), asks("0.50", "1000"))
	store := storage.NewMockStore()

	out, err := newTestEngine(ex, store).Execute(context.Background(), buyOrder(200, 0.5))
	require.NoError(t, err)
	require.Equal(t, TerminalCompleted, out.Terminal)

	require.Len(t, ex.SubmitCalls, 2)
	assert.Equal(t, 4.0, ex.SubmitCalls[0].Amount, "first attempt limited to top level value")
	assert.Equal(t, 16.0, ex.SubmitCalls[1].Amount)
	assert.Equal(t, models.SideBuy, ex.SubmitCalls[0].Side)
	assert.InDelta(t, 40.0, out.FilledTokens, 1e-9)

	tracked, err := NewPositionTracker(store).TrackedTokens(context.Background(), "0xcond", "777", traderWallet)
	require.NoError(t, err)
	assert.True(t, tracked.Equal(dec("40")), "got %s", tracked)
}

func TestExecuteBuyUsesExposureAndBalance(t *testing.T) {
	ex := api.NewMockExchange()
	ex.Balance = 8
	ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 10, AvgPrice: 0.5})
	ex.SetBooks("777", asks("0.50", "1000"))

	out, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), buyOrder(200, 0.5))
	require.NoError(t, err)
	require.NotNil(t, out.Sizing)
	assert.True(t, out.Sizing.ReducedByBalance)
	assert.InDelta(t, 7.92, out.IntendedAmount, 1e-9)
	assert.Contains(t, out.Summary(), "exposure $5.00")
}

func TestExecuteBookErrorCountsAsFailure(t *testing.T) {
	ex := api.NewMockExchange()
	ex.Balance = 1000
	ex.SetBooks("777", asks("0.50", "1000"))
	ex.ErrorOnNext["GetOrderBook"] = errors.New("timeout")

	out, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), buyOrder(200, 0.5))
	require.NoError(t, err)
	assert.Equal(t, TerminalCompleted, out.Terminal)
	assert.Equal(t, 2, ex.Calls["GetOrderBook"])
	assert.Contains(t, out.Summary(), "order book unavailable")
}

func TestExecutePreExecutionErrors(t *testing.T) {
	for _, call := range []string{"GetAccountBalance", "GetAccountPositions"} {
		t.Run(call, func(t *testing.T) {
			ex := api.NewMockExchange()
			ex.Balance = 1000
			ex.ErrorOnNext[call] = errors.New("data api down")

			_, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), buyOrder(200, 0.5))
			assert.Error(t, err)
			assert.Zero(t, ex.SubmitCount())
		})
	}
}

func TestExecuteSellPartialUsesTrackedPurchases(t *testing.T) {
	ctx := context.Background()
	ex := api.NewMockExchange()
	ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 100})
	ex.SetPositions(traderWallet, models.Position{AssetID: "777", Size: 60})
	ex.SetBooks("777", bids("0.60", "500"))
	store := storage.NewMockStore()
	engine := newTestEngine(ex, store)
	require.NoError(t, engine.tracker.RecordBuy(ctx, "0xcond", "777", traderWallet, dec("50"), "buy-0"))

	out, err := engine.Execute(ctx, sellOrder(40, 0.6))
	require.NoError(t, err)

	assert.Equal(t, TerminalCompleted, out.Terminal, out.Summary())
	assert.InDelta(t, 20, out.FilledTokens, 1e-9)
	assert.InDelta(t, 12, out.FilledUsd, 1e-9)
	require.Len(t, ex.SubmitCalls, 1)
	assert.Equal(t, models.SideSell, ex.SubmitCalls[0].Side)
	assert.Equal(t, 0.6, ex.SubmitCalls[0].Price)

	tracked, err := engine.tracker.TrackedTokens(ctx, "0xcond", "777", traderWallet)
	require.NoError(t, err)
	assert.True(t, tracked.Equal(dec("30")), "got %s", tracked)
}

func TestExecuteSellFullExitClearsTracking(t *testing.T) {
	ctx := context.Background()
	ex := api.NewMockExchange()
	ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 100})
	ex.SetBooks("777", bids("0.60", "70"), bids("0.59", "500"))
	store := storage.NewMockStore()
	engine := newTestEngine(ex, store)
	require.NoError(t, engine.tracker.RecordBuy(ctx, "0xcond", "777", traderWallet, dec("80"), "buy-0"))

	out, err := engine.Execute(ctx, sellOrder(40, 0.6))
	require.NoError(t, err)

	assert.Equal(t, TerminalCompleted, out.Terminal)
	assert.InDelta(t, 100, out.FilledTokens, 1e-9)
	assert.Equal(t, 2, out.AttemptsUsed)
	assert.Equal(t, 1, store.CallCount("ClearPurchases"))
	assert.Contains(t, out.Summary(), "trader closed position")
}

func TestExecuteSellFullExitBelowTrackedClearsTracking(t *testing.T) {
	ctx := context.Background()
	ex := api.NewMockExchange()
	ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 50})
	ex.SetBooks("777", bids("0.60", "500"))
	store := storage.NewMockStore()
	engine := newTestEngine(ex, store)
	require.NoError(t, engine.tracker.RecordBuy(ctx, "0xcond", "777", traderWallet, dec("80"), "buy-0"))

	out, err := engine.Execute(ctx, sellOrder(40, 0.6))
	require.NoError(t, err)

	assert.Equal(t, TerminalCompleted, out.Terminal)
	assert.InDelta(t, 50, out.FilledTokens, 1e-9)
	assert.Equal(t, 1, store.CallCount("ClearPurchases"))
	assert.Zero(t, store.CallCount("ScalePurchases"))

	tracked, err := engine.tracker.TrackedTokens(ctx, "0xcond", "777", traderWallet)
	require.NoError(t, err)
	assert.True(t, tracked.IsZero(), "got %s", tracked)
}

func TestExecuteSellWithoutTrackedFallsBackToHeld(t *testing.T) {
	ex := api.NewMockExchange()
	ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 30})
	ex.SetPositions(traderWallet, models.Position{AssetID: "777", Size: 50})
	ex.SetBooks("777", bids("0.40", "500"))
	store := storage.NewMockStore()

	out, err := newTestEngine(ex, store).Execute(context.Background(), sellOrder(50, 0.4))
	require.NoError(t, err)
	assert.Equal(t, TerminalCompleted, out.Terminal)
	assert.InDelta(t, 15, out.FilledTokens, 1e-9)
	assert.Zero(t, store.CallCount("ScalePurchases"))
}

func TestExecuteSellSkips(t *testing.T) {
	t.Run("no position", func(t *testing.T) {
		ex := api.NewMockExchange()
		ex.SetBooks("777", bids("0.60", "500"))
		out, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), sellOrder(40, 0.6))
		require.NoError(t, err)
		assert.Equal(t, TerminalNoPosition, out.Terminal)
		assert.True(t, out.Terminal.Skipped())
		assert.Zero(t, ex.SubmitCount())
	})

	t.Run("below token minimum", func(t *testing.T) {
		ex := api.NewMockExchange()
		ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 2})
		ex.SetPositions(traderWallet, models.Position{AssetID: "777", Size: 99})
		ex.SetBooks("777", bids("0.60", "500"))
		out, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), sellOrder(1, 0.6))
		require.NoError(t, err)
		assert.Equal(t, TerminalBelowMinimum, out.Terminal)
		assert.Zero(t, ex.SubmitCount())
	})

	t.Run("no bids", func(t *testing.T) {
		ex := api.NewMockExchange()
		ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 20})
		ex.SetBooks("777", asks("0.60", "500"))
		out, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), sellOrder(40, 0.6))
		require.NoError(t, err)
		assert.Equal(t, TerminalNoLiquidity, out.Terminal)
	})
}

func TestExecuteSellIgnoresSlippageGuard(t *testing.T) {
	ex := api.NewMockExchange()
	ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 10})
	ex.SetBooks("777", bids("0.10", "500"))

	out, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), sellOrder(40, 0.9))
	require.NoError(t, err)
	assert.Equal(t, TerminalCompleted, out.Terminal)
	assert.InDelta(t, 10, out.FilledTokens, 1e-9)
}

func TestExecuteMergeSellsFullPosition(t *testing.T) {
	ex := api.NewMockExchange()
	ex.SetPositions(myWallet, models.Position{AssetID: "777", Size: 25})
	ex.SetPositions(traderWallet, models.Position{AssetID: "777", Size: 1000})
	ex.SetBooks("777", bids("0.99", "500"))

	order := sellOrder(5, 0.99)
	order.Action = ActionMerge

	out, err := newTestEngine(ex, storage.NewMockStore()).Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, TerminalCompleted, out.Terminal)
	assert.InDelta(t, 25, out.FilledTokens, 1e-9)
	assert.Equal(t, 1, ex.Calls["GetAccountPositions"], "merge does not read trader positions")
}

func TestSellTarget(t *testing.T) {
	tests := []struct {
		name string
		in   SellInput
		want float64
		full bool
	}{
		{
			name: "full exit sells everything held",
			in:   SellInput{HeldTokens: 70, TrackedTokens: 100, SourceSoldTokens: 10, Multiplier: 1},
			want: 70,
			full: true,
		},
		{
			name: "partial on tracked",
			in:   SellInput{HeldTokens: 100, TrackedTokens: 50, SourceSoldTokens: 25, SourceRemainingTokens: 75, SourceHasPosition: true, Multiplier: 1},
			want: 12.5,
		},
		{
			name: "partial on held",
			in:   SellInput{HeldTokens: 80, SourceSoldTokens: 25, SourceRemainingTokens: 75, SourceHasPosition: true, Multiplier: 1},
			want: 20,
		},
		{
			name: "multiplier applied",
			in:   SellInput{HeldTokens: 100, TrackedTokens: 40, SourceSoldTokens: 50, SourceRemainingTokens: 50, SourceHasPosition: true, Multiplier: 2},
			want: 40,
		},
		{
			name: "capped at held",
			in:   SellInput{HeldTokens: 10, TrackedTokens: 200, SourceSoldTokens: 50, SourceRemainingTokens: 50, SourceHasPosition: true, Multiplier: 1},
			want: 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := SellTarget(tt.in)
			assert.InDelta(t, tt.want, plan.Tokens, 1e-9)
			assert.Equal(t, tt.full, plan.FullExit)
			assert.NotEmpty(t, plan.Reasoning)
		})
	}
}

func TestSellTargetNeverExceedsHeld(t *testing.T) {
	for _, held := range []float64{0, 1, 17.5, 300} {
		for _, tracked := range []float64{0, 5, 100, 1e6} {
			for _, sold := range []float64{0, 1, 50, 1000} {
				for _, mult := range []float64{0, 0.5, 1, 3} {
					plan := SellTarget(SellInput{
						HeldTokens:            held,
						TrackedTokens:         tracked,
						SourceSoldTokens:      sold,
						SourceRemainingTokens: 40,
						SourceHasPosition:     true,
						Multiplier:            mult,
					})
					assert.LessOrEqual(t, plan.Tokens, held)
					assert.GreaterOrEqual(t, plan.Tokens, 0.0)
				}
			}
		}
	}
}

func TestNewOrderFromAggregate(t *testing.T) {
	agg := AggregatedOrder{
		ID:           "agg-1",
		Key:          AggregationKey{SourceAccount: traderWallet, ConditionID: "0xcond", AssetID: "777", Side: models.SideBuy},
		Trades:       []models.SourceTrade{smallBuy("t1", 0.6, 0.4), smallBuy("t2", 0.4, 0.5)},
		TotalUsdSize: 1.0,
		AvgPrice:     0.44,
	}
	order := NewOrderFromAggregate(agg)
	assert.Equal(t, ActionBuy, order.Action)
	assert.True(t, order.Aggregated)
	assert.Equal(t, 0.44, order.SourcePrice)
	assert.InDelta(t, 2.3, order.SourceTokenSize, 1e-9)
	assert.Equal(t, []string{"t1", "t2"}, order.TradeIDs())
}
