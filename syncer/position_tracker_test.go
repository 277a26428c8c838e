package syncer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-copytrader/storage"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPositionTrackerPartialSellScales(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	tracker := NewPositionTracker(store)

	require.NoError(t, tracker.RecordBuy(ctx, "0xcond", "777", "0xaaa", dec("60"), "t1"))
	require.NoError(t, tracker.RecordBuy(ctx, "0xcond", "777", "0xaaa", dec("40"), "t2"))
	require.NoError(t, tracker.RecordBuy(ctx, "0xcond", "888", "0xaaa", dec("5"), "t3"))

	tracked, err := tracker.TrackedTokens(ctx, "0xcond", "777", "0xaaa")
	require.NoError(t, err)
	assert.True(t, tracked.Equal(dec("100")))

	require.NoError(t, tracker.ApplySell(ctx, "0xcond", "777", "0xaaa", SoldFraction(dec("25"), tracked)))
	tracked, err = tracker.TrackedTokens(ctx, "0xcond", "777", "0xaaa")
	require.NoError(t, err)
	assert.True(t, tracked.Equal(dec("75")), "got %s", tracked)

	other, err := tracker.TrackedTokens(ctx, "0xcond", "888", "0xaaa")
	require.NoError(t, err)
	assert.True(t, other.Equal(dec("5")))
}

func TestPositionTrackerClearsNearFullSell(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	tracker := NewPositionTracker(store)

	require.NoError(t, tracker.RecordBuy(ctx, "0xcond", "777", "0xaaa", dec("100"), "t1"))
	require.NoError(t, tracker.ApplySell(ctx, "0xcond", "777", "0xaaa", SoldFraction(dec("99.2"), dec("100"))))

	tracked, err := tracker.TrackedTokens(ctx, "0xcond", "777", "0xaaa")
	require.NoError(t, err)
	assert.True(t, tracked.IsZero())
	assert.Equal(t, 1, store.CallCount("ClearPurchases"))
	assert.Zero(t, store.CallCount("ScalePurchases"))
}

func TestPositionTrackerRepeatedPartialSellsDoNotDrift(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	tracker := NewPositionTracker(store)

	require.NoError(t, tracker.RecordBuy(ctx, "0xcond", "777", "0xaaa", dec("33.333333"), "t1"))
	for i := 0; i < 50; i++ {
		require.NoError(t, tracker.ApplySell(ctx, "0xcond", "777", "0xaaa", dec("0.1")))
	}
	tracked, err := tracker.TrackedTokens(ctx, "0xcond", "777", "0xaaa")
	require.NoError(t, err)
	assert.True(t, tracked.Exponent() >= -6, "tracked kept at 6dp: %s", tracked)
	assert.True(t, tracked.LessThan(dec("0.2")))

	require.NoError(t, tracker.ApplySell(ctx, "0xcond", "777", "0xaaa", dec("1.5")))
	tracked, err = tracker.TrackedTokens(ctx, "0xcond", "777", "0xaaa")
	require.NoError(t, err)
	assert.True(t, tracked.IsZero())
}

func TestPositionTrackerIgnoresEmptyInput(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	tracker := NewPositionTracker(store)

	require.NoError(t, tracker.RecordBuy(ctx, "0xcond", "777", "0xaaa", decimal.Zero, "t1"))
	require.NoError(t, tracker.ApplySell(ctx, "0xcond", "777", "0xaaa", decimal.Zero))
	assert.Zero(t, store.CallCount("RecordPurchase"))
	assert.Zero(t, store.CallCount("ScalePurchases"))
	assert.True(t, SoldFraction(dec("5"), decimal.Zero).IsZero())
}
