package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"polymarket-copytrader/metrics"
	"polymarket-copytrader/models"
)

// SkipMarker closes out source trades that will never be executed.
type SkipMarker interface {
	MarkSkipped(ctx context.Context, tradeID string, reason string) error
}

// AggregationKey identifies one group of trades that are combined.
type AggregationKey struct {
	SourceAccount string      `json:"source_account"`
	ConditionID   string      `json:"condition_id"`
	AssetID       string      `json:"asset_id"`
	Side          models.Side `json:"side"`
}

func (k AggregationKey) String() string {
	return strings.Join([]string{k.SourceAccount, k.ConditionID, k.AssetID, string(k.Side)}, ":")
}

// KeyFor returns the aggregation key of a trade
func KeyFor(t models.SourceTrade) AggregationKey {
	return AggregationKey{
		SourceAccount: strings.ToLower(t.SourceAccount),
		ConditionID:   t.ConditionID,
		AssetID:       t.AssetID,
		Side:          t.Side,
	}
}

// AggregationGroup is a live window of trades sharing a key.
type AggregationGroup struct {
	Key             AggregationKey       `json:"key"`
	Trades          []models.SourceTrade `json:"trades"`
	TotalUsdSize    float64              `json:"total_usd_size"`
	AvgPrice        float64              `json:"avg_price"`
	WindowStartedAt time.Time            `json:"window_started_at"`

	weightedPrice float64
}

func (g *AggregationGroup) add(t models.SourceTrade) {
	g.Trades = append(g.Trades, t)
	g.TotalUsdSize += t.UsdSize
	g.weightedPrice += t.UsdSize * t.Price
	if g.TotalUsdSize > 0 {
		g.AvgPrice = g.weightedPrice / g.TotalUsdSize
	}
}

// AggregatedOrder is a released group, executed as one logical order.
type AggregatedOrder struct {
	ID              string               `json:"id"`
	Key             AggregationKey       `json:"key"`
	Trades          []models.SourceTrade `json:"trades"`
	TotalUsdSize    float64              `json:"total_usd_size"`
	AvgPrice        float64              `json:"avg_price"`
	WindowStartedAt time.Time            `json:"window_started_at"`
}

// TradeIDs returns the member trade ids in admission order
func (o AggregatedOrder) TradeIDs() []string {
	ids := make([]string, len(o.Trades))
	for i, t := range o.Trades {
		ids[i] = t.ID
	}
	return ids
}

// QualifiesForAggregation reports whether a trade is a buy too small to
// execute on its own.
func QualifiesForAggregation(t models.SourceTrade, minOrderUsd float64) bool {
	return t.Type == models.TradeTypeTrade && t.Side == models.SideBuy && t.UsdSize < minOrderUsd
}

// AggregationBuffer groups small trades per key until their window elapses.
// At most one live group exists per key.
type AggregationBuffer struct {
	mu      sync.Mutex
	groups  map[AggregationKey]*AggregationGroup
	members map[string]AggregationKey
	marker  SkipMarker
	now     func() time.Time
}

// NewAggregationBuffer creates an empty buffer. marker closes out the
// members of groups that never reach the minimum.
func NewAggregationBuffer(marker SkipMarker) *AggregationBuffer {
	return &AggregationBuffer{
		groups:  make(map[AggregationKey]*AggregationGroup),
		members: make(map[string]AggregationKey),
		marker:  marker,
		now:     time.Now,
	}
}

// Admit adds a trade to the group for its key, opening the group if needed.
// It returns false when the trade is already buffered.
func (b *AggregationBuffer) Admit(t models.SourceTrade) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.members[t.ID]; ok {
		return false
	}

	key := KeyFor(t)
	group, ok := b.groups[key]
	if !ok {
		group = &AggregationGroup{Key: key, WindowStartedAt: b.now()}
		b.groups[key] = group
		metrics.AggregationGroups.Set(float64(len(b.groups)))
	}
	group.add(t)
	b.members[t.ID] = key

	logs.Infof("[Aggregator] %s: added $%.2f, %d trades totaling $%.2f", key, t.UsdSize, len(group.Trades), group.TotalUsdSize)
	return true
}

// Contains reports whether tradeID is buffered in a live group
func (b *AggregationBuffer) Contains(tradeID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.members[tradeID]
	return ok
}

// Len returns the number of live groups
func (b *AggregationBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// Members returns the number of buffered trades across all groups
func (b *AggregationBuffer) Members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// DrainReady releases every group whose window has elapsed. Groups that
// reached minTotalUsd are returned as orders; the members of the rest are
// marked skipped. Either way the group is removed. Marking errors are
// joined into the returned error.
func (b *AggregationBuffer) DrainReady(ctx context.Context, now time.Time, window time.Duration, minTotalUsd float64) ([]AggregatedOrder, error) {
	b.mu.Lock()
	var ready, discarded []*AggregationGroup
	for key, group := range b.groups {
		if now.Sub(group.WindowStartedAt) < window {
			continue
		}
		if group.TotalUsdSize >= minTotalUsd {
			ready = append(ready, group)
		} else {
			discarded = append(discarded, group)
		}
		delete(b.groups, key)
		for _, t := range group.Trades {
			delete(b.members, t.ID)
		}
	}
	metrics.AggregationGroups.Set(float64(len(b.groups)))
	b.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].WindowStartedAt.Before(ready[j].WindowStartedAt) })

	orders := make([]AggregatedOrder, 0, len(ready))
	for _, g := range ready {
		orders = append(orders, AggregatedOrder{
			ID:              uuid.NewString(),
			Key:             g.Key,
			Trades:          g.Trades,
			TotalUsdSize:    g.TotalUsdSize,
			AvgPrice:        g.AvgPrice,
			WindowStartedAt: g.WindowStartedAt,
		})
		metrics.AggregatedTrades.WithLabelValues("emitted").Add(float64(len(g.Trades)))
		logs.Infof("[Aggregator] %s ready: %d trades, $%.2f at avg %.4f", g.Key, len(g.Trades), g.TotalUsdSize, g.AvgPrice)
	}

	var errs []error
	for _, g := range discarded {
		reason := fmt.Sprintf("aggregated total $%.2f below minimum $%.2f", g.TotalUsdSize, minTotalUsd)
		logs.Infof("[Aggregator] %s discarded: %d trades, %s", g.Key, len(g.Trades), reason)
		for _, t := range g.Trades {
			if err := b.marker.MarkSkipped(ctx, t.ID, reason); err != nil {
				errs = append(errs, fmt.Errorf("mark %s skipped: %w", t.ID, err))
			}
		}
		metrics.AggregatedTrades.WithLabelValues("skipped").Add(float64(len(g.Trades)))
	}

	return orders, errors.Join(errs...)
}

// Groups returns a copy of the live groups, oldest window first
func (b *AggregationBuffer) Groups() []AggregationGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AggregationGroup, 0, len(b.groups))
	for _, g := range b.groups {
		c := *g
		c.Trades = append([]models.SourceTrade(nil), g.Trades...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStartedAt.Before(out[j].WindowStartedAt) })
	return out
}
