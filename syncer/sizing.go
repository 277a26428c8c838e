package syncer

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"polymarket-copytrader/config"
)

// ErrUnknownStrategy is returned for a strategy the sizing engine does not
// implement. It signals a config that skipped validation, not a rejected
// trade.
var ErrUnknownStrategy = errors.New("sizing: unknown strategy")

// balanceSafetyFactor leaves 1% of the balance for fee and price drift.
const balanceSafetyFactor = 0.99

// SizingResult is the bounded order size for one source trade.
// FinalAmount is zero exactly when BelowMinimum is set.
type SizingResult struct {
	SourceOrderSize      float64 `json:"source_order_size"`
	BaseAmount           float64 `json:"base_amount"`
	Multiplier           float64 `json:"multiplier"`
	FinalAmount          float64 `json:"final_amount"`
	CappedByMax          bool    `json:"capped_by_max"`
	PositionLimitReached bool    `json:"position_limit_reached"`
	ReducedByBalance     bool    `json:"reduced_by_balance"`
	BelowMinimum         bool    `json:"below_minimum"`
	Reasoning            string  `json:"reasoning"`
}

// ComputeSize converts a source order size into the amount to copy.
// Pure function: no I/O and no state.
func ComputeSize(cfg config.SizingConfig, sourceUsdSize, availableBalance, currentExposureUsd float64) (SizingResult, error) {
	result := SizingResult{SourceOrderSize: sourceUsdSize}
	var steps []string

	switch cfg.Strategy {
	case config.StrategyPercentage:
		result.BaseAmount = sourceUsdSize * cfg.CopySize / 100
		steps = append(steps, fmt.Sprintf("%.1f%% of trader's $%.2f = $%.2f", cfg.CopySize, sourceUsdSize, result.BaseAmount))
	case config.StrategyFixed:
		result.BaseAmount = cfg.CopySize
		steps = append(steps, fmt.Sprintf("fixed amount $%.2f", result.BaseAmount))
	case config.StrategyAdaptive:
		pct := AdaptivePercent(cfg, sourceUsdSize)
		result.BaseAmount = sourceUsdSize * pct / 100
		steps = append(steps, fmt.Sprintf("adaptive %.1f%% of trader's $%.2f = $%.2f", pct, sourceUsdSize, result.BaseAmount))
	default:
		return SizingResult{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}

	result.Multiplier = ResolveMultiplier(cfg, sourceUsdSize)
	final := result.BaseAmount * result.Multiplier
	if result.Multiplier != 1.0 {
		steps = append(steps, fmt.Sprintf("%gx multiplier: $%.2f -> $%.2f", result.Multiplier, result.BaseAmount, final))
	}

	if final > cfg.MaxOrderSizeUsd {
		final = cfg.MaxOrderSizeUsd
		result.CappedByMax = true
		steps = append(steps, fmt.Sprintf("capped at max order $%.2f", cfg.MaxOrderSizeUsd))
	}

	if cfg.MaxPositionSizeUsd != nil && currentExposureUsd+final > *cfg.MaxPositionSizeUsd {
		headroom := *cfg.MaxPositionSizeUsd - currentExposureUsd
		if headroom < cfg.MinOrderSizeUsd {
			final = 0
			result.PositionLimitReached = true
			steps = append(steps, fmt.Sprintf("position limit $%.2f reached (exposure $%.2f)", *cfg.MaxPositionSizeUsd, currentExposureUsd))
		} else {
			final = headroom
			steps = append(steps, fmt.Sprintf("reduced to fit position limit: $%.2f", final))
		}
	}

	maxAffordable := math.Max(availableBalance, 0) * balanceSafetyFactor
	if final > maxAffordable {
		final = maxAffordable
		result.ReducedByBalance = true
		steps = append(steps, fmt.Sprintf("reduced to fit balance $%.2f", maxAffordable))
	}

	if final <= 0 || final < cfg.MinOrderSizeUsd {
		final = 0
		result.BelowMinimum = true
		steps = append(steps, fmt.Sprintf("below minimum $%.2f", cfg.MinOrderSizeUsd))
	}

	result.FinalAmount = final
	result.Reasoning = strings.Join(steps, " -> ")
	return result, nil
}

// AdaptivePercent interpolates the copy percentage for ADAPTIVE sizing.
// Small trades approach AdaptiveMaxPercent, trades at the threshold copy
// CopySize percent and trades at twice the threshold or more copy
// AdaptiveMinPercent.
func AdaptivePercent(cfg config.SizingConfig, sourceUsdSize float64) float64 {
	minPct, maxPct := cfg.CopySize, cfg.CopySize
	if cfg.AdaptiveMinPercent != nil {
		minPct = *cfg.AdaptiveMinPercent
	}
	if cfg.AdaptiveMaxPercent != nil {
		maxPct = *cfg.AdaptiveMaxPercent
	}
	threshold := cfg.AdaptiveThreshold()

	if sourceUsdSize >= threshold {
		factor := clamp01(sourceUsdSize/threshold - 1)
		return lerp(cfg.CopySize, minPct, factor)
	}
	factor := clamp01(sourceUsdSize / threshold)
	return lerp(maxPct, cfg.CopySize, factor)
}

// ResolveMultiplier picks the multiplier for a source trade size. The first
// tier containing the size wins; past every tier the last tier applies.
// Without tiers the flat multiplier is used, defaulting to 1.
func ResolveMultiplier(cfg config.SizingConfig, sourceUsdSize float64) float64 {
	if len(cfg.TieredMultipliers) > 0 {
		for _, tier := range cfg.TieredMultipliers {
			if tier.Contains(sourceUsdSize) {
				return tier.Multiplier
			}
		}
		return cfg.TieredMultipliers[len(cfg.TieredMultipliers)-1].Multiplier
	}
	if cfg.FlatMultiplier != nil {
		return *cfg.FlatMultiplier
	}
	return 1.0
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
