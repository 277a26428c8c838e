package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Strategy selects how the base copy amount is derived from a source trade.
type Strategy string

const (
	StrategyPercentage Strategy = "PERCENTAGE"
	StrategyFixed      Strategy = "FIXED"
	StrategyAdaptive   Strategy = "ADAPTIVE"
)

// DefaultAdaptiveThresholdUsd is used when ADAPTIVE has no explicit threshold.
const DefaultAdaptiveThresholdUsd = 500.0

var (
	ErrInvalidStrategy       = errors.New("invalid copy strategy")
	ErrInvalidTiers          = errors.New("invalid tiered multipliers")
	ErrInvertedBounds        = errors.New("inverted min/max bounds")
	ErrMissingAdaptiveBounds = errors.New("adaptive strategy requires min and max percent")
)

// MultiplierTier applies Multiplier to source trades in [Min, Max).
// A nil Max is open ended.
type MultiplierTier struct {
	Min        float64  `json:"min"`
	Max        *float64 `json:"max,omitempty"`
	Multiplier float64  `json:"multiplier"`
}

// Contains reports whether size falls inside the tier.
func (t MultiplierTier) Contains(size float64) bool {
	return size >= t.Min && (t.Max == nil || size < *t.Max)
}

func (t MultiplierTier) String() string {
	if t.Max == nil {
		return fmt.Sprintf("$%g+: %gx", t.Min, t.Multiplier)
	}
	return fmt.Sprintf("$%g-$%g: %gx", t.Min, *t.Max, t.Multiplier)
}

// SizingConfig is the configuration consumed by the sizing engine.
type SizingConfig struct {
	Strategy              Strategy         `yaml:"strategy" json:"strategy"`
	CopySize              float64          `yaml:"copy_size" json:"copy_size"`
	AdaptiveMinPercent    *float64         `yaml:"adaptive_min_percent" json:"adaptive_min_percent,omitempty"`
	AdaptiveMaxPercent    *float64         `yaml:"adaptive_max_percent" json:"adaptive_max_percent,omitempty"`
	AdaptiveThresholdUsd  *float64         `yaml:"adaptive_threshold_usd" json:"adaptive_threshold_usd,omitempty"`
	TieredMultipliersSpec string           `yaml:"tiered_multipliers" json:"-"`
	TieredMultipliers     []MultiplierTier `yaml:"-" json:"tiered_multipliers,omitempty"`
	FlatMultiplier        *float64         `yaml:"trade_multiplier" json:"trade_multiplier,omitempty"`
	MaxOrderSizeUsd       float64          `yaml:"max_order_size_usd" json:"max_order_size_usd"`
	MinOrderSizeUsd       float64          `yaml:"min_order_size_usd" json:"min_order_size_usd"`
	MaxPositionSizeUsd    *float64         `yaml:"max_position_size_usd" json:"max_position_size_usd,omitempty"`
	// MaxDailyVolumeUsd is carried for the daily volume guard but not
	// enforced by the sizing engine.
	MaxDailyVolumeUsd *float64 `yaml:"max_daily_volume_usd" json:"max_daily_volume_usd,omitempty"`
}

// AdaptiveThreshold returns the configured threshold or the default.
func (s SizingConfig) AdaptiveThreshold() float64 {
	if s.AdaptiveThresholdUsd != nil && *s.AdaptiveThresholdUsd > 0 {
		return *s.AdaptiveThresholdUsd
	}
	return DefaultAdaptiveThresholdUsd
}

// Validate checks strategy, bounds and tiers. A non-empty
// TieredMultipliersSpec is parsed into TieredMultipliers.
func (s *SizingConfig) Validate() error {
	switch s.Strategy {
	case StrategyPercentage, StrategyFixed, StrategyAdaptive:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, s.Strategy)
	}
	if s.CopySize <= 0 {
		return fmt.Errorf("copy_size must be positive, got %g", s.CopySize)
	}
	if s.MinOrderSizeUsd < 0 || s.MaxOrderSizeUsd <= 0 {
		return fmt.Errorf("order size limits must be positive (min=%g max=%g)", s.MinOrderSizeUsd, s.MaxOrderSizeUsd)
	}
	if s.MinOrderSizeUsd > s.MaxOrderSizeUsd {
		return fmt.Errorf("%w: min_order_size_usd %g > max_order_size_usd %g", ErrInvertedBounds, s.MinOrderSizeUsd, s.MaxOrderSizeUsd)
	}
	if s.MaxPositionSizeUsd != nil && *s.MaxPositionSizeUsd <= 0 {
		return fmt.Errorf("max_position_size_usd must be positive, got %g", *s.MaxPositionSizeUsd)
	}

	if s.Strategy == StrategyAdaptive {
		if s.AdaptiveMinPercent == nil || s.AdaptiveMaxPercent == nil {
			return ErrMissingAdaptiveBounds
		}
		if *s.AdaptiveMinPercent > *s.AdaptiveMaxPercent {
			return fmt.Errorf("%w: adaptive_min_percent %g > adaptive_max_percent %g", ErrInvertedBounds, *s.AdaptiveMinPercent, *s.AdaptiveMaxPercent)
		}
	}
	if s.Strategy == StrategyPercentage && s.CopySize > 100 {
		return fmt.Errorf("copy_size %g exceeds 100 percent", s.CopySize)
	}

	if strings.TrimSpace(s.TieredMultipliersSpec) != "" {
		tiers, err := ParseTieredMultipliers(s.TieredMultipliersSpec)
		if err != nil {
			return err
		}
		s.TieredMultipliers = tiers
	} else if len(s.TieredMultipliers) > 0 {
		if err := validateTiers(s.TieredMultipliers); err != nil {
			return err
		}
	}
	if s.FlatMultiplier != nil && *s.FlatMultiplier < 0 {
		return fmt.Errorf("trade_multiplier must not be negative, got %g", *s.FlatMultiplier)
	}
	return nil
}

// ParseTieredMultipliers parses "1-10:2.0,10-100:1.0,100+:0.5" into a sorted,
// validated tier list.
func ParseTieredMultipliers(spec string) ([]MultiplierTier, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var tiers []MultiplierTier
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		rangePart, multPart, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q is missing ':multiplier'", ErrInvalidTiers, raw)
		}
		mult, err := strconv.ParseFloat(strings.TrimSpace(multPart), 64)
		if err != nil || mult < 0 {
			return nil, fmt.Errorf("%w: bad multiplier in %q", ErrInvalidTiers, raw)
		}

		rangePart = strings.TrimSpace(rangePart)
		var tier MultiplierTier
		tier.Multiplier = mult
		if strings.HasSuffix(rangePart, "+") {
			min, err := strconv.ParseFloat(strings.TrimSuffix(rangePart, "+"), 64)
			if err != nil || min < 0 {
				return nil, fmt.Errorf("%w: bad minimum in %q", ErrInvalidTiers, raw)
			}
			tier.Min = min
		} else {
			lo, hi, ok := strings.Cut(rangePart, "-")
			if !ok {
				return nil, fmt.Errorf("%w: %q must be min-max or min+", ErrInvalidTiers, raw)
			}
			min, err1 := strconv.ParseFloat(strings.TrimSpace(lo), 64)
			max, err2 := strconv.ParseFloat(strings.TrimSpace(hi), 64)
			if err1 != nil || err2 != nil || min < 0 {
				return nil, fmt.Errorf("%w: bad range in %q", ErrInvalidTiers, raw)
			}
			if max <= min {
				return nil, fmt.Errorf("%w: max must exceed min in %q", ErrInvalidTiers, raw)
			}
			tier.Min = min
			tier.Max = &max
		}
		tiers = append(tiers, tier)
	}

	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Min < tiers[j].Min })
	if err := validateTiers(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

func validateTiers(tiers []MultiplierTier) error {
	for i, t := range tiers {
		if i > 0 && t.Min < tiers[i-1].Min {
			return fmt.Errorf("%w: tiers not sorted by min", ErrInvalidTiers)
		}
		if t.Max == nil {
			if i != len(tiers)-1 {
				return fmt.Errorf("%w: only the last tier may be open ended", ErrInvalidTiers)
			}
			continue
		}
		if i+1 < len(tiers) && *t.Max > tiers[i+1].Min {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalidTiers, t, tiers[i+1])
		}
	}
	return nil
}

// FormatTiers renders tiers back to the text format.
func FormatTiers(tiers []MultiplierTier) string {
	parts := make([]string, 0, len(tiers))
	for _, t := range tiers {
		min := strconv.FormatFloat(t.Min, 'f', -1, 64)
		mult := strconv.FormatFloat(t.Multiplier, 'f', -1, 64)
		if t.Max == nil {
			parts = append(parts, min+"+:"+mult)
			continue
		}
		parts = append(parts, min+"-"+strconv.FormatFloat(*t.Max, 'f', -1, 64)+":"+mult)
	}
	return strings.Join(parts, ",")
}

// Preset is a named sizing recommendation.
type Preset struct {
	Name   string       `json:"name"`
	Sizing SizingConfig `json:"sizing"`
}

// RecommendedSizing returns conservative, balanced and aggressive presets
// scaled to an account balance.
func RecommendedSizing(balanceUsd float64) []Preset {
	f := func(v float64) *float64 { return &v }
	clampMax := func(v float64) float64 {
		if v < 1 {
			return 1
		}
		return v
	}

	return []Preset{
		{
			Name: "conservative",
			Sizing: SizingConfig{
				Strategy:           StrategyPercentage,
				CopySize:           5,
				MaxOrderSizeUsd:    clampMax(balanceUsd * 0.02),
				MinOrderSizeUsd:    1,
				MaxPositionSizeUsd: f(clampMax(balanceUsd * 0.05)),
				MaxDailyVolumeUsd:  f(clampMax(balanceUsd * 0.2)),
			},
		},
		{
			Name: "balanced",
			Sizing: SizingConfig{
				Strategy:             StrategyAdaptive,
				CopySize:             10,
				AdaptiveMinPercent:   f(5),
				AdaptiveMaxPercent:   f(20),
				AdaptiveThresholdUsd: f(DefaultAdaptiveThresholdUsd),
				MaxOrderSizeUsd:      clampMax(balanceUsd * 0.05),
				MinOrderSizeUsd:      1,
				MaxPositionSizeUsd:   f(clampMax(balanceUsd * 0.1)),
				MaxDailyVolumeUsd:    f(clampMax(balanceUsd * 0.5)),
			},
		},
		{
			Name: "aggressive",
			Sizing: SizingConfig{
				Strategy:              StrategyPercentage,
				CopySize:              20,
				TieredMultipliersSpec: "0-100:1.5,100-1000:1,1000+:0.5",
				MaxOrderSizeUsd:       clampMax(balanceUsd * 0.1),
				MinOrderSizeUsd:       1,
				MaxPositionSizeUsd:    f(clampMax(balanceUsd * 0.2)),
				MaxDailyVolumeUsd:     f(clampMax(balanceUsd)),
			},
		},
	}
}
