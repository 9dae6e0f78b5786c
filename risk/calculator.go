package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/dnldd/fusion/shared"
)

// Volatility represents the realized volatility of the execution timeframe.
type Volatility struct {
	// ATR is the latest average true range.
	ATR float64
	// BaselineATR is the average true range the latest reading is compared against.
	BaselineATR float64
	// Price is the latest close.
	Price float64
}

// Validate asserts the volatility estimate is usable.
func (v *Volatility) Validate() error {
	switch {
	case !(v.Price > 0) || math.IsInf(v.Price, 0):
		return fmt.Errorf("price must be positive and finite, got %f", v.Price)
	case !(v.ATR >= 0) || math.IsInf(v.ATR, 0):
		return fmt.Errorf("atr must be non-negative and finite, got %f", v.ATR)
	case !(v.BaselineATR >= 0) || math.IsInf(v.BaselineATR, 0):
		return fmt.Errorf("baseline atr must be non-negative and finite, got %f", v.BaselineATR)
	}

	return nil
}

// RegimeTable represents a value per market regime.
type RegimeTable struct {
	Trending float64 `yaml:"trending"`
	Volatile float64 `yaml:"volatile"`
	Ranging  float64 `yaml:"ranging"`
	Stable   float64 `yaml:"stable"`
}

// For returns the value of the provided regime.
func (t *RegimeTable) For(regime shared.Regime) float64 {
	switch regime {
	case shared.Trending:
		return t.Trending
	case shared.Volatile:
		return t.Volatile
	case shared.Ranging:
		return t.Ranging
	default:
		return t.Stable
	}
}

// validate asserts every regime entry is positive.
func (t *RegimeTable) validate(name string) error {
	var errs error
	for _, regime := range []shared.Regime{shared.Trending, shared.Volatile, shared.Ranging, shared.Stable} {
		if v := t.For(regime); !(v > 0) {
			errs = errors.Join(errs, fmt.Errorf("%s %s entry must be positive, got %f", regime.String(), name, v))
		}
	}

	return errs
}

// CalculatorConfig represents the risk parameter calculator configuration.
type CalculatorConfig struct {
	// RewardRisk maps a regime to its target to stop multiplier.
	RewardRisk RegimeTable `yaml:"reward_risk"`
	// StopATRMultiple maps a regime to its stop distance in average true ranges.
	StopATRMultiple RegimeTable `yaml:"stop_atr_multiple"`
	// MinRewardRisk is the lowest reward to risk ratio ever produced.
	MinRewardRisk float64 `yaml:"min_reward_risk" default:"1.5" validate:"gt=0"`
	// RiskPerTrade is the fraction of capital risked per trade.
	RiskPerTrade float64 `yaml:"risk_per_trade" default:"0.01" validate:"gt=0,lt=1"`
	// MaxPositionFraction caps the position size as a fraction of capital.
	MaxPositionFraction float64 `yaml:"max_position_fraction" default:"0.25" validate:"gt=0,lte=1"`
	// MinStopPct is the tightest allowed stop distance.
	MinStopPct float64 `yaml:"min_stop_pct" default:"0.001" validate:"gt=0,lt=1"`
	// VolatileRatio is the atr to baseline ratio at or above which the market is volatile.
	VolatileRatio float64 `yaml:"volatile_ratio" default:"1.5" validate:"gt=1"`
	// StableRatio is the atr to baseline ratio at or below which a non-trending market is stable.
	StableRatio float64 `yaml:"stable_ratio" default:"0.75" validate:"gt=0,lt=1"`
	// TrendingCoherence is the minimum coherence of a trending market.
	TrendingCoherence float64 `yaml:"trending_coherence" default:"0.7" validate:"gt=0,lte=1"`
}

// DefaultRegimeTables returns regime tables where trending markets carry the widest
// target and volatile markets the tightest stop and smallest target multiple.
func DefaultRegimeTables() (RegimeTable, RegimeTable) {
	rewardRisk := RegimeTable{Trending: 3, Volatile: 1.5, Ranging: 2, Stable: 2.5}
	stopMultiple := RegimeTable{Trending: 2, Volatile: 1, Ranging: 1.5, Stable: 1.5}
	return rewardRisk, stopMultiple
}

// Validate asserts the config sane inputs.
func (cfg *CalculatorConfig) Validate() error {
	errs := errors.Join(cfg.RewardRisk.validate("reward to risk"), cfg.StopATRMultiple.validate("stop multiple"))

	if !(cfg.MinRewardRisk > 0) {
		errs = errors.Join(errs, fmt.Errorf("min reward to risk must be positive, got %f", cfg.MinRewardRisk))
	}
	if !(cfg.RiskPerTrade > 0 && cfg.RiskPerTrade < 1) {
		errs = errors.Join(errs, fmt.Errorf("risk per trade must be in (0, 1), got %f", cfg.RiskPerTrade))
	}
	if !(cfg.MaxPositionFraction > 0 && cfg.MaxPositionFraction <= 1) {
		errs = errors.Join(errs, fmt.Errorf("max position fraction must be in (0, 1], got %f", cfg.MaxPositionFraction))
	}
	if !(cfg.MinStopPct > 0 && cfg.MinStopPct < 1) {
		errs = errors.Join(errs, fmt.Errorf("min stop pct must be in (0, 1), got %f", cfg.MinStopPct))
	}
	if !(cfg.StableRatio > 0 && cfg.StableRatio < 1) {
		errs = errors.Join(errs, fmt.Errorf("stable ratio must be in (0, 1), got %f", cfg.StableRatio))
	}
	if !(cfg.VolatileRatio > 1) {
		errs = errors.Join(errs, fmt.Errorf("volatile ratio must exceed 1, got %f", cfg.VolatileRatio))
	}
	if !(cfg.TrendingCoherence > 0 && cfg.TrendingCoherence <= 1) {
		errs = errors.Join(errs, fmt.Errorf("trending coherence must be in (0, 1], got %f", cfg.TrendingCoherence))
	}

	return errs
}

// Calculator derives trade envelopes from fused signal quality and realized volatility.
type Calculator struct {
	cfg *CalculatorConfig
}

// NewCalculator initializes a new risk parameter calculator.
func NewCalculator(cfg *CalculatorConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Calculator{cfg: cfg}, nil
}

// ClassifyRegime classifies the market regime from realized volatility, signal coherence
// and the recent coherence trend.
func (c *Calculator) ClassifyRegime(vol Volatility, coherence float64, coherenceTrend float64) shared.Regime {
	ratio := 1.0
	if vol.BaselineATR > 0 {
		ratio = vol.ATR / vol.BaselineATR
	}

	switch {
	case ratio >= c.cfg.VolatileRatio:
		return shared.Volatile
	case coherence >= c.cfg.TrendingCoherence && coherenceTrend >= 0:
		return shared.Trending
	case ratio <= c.cfg.StableRatio:
		return shared.Stable
	default:
		return shared.Ranging
	}
}

// Calculate derives the risk parameters of the provided actionable signal.
func (c *Calculator) Calculate(signal shared.FusedSignal, vol Volatility, coherenceTrend float64) (shared.RiskParameters, error) {
	if !signal.Actionable {
		return shared.RiskParameters{}, fmt.Errorf("cannot derive risk parameters for a hold signal")
	}
	if err := vol.Validate(); err != nil {
		return shared.RiskParameters{}, fmt.Errorf("invalid volatility: %w", err)
	}

	regime := c.ClassifyRegime(vol, signal.Coherence, coherenceTrend)

	stop := math.Max(vol.ATR/vol.Price*c.cfg.StopATRMultiple.For(regime), c.cfg.MinStopPct)
	multiplier := math.Max(c.cfg.RewardRisk.For(regime), c.cfg.MinRewardRisk)
	target := stop * multiplier
	for target/stop < c.cfg.MinRewardRisk {
		// Rounding must never leave the ratio under the minimum.
		target = math.Nextafter(target, math.Inf(1))
	}

	// Sizing by the stop distance keeps the capital at risk per trade constant.
	size := math.Min(c.cfg.RiskPerTrade/stop, c.cfg.MaxPositionFraction)

	return shared.RiskParameters{
		StopDistancePct:      stop,
		TargetDistancePct:    target,
		PositionSizeFraction: size,
		Regime:               regime,
	}, nil
}
