package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dnldd/fusion/shared"
)

// FusionConfig represents the signal fusion configuration.
type FusionConfig struct {
	// Weights maps a timeframe to its magnitude weight. Unlisted timeframes weigh 1.
	Weights map[shared.Timeframe]float64 `yaml:"-"`
	// TrendWeight and CycleWeight blend a timeframe's trend and cycle scores.
	TrendWeight float64 `yaml:"trend_weight" default:"0.6" validate:"gte=0"`
	CycleWeight float64 `yaml:"cycle_weight" default:"0.4" validate:"gte=0"`
	// SimilarityBand is the magnitude ratio at or above which two scores are fully similar.
	SimilarityBand float64 `yaml:"similarity_band" default:"0.5" validate:"gt=0,lte=1"`
	// CoherenceWeight blends coherence against score sharpness in confidence.
	CoherenceWeight float64 `yaml:"coherence_weight" default:"0.5" validate:"gte=0,lte=1"`
	// MinConfidence and MinCoherence gate actionable signals.
	MinConfidence float64 `yaml:"min_confidence" default:"0.3" validate:"gte=0,lte=1"`
	MinCoherence  float64 `yaml:"min_coherence" default:"0.6" validate:"gte=0,lte=1"`
	// BoostThreshold is the coherence above which alignment boosts the magnitude.
	BoostThreshold float64 `yaml:"boost_threshold" default:"0.8" validate:"gte=0,lt=1"`
	// BoostFactor is the magnitude multiplier of an aligned signal, bounded by BoostCap.
	BoostFactor float64 `yaml:"boost_factor" default:"1.25" validate:"gte=1"`
	BoostCap    float64 `yaml:"boost_cap" default:"1.5" validate:"gte=1"`
}

// Validate asserts the config sane inputs.
func (cfg *FusionConfig) Validate() error {
	var errs error

	for tf, weight := range cfg.Weights {
		if !(weight > 0) || math.IsInf(weight, 0) {
			errs = errors.Join(errs, fmt.Errorf("%s weight must be positive, got %f", tf.String(), weight))
		}
	}
	if cfg.TrendWeight < 0 || cfg.CycleWeight < 0 || !(cfg.TrendWeight+cfg.CycleWeight > 0) {
		errs = errors.Join(errs, fmt.Errorf("trend (%f) and cycle (%f) weights must be non-negative with a positive sum",
			cfg.TrendWeight, cfg.CycleWeight))
	}
	if !(cfg.SimilarityBand > 0 && cfg.SimilarityBand <= 1) {
		errs = errors.Join(errs, fmt.Errorf("similarity band must be in (0, 1], got %f", cfg.SimilarityBand))
	}
	for name, v := range map[string]float64{
		"coherence weight": cfg.CoherenceWeight,
		"min confidence":   cfg.MinConfidence,
		"min coherence":    cfg.MinCoherence,
	} {
		if !(v >= 0 && v <= 1) {
			errs = errors.Join(errs, fmt.Errorf("%s must be in [0, 1], got %f", name, v))
		}
	}
	if !(cfg.BoostThreshold >= 0 && cfg.BoostThreshold < 1) {
		errs = errors.Join(errs, fmt.Errorf("boost threshold must be in [0, 1), got %f", cfg.BoostThreshold))
	}
	if !(cfg.BoostFactor >= 1) || math.IsInf(cfg.BoostFactor, 0) {
		errs = errors.Join(errs, fmt.Errorf("boost factor must be at least 1, got %f", cfg.BoostFactor))
	}
	if !(cfg.BoostCap >= 1) || math.IsInf(cfg.BoostCap, 0) {
		errs = errors.Join(errs, fmt.Errorf("boost cap must be at least 1, got %f", cfg.BoostCap))
	}

	return errs
}

// weight returns the magnitude weight of the provided timeframe.
func (cfg *FusionConfig) weight(tf shared.Timeframe) float64 {
	if weight, ok := cfg.Weights[tf]; ok {
		return weight
	}

	return 1
}

// Blend combines a timeframe's trend and cycle scores into one score in [-1, 1].
func (cfg *FusionConfig) Blend(score shared.TimeframeScore) float64 {
	blended := (cfg.TrendWeight*score.Trend + cfg.CycleWeight*score.Cycle) / (cfg.TrendWeight + cfg.CycleWeight)
	return clip(blended, -1, 1)
}

// Coherence measures the sign and magnitude agreement of the provided scores. A single
// score carries no evidence either way and scores 0.5.
func Coherence(scores []float64, similarityBand float64) float64 {
	switch len(scores) {
	case 0:
		return 0
	case 1:
		return 0.5
	}

	var sum float64
	var pairs int
	for i := range scores {
		for j := i + 1; j < len(scores); j++ {
			sum += pairAgreement(scores[i], scores[j], similarityBand)
			pairs++
		}
	}

	return sum / float64(pairs)
}

// pairAgreement scores the agreement of two scores in [0, 1].
func pairAgreement(a float64, b float64, similarityBand float64) float64 {
	if shared.DirectionOf(a) != shared.DirectionOf(b) {
		return 0
	}

	absA, absB := math.Abs(a), math.Abs(b)
	hi := math.Max(absA, absB)
	if hi == 0 {
		return 1
	}

	ratio := math.Min(absA, absB) / hi
	return math.Min(1, ratio/similarityBand)
}

// Fuse combines the latest per-timeframe scores into one decision snapshot. Cold
// timeframes are ignored, total is the number of configured timeframes.
func Fuse(market string, scores []shared.TimeframeScore, total int, cfg *FusionConfig, at time.Time) shared.FusedSignal {
	signal := shared.FusedSignal{
		Market:    market,
		Timestamp: at,
	}

	blended := make([]float64, 0, len(scores))
	weights := make([]float64, 0, len(scores))
	for _, score := range scores {
		if !score.Warm {
			continue
		}

		signal.Contributing = append(signal.Contributing, score.Timeframe)
		blended = append(blended, cfg.Blend(score))
		weights = append(weights, cfg.weight(score.Timeframe))
	}

	if len(blended) == 0 {
		return signal
	}

	var weighted, sharpness, weightSum float64
	for idx := range blended {
		weighted += weights[idx] * blended[idx]
		sharpness += weights[idx] * math.Abs(blended[idx])
		weightSum += weights[idx]
	}

	magnitude := clip(weighted/weightSum, -1, 1)
	sharpness /= weightSum
	coherence := Coherence(blended, cfg.SimilarityBand)

	participation := 1.0
	if total > len(blended) {
		participation = float64(len(blended)) / float64(total)
	}
	confidence := participation * (cfg.CoherenceWeight*coherence + (1-cfg.CoherenceWeight)*sharpness)

	// Alignment boosts the magnitude without ever leaving [-1, 1].
	if coherence > cfg.BoostThreshold {
		factor := math.Min(cfg.BoostFactor, cfg.BoostCap)
		if abs := math.Abs(magnitude); abs > 0 {
			factor = math.Min(factor, 1/abs)
		}
		magnitude = clip(magnitude*factor, -1, 1)
		signal.Boosted = true
	}

	signal.Magnitude = magnitude
	signal.Coherence = clip(coherence, 0, 1)
	signal.Confidence = clip(confidence, 0, 1)
	signal.Actionable = signal.Confidence >= cfg.MinConfidence &&
		signal.Coherence >= cfg.MinCoherence && signal.Magnitude != 0

	return signal
}

// clip bounds the provided value to [lo, hi]. NaN clips to zero.
func clip(value float64, lo float64, hi float64) float64 {
	if math.IsNaN(value) {
		return 0
	}

	return math.Max(lo, math.Min(hi, value))
}
