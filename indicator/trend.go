package indicator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dnldd/fusion/shared"
	"gonum.org/v1/gonum/mat"
)

const (
	// priorVarianceMultiple scales the baseline range variance into the uninformative prior.
	priorVarianceMultiple = 100
	// varianceFloor bounds noise terms away from zero relative to the squared price.
	varianceFloor = 1e-12
	// minRangeFraction bounds the score normalizer away from zero relative to the level.
	minRangeFraction = 1e-6
)

// FilterStatus tags whether a filter's estimate is trustworthy.
type FilterStatus int

const (
	Cold FilterStatus = iota
	Warm
)

// String stringifies the provided filter status.
func (s FilterStatus) String() string {
	switch s {
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	default:
		return "unknown"
	}
}

// FilterState represents the adaptive filter's internal state for one series.
type FilterState struct {
	Level      float64
	Velocity   float64
	Variance   float64
	LastUpdate time.Time
	Status     FilterStatus
	Updates    int
}

// TrendOutput represents the result of a trend estimator update.
type TrendOutput struct {
	// Score is the velocity normalized by the level and recent volatility, in [-1, 1].
	Score  float64
	Status FilterStatus
	// Reset indicates the filter diverged and was reset to its prior during the update.
	Reset bool
	// Applied is the number of new candles folded into the filter.
	Applied int
}

// TrendConfig represents the adaptive trend filter configuration.
type TrendConfig struct {
	// WarmupCandles is the number of updates before the filter is trusted.
	WarmupCandles int `yaml:"warmup_candles" default:"10" validate:"gte=1"`
	// VolatilityLookback is the number of recent candle ranges used to scale process noise.
	VolatilityLookback int `yaml:"volatility_lookback" default:"14" validate:"gte=1"`
	// AdaptationRate scales squared recent volatility into process noise.
	AdaptationRate float64 `yaml:"adaptation_rate" default:"0.05" validate:"gt=0"`
	// MeasurementNoise scales squared baseline volatility into measurement noise.
	MeasurementNoise float64 `yaml:"measurement_noise" default:"1" validate:"gt=0"`
	// NormalizerScale scales the velocity normalizer.
	NormalizerScale float64 `yaml:"normalizer_scale" default:"1" validate:"gt=0"`
	// SanityBound is the maximum level variance relative to the squared price.
	SanityBound float64 `yaml:"sanity_bound" default:"1" validate:"gt=0"`
}

// Validate asserts the config sane inputs.
func (cfg *TrendConfig) Validate() error {
	var errs error

	if cfg.WarmupCandles < 1 {
		errs = errors.Join(errs, fmt.Errorf("warmup candles must be at least 1, got %d", cfg.WarmupCandles))
	}
	if cfg.VolatilityLookback < 1 {
		errs = errors.Join(errs, fmt.Errorf("volatility lookback must be at least 1, got %d", cfg.VolatilityLookback))
	}
	if !(cfg.AdaptationRate > 0) {
		errs = errors.Join(errs, fmt.Errorf("adaptation rate must be positive, got %f", cfg.AdaptationRate))
	}
	if !(cfg.MeasurementNoise > 0) {
		errs = errors.Join(errs, fmt.Errorf("measurement noise must be positive, got %f", cfg.MeasurementNoise))
	}
	if !(cfg.NormalizerScale > 0) {
		errs = errors.Join(errs, fmt.Errorf("normalizer scale must be positive, got %f", cfg.NormalizerScale))
	}
	if !(cfg.SanityBound > 0) {
		errs = errors.Join(errs, fmt.Errorf("sanity bound must be positive, got %f", cfg.SanityBound))
	}

	return errs
}

// TrendEstimator tracks the level and velocity of a candle series with a constant
// velocity kalman filter whose process noise follows recent realized volatility.
type TrendEstimator struct {
	cfg        *TrendConfig
	timeframe  shared.Timeframe
	state      *mat.VecDense
	covariance *mat.Dense
	transition *mat.Dense
	lastUpdate time.Time
	updates    int
	resets     int
	reset      bool
	score      float64
}

// NewTrendEstimator initializes a new trend estimator for the provided timeframe.
func NewTrendEstimator(cfg *TrendConfig, timeframe shared.Timeframe) (*TrendEstimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &TrendEstimator{
		cfg:        cfg,
		timeframe:  timeframe,
		transition: mat.NewDense(2, 2, []float64{1, 1, 0, 1}),
	}, nil
}

// State returns a copy of the filter state.
func (e *TrendEstimator) State() FilterState {
	state := FilterState{
		LastUpdate: e.lastUpdate,
		Status:     e.status(),
		Updates:    e.updates,
	}
	if e.state != nil {
		state.Level = e.state.AtVec(0)
		state.Velocity = e.state.AtVec(1)
		state.Variance = e.covariance.At(0, 0)
	}

	return state
}

// Resets returns the number of times the filter diverged and was reset.
func (e *TrendEstimator) Resets() int {
	return e.resets
}

// status derives the filter status from its update history.
func (e *TrendEstimator) status() FilterStatus {
	if e.reset || e.updates < e.cfg.WarmupCandles {
		return Cold
	}

	return Warm
}

// initialize resets the filter to an uninformative prior at the provided price.
func (e *TrendEstimator) initialize(price float64, baseline float64) {
	variance := math.Max(baseline*baseline, varianceFloor*price*price) * priorVarianceMultiple
	e.state = mat.NewVecDense(2, []float64{price, 0})
	e.covariance = mat.NewDense(2, 2, []float64{variance, 0, 0, variance})
}

// diverged checks whether the filter state is numerically unusable.
func (e *TrendEstimator) diverged(price float64) bool {
	level := e.state.AtVec(0)
	velocity := e.state.AtVec(1)
	variance := e.covariance.At(0, 0)

	for _, v := range []float64{level, velocity, variance, e.covariance.At(1, 1)} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}

	return variance > e.cfg.SanityBound*price*price || variance < 0
}

// step folds a single closed candle into the filter.
func (e *TrendEstimator) step(candle *shared.Candlestick, recent float64, baseline float64) {
	price := candle.Close
	if e.state == nil {
		e.initialize(price, baseline)
		return
	}

	floor := varianceFloor * price * price
	q := math.Max(e.cfg.AdaptationRate*recent*recent, floor)
	r := math.Max(e.cfg.MeasurementNoise*baseline*baseline, floor)

	// Predict.
	var predicted mat.VecDense
	predicted.MulVec(e.transition, e.state)

	var propagated, cov mat.Dense
	propagated.Mul(e.transition, e.covariance)
	cov.Mul(&propagated, e.transition.T())
	noise := mat.NewDense(2, 2, []float64{q * 0.25, q * 0.5, q * 0.5, q})
	cov.Add(&cov, noise)

	// Update against the observed close.
	innovation := price - predicted.AtVec(0)
	s := cov.At(0, 0) + r
	k0 := cov.At(0, 0) / s
	k1 := cov.At(1, 0) / s

	e.state = mat.NewVecDense(2, []float64{
		predicted.AtVec(0) + k0*innovation,
		predicted.AtVec(1) + k1*innovation,
	})
	e.covariance = mat.NewDense(2, 2, []float64{
		(1 - k0) * cov.At(0, 0), (1 - k0) * cov.At(0, 1),
		cov.At(1, 0) - k1*cov.At(0, 0), cov.At(1, 1) - k1*cov.At(0, 1),
	})
}

// Update folds the closed candles of the provided window not yet seen into the filter.
// The window is ordered oldest first.
func (e *TrendEstimator) Update(window []*shared.Candlestick) TrendOutput {
	baseline := shared.AverageRange(window, len(window))

	applied := 0
	for idx, candle := range window {
		if candle == nil || !candle.Closed || candle.Timeframe != e.timeframe {
			continue
		}
		if !e.lastUpdate.IsZero() && !candle.Date.After(e.lastUpdate) {
			continue
		}

		e.reset = false
		recent := shared.AverageRange(window[:idx+1], e.cfg.VolatilityLookback)
		e.step(candle, recent, baseline)
		e.lastUpdate = candle.Date
		e.updates++
		applied++

		if e.diverged(candle.Close) {
			e.initialize(candle.Close, baseline)
			e.resets++
			e.reset = true
		}
	}

	if applied > 0 {
		e.score = e.normalize(window)
	}

	return TrendOutput{
		Score:   e.score,
		Status:  e.status(),
		Reset:   e.reset,
		Applied: applied,
	}
}

// normalize scales the velocity estimate into a direction score.
func (e *TrendEstimator) normalize(window []*shared.Candlestick) float64 {
	if e.reset || e.state == nil {
		return 0
	}

	level := e.state.AtVec(0)
	if level <= 0 {
		return 0
	}

	recent := shared.AverageRange(window, e.cfg.VolatilityLookback)
	normalizer := math.Max(recent/level, minRangeFraction) * e.cfg.NormalizerScale
	return clip(e.state.AtVec(1)/(level*normalizer), -1, 1)
}

// clip bounds the provided value to [lo, hi]. NaN clips to zero.
func clip(value float64, lo float64, hi float64) float64 {
	if math.IsNaN(value) {
		return 0
	}

	return math.Max(lo, math.Min(hi, value))
}
