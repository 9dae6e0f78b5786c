package indicator

import (
	"testing"

	"github.com/dnldd/fusion/shared"
	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
)

func setupTrendEstimator(t *testing.T, sanityBound float64) *TrendEstimator {
	cfg := &TrendConfig{
		WarmupCandles:      10,
		VolatilityLookback: 14,
		AdaptationRate:     0.05,
		MeasurementNoise:   1,
		NormalizerScale:    1,
		SanityBound:        sanityBound,
	}

	estimator, err := NewTrendEstimator(cfg, shared.OneMinute)
	assert.NoError(t, err)
	return estimator
}

func linear(n int, start float64, step float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = start + step*float64(i)
	}

	return closes
}

func TestTrendConfigValidate(t *testing.T) {
	cfg := &TrendConfig{}
	_, err := NewTrendEstimator(cfg, shared.OneMinute)
	assert.Error(t, err)
}

func TestTrendEstimator(t *testing.T) {
	estimator := setupTrendEstimator(t, 1)
	assert.Equal(t, estimator.State().Status, Cold)

	window := makeCandles(linear(40, 100, 1), 1)

	// Ensure the filter is cold during warmup.
	out := estimator.Update(window[:5])
	assert.Equal(t, out.Status, Cold)
	assert.Equal(t, out.Applied, 5)

	// Ensure only unseen candles are folded in.
	out = estimator.Update(window)
	assert.Equal(t, out.Applied, 35)
	assert.Equal(t, out.Status, Warm)
	assert.False(t, out.Reset)

	state := estimator.State()
	assert.Equal(t, state.Updates, 40)
	assert.Equal(t, state.LastUpdate, window[39].Date)
	assert.GreaterThan(t, state.Velocity, 0.5)
	assert.True(t, state.Level > 130 && state.Level < 141)

	// Ensure a rising series scores positive within bounds.
	assert.GreaterThan(t, out.Score, float64(0))
	assert.LessThanOrEqual(t, out.Score, float64(1))

	// Ensure replaying processed candles never rolls the filter back.
	again := estimator.Update(window[:20])
	assert.Equal(t, again.Applied, 0)
	assert.Equal(t, again.Score, out.Score)
	if diff := cmp.Diff(state, estimator.State()); diff != "" {
		t.Fatalf("replayed candles mutated the filter: %s", diff)
	}

	// Ensure candles of other timeframes are ignored.
	foreign := makeCandles(linear(45, 100, 1), 1)
	for _, candle := range foreign {
		candle.Timeframe = shared.FiveMinute
	}
	out = estimator.Update(foreign)
	assert.Equal(t, out.Applied, 0)
}

func TestTrendEstimatorFallingSeries(t *testing.T) {
	estimator := setupTrendEstimator(t, 1)

	out := estimator.Update(makeCandles(linear(40, 200, -1.5), 1))
	assert.Equal(t, out.Status, Warm)
	assert.True(t, out.Score < 0)
	assert.True(t, out.Score >= -1)
}

func TestTrendEstimatorDivergenceResets(t *testing.T) {
	// A tiny sanity bound forces the level variance out of bounds on every update.
	estimator := setupTrendEstimator(t, 1e-12)

	window := makeCandles(linear(20, 100, 1), 1)
	out := estimator.Update(window)
	assert.True(t, out.Reset)
	assert.Equal(t, out.Status, Cold)
	assert.Equal(t, out.Score, float64(0))
	assert.Equal(t, estimator.Resets(), 20)

	// Ensure the filter restarts from the latest close with no velocity.
	state := estimator.State()
	assert.Equal(t, state.Level, window[19].Close)
	assert.Equal(t, state.Velocity, float64(0))
}
