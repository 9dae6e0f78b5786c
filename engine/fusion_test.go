package engine

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/peterldowns/testy/assert"
)

var testStart = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func testFusionConfig() *FusionConfig {
	return &FusionConfig{
		Weights: map[shared.Timeframe]float64{
			shared.OneMinute:  1,
			shared.FiveMinute: 0.8,
			shared.OneHour:    0.5,
		},
		TrendWeight:     0.6,
		CycleWeight:     0.4,
		SimilarityBand:  0.5,
		CoherenceWeight: 0.5,
		MinConfidence:   0.3,
		MinCoherence:    0.6,
		BoostThreshold:  0.8,
		BoostFactor:     1.25,
		BoostCap:        1.5,
	}
}

func warm(tf shared.Timeframe, trend float64, cycle float64) shared.TimeframeScore {
	return shared.TimeframeScore{Timeframe: tf, Trend: trend, Cycle: cycle, Warm: true}
}

func TestFusionConfigValidate(t *testing.T) {
	cfg := testFusionConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Weights[shared.FourHour] = 0
	cfg.TrendWeight = 0
	cfg.CycleWeight = 0
	cfg.SimilarityBand = 0
	cfg.MinCoherence = 2
	cfg.BoostFactor = 0.5
	assert.Error(t, cfg.Validate())
}

func TestCoherence(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{name: "no scores", scores: nil, want: 0},
		{name: "single score", scores: []float64{0.9}, want: 0.5},
		{name: "identical scores", scores: []float64{0.4, 0.4, 0.4}, want: 1},
		{name: "within similarity band", scores: []float64{0.4, 0.2}, want: 1},
		{name: "outside similarity band", scores: []float64{0.4, 0.1}, want: 0.5},
		{name: "opposing signs", scores: []float64{0.4, -0.4}, want: 0},
		{name: "both flat", scores: []float64{0, 0}, want: 1},
		{name: "flat against directional", scores: []float64{0, 0.3}, want: 0},
		{name: "one dissenter of three", scores: []float64{0.5, 0.5, -0.5}, want: float64(1) / 3},
	}

	for _, test := range tests {
		got := Coherence(test.scores, 0.5)
		if math.Abs(got-test.want) > 1e-12 {
			t.Errorf("%s: expected %v, got %v", test.name, test.want, got)
		}
	}
}

func TestFuse(t *testing.T) {
	cfg := testFusionConfig()

	// Ensure no contributing timeframes produce a flat hold.
	signal := Fuse("BTCUSD", []shared.TimeframeScore{{Timeframe: shared.OneMinute, Trend: 0.9}}, 3, cfg, testStart)
	assert.Equal(t, signal.Magnitude, float64(0))
	assert.Equal(t, signal.Confidence, float64(0))
	assert.Equal(t, len(signal.Contributing), 0)
	assert.False(t, signal.Actionable)
	assert.Equal(t, signal.Direction(), shared.Flat)
	assert.Equal(t, signal.Timestamp, testStart)

	// Ensure aligned timeframes produce an actionable boosted signal.
	aligned := []shared.TimeframeScore{
		warm(shared.OneMinute, 0.6, 0.5),
		warm(shared.FiveMinute, 0.5, 0.6),
		warm(shared.OneHour, 0.55, 0.4),
	}
	signal = Fuse("BTCUSD", aligned, 3, cfg, testStart)
	assert.Equal(t, signal.Coherence, float64(1))
	assert.True(t, signal.Boosted)
	assert.True(t, signal.Actionable)
	assert.Equal(t, signal.Direction(), shared.Long)
	assert.Equal(t, signal.Contributing, []shared.Timeframe{shared.OneMinute, shared.FiveMinute, shared.OneHour})

	var weighted, weights float64
	for _, score := range aligned {
		weighted += cfg.weight(score.Timeframe) * cfg.Blend(score)
		weights += cfg.weight(score.Timeframe)
	}
	assert.True(t, math.Abs(signal.Magnitude-weighted/weights*1.25) < 1e-12)

	// Ensure disagreement yields a hold with its raw numbers intact.
	split := []shared.TimeframeScore{
		warm(shared.OneMinute, 0.6, 0.5),
		warm(shared.FiveMinute, -0.5, -0.6),
	}
	signal = Fuse("BTCUSD", split, 2, cfg, testStart)
	assert.Equal(t, signal.Coherence, float64(0))
	assert.False(t, signal.Boosted)
	assert.False(t, signal.Actionable)
	assert.NotEqual(t, signal.Magnitude, float64(0))
	assert.Equal(t, signal.Direction(), shared.Flat)

	// Ensure cold timeframes lower the confidence ceiling.
	partial := []shared.TimeframeScore{
		warm(shared.OneMinute, 0.6, 0.5),
		warm(shared.FiveMinute, 0.5, 0.6),
		{Timeframe: shared.OneHour, Trend: -0.9, Cycle: -0.9},
	}
	full := Fuse("BTCUSD", aligned[:2], 2, cfg, testStart)
	reduced := Fuse("BTCUSD", partial, 3, cfg, testStart)
	assert.Equal(t, len(reduced.Contributing), 2)
	assert.True(t, math.Abs(reduced.Confidence-full.Confidence*2/3) < 1e-12)
	assert.Equal(t, reduced.Coherence, full.Coherence)
}

func TestFuseSingleTimeframeCoherence(t *testing.T) {
	cfg := testFusionConfig()
	rng := rand.New(rand.NewPCG(5, 8))

	// Ensure a single contributing timeframe always scores a coherence of exactly 0.5.
	for range 1000 {
		scores := []shared.TimeframeScore{
			warm(shared.OneMinute, rng.Float64()*2-1, rng.Float64()*2-1),
			{Timeframe: shared.FiveMinute, Trend: rng.Float64(), Warm: false},
		}
		signal := Fuse("BTCUSD", scores, 2, cfg, testStart)
		if signal.Coherence != 0.5 {
			t.Fatalf("expected a coherence of 0.5, got %v", signal.Coherence)
		}
		assert.False(t, signal.Boosted)
	}
}

func TestFuseCoherenceMonotonic(t *testing.T) {
	cfg := testFusionConfig()
	cfg.CycleWeight = 0

	// Ensure coherence never drops as same-signed scores grow more similar.
	prev := -1.0
	for step := 1; step <= 100; step++ {
		ratio := float64(step) / 100
		scores := []shared.TimeframeScore{
			warm(shared.OneMinute, 0.8, 0),
			warm(shared.FiveMinute, 0.8*ratio, 0),
			warm(shared.OneHour, 0.8*math.Sqrt(ratio), 0),
		}

		signal := Fuse("BTCUSD", scores, 3, cfg, testStart)
		if signal.Coherence < prev {
			t.Fatalf("coherence dropped from %v to %v at ratio %v", prev, signal.Coherence, ratio)
		}
		prev = signal.Coherence

		// Ensure the boost is applied if and only if coherence clears its threshold.
		assert.Equal(t, signal.Boosted, signal.Coherence > cfg.BoostThreshold)
	}
	assert.Equal(t, prev, float64(1))
}

func TestFuseBoundsHoldForRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewPCG(23, 29))
	timeframes := []shared.Timeframe{shared.OneMinute, shared.FiveMinute, shared.FifteenMinute, shared.OneHour}

	for range 5000 {
		cfg := testFusionConfig()
		cfg.BoostFactor = 1 + rng.Float64()*10
		cfg.BoostCap = 1 + rng.Float64()*10
		cfg.BoostThreshold = rng.Float64() * 0.99
		cfg.TrendWeight = rng.Float64()
		cfg.CycleWeight = rng.Float64() + 0.01
		for _, tf := range timeframes {
			cfg.Weights[tf] = rng.Float64() + 0.01
		}

		// Mostly aligned scores so the boost is exercised often.
		sign := 1.0
		if rng.IntN(2) == 0 {
			sign = -1
		}
		scores := make([]shared.TimeframeScore, 0, len(timeframes))
		for _, tf := range timeframes {
			score := warm(tf, sign*rng.Float64(), sign*rng.Float64())
			if rng.IntN(10) == 0 {
				score.Trend = -score.Trend
			}
			score.Warm = rng.IntN(5) != 0
			scores = append(scores, score)
		}

		signal := Fuse("BTCUSD", scores, len(timeframes), cfg, testStart)
		if math.Abs(signal.Magnitude) > 1 {
			t.Fatalf("magnitude %v out of bounds", signal.Magnitude)
		}
		assert.True(t, signal.Confidence >= 0 && signal.Confidence <= 1)
		assert.True(t, signal.Coherence >= 0 && signal.Coherence <= 1)
		assert.Equal(t, signal.Boosted, len(signal.Contributing) > 0 && signal.Coherence > cfg.BoostThreshold)
	}
}

func FuzzFuseBoostBound(f *testing.F) {
	f.Add(0.9, 0.9, 0.95, 0.99, 5.0, 5.0)
	f.Add(1.0, 1.0, 1.0, 1.0, 100.0, 3.0)
	f.Add(-0.7, -0.8, -0.75, -0.6, 2.0, 1.1)

	f.Fuzz(func(t *testing.T, a float64, b float64, c float64, d float64, factor float64, boostCap float64) {
		cfg := testFusionConfig()
		cfg.BoostFactor = 1 + math.Abs(math.Mod(factor, 1000))
		cfg.BoostCap = 1 + math.Abs(math.Mod(boostCap, 1000))
		if math.IsNaN(cfg.BoostFactor) || math.IsNaN(cfg.BoostCap) {
			return
		}

		scores := []shared.TimeframeScore{
			warm(shared.OneMinute, a, b),
			warm(shared.FiveMinute, c, d),
			warm(shared.OneHour, a, d),
		}

		signal := Fuse("BTCUSD", scores, 3, cfg, testStart)
		if math.Abs(signal.Magnitude) > 1 || math.IsNaN(signal.Magnitude) {
			t.Fatalf("magnitude %v out of bounds", signal.Magnitude)
		}
	})
}
