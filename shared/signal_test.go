package shared

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestFusedSignalDirection(t *testing.T) {
	signal := FusedSignal{Magnitude: 0.4, Actionable: true}
	assert.Equal(t, signal.Direction(), Long)

	signal.Magnitude = -0.4
	assert.Equal(t, signal.Direction(), Short)

	// Ensure hold signals are always flat regardless of magnitude.
	signal.Actionable = false
	assert.Equal(t, signal.Direction(), Flat)
}

func TestRiskParametersRewardRisk(t *testing.T) {
	params := RiskParameters{StopDistancePct: 0.01, TargetDistancePct: 0.025}
	assert.True(t, math.Abs(params.RewardRisk()-2.5) < 1e-9)

	params.StopDistancePct = 0
	assert.Equal(t, params.RewardRisk(), float64(0))
}

func TestSignalConstructors(t *testing.T) {
	closed := NewCandlesClosedSignal("BTCUSD", nil, nil)
	assert.Equal(t, cap(closed.Status), 1)

	decision := NewDecision("BTCUSD", FusedSignal{Timestamp: time.Now()}, nil, nil, 100)
	assert.Equal(t, cap(decision.Status), 1)
	assert.Equal(t, decision.Price, float64(100))
}

func TestRejectedError(t *testing.T) {
	err := NewRejectedError("insufficient margin")
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, err.Error(), "rejected: insufficient margin")

	wrapped := fmt.Errorf("submitting order: %w", err)
	assert.True(t, errors.Is(wrapped, ErrRejected))

	var rejected *RejectedError
	assert.True(t, errors.As(wrapped, &rejected))
	assert.Equal(t, rejected.Reason, "insufficient margin")

	assert.False(t, errors.Is(errors.New("timeout"), ErrRejected))
}

func TestRiskLimitsValidate(t *testing.T) {
	limits := RiskLimits{MaxConcurrentPositions: 2, MaxDailyLossFraction: 0.02, MaxDrawdownFraction: 0.1}
	assert.NoError(t, limits.Validate())

	limits = RiskLimits{MaxConcurrentPositions: 0, MaxDailyLossFraction: 1.5, MaxDrawdownFraction: 0}
	err := limits.Validate()
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "max concurrent positions"))
	assert.True(t, strings.Contains(err.Error(), "max daily loss fraction"))
	assert.True(t, strings.Contains(err.Error(), "max drawdown fraction"))
}

func TestTickValidate(t *testing.T) {
	now := time.Now()
	tick := Tick{Market: "BTCUSD", Price: 10, Volume: 1, Timestamp: now}
	assert.NoError(t, tick.Validate())

	bad := []Tick{
		{Price: 10, Timestamp: now},
		{Market: "BTCUSD", Price: 0, Timestamp: now},
		{Market: "BTCUSD", Price: -1, Timestamp: now},
		{Market: "BTCUSD", Price: 10, Volume: -1, Timestamp: now},
		{Market: "BTCUSD", Price: 10},
	}
	for idx := range bad {
		assert.Error(t, bad[idx].Validate())
	}
}
