package shared

import (
	"testing"

	"github.com/peterldowns/testy/assert"
)

func TestExitReasonString(t *testing.T) {
	tests := []struct {
		name   string
		reason ExitReason
		want   string
	}{
		{name: "none", reason: NoExit, want: "none"},
		{name: "stop hit", reason: StopHit, want: "stop hit"},
		{name: "target hit", reason: TargetHit, want: "target hit"},
		{name: "signal reversal", reason: SignalReversal, want: "signal reversal"},
		{name: "compression breakdown", reason: CompressionBreakdown, want: "compression breakdown"},
		{name: "max holding period", reason: MaxHoldingPeriod, want: "max holding period"},
		{name: "shutdown", reason: ShutdownExit, want: "shutdown"},
		{name: "manual override", reason: ManualOverride, want: "manual override"},
		{name: "unknown", reason: ExitReason(999), want: "unknown"},
	}

	for _, test := range tests {
		str := test.reason.String()
		if str != test.want {
			t.Errorf("%s: expected %v, got %v", test.name, test.want, str)
		}
	}
}

func TestDirection(t *testing.T) {
	assert.Equal(t, Long.String(), "long")
	assert.Equal(t, Short.String(), "short")
	assert.Equal(t, Flat.String(), "flat")
	assert.Equal(t, Direction(999).String(), "unknown")

	assert.Equal(t, Long.Opposite(), Short)
	assert.Equal(t, Short.Opposite(), Long)
	assert.Equal(t, Flat.Opposite(), Flat)

	assert.Equal(t, DirectionOf(0.2), Long)
	assert.Equal(t, DirectionOf(-0.2), Short)
	assert.Equal(t, DirectionOf(0), Flat)
}

func TestRegimeString(t *testing.T) {
	assert.Equal(t, Stable.String(), "stable")
	assert.Equal(t, Ranging.String(), "ranging")
	assert.Equal(t, Trending.String(), "trending")
	assert.Equal(t, Volatile.String(), "volatile")
	assert.Equal(t, Regime(999).String(), "unknown")
}
