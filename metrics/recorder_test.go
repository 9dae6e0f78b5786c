package metrics

import (
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRecorder(t *testing.T) {
	_, err := NewRecorder(nil)
	assert.Error(t, err)

	// Ensure collectors cannot be registered twice with the same registry.
	reg := prometheus.NewRegistry()
	_, err = NewRecorder(reg)
	assert.NoError(t, err)

	defer func() {
		assert.NotNil(t, recover())
	}()
	NewRecorder(reg)
}

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := NewRecorder(reg)
	assert.NoError(t, err)

	recorder.RecordTick("BTCUSD", "accepted")
	recorder.RecordTick("BTCUSD", "accepted")
	recorder.RecordTick("BTCUSD", "duplicate")
	assert.Equal(t, testutil.ToFloat64(recorder.ticks.WithLabelValues("BTCUSD", "accepted")), float64(2))
	assert.Equal(t, testutil.ToFloat64(recorder.ticks.WithLabelValues("BTCUSD", "duplicate")), float64(1))

	recorder.RecordCandle("BTCUSD", "5m", true)
	assert.Equal(t, testutil.ToFloat64(recorder.candles.WithLabelValues("BTCUSD", "5m", "true")), float64(1))

	recorder.RecordSignal("BTCUSD", true, false)
	assert.Equal(t, testutil.ToFloat64(recorder.signals.WithLabelValues("BTCUSD", "true", "false")), float64(1))

	recorder.SetColdTimeframes("BTCUSD", 2)
	recorder.SetColdTimeframes("BTCUSD", 1)
	assert.Equal(t, testutil.ToFloat64(recorder.coldTimeframes.WithLabelValues("BTCUSD")), float64(1))

	recorder.RecordFilterReset("BTCUSD", "1m")
	assert.Equal(t, testutil.ToFloat64(recorder.filterResets.WithLabelValues("BTCUSD", "1m")), float64(1))

	// Ensure realized profit and loss accumulate by sign.
	recorder.RecordPositionOpened("BTCUSD")
	recorder.RecordPositionClosed("BTCUSD", "target hit", 30)
	recorder.RecordPositionClosed("BTCUSD", "stop hit", -10)
	recorder.RecordPositionClosed("BTCUSD", "shutdown", 0)
	assert.Equal(t, testutil.ToFloat64(recorder.positionsOpened.WithLabelValues("BTCUSD")), float64(1))
	assert.Equal(t, testutil.ToFloat64(recorder.positionsClosed.WithLabelValues("BTCUSD", "stop hit")), float64(1))
	assert.Equal(t, testutil.ToFloat64(recorder.realizedPnL.WithLabelValues("BTCUSD", "profit")), float64(30))
	assert.Equal(t, testutil.ToFloat64(recorder.realizedPnL.WithLabelValues("BTCUSD", "loss")), float64(10))

	recorder.RecordExchangeError("submit order")
	recorder.RecordEntryRejected("risk_limits")
	assert.Equal(t, testutil.ToFloat64(recorder.exchangeErrors.WithLabelValues("submit order")), float64(1))
	assert.Equal(t, testutil.ToFloat64(recorder.entriesRejected.WithLabelValues("risk_limits")), float64(1))

	recorder.SetRiskState(10020, 20, 0.01)
	assert.Equal(t, testutil.ToFloat64(recorder.equity), float64(10020))
	assert.Equal(t, testutil.ToFloat64(recorder.dailyPnL), float64(20))
	assert.Equal(t, testutil.ToFloat64(recorder.drawdown), 0.01)

	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.True(t, count > 0)
}
