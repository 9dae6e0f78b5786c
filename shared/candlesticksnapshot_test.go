package shared

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
)

func TestCandlestickSnapshot(t *testing.T) {
	// Ensure candle snapshot size cannot be negative or zero.
	timeframe := FiveMinute
	candleSnapshot, err := NewCandlestickSnapshot(-1, timeframe)
	assert.Error(t, err)

	candleSnapshot, err = NewCandlestickSnapshot(0, timeframe)
	assert.Error(t, err)

	// Ensure a candlestick snapshot can be created.
	size := int32(4)
	candleSnapshot, err = NewCandlestickSnapshot(size, timeframe)
	assert.NoError(t, err)
	assert.Equal(t, candleSnapshot.Timeframe(), timeframe)
	assert.Equal(t, candleSnapshot.Capacity(), size)

	// Ensure calling last on an empty snapshot returns nothing.
	last := candleSnapshot.Last()
	assert.Nil(t, last)

	// Ensure calling LastN on an empty snapshot returns an empty set.
	lastN := candleSnapshot.LastN(size)
	assert.Equal(t, len(lastN), 0)

	// Ensure calling LastN with zero or negative size returns nil.
	lastN = candleSnapshot.LastN(-1)
	assert.Nil(t, lastN)

	// Ensure open candles and candles of other timeframes are rejected.
	start := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	openCandle := NewCandlestick("BTCUSD", timeframe, start, 1, 1)
	err = candleSnapshot.Update(openCandle)
	assert.Error(t, err)

	otherCandle := NewSyntheticCandlestick("BTCUSD", OneHour, start, 1)
	err = candleSnapshot.Update(otherCandle)
	assert.Error(t, err)

	err = candleSnapshot.Update(nil)
	assert.Error(t, err)

	// Ensure the snapshot can be updated with candles.
	for idx := range size {
		candle := &Candlestick{
			Open:      float64(idx + 1),
			Close:     float64(idx + 2),
			High:      float64(idx + 3),
			Low:       float64(idx),
			Volume:    float64(idx),
			Closed:    true,
			Timeframe: timeframe,
		}
		err = candleSnapshot.Update(candle)
		assert.NoError(t, err)
	}

	assert.Equal(t, candleSnapshot.count.Load(), size)
	assert.Equal(t, candleSnapshot.size.Load(), size)
	assert.Equal(t, candleSnapshot.start.Load(), 0)
	assert.Equal(t, len(candleSnapshot.data), int(size))

	// Ensure calling last on an valid snapshot returns the last added entry.
	last = candleSnapshot.Last()
	assert.Equal(t, last.Low, float64(3))

	// Ensure calling LastN with a larger size than the snapshot gets clamped to the snapshot's size.
	lastN = candleSnapshot.LastN(size + 1)
	assert.Equal(t, len(lastN), int(size))

	// Ensure candle updates at capacity overwrite existing slots.
	candle := &Candlestick{
		Open:      float64(5),
		Close:     float64(8),
		High:      float64(9),
		Low:       float64(3),
		Volume:    float64(2),
		Closed:    true,
		Timeframe: timeframe,
	}

	err = candleSnapshot.Update(candle)
	assert.NoError(t, err)
	assert.Equal(t, candleSnapshot.count.Load(), size)
	assert.Equal(t, candleSnapshot.size.Load(), size)
	assert.Equal(t, candleSnapshot.start.Load(), 1)
	assert.Equal(t, len(candleSnapshot.data), int(size))

	// Ensure the oldest entry was evicted and ordering is preserved.
	all := candleSnapshot.All()
	assert.Equal(t, len(all), int(size))
	assert.Equal(t, all[0].Low, float64(1))
	assert.Equal(t, all[len(all)-1].Close, float64(8))

	closes := Closes(all)
	assert.Equal(t, closes, []float64{3, 4, 5, 8})
}

func TestAverageRange(t *testing.T) {
	candles := []*Candlestick{
		{High: 10, Low: 8},
		{High: 12, Low: 8},
		{High: 11, Low: 10},
	}

	assert.Equal(t, AverageRange(candles, 0), float64(0))
	assert.Equal(t, AverageRange(nil, 3), float64(0))
	assert.Equal(t, AverageRange(candles, 2), float64(2.5))
	assert.Equal(t, AverageRange(candles, 10), float64(7)/3)
}
