package indicator

import (
	"fmt"

	"github.com/dnldd/fusion/shared"
	"github.com/markcheno/go-talib"
)

// Volatility represents the realized volatility of a candle series.
type Volatility struct {
	// ATR is the latest average true range.
	ATR float64
	// BaselineATR is the mean average true range over the series.
	BaselineATR float64
}

// AverageTrueRange estimates the realized volatility of the provided candles, oldest
// first, over the provided period.
func AverageTrueRange(candles []*shared.Candlestick, period int) (Volatility, error) {
	if period < 1 {
		return Volatility{}, fmt.Errorf("atr period must be at least 1, got %d", period)
	}
	if len(candles) <= period {
		return Volatility{}, fmt.Errorf("atr requires more than %d candles, got %d", period, len(candles))
	}

	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for idx, candle := range candles {
		high[idx] = candle.High
		low[idx] = candle.Low
		closes[idx] = candle.Close
	}

	atr := talib.Atr(high, low, closes, period)

	// The leading entries of the series are unset while the average seeds.
	valid := atr[period:]
	var sum float64
	for _, v := range valid {
		sum += v
	}

	return Volatility{
		ATR:         atr[len(atr)-1],
		BaselineATR: sum / float64(len(valid)),
	}, nil
}
