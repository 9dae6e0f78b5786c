package shared

import (
	"fmt"
	"math"
	"time"
)

// Candlestick represents a unit candlestick for a market.
type Candlestick struct {
	Open   float64
	Low    float64
	High   float64
	Close  float64
	Volume float64
	// Date is the open time of the candle.
	Date      time.Time
	CloseTime time.Time
	Closed    bool
	// Synthetic marks flat candles generated to fill feed gaps.
	Synthetic bool

	// Metadata and derived fields.
	Market    string
	Timeframe Timeframe
}

// NewCandlestick initializes an open candlestick seeded by the provided tick.
func NewCandlestick(market string, timeframe Timeframe, open time.Time, price float64, volume float64) *Candlestick {
	return &Candlestick{
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
		Date:      open,
		CloseTime: open.Add(timeframe.Duration()),
		Market:    market,
		Timeframe: timeframe,
	}
}

// NewSyntheticCandlestick initializes a sealed flat candlestick at the provided price.
func NewSyntheticCandlestick(market string, timeframe Timeframe, open time.Time, price float64) *Candlestick {
	candle := NewCandlestick(market, timeframe, open, price, 0)
	candle.Synthetic = true
	candle.Closed = true
	return candle
}

// Update folds the provided price and volume into an open candlestick.
func (c *Candlestick) Update(price float64, volume float64) error {
	if c.Closed {
		return fmt.Errorf("cannot update closed %s candle for %s at %s", c.Timeframe.String(),
			c.Market, c.Date.Format(time.RFC3339))
	}

	c.High = math.Max(c.High, price)
	c.Low = math.Min(c.Low, price)
	c.Close = price
	c.Volume += volume

	return nil
}

// Seal marks the candlestick closed, after which it can no longer be updated.
func (c *Candlestick) Seal() {
	c.Closed = true
}

// Range returns the high-low range of the candlestick.
func (c *Candlestick) Range() float64 {
	return c.High - c.Low
}

// Validate asserts the candlestick's price invariants hold.
func (c *Candlestick) Validate() error {
	if c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("candle high %f below body high %f", c.High, math.Max(c.Open, c.Close))
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("candle low %f above body low %f", c.Low, math.Min(c.Open, c.Close))
	}

	return nil
}
