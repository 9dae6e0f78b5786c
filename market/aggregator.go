package market

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/rs/zerolog"
)

// TickStatus represents the outcome of processing a tick.
type TickStatus int

const (
	TickAccepted TickStatus = iota
	TickDuplicate
	TickOutOfOrder
	TickInvalid
)

// String stringifies the provided tick status.
func (s TickStatus) String() string {
	switch s {
	case TickAccepted:
		return "accepted"
	case TickDuplicate:
		return "duplicate"
	case TickOutOfOrder:
		return "out_of_order"
	case TickInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ProcessResult represents the outcome of folding a tick into the tracked timeframes.
type ProcessResult struct {
	Status TickStatus
	// Closed holds every candle sealed by the tick, synthetic fills included, ordered by
	// close time and then by timeframe.
	Closed []*shared.Candlestick
	// Synthetic is the number of gap fill candles generated.
	Synthetic int
}

// AggregatorConfig represents the configuration of a timeframe aggregator.
type AggregatorConfig struct {
	// Market is the name of the aggregated market.
	Market string
	// Timeframes represents the tracked timeframes.
	Timeframes []shared.Timeframe
	// SeriesCapacity is the number of closed candles retained per timeframe.
	SeriesCapacity int32
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *AggregatorConfig) Validate() error {
	var errs error

	if cfg.Market == "" {
		errs = errors.Join(errs, fmt.Errorf("market cannot be an empty string"))
	}
	if len(cfg.Timeframes) == 0 {
		errs = errors.Join(errs, fmt.Errorf("at least one timeframe is required"))
	}
	seen := make(map[shared.Timeframe]struct{}, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		if tf.Duration() == 0 {
			errs = errors.Join(errs, fmt.Errorf("unknown timeframe provided: %d", int(tf)))
		}
		if _, ok := seen[tf]; ok {
			errs = errors.Join(errs, fmt.Errorf("duplicate %s timeframe provided", tf.String()))
		}
		seen[tf] = struct{}{}
	}
	if cfg.SeriesCapacity <= 0 {
		errs = errors.Join(errs, fmt.Errorf("series capacity must be positive, got %d", cfg.SeriesCapacity))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Aggregator folds a market's ticks into candles across multiple timeframes.
//
// It is not safe for concurrent use, callers serialize ticks per market.
type Aggregator struct {
	cfg        *AggregatorConfig
	timeframes []shared.Timeframe
	open       map[shared.Timeframe]*shared.Candlestick
	series     map[shared.Timeframe]*shared.CandlestickSnapshot
	lastTick   time.Time
	duplicates uint64
	dropped    uint64
}

// NewAggregator initializes a new timeframe aggregator.
func NewAggregator(cfg *AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeframes := slices.Clone(cfg.Timeframes)
	slices.SortFunc(timeframes, func(a, b shared.Timeframe) int {
		return int(a.Duration() - b.Duration())
	})

	series := make(map[shared.Timeframe]*shared.CandlestickSnapshot, len(timeframes))
	for _, tf := range timeframes {
		snapshot, err := shared.NewCandlestickSnapshot(cfg.SeriesCapacity, tf)
		if err != nil {
			return nil, fmt.Errorf("creating %s series: %w", tf.String(), err)
		}
		series[tf] = snapshot
	}

	return &Aggregator{
		cfg:        cfg,
		timeframes: timeframes,
		open:       make(map[shared.Timeframe]*shared.Candlestick, len(timeframes)),
		series:     series,
	}, nil
}

// Timeframes returns the tracked timeframes, shortest first.
func (a *Aggregator) Timeframes() []shared.Timeframe {
	return slices.Clone(a.timeframes)
}

// Series returns the closed candle series of the provided timeframe.
func (a *Aggregator) Series(tf shared.Timeframe) *shared.CandlestickSnapshot {
	return a.series[tf]
}

// Current returns a copy of the open candle of the provided timeframe.
func (a *Aggregator) Current(tf shared.Timeframe) (shared.Candlestick, bool) {
	candle, ok := a.open[tf]
	if !ok {
		return shared.Candlestick{}, false
	}

	return *candle, true
}

// LastTick returns the timestamp of the last accepted tick.
func (a *Aggregator) LastTick() time.Time {
	return a.lastTick
}

// Restore marks the provided time as already processed. Ticks at or before it are
// discarded.
func (a *Aggregator) Restore(last time.Time) {
	if last.After(a.lastTick) {
		a.lastTick = last
	}
}

// Duplicates returns the number of discarded duplicate ticks.
func (a *Aggregator) Duplicates() uint64 {
	return a.duplicates
}

// Dropped returns the number of discarded out-of-order and invalid ticks.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped
}

// Process folds the provided tick into every tracked timeframe.
func (a *Aggregator) Process(tick shared.Tick) (ProcessResult, error) {
	if tick.Market != a.cfg.Market {
		return ProcessResult{}, fmt.Errorf("unexpected %s tick provided to %s aggregator",
			tick.Market, a.cfg.Market)
	}

	if err := tick.Validate(); err != nil {
		a.dropped++
		a.cfg.Logger.Warn().Msgf("dropping invalid %s tick: %v", tick.Market, err)
		return ProcessResult{Status: TickInvalid}, nil
	}

	if !a.lastTick.IsZero() {
		switch {
		case tick.Timestamp.Equal(a.lastTick):
			a.duplicates++
			return ProcessResult{Status: TickDuplicate}, nil
		case tick.Timestamp.Before(a.lastTick):
			a.dropped++
			a.cfg.Logger.Warn().Msgf("dropping out-of-order %s tick at %s, last processed %s (%d dropped)",
				tick.Market, tick.Timestamp.Format(time.RFC3339Nano), a.lastTick.Format(time.RFC3339Nano), a.dropped)
			return ProcessResult{Status: TickOutOfOrder}, nil
		}
	}

	result := ProcessResult{Status: TickAccepted}
	for _, tf := range a.timeframes {
		closed, synthetic, err := a.fold(tf, tick)
		if err != nil {
			return ProcessResult{}, fmt.Errorf("folding tick into %s candle: %w", tf.String(), err)
		}

		result.Closed = append(result.Closed, closed...)
		result.Synthetic += synthetic
	}

	slices.SortStableFunc(result.Closed, func(x, y *shared.Candlestick) int {
		if n := x.CloseTime.Compare(y.CloseTime); n != 0 {
			return n
		}
		return int(x.Timeframe.Duration() - y.Timeframe.Duration())
	})

	a.lastTick = tick.Timestamp
	return result, nil
}

// fold updates the provided timeframe with the tick, returning the candles it sealed.
func (a *Aggregator) fold(tf shared.Timeframe, tick shared.Tick) ([]*shared.Candlestick, int, error) {
	boundary := tf.Boundary(tick.Timestamp)
	current, ok := a.open[tf]
	if !ok {
		a.open[tf] = shared.NewCandlestick(a.cfg.Market, tf, boundary, tick.Price, tick.Volume)
		return nil, 0, nil
	}

	if current.Date.Equal(boundary) {
		return nil, 0, current.Update(tick.Price, tick.Volume)
	}

	current.Seal()
	series := a.series[tf]
	err := series.Update(current)
	if err != nil {
		return nil, 0, err
	}

	closed := []*shared.Candlestick{current}

	// Fill the gap between the sealed candle and the tick's bar with flat candles at
	// the last close. Fills beyond the series capacity would be evicted immediately.
	duration := tf.Duration()
	missing := int64(boundary.Sub(current.Date)/duration) - 1
	synthetic := 0
	if missing > 0 {
		start := current.CloseTime
		if capacity := int64(series.Capacity()); missing > capacity {
			start = boundary.Add(-time.Duration(capacity) * duration)
			missing = capacity
		}

		for i := range missing {
			open := start.Add(time.Duration(i) * duration)
			candle := shared.NewSyntheticCandlestick(a.cfg.Market, tf, open, current.Close)
			err := series.Update(candle)
			if err != nil {
				return nil, 0, err
			}
			closed = append(closed, candle)
			synthetic++
		}

		a.cfg.Logger.Debug().Msgf("filled %d %s gap candles for %s ending %s", synthetic,
			tf.String(), a.cfg.Market, boundary.Format(time.RFC3339))
	}

	a.open[tf] = shared.NewCandlestick(a.cfg.Market, tf, boundary, tick.Price, tick.Volume)
	return closed, synthetic, nil
}
