package market

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
)

// MetricsRecorder defines the market data metrics requirements.
type MetricsRecorder interface {
	// RecordTick records a processed tick and its outcome.
	RecordTick(market string, status string)
	// RecordCandle records a closed candle.
	RecordCandle(market string, timeframe string, synthetic bool)
}

// ManagerConfig represents the market manager configuration.
type ManagerConfig struct {
	// Markets represents the collection of names of the markets to manage.
	Markets []string
	// Timeframes represents the timeframes aggregated for every market.
	Timeframes []shared.Timeframe
	// SeriesCapacity is the number of closed candles retained per timeframe.
	SeriesCapacity int32
	// SignalCandlesClosed relays the candles sealed by a tick, blocking until they are
	// queued or the context is cancelled.
	SignalCandlesClosed func(ctx context.Context, signal shared.CandlesClosedSignal) error
	// Metrics records market data metrics.
	Metrics MetricsRecorder
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("at least one market is required"))
	}
	if cfg.SignalCandlesClosed == nil {
		errs = errors.Join(errs, fmt.Errorf("signal candles closed function cannot be nil"))
	}
	if cfg.Metrics == nil {
		errs = errors.Join(errs, fmt.Errorf("metrics recorder cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Manager manages the tick aggregation of all tracked markets. Ticks of a market are
// processed in arrival order by a dedicated worker.
type Manager struct {
	cfg          *ManagerConfig
	aggregators  map[string]*Aggregator
	tickSignals  chan shared.Tick
	workers      map[string]chan shared.Tick
	lastTicks    map[string]time.Time
	lastTicksMtx sync.RWMutex
}

// NewManager initializes a new market manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	aggregators := make(map[string]*Aggregator, len(cfg.Markets))
	workers := make(map[string]chan shared.Tick, len(cfg.Markets))
	for _, market := range cfg.Markets {
		if _, ok := aggregators[market]; ok {
			return nil, fmt.Errorf("duplicate market provided: %s", market)
		}

		aggCfg := &AggregatorConfig{
			Market:         market,
			Timeframes:     cfg.Timeframes,
			SeriesCapacity: cfg.SeriesCapacity,
			Logger:         cfg.Logger,
		}
		agg, err := NewAggregator(aggCfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s aggregator: %w", market, err)
		}

		aggregators[market] = agg
		workers[market] = make(chan shared.Tick, bufferSize)
	}

	return &Manager{
		cfg:         cfg,
		aggregators: aggregators,
		tickSignals: make(chan shared.Tick, bufferSize),
		workers:     workers,
		lastTicks:   make(map[string]time.Time, len(cfg.Markets)),
	}, nil
}

// SendTick relays the provided tick for processing.
func (m *Manager) SendTick(tick shared.Tick) {
	select {
	case m.tickSignals <- tick:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("tick channel at capacity: %d/%d",
			len(m.tickSignals), bufferSize)
	}
}

// QueueTick relays the provided tick for processing, blocking until it is queued.
func (m *Manager) QueueTick(ctx context.Context, tick shared.Tick) error {
	select {
	case m.tickSignals <- tick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore marks the provided per-market tick timestamps as already processed.
// It must be called before Run.
func (m *Manager) Restore(lastTicks map[string]time.Time) {
	m.lastTicksMtx.Lock()
	defer m.lastTicksMtx.Unlock()

	for market, last := range lastTicks {
		agg, ok := m.aggregators[market]
		if !ok {
			m.cfg.Logger.Warn().Msgf("no aggregator found for restored %s market", market)
			continue
		}

		agg.Restore(last)
		m.lastTicks[market] = agg.LastTick()
	}
}

// FetchLastTicks returns the last processed tick timestamp of every market.
func (m *Manager) FetchLastTicks() map[string]time.Time {
	m.lastTicksMtx.RLock()
	defer m.lastTicksMtx.RUnlock()

	return maps.Clone(m.lastTicks)
}

// handleTick processes the provided tick.
func (m *Manager) handleTick(ctx context.Context, tick shared.Tick) error {
	agg, ok := m.aggregators[tick.Market]
	if !ok {
		return fmt.Errorf("no aggregator found for %s market", tick.Market)
	}

	result, err := agg.Process(tick)
	if err != nil {
		return fmt.Errorf("processing %s tick: %w", tick.Market, err)
	}

	m.cfg.Metrics.RecordTick(tick.Market, result.Status.String())
	if result.Status != TickAccepted {
		return nil
	}

	m.lastTicksMtx.Lock()
	m.lastTicks[tick.Market] = agg.LastTick()
	m.lastTicksMtx.Unlock()

	if len(result.Closed) == 0 {
		return nil
	}

	windows := make(map[shared.Timeframe][]*shared.Candlestick)
	for _, candle := range result.Closed {
		m.cfg.Metrics.RecordCandle(candle.Market, candle.Timeframe.String(), candle.Synthetic)
		if _, ok := windows[candle.Timeframe]; ok {
			continue
		}
		windows[candle.Timeframe] = agg.Series(candle.Timeframe).All()
	}

	err = m.cfg.SignalCandlesClosed(ctx, shared.NewCandlesClosedSignal(tick.Market, result.Closed, windows))
	if err != nil {
		return fmt.Errorf("relaying %s closed candles: %w", tick.Market, err)
	}

	return nil
}

// runWorker processes the ticks of a single market in order.
func (m *Manager) runWorker(ctx context.Context, ticks chan shared.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticks:
			err := m.handleTick(ctx, tick)
			if err != nil {
				m.cfg.Logger.Error().Err(err).Send()
			}
		}
	}
}

// Run manages the lifecycle processes of the market manager.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ticks := range m.workers {
		wg.Add(1)
		go func(ticks chan shared.Tick) {
			defer wg.Done()
			m.runWorker(ctx, ticks)
		}(ticks)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case tick := <-m.tickSignals:
			// use the dedicated market worker to handle the tick.
			ticks, ok := m.workers[tick.Market]
			if !ok {
				m.cfg.Logger.Error().Msgf("no worker found for %s market tick", tick.Market)
				continue
			}

			select {
			case ticks <- tick:
			case <-ctx.Done():
			}
		}
	}
}
