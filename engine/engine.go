package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/fusion/indicator"
	"github.com/dnldd/fusion/risk"
	"github.com/dnldd/fusion/shared"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// maxWorkers is the maximum number of concurrent timeframe workers per event.
	maxWorkers = 16
)

// RiskCalculator defines the risk parameter derivation requirements.
type RiskCalculator interface {
	// Calculate derives the risk parameters of the provided actionable signal.
	Calculate(signal shared.FusedSignal, vol risk.Volatility, coherenceTrend float64) (shared.RiskParameters, error)
}

// MetricsRecorder defines the signal metrics requirements.
type MetricsRecorder interface {
	// RecordSignal records a fused signal.
	RecordSignal(market string, actionable bool, boosted bool)
	// SetColdTimeframes sets the number of cold timeframes of a market.
	SetColdTimeframes(market string, count int)
	// RecordFilterReset records a diverged trend filter reset.
	RecordFilterReset(market string, timeframe string)
}

// EngineConfig represents the signal engine configuration.
type EngineConfig struct {
	// Markets represents the collection of names of the markets to evaluate.
	Markets []string
	// Timeframes represents the fused timeframes.
	Timeframes []shared.Timeframe
	// ExecutionTimeframe is the timeframe positions are managed on.
	ExecutionTimeframe shared.Timeframe
	// Trend is the per-timeframe trend filter configuration.
	Trend *indicator.TrendConfig
	// Cycle is the per-timeframe cycle extractor configuration.
	Cycle *indicator.CycleConfig
	// Fusion is the signal fusion configuration.
	Fusion *FusionConfig
	// Risk derives the risk parameters of actionable signals.
	Risk RiskCalculator
	// ATRPeriod is the execution timeframe average true range period.
	ATRPeriod int
	// CoherenceHistory is the number of recent coherences the coherence trend spans.
	CoherenceHistory int
	// DegradedAfter is the number of consecutive cold updates before a timeframe is
	// reported degraded.
	DegradedAfter int
	// SendDecision relays the provided decision for execution, blocking until it is
	// queued or the context is cancelled.
	SendDecision func(ctx context.Context, decision shared.Decision) error
	// SendEvent relays the provided engine event.
	SendEvent func(event shared.Event)
	// Metrics records signal metrics.
	Metrics MetricsRecorder
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *EngineConfig) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("at least one market is required"))
	}
	if len(cfg.Timeframes) == 0 {
		errs = errors.Join(errs, fmt.Errorf("at least one timeframe is required"))
	}
	if !slices.Contains(cfg.Timeframes, cfg.ExecutionTimeframe) {
		errs = errors.Join(errs, fmt.Errorf("execution timeframe %s is not a fused timeframe",
			cfg.ExecutionTimeframe.String()))
	}
	if cfg.Trend == nil {
		errs = errors.Join(errs, fmt.Errorf("trend config cannot be nil"))
	}
	if cfg.Cycle == nil {
		errs = errors.Join(errs, fmt.Errorf("cycle config cannot be nil"))
	}
	if cfg.Fusion == nil {
		errs = errors.Join(errs, fmt.Errorf("fusion config cannot be nil"))
	} else if err := cfg.Fusion.Validate(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("invalid fusion config: %w", err))
	}
	if cfg.Risk == nil {
		errs = errors.Join(errs, fmt.Errorf("risk calculator cannot be nil"))
	}
	if cfg.ATRPeriod < 1 {
		errs = errors.Join(errs, fmt.Errorf("atr period must be at least 1, got %d", cfg.ATRPeriod))
	}
	if cfg.CoherenceHistory < 2 {
		errs = errors.Join(errs, fmt.Errorf("coherence history must be at least 2, got %d", cfg.CoherenceHistory))
	}
	if cfg.DegradedAfter < 1 {
		errs = errors.Join(errs, fmt.Errorf("degraded after must be at least 1, got %d", cfg.DegradedAfter))
	}
	if cfg.SendDecision == nil {
		errs = errors.Join(errs, fmt.Errorf("send decision function cannot be nil"))
	}
	if cfg.SendEvent == nil {
		errs = errors.Join(errs, fmt.Errorf("send event function cannot be nil"))
	}
	if cfg.Metrics == nil {
		errs = errors.Join(errs, fmt.Errorf("metrics recorder cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// timeframeState tracks the estimators of a single market timeframe.
type timeframeState struct {
	trend      *indicator.TrendEstimator
	cycle      *indicator.CycleExtractor
	score      shared.TimeframeScore
	updated    bool
	coldStreak int
	degraded   bool
}

// marketState tracks the fusion state of a single market.
type marketState struct {
	timeframes map[shared.Timeframe]*timeframeState
	execWindow []*shared.Candlestick
	coherences []float64
}

// Engine fuses per-timeframe estimates into decisions on every candle close.
type Engine struct {
	cfg             *EngineConfig
	markets         map[string]*marketState
	candlesClosed   chan shared.CandlesClosedSignal
	workers         map[string]chan shared.CandlesClosedSignal
	coherenceTrends map[string]float64
	trendsMtx       sync.RWMutex
}

// NewEngine initializes a new signal engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	markets := make(map[string]*marketState, len(cfg.Markets))
	workers := make(map[string]chan shared.CandlesClosedSignal, len(cfg.Markets))
	for _, market := range cfg.Markets {
		state := &marketState{
			timeframes: make(map[shared.Timeframe]*timeframeState, len(cfg.Timeframes)),
		}

		for _, tf := range cfg.Timeframes {
			trend, err := indicator.NewTrendEstimator(cfg.Trend, tf)
			if err != nil {
				return nil, fmt.Errorf("creating %s %s trend estimator: %w", market, tf.String(), err)
			}
			cycle, err := indicator.NewCycleExtractor(cfg.Cycle)
			if err != nil {
				return nil, fmt.Errorf("creating %s %s cycle extractor: %w", market, tf.String(), err)
			}

			state.timeframes[tf] = &timeframeState{
				trend: trend,
				cycle: cycle,
				score: shared.TimeframeScore{Timeframe: tf},
			}
		}

		markets[market] = state
		workers[market] = make(chan shared.CandlesClosedSignal, bufferSize)
	}

	return &Engine{
		cfg:             cfg,
		markets:         markets,
		candlesClosed:   make(chan shared.CandlesClosedSignal, bufferSize),
		workers:         workers,
		coherenceTrends: make(map[string]float64, len(cfg.Markets)),
	}, nil
}

// QueueCandlesClosed relays the provided candles closed signal for processing, blocking
// until it is queued.
func (e *Engine) QueueCandlesClosed(ctx context.Context, signal shared.CandlesClosedSignal) error {
	select {
	case e.candlesClosed <- signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchCoherenceTrend returns the latest coherence trend of the provided market.
func (e *Engine) FetchCoherenceTrend(market string) float64 {
	e.trendsMtx.RLock()
	defer e.trendsMtx.RUnlock()

	return e.coherenceTrends[market]
}

// updateTimeframes updates the estimators of every closing timeframe concurrently,
// returning once all of them have completed.
func (e *Engine) updateTimeframes(market string, state *marketState, windows map[shared.Timeframe][]*shared.Candlestick) error {
	closing := make([]shared.Timeframe, 0, len(windows))
	for tf := range windows {
		if _, ok := state.timeframes[tf]; ok {
			closing = append(closing, tf)
		}
	}

	type update struct {
		trend indicator.TrendOutput
		cycle indicator.SpectralSignal
		ok    bool
	}
	updates := make([]update, len(closing))

	var g errgroup.Group
	g.SetLimit(maxWorkers)
	for idx, tf := range closing {
		g.Go(func() error {
			window := windows[tf]
			if len(window) == 0 {
				return fmt.Errorf("empty %s %s window", market, tf.String())
			}

			tfState := state.timeframes[tf]
			updates[idx] = update{
				trend: tfState.trend.Update(window),
				cycle: tfState.cycle.Update(window),
				ok:    true,
			}
			return nil
		})
	}

	err := g.Wait()

	for idx, tf := range closing {
		tfState := state.timeframes[tf]
		out := updates[idx]
		if !out.ok {
			continue
		}

		tfState.updated = true
		tfState.score = shared.TimeframeScore{
			Timeframe: tf,
			Trend:     out.trend.Score,
			Cycle:     out.cycle.Score,
			Warm:      out.trend.Status == indicator.Warm && out.cycle.Ready,
		}

		if out.trend.Reset {
			e.cfg.Metrics.RecordFilterReset(market, tf.String())
			e.cfg.Logger.Warn().Msgf("%s %s trend filter diverged, reset to prior", market, tf.String())
		}

		e.trackCold(market, tf, tfState)
	}

	return err
}

// trackCold reports timeframes stuck cold for too long, once per cold streak.
func (e *Engine) trackCold(market string, tf shared.Timeframe, state *timeframeState) {
	if state.score.Warm {
		state.coldStreak = 0
		state.degraded = false
		return
	}

	state.coldStreak++
	if state.coldStreak < e.cfg.DegradedAfter || state.degraded {
		return
	}

	state.degraded = true
	timeframe := tf
	e.cfg.Logger.Error().Msgf("%s %s timeframe cold for %d consecutive updates", market, tf.String(), state.coldStreak)
	e.cfg.SendEvent(shared.Event{
		Kind:      shared.EngineDegraded,
		Market:    market,
		Timeframe: &timeframe,
		Message:   fmt.Sprintf("%s timeframe cold for %d consecutive updates", tf.String(), state.coldStreak),
	})
}

// trackCoherence records the provided coherence, returning its trend against the
// preceding coherences.
func (e *Engine) trackCoherence(market string, state *marketState, coherence float64) float64 {
	var trend float64
	if len(state.coherences) > 0 {
		var sum float64
		for _, c := range state.coherences {
			sum += c
		}
		trend = coherence - sum/float64(len(state.coherences))
	}

	state.coherences = append(state.coherences, coherence)
	if len(state.coherences) > e.cfg.CoherenceHistory {
		state.coherences = slices.Delete(state.coherences, 0, len(state.coherences)-e.cfg.CoherenceHistory)
	}

	e.trendsMtx.Lock()
	e.coherenceTrends[market] = trend
	e.trendsMtx.Unlock()

	return trend
}

// handleCandlesClosed fuses the market's estimates after the provided candles closed.
func (e *Engine) handleCandlesClosed(ctx context.Context, signal shared.CandlesClosedSignal) error {
	state, ok := e.markets[signal.Market]
	if !ok {
		return fmt.Errorf("no market state found for %s", signal.Market)
	}
	if len(signal.Closed) == 0 {
		return fmt.Errorf("no closed candles provided for %s", signal.Market)
	}

	err := e.updateTimeframes(signal.Market, state, signal.Windows)
	if err != nil {
		// Timeframes that updated still contribute.
		e.cfg.Logger.Error().Msgf("updating %s timeframes: %v", signal.Market, err)
	}

	var execCandles []*shared.Candlestick
	for _, candle := range signal.Closed {
		if candle.Timeframe == e.cfg.ExecutionTimeframe {
			execCandles = append(execCandles, candle)
		}
	}
	if window, ok := signal.Windows[e.cfg.ExecutionTimeframe]; ok {
		state.execWindow = window
	}

	scores := make([]shared.TimeframeScore, 0, len(e.cfg.Timeframes))
	cold := 0
	for _, tf := range e.cfg.Timeframes {
		tfState := state.timeframes[tf]
		if !tfState.score.Warm {
			cold++
		}
		if tfState.updated {
			scores = append(scores, tfState.score)
		}
	}
	e.cfg.Metrics.SetColdTimeframes(signal.Market, cold)

	latest := signal.Closed[len(signal.Closed)-1]
	fused := Fuse(signal.Market, scores, len(e.cfg.Timeframes), e.cfg.Fusion, latest.CloseTime)
	coherenceTrend := e.trackCoherence(signal.Market, state, fused.Coherence)
	e.cfg.Metrics.RecordSignal(signal.Market, fused.Actionable, fused.Boosted)

	var params *shared.RiskParameters
	if fused.Actionable {
		params = e.deriveRisk(fused, state, latest.Close, coherenceTrend)
	}

	decision := shared.NewDecision(signal.Market, fused, params, execCandles, latest.Close)
	if err := e.cfg.SendDecision(ctx, decision); err != nil {
		return fmt.Errorf("relaying %s decision: %w", signal.Market, err)
	}

	return nil
}

// deriveRisk derives the risk parameters of the provided actionable signal.
func (e *Engine) deriveRisk(signal shared.FusedSignal, state *marketState, price float64, coherenceTrend float64) *shared.RiskParameters {
	vol, err := indicator.AverageTrueRange(state.execWindow, e.cfg.ATRPeriod)
	if err != nil {
		e.cfg.Logger.Debug().Msgf("holding %s signal, insufficient volatility data: %v", signal.Market, err)
		return nil
	}

	params, err := e.cfg.Risk.Calculate(signal, risk.Volatility{
		ATR:         vol.ATR,
		BaselineATR: vol.BaselineATR,
		Price:       price,
	}, coherenceTrend)
	if err != nil {
		e.cfg.Logger.Error().Msgf("deriving %s risk parameters: %v\n%s", signal.Market, err, spew.Sdump(signal))
		return nil
	}

	e.cfg.Logger.Info().Msgf("%s actionable signal: magnitude %.4f, confidence %.4f, coherence %.4f, "+
		"regime %s, stop %.4f%%, target %.4f%%, size %.4f", signal.Market, signal.Magnitude, signal.Confidence,
		signal.Coherence, params.Regime.String(), params.StopDistancePct*100, params.TargetDistancePct*100,
		params.PositionSizeFraction)

	return &params
}

// runWorker processes the candles closed signals of a single market in order.
func (e *Engine) runWorker(ctx context.Context, signals chan shared.CandlesClosedSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case signal := <-signals:
			err := e.handleCandlesClosed(ctx, signal)
			if err != nil {
				e.cfg.Logger.Error().Err(err).Send()
			}
			select {
			case signal.Status <- shared.Processed:
			default:
			}
		}
	}
}

// Run manages the lifecycle processes of the signal engine.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, signals := range e.workers {
		wg.Add(1)
		go func(signals chan shared.CandlesClosedSignal) {
			defer wg.Done()
			e.runWorker(ctx, signals)
		}(signals)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case signal := <-e.candlesClosed:
			// use the dedicated market worker to handle the signal.
			signals, ok := e.workers[signal.Market]
			if !ok {
				e.cfg.Logger.Error().Msgf("no worker found for %s market signal", signal.Market)
				continue
			}

			select {
			case signals <- signal:
			case <-ctx.Done():
			}
		}
	}
}
