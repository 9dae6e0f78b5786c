package shared

import (
	"time"
)

// StatusCode represents a request or signal status code.
type StatusCode int

// Processed acknowledges a handled signal.
const Processed StatusCode = 1

// TimeframeScore represents the latest per-timeframe estimates fed into fusion.
type TimeframeScore struct {
	Timeframe Timeframe
	// Trend is the adaptive filter direction score in [-1, 1].
	Trend float64
	// Cycle is the spectral oscillator direction score in [-1, 1].
	Cycle float64
	// Warm indicates the timeframe's estimates are trustworthy.
	Warm bool
}

// FusedSignal represents one fused multi-timeframe decision snapshot.
type FusedSignal struct {
	Market string
	// Magnitude is the weighted directional score in [-1, 1]; its sign gives the direction.
	Magnitude float64
	// Confidence and coherence are independent axes in [0, 1].
	Confidence   float64
	Coherence    float64
	Boosted      bool
	Actionable   bool
	Contributing []Timeframe
	Timestamp    time.Time
}

// Direction returns the tradeable direction of the signal. Hold signals are flat.
func (s *FusedSignal) Direction() Direction {
	if !s.Actionable {
		return Flat
	}

	return DirectionOf(s.Magnitude)
}

// RiskParameters represents the derived trade envelope for a fused signal.
type RiskParameters struct {
	StopDistancePct      float64
	TargetDistancePct    float64
	PositionSizeFraction float64
	Regime               Regime
}

// RewardRisk returns the target to stop distance ratio.
func (p *RiskParameters) RewardRisk() float64 {
	if p.StopDistancePct == 0 {
		return 0
	}

	return p.TargetDistancePct / p.StopDistancePct
}

// CandlesClosedSignal represents a signal relaying the candles sealed by a tick.
type CandlesClosedSignal struct {
	Market string
	// Closed holds the sealed candles, oldest first.
	Closed []*Candlestick
	// Windows holds the current series of each closing timeframe, oldest first.
	Windows map[Timeframe][]*Candlestick
	Status  chan StatusCode
}

// NewCandlesClosedSignal initializes a new candles closed signal.
func NewCandlesClosedSignal(market string, closed []*Candlestick, windows map[Timeframe][]*Candlestick) CandlesClosedSignal {
	return CandlesClosedSignal{
		Market:  market,
		Closed:  closed,
		Windows: windows,
		Status:  make(chan StatusCode, 1),
	}
}

// Decision represents a fused signal alongside its derived execution context.
type Decision struct {
	Market string
	Signal FusedSignal
	// Risk is only set for actionable signals.
	Risk *RiskParameters
	// ExecutionCandles holds the execution timeframe candles closed with this decision,
	// oldest first.
	ExecutionCandles []*Candlestick
	// Price is the latest known close.
	Price  float64
	Status chan StatusCode
}

// NewDecision initializes a new decision.
func NewDecision(market string, signal FusedSignal, risk *RiskParameters, candles []*Candlestick, price float64) Decision {
	return Decision{
		Market:           market,
		Signal:           signal,
		Risk:             risk,
		ExecutionCandles: candles,
		Price:            price,
		Status:           make(chan StatusCode, 1),
	}
}
