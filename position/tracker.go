package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/fusion/shared"
)

var (
	// ErrConcurrencyLimit is returned when the maximum concurrent positions are active.
	ErrConcurrencyLimit = errors.New("max concurrent positions reached")
	// ErrDailyLossLimit is returned when the daily loss cap has been breached.
	ErrDailyLossLimit = errors.New("daily loss limit breached")
	// ErrDrawdownLimit is returned when the drawdown cap has been breached.
	ErrDrawdownLimit = errors.New("drawdown limit breached")
)

// Counters represents the persisted risk limit counters.
type Counters struct {
	Capital  float64 `json:"capital"`
	Realized float64 `json:"realized"`
	Peak     float64 `json:"peak"`
	DailyPnL float64 `json:"dailyPnl"`
	// DayStart is the equity at the start of the trading day.
	DayStart         float64   `json:"dayStart"`
	DailyBreached    bool      `json:"dailyBreached"`
	DrawdownBreached bool      `json:"drawdownBreached"`
	ResetOn          time.Time `json:"resetOn"`
}

// Tracker tracks the running equity, daily profit and loss and drawdown against the
// configured risk limits. It is only updated on confirmed closes.
type Tracker struct {
	limits   shared.RiskLimits
	counters Counters
}

// NewTracker initializes a new limits tracker.
func NewTracker(limits shared.RiskLimits, capital float64) (*Tracker, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("validating risk limits: %w", err)
	}
	if !(capital > 0) {
		return nil, fmt.Errorf("capital must be positive, got %f", capital)
	}

	return &Tracker{
		limits: limits,
		counters: Counters{
			Capital:  capital,
			Peak:     capital,
			DayStart: capital,
		},
	}, nil
}

// Equity returns the current equity.
func (t *Tracker) Equity() float64 {
	return t.counters.Capital + t.counters.Realized
}

// Drawdown returns the current drawdown from peak equity as a fraction.
func (t *Tracker) Drawdown() float64 {
	if t.counters.Peak <= 0 {
		return 0
	}

	return max(t.counters.Peak-t.Equity(), 0) / t.counters.Peak
}

// DailyPnL returns the profit or loss realized since the last daily reset.
func (t *Tracker) DailyPnL() float64 {
	return t.counters.DailyPnL
}

// Allow asserts one more position can be opened given the provided number of active
// positions.
func (t *Tracker) Allow(active int) error {
	switch {
	case t.counters.DrawdownBreached:
		return ErrDrawdownLimit
	case t.counters.DailyBreached:
		return ErrDailyLossLimit
	case active >= t.limits.MaxConcurrentPositions:
		return fmt.Errorf("%w: %d/%d", ErrConcurrencyLimit, active, t.limits.MaxConcurrentPositions)
	}

	return nil
}

// RecordClose applies a confirmed realized profit or loss, returning the limits newly
// breached by it.
func (t *Tracker) RecordClose(pnl float64) []error {
	t.counters.Realized += pnl
	t.counters.DailyPnL += pnl
	equity := t.Equity()
	if equity > t.counters.Peak {
		t.counters.Peak = equity
	}

	var breaches []error
	if !t.counters.DailyBreached && t.counters.DayStart > 0 &&
		-t.counters.DailyPnL >= t.limits.MaxDailyLossFraction*t.counters.DayStart {
		t.counters.DailyBreached = true
		breaches = append(breaches, fmt.Errorf("%w: daily pnl %.2f of %.2f day start equity",
			ErrDailyLossLimit, t.counters.DailyPnL, t.counters.DayStart))
	}
	if !t.counters.DrawdownBreached && t.Drawdown() >= t.limits.MaxDrawdownFraction {
		t.counters.DrawdownBreached = true
		breaches = append(breaches, fmt.Errorf("%w: drawdown %.4f from peak %.2f",
			ErrDrawdownLimit, t.Drawdown(), t.counters.Peak))
	}

	return breaches
}

// ResetDaily starts a new trading day, clearing the daily loss breach.
func (t *Tracker) ResetDaily(at time.Time) {
	t.counters.DailyPnL = 0
	t.counters.DayStart = t.Equity()
	t.counters.DailyBreached = false
	t.counters.ResetOn = at
}

// ResetDrawdown rebases the peak to the current equity, clearing the drawdown breach.
func (t *Tracker) ResetDrawdown() {
	t.counters.Peak = t.Equity()
	t.counters.DrawdownBreached = false
}

// Counters returns a copy of the tracker's counters.
func (t *Tracker) Counters() Counters {
	return t.counters
}

// Restore replaces the tracker's counters with the provided persisted counters.
func (t *Tracker) Restore(counters Counters) error {
	if !(counters.Capital > 0) {
		return fmt.Errorf("restored capital must be positive, got %f", counters.Capital)
	}

	t.counters = counters
	return nil
}
