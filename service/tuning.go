package service

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/creasty/defaults"
	"github.com/dnldd/fusion/engine"
	"github.com/dnldd/fusion/exchange"
	"github.com/dnldd/fusion/indicator"
	"github.com/dnldd/fusion/position"
	"github.com/dnldd/fusion/risk"
	"github.com/dnldd/fusion/shared"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Tuning represents the read-only numeric configuration of the service.
type Tuning struct {
	// Timeframes are the fused timeframes.
	Timeframes []string `yaml:"timeframes" default:"[\"5m\",\"15m\",\"1H\"]" validate:"min=1,dive,required"`
	// ExecutionTimeframe is the timeframe positions are managed on.
	ExecutionTimeframe string `yaml:"execution_timeframe" default:"5m" validate:"required"`
	// Weights maps a timeframe to its fusion weight. Unlisted timeframes weigh 1.
	Weights map[string]float64 `yaml:"weights" validate:"dive,gt=0"`
	// SeriesCapacity is the number of closed candles retained per timeframe.
	SeriesCapacity int32 `yaml:"series_capacity" default:"256" validate:"gte=2"`
	// ATRPeriod is the execution timeframe average true range period.
	ATRPeriod int `yaml:"atr_period" default:"14" validate:"gte=1"`
	// CoherenceHistory is the number of recent coherences the coherence trend spans.
	CoherenceHistory int `yaml:"coherence_history" default:"5" validate:"gte=2"`
	// DegradedAfter is the cold update streak reported as a degraded timeframe.
	DegradedAfter int `yaml:"degraded_after" default:"5" validate:"gte=1"`
	// Capital is the starting capital.
	Capital float64 `yaml:"capital" default:"10000" validate:"gt=0"`
	// DailyReset is the UTC wall clock time the daily loss counter resets at.
	DailyReset string `yaml:"daily_reset" default:"00:00" validate:"required"`

	FillTimeout      time.Duration `yaml:"fill_timeout" default:"10s" validate:"gt=0"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval" default:"500ms" validate:"gt=0,ltefield=FillTimeout"`
	CallTimeout      time.Duration `yaml:"call_timeout" default:"5s" validate:"gt=0"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" default:"15s" validate:"gt=0"`

	Trend  indicator.TrendConfig `yaml:"trend"`
	Cycle  indicator.CycleConfig `yaml:"cycle"`
	Fusion engine.FusionConfig   `yaml:"fusion"`
	Risk   risk.CalculatorConfig `yaml:"risk"`
	Limits shared.RiskLimits     `yaml:"limits"`
	Exits  position.ExitConfig   `yaml:"exits"`
	Retry  position.RetryPolicy  `yaml:"retry"`
	Paper  exchange.PaperConfig  `yaml:"paper"`
}

// DefaultTuning returns the tuning with every default applied.
func DefaultTuning() (*Tuning, error) {
	return ParseTuning(nil)
}

// LoadTuning loads the tuning file at the provided path. An empty path yields the defaults.
func LoadTuning(path string) (*Tuning, error) {
	if path == "" {
		return DefaultTuning()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tuning file '%s': %w", path, err)
	}

	return ParseTuning(data)
}

// ParseTuning parses yaml tuning data over the defaults and validates the result.
func ParseTuning(data []byte) (*Tuning, error) {
	var t Tuning
	if err := defaults.Set(&t); err != nil {
		return nil, fmt.Errorf("setting tuning defaults: %w", err)
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parsing tuning: %w", err)
		}
	}

	rewardRisk, stopMultiple := risk.DefaultRegimeTables()
	if t.Risk.RewardRisk == (risk.RegimeTable{}) {
		t.Risk.RewardRisk = rewardRisk
	}
	if t.Risk.StopATRMultiple == (risk.RegimeTable{}) {
		t.Risk.StopATRMultiple = stopMultiple
	}

	if err := validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("validating tuning: %w", err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &t, nil
}

// Validate asserts the tuning sane inputs beyond its struct tags.
func (t *Tuning) Validate() error {
	var errs error

	timeframes, err := t.FetchTimeframes()
	if err != nil {
		errs = errors.Join(errs, err)
	}
	exec, err := shared.ParseTimeframe(t.ExecutionTimeframe)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("parsing execution timeframe: %w", err))
	} else if timeframes != nil && !slices.Contains(timeframes, exec) {
		errs = errors.Join(errs, fmt.Errorf("execution timeframe %s is not a fused timeframe", exec.String()))
	}
	if _, err := t.FetchWeights(); err != nil {
		errs = errors.Join(errs, err)
	}
	if _, err := time.Parse("15:04", t.DailyReset); err != nil {
		errs = errors.Join(errs, fmt.Errorf("daily reset must be formatted as HH:MM, got %q", t.DailyReset))
	}
	if t.Cycle.MinWindow > int(t.SeriesCapacity) {
		errs = errors.Join(errs, fmt.Errorf("cycle min window %d exceeds series capacity %d",
			t.Cycle.MinWindow, t.SeriesCapacity))
	}

	errs = errors.Join(errs,
		t.Trend.Validate(),
		t.Cycle.Validate(),
		t.Fusion.Validate(),
		t.Risk.Validate(),
		t.Limits.Validate(),
		t.Exits.Validate(),
		t.Retry.Validate(),
	)

	return errs
}

// FetchTimeframes parses the fused timeframes, rejecting duplicates.
func (t *Tuning) FetchTimeframes() ([]shared.Timeframe, error) {
	timeframes := make([]shared.Timeframe, 0, len(t.Timeframes))
	seen := make(map[shared.Timeframe]struct{}, len(t.Timeframes))
	for _, str := range t.Timeframes {
		tf, err := shared.ParseTimeframe(str)
		if err != nil {
			return nil, fmt.Errorf("parsing timeframe: %w", err)
		}
		if _, ok := seen[tf]; ok {
			return nil, fmt.Errorf("duplicate timeframe %s", tf.String())
		}

		seen[tf] = struct{}{}
		timeframes = append(timeframes, tf)
	}

	return timeframes, nil
}

// FetchWeights parses the per-timeframe fusion weights.
func (t *Tuning) FetchWeights() (map[shared.Timeframe]float64, error) {
	weights := make(map[shared.Timeframe]float64, len(t.Weights))
	for str, w := range t.Weights {
		tf, err := shared.ParseTimeframe(str)
		if err != nil {
			return nil, fmt.Errorf("parsing weight timeframe: %w", err)
		}

		weights[tf] = w
	}

	return weights, nil
}
