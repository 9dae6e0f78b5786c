package shared

import (
	"errors"
	"fmt"
)

// RiskLimits represents process-wide trading guardrails.
type RiskLimits struct {
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions" default:"3" validate:"gte=1"`
	MaxDailyLossFraction   float64 `yaml:"max_daily_loss_fraction" default:"0.03" validate:"gt=0,lt=1"`
	MaxDrawdownFraction    float64 `yaml:"max_drawdown_fraction" default:"0.1" validate:"gt=0,lt=1"`
}

// Validate asserts the limits are sane.
func (l *RiskLimits) Validate() error {
	var errs error

	if l.MaxConcurrentPositions < 1 {
		errs = errors.Join(errs, fmt.Errorf("max concurrent positions must be at least 1, got %d",
			l.MaxConcurrentPositions))
	}
	if l.MaxDailyLossFraction <= 0 || l.MaxDailyLossFraction >= 1 {
		errs = errors.Join(errs, fmt.Errorf("max daily loss fraction must be in (0, 1), got %f",
			l.MaxDailyLossFraction))
	}
	if l.MaxDrawdownFraction <= 0 || l.MaxDrawdownFraction >= 1 {
		errs = errors.Join(errs, fmt.Errorf("max drawdown fraction must be in (0, 1), got %f",
			l.MaxDrawdownFraction))
	}

	return errs
}
