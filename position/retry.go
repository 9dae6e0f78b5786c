package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/jpillora/backoff"
)

// RetryPolicy represents the bounded retry schedule for exchange calls.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" default:"4" validate:"gte=1"`
	MinBackoff  time.Duration `yaml:"min_backoff" default:"200ms" validate:"gt=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" default:"5s" validate:"gtefield=MinBackoff"`
	Factor      float64       `yaml:"factor" default:"2" validate:"gte=1"`
	Jitter      bool          `yaml:"jitter" default:"true"`
}

// Validate asserts the policy is sane.
func (p *RetryPolicy) Validate() error {
	var errs error

	if p.MaxAttempts < 1 {
		errs = errors.Join(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.MinBackoff <= 0 {
		errs = errors.Join(errs, fmt.Errorf("min backoff must be positive, got %v", p.MinBackoff))
	}
	if p.MaxBackoff < p.MinBackoff {
		errs = errors.Join(errs, fmt.Errorf("max backoff %v is less than min backoff %v",
			p.MaxBackoff, p.MinBackoff))
	}
	if p.Factor < 1 {
		errs = errors.Join(errs, fmt.Errorf("backoff factor must be at least 1, got %f", p.Factor))
	}

	return errs
}

// Backoff returns the wait before the provided retry attempt, zero indexed.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    p.MinBackoff,
		Max:    p.MaxBackoff,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}

	return b.ForAttempt(float64(attempt))
}

// Do runs the provided call until it succeeds, is rejected, the context is cancelled or
// the attempts are exhausted. Failed attempts are reported through onErr when provided.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, onErr func(err error)) error {
	return p.do(ctx, fn, onErr, false)
}

// DoRetryRejected runs the provided call like Do, retrying rejections as well.
func (p *RetryPolicy) DoRetryRejected(ctx context.Context, fn func(ctx context.Context) error, onErr func(err error)) error {
	return p.do(ctx, fn, onErr, true)
}

func (p *RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error, onErr func(err error), retryRejected bool) error {
	var err error
	for attempt := range p.MaxAttempts {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if onErr != nil {
			onErr(err)
		}
		if !retryRejected && errors.Is(err, shared.ErrRejected) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, err)
}
