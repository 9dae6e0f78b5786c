package shared

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// TickReplayConfig represents the tick replay source configuration.
type TickReplayConfig struct {
	// FilePath is the filepath to the recorded tick data.
	FilePath string
	// SendTick relays the provided tick for processing, blocking until it is queued.
	SendTick func(ctx context.Context, tick Tick) error
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *TickReplayConfig) Validate() error {
	var errs error

	if cfg.FilePath == "" {
		errs = errors.Join(errs, fmt.Errorf("tick replay filepath cannot be an empty string"))
	}
	if cfg.SendTick == nil {
		errs = errors.Join(errs, fmt.Errorf("send tick function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// TickReplay streams recorded ticks as a market data source.
type TickReplay struct {
	cfg    *TickReplayConfig
	market string
	ticks  []Tick
}

// ParseTicks parses ticks for the provided market from json data. Timestamps are either
// unix milliseconds or DateLayout strings in UTC.
func ParseTicks(data []gjson.Result, market string) ([]Tick, error) {
	ticks := make([]Tick, 0, len(data))
	for idx := range data {
		var ts time.Time
		raw := data[idx].Get("timestamp")
		switch raw.Type {
		case gjson.Number:
			ts = time.UnixMilli(raw.Int()).UTC()
		case gjson.String:
			dt, err := time.ParseInLocation(DateLayout, raw.String(), time.UTC)
			if err != nil {
				return nil, fmt.Errorf("parsing tick timestamp: %w", err)
			}
			ts = dt
		default:
			return nil, fmt.Errorf("tick %d has no timestamp", idx)
		}

		ticks = append(ticks, Tick{
			Market:    market,
			Price:     data[idx].Get("price").Float(),
			Volume:    data[idx].Get("volume").Float(),
			Timestamp: ts,
		})
	}

	return ticks, nil
}

// NewTickReplay initializes a new tick replay source.
func NewTickReplay(cfg *TickReplayConfig) (*TickReplay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	readb, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading tick data from file with path '%s': %w", cfg.FilePath, err)
	}

	if !gjson.ValidBytes(readb) {
		return nil, fmt.Errorf("invalid json in tick data file '%s'", cfg.FilePath)
	}

	b := gjson.ParseBytes(readb)
	market := b.Get("market").String()
	if market == "" {
		return nil, fmt.Errorf("no market specified in tick data file '%s'", cfg.FilePath)
	}

	ticks, err := ParseTicks(b.Get("ticks").Array(), market)
	if err != nil {
		return nil, fmt.Errorf("parsing ticks: %w", err)
	}

	slices.SortStableFunc(ticks, func(a, b Tick) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	return &TickReplay{
		cfg:    cfg,
		market: market,
		ticks:  ticks,
	}, nil
}

// FetchMarket returns the replayed market.
func (r *TickReplay) FetchMarket() string {
	return r.market
}

// Len returns the number of recorded ticks.
func (r *TickReplay) Len() int {
	return len(r.ticks)
}

// Replay streams the recorded ticks in timestamp order.
func (r *TickReplay) Replay(ctx context.Context) error {
	if len(r.ticks) == 0 {
		return nil
	}

	first := r.ticks[0].Timestamp
	last := r.ticks[len(r.ticks)-1].Timestamp
	r.cfg.Logger.Info().Msgf("replaying %d %s ticks covering %.2f hours, from %s, to %s",
		len(r.ticks), r.market, last.Sub(first).Hours(), first.Format(time.RFC1123), last.Format(time.RFC1123))

	for idx := range r.ticks {
		err := r.cfg.SendTick(ctx, r.ticks[idx])
		if err != nil {
			return fmt.Errorf("replaying tick %d: %w", idx, err)
		}
	}

	return nil
}
