package shared

import (
	"fmt"
	"time"
)

const (
	// DateLayout is the format layout for parsing dates.
	DateLayout = "2006-01-02 15:04:05"
)

// Timeframe represents the market data time period.
type Timeframe int

const (
	OneMinute Timeframe = iota
	FiveMinute
	FifteenMinute
	OneHour
	FourHour
	OneDay
)

// String stringifies the provided timeframe.
func (t Timeframe) String() string {
	switch t {
	case OneMinute:
		return "1m"
	case FiveMinute:
		return "5m"
	case FifteenMinute:
		return "15m"
	case OneHour:
		return "1H"
	case FourHour:
		return "4H"
	case OneDay:
		return "1D"
	default:
		return "unknown"
	}
}

// Duration returns the bar interval of the timeframe.
func (t Timeframe) Duration() time.Duration {
	switch t {
	case OneMinute:
		return time.Minute
	case FiveMinute:
		return time.Minute * 5
	case FifteenMinute:
		return time.Minute * 15
	case OneHour:
		return time.Hour
	case FourHour:
		return time.Hour * 4
	case OneDay:
		return time.Hour * 24
	default:
		return 0
	}
}

// Boundary returns the open time of the bar containing the provided time.
func (t Timeframe) Boundary(at time.Time) time.Time {
	return at.UTC().Truncate(t.Duration())
}

// ParseTimeframe parses the provided timeframe string.
func ParseTimeframe(str string) (Timeframe, error) {
	switch str {
	case "1m":
		return OneMinute, nil
	case "5m":
		return FiveMinute, nil
	case "15m":
		return FifteenMinute, nil
	case "1H", "1h":
		return OneHour, nil
	case "4H", "4h":
		return FourHour, nil
	case "1D", "1d":
		return OneDay, nil
	default:
		return 0, fmt.Errorf("unknown timeframe provided: %s", str)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Timeframe) MarshalText() ([]byte, error) {
	if t.Duration() == 0 {
		return nil, fmt.Errorf("unknown timeframe: %d", int(t))
	}

	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timeframe) UnmarshalText(text []byte) error {
	tf, err := ParseTimeframe(string(text))
	if err != nil {
		return err
	}

	*t = tf
	return nil
}
