package shared

// ExitReason represents the reason a position was exited.
type ExitReason int

const (
	NoExit ExitReason = iota
	StopHit
	TargetHit
	SignalReversal
	CompressionBreakdown
	MaxHoldingPeriod
	ShutdownExit
	ManualOverride
)

// String stringifies the provided exit reason.
func (r ExitReason) String() string {
	switch r {
	case NoExit:
		return "none"
	case StopHit:
		return "stop hit"
	case TargetHit:
		return "target hit"
	case SignalReversal:
		return "signal reversal"
	case CompressionBreakdown:
		return "compression breakdown"
	case MaxHoldingPeriod:
		return "max holding period"
	case ShutdownExit:
		return "shutdown"
	case ManualOverride:
		return "manual override"
	default:
		return "unknown"
	}
}

// Direction represents market direction.
type Direction int

const (
	Flat Direction = iota
	Long
	Short
)

// String stringifies the provided direction.
func (d Direction) String() string {
	switch d {
	case Flat:
		return "flat"
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Opposite returns the opposing market direction.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Flat
	}
}

// DirectionOf returns the direction signified by the sign of the provided value.
func DirectionOf(value float64) Direction {
	switch {
	case value > 0:
		return Long
	case value < 0:
		return Short
	default:
		return Flat
	}
}

// Regime is a coarse classification of market conditions.
type Regime int

const (
	Stable Regime = iota
	Ranging
	Trending
	Volatile
)

// String stringifies the provided regime.
func (r Regime) String() string {
	switch r {
	case Stable:
		return "stable"
	case Ranging:
		return "ranging"
	case Trending:
		return "trending"
	case Volatile:
		return "volatile"
	default:
		return "unknown"
	}
}
