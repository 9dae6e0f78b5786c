package shared

import "time"

// EventKind represents the kind of an emitted engine event.
type EventKind int

const (
	PositionOpened EventKind = iota
	PositionClosed
	RiskLimitBreach
	EngineDegraded
	PositionDegraded
)

// String stringifies the provided event kind.
func (k EventKind) String() string {
	switch k {
	case PositionOpened:
		return "position opened"
	case PositionClosed:
		return "position closed"
	case RiskLimitBreach:
		return "risk limit breach"
	case EngineDegraded:
		return "engine degraded"
	case PositionDegraded:
		return "position degraded"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event represents a notable engine occurrence for external collaborators.
type Event struct {
	Kind       EventKind  `json:"kind"`
	Market     string     `json:"market"`
	PositionID string     `json:"positionId,omitempty"`
	Timeframe  *Timeframe `json:"timeframe,omitempty"`
	ExitReason string     `json:"exitReason,omitempty"`
	RealizedPL float64    `json:"realizedPnl,omitempty"`
	Message    string     `json:"message"`
	CreatedOn  time.Time  `json:"createdOn"`
}
