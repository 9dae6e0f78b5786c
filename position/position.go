package position

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/google/uuid"
)

// State represents the execution state of a position.
type State int

const (
	Idle State = iota
	PendingEntry
	Open
	PendingExit
	Closed
)

// String stringifies the provided position state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingEntry:
		return "pending entry"
	case Open:
		return "open"
	case PendingExit:
		return "pending exit"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Position represents a trade through its execution lifecycle.
type Position struct {
	ID        string           `json:"id"`
	Market    string           `json:"market"`
	Direction shared.Direction `json:"direction"`
	State     State            `json:"state"`
	OrderID   string           `json:"orderId,omitempty"`
	// RequestedSize is the order size submitted for entry.
	RequestedSize float64               `json:"requestedSize"`
	Risk          shared.RiskParameters `json:"risk"`
	// Signal is the fused signal that triggered the entry.
	Signal shared.FusedSignal `json:"signal"`
	// Size is the filled size, fixed once open.
	Size        float64 `json:"size"`
	EntryPrice  float64 `json:"entryPrice"`
	StopPrice   float64 `json:"stopPrice"`
	TargetPrice float64 `json:"targetPrice"`
	// OpenedAt is the market time of the fill. Candles opening before it belong to the
	// entry interval.
	OpenedAt       time.Time         `json:"openedAt"`
	HoldingPeriods int               `json:"holdingPeriods"`
	ExitReason     shared.ExitReason `json:"exitReason"`
	// ExitReference is the price that triggered the exit.
	ExitReference  float64   `json:"exitReference"`
	ExitPrice      float64   `json:"exitPrice"`
	RealizedPL     float64   `json:"realizedPnl"`
	ClosedAt       time.Time `json:"closedAt"`
	Degraded       bool      `json:"degraded"`
	DegradedReason string    `json:"degradedReason,omitempty"`
	CreatedOn      time.Time `json:"createdOn"`
	UpdatedOn      time.Time `json:"updatedOn"`
}

// NewPosition initializes a new pending entry position sized as a fraction of the
// provided equity.
func NewPosition(market string, signal shared.FusedSignal, risk shared.RiskParameters, price float64, equity float64, now time.Time) (*Position, error) {
	direction := signal.Direction()
	switch {
	case direction == shared.Flat:
		return nil, errors.New("cannot open a position on a flat signal")
	case !(price > 0) || math.IsInf(price, 0):
		return nil, fmt.Errorf("entry price must be positive, got %f", price)
	case !(equity > 0):
		return nil, fmt.Errorf("equity must be positive, got %f", equity)
	case !(risk.StopDistancePct > 0) || !(risk.PositionSizeFraction > 0):
		return nil, fmt.Errorf("invalid risk parameters: stop %f, size %f", risk.StopDistancePct,
			risk.PositionSizeFraction)
	}

	return &Position{
		ID:            uuid.New().String(),
		Market:        market,
		Direction:     direction,
		State:         PendingEntry,
		RequestedSize: risk.PositionSizeFraction * equity / price,
		Risk:          risk,
		Signal:        signal,
		CreatedOn:     now,
		UpdatedOn:     now,
	}, nil
}

// OrderRequest returns the entry order of the position. The position id identifies the
// logical intent across retries.
func (p *Position) OrderRequest() shared.OrderRequest {
	return shared.OrderRequest{
		ClientID:  p.ID,
		Market:    p.Market,
		Direction: p.Direction,
		Size:      p.RequestedSize,
		Kind:      shared.MarketOrder,
	}
}

// CloseRequest returns the close request of the position.
func (p *Position) CloseRequest() shared.CloseRequest {
	return shared.CloseRequest{
		PositionID:     p.ID,
		Market:         p.Market,
		Direction:      p.Direction,
		Size:           p.Size,
		ReferencePrice: p.ExitReference,
	}
}

// Fill opens the position at the provided fill, deriving its stop and target from the
// actual fill price.
func (p *Position) Fill(price float64, size float64, at time.Time, now time.Time) error {
	if p.State != PendingEntry {
		return fmt.Errorf("cannot fill %s position %s", p.State.String(), p.ID)
	}
	if !(price > 0) || !(size > 0) {
		return fmt.Errorf("invalid fill for position %s: price %f, size %f", p.ID, price, size)
	}

	p.EntryPrice = price
	p.Size = size
	switch p.Direction {
	case shared.Long:
		p.StopPrice = price * (1 - p.Risk.StopDistancePct)
		p.TargetPrice = price * (1 + p.Risk.TargetDistancePct)
	case shared.Short:
		p.StopPrice = price * (1 + p.Risk.StopDistancePct)
		p.TargetPrice = price * (1 - p.Risk.TargetDistancePct)
	}

	p.State = Open
	p.OpenedAt = at
	p.Degraded = false
	p.DegradedReason = ""
	p.UpdatedOn = now
	return nil
}

// CheckBarriers checks whether the provided candle's range touched the target or the
// stop. The target is checked first when a candle spans both.
func (p *Position) CheckBarriers(candle *shared.Candlestick) (shared.ExitReason, float64) {
	switch p.Direction {
	case shared.Long:
		if candle.High >= p.TargetPrice {
			return shared.TargetHit, p.TargetPrice
		}
		if candle.Low <= p.StopPrice {
			return shared.StopHit, p.StopPrice
		}
	case shared.Short:
		if candle.Low <= p.TargetPrice {
			return shared.TargetHit, p.TargetPrice
		}
		if candle.High >= p.StopPrice {
			return shared.StopHit, p.StopPrice
		}
	}

	return shared.NoExit, 0
}

// BeginExit marks an open position pending exit for the provided reason.
func (p *Position) BeginExit(reason shared.ExitReason, reference float64, now time.Time) error {
	if p.State != Open {
		return fmt.Errorf("cannot exit %s position %s", p.State.String(), p.ID)
	}
	if reason == shared.NoExit {
		return fmt.Errorf("no exit reason provided for position %s", p.ID)
	}

	p.State = PendingExit
	p.ExitReason = reason
	p.ExitReference = reference
	p.UpdatedOn = now
	return nil
}

// ProfitAndLoss returns the profit or loss of the position at the provided price.
func (p *Position) ProfitAndLoss(price float64) float64 {
	switch p.Direction {
	case shared.Long:
		return (price - p.EntryPrice) * p.Size
	case shared.Short:
		return (p.EntryPrice - price) * p.Size
	default:
		return 0
	}
}

// Close closes a pending exit position at the provided price, returning its realized
// profit or loss.
func (p *Position) Close(price float64, at time.Time, now time.Time) (float64, error) {
	if p.State != PendingExit {
		return 0, fmt.Errorf("cannot close %s position %s", p.State.String(), p.ID)
	}
	if !(price > 0) {
		return 0, fmt.Errorf("invalid exit price for position %s: %f", p.ID, price)
	}

	p.ExitPrice = price
	p.RealizedPL = p.ProfitAndLoss(price)
	p.ClosedAt = at
	p.State = Closed
	p.Degraded = false
	p.DegradedReason = ""
	p.UpdatedOn = now
	return p.RealizedPL, nil
}

// MarkDegraded flags the position as requiring intervention.
func (p *Position) MarkDegraded(reason string, now time.Time) {
	p.Degraded = true
	p.DegradedReason = reason
	p.UpdatedOn = now
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	clone := *p
	clone.Signal.Contributing = append([]shared.Timeframe(nil), p.Signal.Contributing...)
	return &clone
}
