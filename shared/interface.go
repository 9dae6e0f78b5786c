package shared

import (
	"context"
	"errors"
	"fmt"
)

// ErrRejected is matched by every exchange rejection.
var ErrRejected = errors.New("rejected")

// RejectedError represents a permanent rejection by the exchange.
type RejectedError struct {
	Reason string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

// Is reports whether the target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// NewRejectedError initializes a new rejection error.
func NewRejectedError(reason string) error {
	return &RejectedError{Reason: reason}
}

// OrderKind represents the kind of order submitted.
type OrderKind int

const (
	MarketOrder OrderKind = iota
	LimitOrder
)

// OrderRequest represents an order submission. ClientID identifies the logical intent so
// retried submissions are deduplicated by the exchange.
type OrderRequest struct {
	ClientID  string
	Market    string
	Direction Direction
	Size      float64
	Kind      OrderKind
}

// FillStatus represents the fill state of an order.
type FillStatus int

const (
	FillPending FillStatus = iota
	Filled
	FillRejected
)

// Fill represents the fill state of a submitted order.
type Fill struct {
	Status FillStatus
	Price  float64
	Size   float64
	Reason string
}

// CloseRequest represents a position close. ReferencePrice is the price that triggered
// the close.
type CloseRequest struct {
	PositionID     string
	Market         string
	Direction      Direction
	Size           float64
	ReferencePrice float64
}

// Exchange defines the requirements for executing orders against an exchange. All calls
// must be safe to retry with the same logical intent.
type Exchange interface {
	// SubmitOrder submits the provided order, returning its order id.
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	// QueryFill fetches the fill state of the provided order.
	QueryFill(ctx context.Context, orderID string) (Fill, error)
	// CancelOrder cancels the provided unfilled order.
	CancelOrder(ctx context.Context, orderID string) error
	// ClosePosition closes the provided position, returning the exit price.
	ClosePosition(ctx context.Context, req CloseRequest) (float64, error)
}
