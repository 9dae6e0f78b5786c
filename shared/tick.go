package shared

import (
	"fmt"
	"math"
	"time"
)

// Tick represents a single market update.
type Tick struct {
	Market    string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// Validate asserts the tick carries usable market data.
func (t *Tick) Validate() error {
	switch {
	case t.Market == "":
		return fmt.Errorf("tick market cannot be an empty string")
	case math.IsNaN(t.Price) || math.IsInf(t.Price, 0):
		return fmt.Errorf("tick price is not finite: %f", t.Price)
	case t.Price <= 0:
		return fmt.Errorf("tick price must be positive, got %f", t.Price)
	case math.IsNaN(t.Volume) || t.Volume < 0:
		return fmt.Errorf("tick volume must be a non-negative number, got %f", t.Volume)
	case t.Timestamp.IsZero():
		return fmt.Errorf("tick timestamp cannot be zero")
	}

	return nil
}
