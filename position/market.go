package position

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPositionActive is returned when a market already has an active position.
var ErrPositionActive = errors.New("market already has an active position")

// Market tracks the active position of a market. A market holds at most one
// position that is not closed.
type Market struct {
	market    string
	active    *Position
	activeMtx sync.RWMutex
}

// NewMarket initializes a new market.
func NewMarket(market string) *Market {
	return &Market{
		market: market,
	}
}

// AddPosition sets the provided position as the market's active position.
func (m *Market) AddPosition(position *Position) error {
	if position == nil {
		return fmt.Errorf("position cannot be nil")
	}
	if position.Market != m.market {
		return fmt.Errorf("unexpected position market provided: %s", position.Market)
	}

	m.activeMtx.Lock()
	defer m.activeMtx.Unlock()

	if m.active != nil {
		return fmt.Errorf("%w: %s (%s)", ErrPositionActive, m.active.ID, m.active.State.String())
	}

	m.active = position
	return nil
}

// Active returns the market's active position, nil if there is none.
func (m *Market) Active() *Position {
	m.activeMtx.RLock()
	defer m.activeMtx.RUnlock()

	return m.active
}

// RemovePosition clears the provided position from the market.
func (m *Market) RemovePosition(id string) error {
	m.activeMtx.Lock()
	defer m.activeMtx.Unlock()

	if m.active == nil || m.active.ID != id {
		return fmt.Errorf("no active position found with id %s for %s", id, m.market)
	}

	m.active = nil
	return nil
}
