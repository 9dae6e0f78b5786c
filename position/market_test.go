package position

import (
	"errors"
	"testing"

	"github.com/peterldowns/testy/assert"
)

func TestMarket(t *testing.T) {
	mkt := NewMarket("BTCUSD")
	assert.Nil(t, mkt.Active())

	// Ensure nil and foreign positions are refused.
	assert.Error(t, mkt.AddPosition(nil))
	foreign, err := NewPosition("ETHUSD", testSignal(0.8), testRisk(), 100, 10000, testStart)
	assert.NoError(t, err)
	assert.Error(t, mkt.AddPosition(foreign))

	pos, err := NewPosition("BTCUSD", testSignal(0.8), testRisk(), 100, 10000, testStart)
	assert.NoError(t, err)
	assert.NoError(t, mkt.AddPosition(pos))
	assert.Equal(t, mkt.Active().ID, pos.ID)

	// Ensure a second position is refused while one is active.
	other, err := NewPosition("BTCUSD", testSignal(-0.8), testRisk(), 100, 10000, testStart)
	assert.NoError(t, err)
	err = mkt.AddPosition(other)
	assert.True(t, errors.Is(err, ErrPositionActive))

	// Ensure only the active position can be removed.
	assert.Error(t, mkt.RemovePosition(other.ID))
	assert.NoError(t, mkt.RemovePosition(pos.ID))
	assert.Nil(t, mkt.Active())
	assert.NoError(t, mkt.AddPosition(other))
}
