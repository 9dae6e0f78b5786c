package database

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/dnldd/fusion/position"
	"github.com/dnldd/fusion/shared"
	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

var testStart = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func closedPosition(t *testing.T, exit float64) *position.Position {
	signal := shared.FusedSignal{
		Market:       "BTCUSD",
		Magnitude:    0.7,
		Confidence:   0.8,
		Coherence:    0.9,
		Actionable:   true,
		Contributing: []shared.Timeframe{shared.OneMinute, shared.FiveMinute},
		Timestamp:    testStart,
	}
	risk := shared.RiskParameters{
		StopDistancePct:      0.01,
		TargetDistancePct:    0.03,
		PositionSizeFraction: 0.1,
		Regime:               shared.Trending,
	}

	pos, err := position.NewPosition("BTCUSD", signal, risk, 100, 10000, testStart)
	assert.NoError(t, err)
	assert.NoError(t, pos.Fill(100, 10, testStart, testStart))
	assert.NoError(t, pos.BeginExit(shared.TargetHit, exit, testStart))
	_, err = pos.Close(exit, testStart.Add(time.Hour), testStart.Add(time.Hour))
	assert.NoError(t, err)

	return pos
}

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	cfg := &SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "fusion.db"),
		Logger: &log.Logger,
	}

	store, err := NewSQLiteStore(context.Background(), cfg)
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestNewSQLiteStore(t *testing.T) {
	_, err := NewSQLiteStore(context.Background(), &SQLiteConfig{})
	assert.Error(t, err)
}

func TestSQLiteSnapshot(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	// Ensure an empty store has no snapshot.
	snapshot, err := store.LoadSnapshot(ctx)
	assert.NoError(t, err)
	assert.Nil(t, snapshot)

	open := closedPosition(t, 103)
	open.State = position.Open

	want := &position.Snapshot{
		Counters: position.Counters{
			Capital:  10000,
			Realized: 25,
			Peak:     10025,
			DailyPnL: 25,
			DayStart: 10000,
		},
		Positions: []*position.Position{open},
		LastTicks: map[string]time.Time{"BTCUSD": testStart},
		CreatedOn: testStart,
	}
	assert.NoError(t, store.PersistSnapshot(ctx, want))

	got, err := store.LoadSnapshot(ctx)
	assert.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// Ensure a newer snapshot replaces the previous one.
	want.Positions = nil
	want.Counters.Realized = 40
	assert.NoError(t, store.PersistSnapshot(ctx, want))

	got, err = store.LoadSnapshot(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(got.Positions), 0)
	assert.Equal(t, got.Counters.Realized, float64(40))
}

func TestSQLiteClosedPositions(t *testing.T) {
	store := setupSQLiteStore(t)
	ctx := context.Background()

	// Ensure positions that are not closed are refused.
	open := closedPosition(t, 103)
	open.State = position.Open
	assert.Error(t, store.PersistClosedPosition(ctx, open))

	win := closedPosition(t, 103)
	loss := closedPosition(t, 99)
	assert.NoError(t, store.PersistClosedPosition(ctx, win))
	assert.NoError(t, store.PersistClosedPosition(ctx, loss))

	// Ensure repeated archiving of a position replaces its row.
	var count int
	assert.NoError(t, store.PersistClosedPosition(ctx, win))
	err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM position").Scan(&count)
	assert.NoError(t, err)
	assert.Equal(t, count, 2)

	// Ensure closes are tallied into the weekly metadata once per position.
	md, err := store.FetchMetadata(ctx, win)
	assert.NoError(t, err)
	assert.NotNil(t, md)
	assert.Equal(t, md.Total, int64(2))
	assert.Equal(t, md.Wins, int64(1))
	assert.Equal(t, md.Losses, int64(1))
	assert.True(t, math.Abs(md.PnL-20) < 1e-9)
}
