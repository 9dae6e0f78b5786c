package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dnldd/fusion/position"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

// exerciseStore runs the provided store through a snapshot and archive round trip,
// returning the archived position.
func exerciseStore(t *testing.T, store position.StateStore) *position.Position {
	ctx := context.Background()

	snapshot := &position.Snapshot{
		Counters:  position.Counters{Capital: 10000, Peak: 10000, DayStart: 10000},
		LastTicks: map[string]time.Time{"BTCUSD": testStart},
		CreatedOn: testStart,
	}
	assert.NoError(t, store.PersistSnapshot(ctx, snapshot))

	got, err := store.LoadSnapshot(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, got)
	assert.Equal(t, got.Counters.Capital, float64(10000))
	assert.Equal(t, got.LastTicks["BTCUSD"], testStart)

	pos := closedPosition(t, 103)
	assert.NoError(t, store.PersistClosedPosition(ctx, pos))

	// Ensure a repeated archive of the same position is accepted.
	assert.NoError(t, store.PersistClosedPosition(ctx, pos))

	return pos
}

func TestRqliteStore(t *testing.T) {
	_, err := NewRqliteStore(context.Background(), &RqliteConfig{})
	assert.Error(t, err)

	endpoint := os.Getenv("RQLITE_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("RQLITE_TEST_ENDPOINT not set")
	}

	store, err := NewRqliteStore(context.Background(), &RqliteConfig{
		Endpoint: endpoint,
		Timeout:  5 * time.Second,
		Logger:   &log.Logger,
	})
	assert.NoError(t, err)
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	_, err := NewRedisStore(context.Background(), &RedisConfig{})
	assert.Error(t, err)

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	store, err := NewRedisStore(context.Background(), &RedisConfig{
		Addr:        addr,
		Prefix:      "fusion-test-" + time.Now().Format("150405.000"),
		MaxArchived: 10,
		Logger:      &log.Logger,
	})
	assert.NoError(t, err)
	defer store.Close()

	// Ensure an unseeded prefix has no snapshot.
	snapshot, err := store.LoadSnapshot(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, snapshot)

	pos := exerciseStore(t, store)

	// Ensure the repeated archive was tallied once.
	key := store.metadataKey(metadataParams(pos)[0].(string))
	total, err := store.client.HGet(context.Background(), key, "total").Int()
	assert.NoError(t, err)
	assert.Equal(t, total, 1)
	archived, err := store.client.LLen(context.Background(), store.closedKey()).Result()
	assert.NoError(t, err)
	assert.Equal(t, archived, int64(1))
}
