package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnldd/fusion/position"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// archiveScript archives a closed position and tallies its weekly metadata, once per
// position id.
var archiveScript = redis.NewScript(`
if redis.call("SADD", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("LPUSH", KEYS[2], ARGV[2])
local max = tonumber(ARGV[3])
if max > 0 then
	redis.call("LTRIM", KEYS[2], 0, max - 1)
end
redis.call("HINCRBY", KEYS[3], "total", 1)
redis.call("HINCRBY", KEYS[3], "wins", ARGV[4])
redis.call("HINCRBY", KEYS[3], "losses", ARGV[5])
redis.call("HINCRBYFLOAT", KEYS[3], "pnl", ARGV[6])
return 1
`)

// RedisConfig is the configuration for the redis store.
type RedisConfig struct {
	// Addr is the redis server address.
	Addr string
	// Password is the redis password.
	Password string
	// DB is the redis database index.
	DB int
	// Prefix namespaces the store's keys.
	Prefix string
	// MaxArchived bounds the archived closed positions, zero keeps all.
	MaxArchived int64
	// Logger is the redis store logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *RedisConfig) Validate() error {
	var errs error

	if cfg.Addr == "" {
		errs = errors.Join(errs, fmt.Errorf("no redis address provided"))
	}
	if cfg.Prefix == "" {
		errs = errors.Join(errs, fmt.Errorf("no key prefix provided"))
	}
	if cfg.MaxArchived < 0 {
		errs = errors.Join(errs, fmt.Errorf("max archived cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// RedisStore persists execution state to redis.
type RedisStore struct {
	cfg    *RedisConfig
	client *redis.Client
}

// Ensure the redis store implements the StateStore interface.
var _ position.StateStore = (*RedisStore)(nil)

// NewRedisStore initializes a new redis store.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{
		cfg:    cfg,
		client: client,
	}, nil
}

func (s *RedisStore) snapshotKey() string {
	return s.cfg.Prefix + ":snapshot"
}

func (s *RedisStore) closedKey() string {
	return s.cfg.Prefix + ":closed"
}

func (s *RedisStore) archivedKey() string {
	return s.cfg.Prefix + ":archived"
}

func (s *RedisStore) metadataKey(id string) string {
	return s.cfg.Prefix + ":metadata:" + id
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// LoadSnapshot fetches the latest persisted snapshot, nil if none exists.
func (s *RedisStore) LoadSnapshot(ctx context.Context) (*position.Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}

	return position.DecodeSnapshot(data)
}

// PersistSnapshot persists the provided snapshot, replacing the previous one.
func (s *RedisStore) PersistSnapshot(ctx context.Context, snapshot *position.Snapshot) error {
	data, err := position.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.snapshotKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}

	return nil
}

// PersistClosedPosition archives the provided closed position and tallies it into
// its weekly metadata.
func (s *RedisStore) PersistClosedPosition(ctx context.Context, pos *position.Position) error {
	params, err := closedPositionParams(pos)
	if err != nil {
		return err
	}
	data := params[len(params)-1].(string)
	md := metadataParams(pos)
	key := s.metadataKey(md[0].(string))
	win, loss := outcome(pos)

	keys := []string{s.archivedKey(), s.closedKey(), key}
	err = archiveScript.Run(ctx, s.client, keys, pos.ID, data, s.cfg.MaxArchived,
		win, loss, pos.RealizedPL).Err()
	if err != nil {
		return fmt.Errorf("persisting closed position %s: %w", pos.ID, err)
	}

	return nil
}
