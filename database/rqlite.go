package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/fusion/position"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

// RqliteConfig is the configuration for the rqlite store.
type RqliteConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Timeout bounds a single database request.
	Timeout time.Duration
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *RqliteConfig) Validate() error {
	var errs error

	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("no endpoint provided"))
	}
	if cfg.Timeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("timeout must be positive"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// RqliteStore persists execution state to rqlite.
type RqliteStore struct {
	cfg    *RqliteConfig
	httpc  *http.Client
	client *rqlitehttp.Client
}

// Ensure the rqlite store implements the StateStore interface.
var _ position.StateStore = (*RqliteStore)(nil)

// NewRqliteStore initializes a new rqlite store.
func NewRqliteStore(ctx context.Context, cfg *RqliteConfig) (*RqliteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating rqlite config: %w", err)
	}

	httpc := &http.Client{Timeout: cfg.Timeout}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	db := &RqliteStore{
		cfg:    cfg,
		httpc:  httpc,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// Close releases the store's idle connections.
func (db *RqliteStore) Close() error {
	db.httpc.CloseIdleConnections()
	return nil
}

// execute runs the provided statements in a transaction.
func (db *RqliteStore) execute(ctx context.Context, statements rqlitehttp.SQLStatements) error {
	resp, err := db.client.Execute(ctx, statements, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("statement %d: %s", idx, errStr)
	}

	return nil
}

// bootstrap initializes the database.
func (db *RqliteStore) bootstrap(ctx context.Context) error {
	return db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createSnapshotTableSQL},
		{SQL: createPositionTableSQL},
		{SQL: createMetadataTableSQL},
	})
}

// LoadSnapshot fetches the latest persisted snapshot, nil if none exists.
func (db *RqliteStore) LoadSnapshot(ctx context.Context) (*position.Snapshot, error) {
	resp, err := db.client.QuerySingle(ctx, findSnapshotSQL, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	has, idx, errStr := resp.HasError()
	if has {
		return nil, fmt.Errorf("querying snapshot: statement %d: %s", idx, errStr)
	}

	results := resp.GetQueryResults()
	if len(results) == 0 || len(results[0].Values) == 0 {
		return nil, nil
	}

	row := results[0].Values[0]
	if len(row) == 0 {
		return nil, nil
	}
	data, ok := row[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected snapshot data type: %s", spew.Sdump(row[0]))
	}

	return position.DecodeSnapshot([]byte(data))
}

// PersistSnapshot persists the provided snapshot, replacing the previous one.
func (db *RqliteStore) PersistSnapshot(ctx context.Context, snapshot *position.Snapshot) error {
	data, err := position.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	err = db.execute(ctx, rqlitehttp.SQLStatements{
		{
			SQL:              persistSnapshotSQL,
			PositionalParams: []any{snapshotID, string(data), snapshot.CreatedOn.Unix()},
		},
	})
	if err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}

	return nil
}

// PersistClosedPosition archives the provided closed position and tallies it into
// its weekly metadata.
func (db *RqliteStore) PersistClosedPosition(ctx context.Context, pos *position.Position) error {
	params, err := closedPositionParams(pos)
	if err != nil {
		return err
	}

	err = db.execute(ctx, rqlitehttp.SQLStatements{
		{SQL: upsertMetadataSQL, PositionalParams: metadataParams(pos)},
		{SQL: persistPositionSQL, PositionalParams: params},
	})
	if err != nil {
		db.cfg.Logger.Error().Msgf("persisting closed position: %s", spew.Sdump(pos))
		return fmt.Errorf("persisting closed position %s: %w", pos.ID, err)
	}

	return nil
}
