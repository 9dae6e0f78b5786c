package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dnldd/fusion/position"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteConfig is the configuration for the sqlite store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *SQLiteConfig) Validate() error {
	var errs error

	if cfg.Path == "" {
		errs = errors.Join(errs, fmt.Errorf("no database path provided"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// SQLiteStore persists execution state to a local sqlite database.
type SQLiteStore struct {
	cfg *SQLiteConfig
	db  *sql.DB
}

// Ensure the sqlite store implements the StateStore interface.
var _ position.StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes a new sqlite store.
func NewSQLiteStore(ctx context.Context, cfg *SQLiteConfig) (*SQLiteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating sqlite config: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		cfg: cfg,
		db:  db,
	}

	if err := store.bootstrap(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return store, nil
}

// bootstrap initializes the database.
func (s *SQLiteStore) bootstrap(ctx context.Context) error {
	for _, stmt := range []string{createSnapshotTableSQL, createPositionTableSQL, createMetadataTableSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadSnapshot fetches the latest persisted snapshot, nil if none exists.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*position.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, findSnapshotSQL, snapshotID).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	return position.DecodeSnapshot([]byte(data))
}

// PersistSnapshot persists the provided snapshot, replacing the previous one.
func (s *SQLiteStore) PersistSnapshot(ctx context.Context, snapshot *position.Snapshot) error {
	data, err := position.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, persistSnapshotSQL, snapshotID, string(data), snapshot.CreatedOn.Unix())
	if err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}

	return nil
}

// PersistClosedPosition archives the provided closed position and tallies it into
// its weekly metadata.
func (s *SQLiteStore) PersistClosedPosition(ctx context.Context, pos *position.Position) error {
	params, err := closedPositionParams(pos)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertMetadataSQL, metadataParams(pos)...); err != nil {
		return fmt.Errorf("updating metadata for %s: %w", pos.ID, err)
	}
	if _, err := tx.ExecContext(ctx, persistPositionSQL, params...); err != nil {
		return fmt.Errorf("persisting closed position %s: %w", pos.ID, err)
	}

	return tx.Commit()
}

// FetchMetadata fetches the weekly metadata of the provided market containing the
// provided position's close.
func (s *SQLiteStore) FetchMetadata(ctx context.Context, pos *position.Position) (*Metadata, error) {
	id := metadataParams(pos)[0]

	var md Metadata
	err := s.db.QueryRowContext(ctx, findMetadataSQL, id).Scan(&md.Total, &md.Wins, &md.Losses, &md.PnL)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("querying metadata %v: %w", id, err)
	}

	return &md, nil
}
