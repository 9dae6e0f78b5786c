package database

import (
	"fmt"
	"time"

	"github.com/dnldd/fusion/position"
)

const (
	// snapshotID is the row id of the current snapshot.
	snapshotID = 1

	// SQL statements.
	createSnapshotTableSQL = "CREATE TABLE IF NOT EXISTS snapshot (id INTEGER PRIMARY KEY, data TEXT NOT NULL, createdon INTEGER NOT NULL)"
	createPositionTableSQL = "CREATE TABLE IF NOT EXISTS position (id TEXT PRIMARY KEY, market TEXT NOT NULL, direction TEXT NOT NULL, size REAL, entryprice REAL, exitprice REAL, exitreason TEXT, realizedpnl REAL, holdingperiods INTEGER, regime TEXT, openedon INTEGER, closedon INTEGER, data TEXT NOT NULL)"
	createMetadataTableSQL = "CREATE TABLE IF NOT EXISTS metadata (id TEXT PRIMARY KEY, market TEXT NOT NULL, total INTEGER NOT NULL, wins INTEGER NOT NULL, losses INTEGER NOT NULL, pnl REAL NOT NULL, createdon INTEGER NOT NULL)"
	persistSnapshotSQL     = "INSERT INTO snapshot(id, data, createdon) VALUES(?,?,?) ON CONFLICT(id) DO UPDATE SET data = excluded.data, createdon = excluded.createdon"
	findSnapshotSQL        = "SELECT data FROM snapshot WHERE id = ?"
	persistPositionSQL     = "INSERT OR REPLACE INTO position(id, market, direction, size, entryprice, exitprice, exitreason, realizedpnl, holdingperiods, regime, openedon, closedon, data) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)"
	findMetadataSQL        = "SELECT total, wins, losses, pnl FROM metadata WHERE id = ?"
)

// upsertMetadataSQL tallies a position unless it was already archived, it must run
// before persistPositionSQL.
const upsertMetadataSQL = "INSERT INTO metadata(id, market, total, wins, losses, pnl, createdon) SELECT ?,?,1,?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM position WHERE id = ?) ON CONFLICT(id) DO UPDATE SET total = total + 1, wins = wins + excluded.wins, losses = losses + excluded.losses, pnl = pnl + excluded.pnl"

// Metadata represents the weekly closed position summary of a market.
type Metadata struct {
	Total  int64
	Wins   int64
	Losses int64
	PnL    float64
}

// generateMetadataID generates deterministic ids for metadata using the
// close month, week and market.
func generateMetadataID(closedAt time.Time, market string) string {
	month := closedAt.Month().String()
	week := closedAt.Day() / 7

	id := fmt.Sprintf("%s-Week-%d-%s", month, week, market)
	return id
}

// outcome returns the win and loss tallies of the provided closed position.
func outcome(pos *position.Position) (int, int) {
	switch {
	case pos.RealizedPL > 0:
		return 1, 0
	case pos.RealizedPL < 0:
		return 0, 1
	default:
		return 0, 0
	}
}

// closedPositionParams returns the positional parameters persisting the provided
// closed position.
func closedPositionParams(pos *position.Position) ([]any, error) {
	if pos.State != position.Closed {
		return nil, fmt.Errorf("position %s is %s, not closed", pos.ID, pos.State.String())
	}

	data, err := position.EncodePosition(pos)
	if err != nil {
		return nil, err
	}

	return []any{pos.ID, pos.Market, pos.Direction.String(), pos.Size, pos.EntryPrice,
		pos.ExitPrice, pos.ExitReason.String(), pos.RealizedPL, pos.HoldingPeriods,
		pos.Risk.Regime.String(), pos.OpenedAt.Unix(), pos.ClosedAt.Unix(), string(data)}, nil
}

// metadataParams returns the positional parameters tallying the provided closed
// position into its weekly metadata, guarded by its position id.
func metadataParams(pos *position.Position) []any {
	closedAt := pos.ClosedAt
	if closedAt.IsZero() {
		closedAt = pos.UpdatedOn
	}

	win, loss := outcome(pos)
	return []any{generateMetadataID(closedAt.UTC(), pos.Market), pos.Market, win, loss,
		pos.RealizedPL, closedAt.Unix(), pos.ID}
}
