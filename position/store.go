package position

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot represents the persisted execution state needed to resume after a restart.
type Snapshot struct {
	Counters  Counters             `json:"counters"`
	Positions []*Position          `json:"positions"`
	LastTicks map[string]time.Time `json:"lastTicks"`
	CreatedOn time.Time            `json:"createdOn"`
}

// StateStore defines the execution state persistence requirements.
type StateStore interface {
	// LoadSnapshot fetches the latest persisted snapshot, nil if none exists.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	// PersistSnapshot persists the provided snapshot, replacing the previous one.
	PersistSnapshot(ctx context.Context, snapshot *Snapshot) error
	// PersistClosedPosition archives the provided closed position.
	PersistClosedPosition(ctx context.Context, position *Position) error
}

// EncodeSnapshot serializes the provided snapshot.
func EncodeSnapshot(snapshot *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	return data, nil
}

// DecodeSnapshot deserializes the provided snapshot data.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	return &snapshot, nil
}

// EncodePosition serializes the provided position.
func EncodePosition(position *Position) ([]byte, error) {
	data, err := json.Marshal(position)
	if err != nil {
		return nil, fmt.Errorf("encoding position %s: %w", position.ID, err)
	}

	return data, nil
}
