// SPDX-License-Identifier: Apache-2.0

// Package eventlog defines the append-only, per-aggregate event log that is
// the single source of truth for agent state.
//
// Every aggregate owns a gap-free sequence starting at 1. Appends are guarded
// by an expected version: a batch lands with contiguous sequences directly
// after the stored version or not at all. Records also carry a global ID that
// increases in commit order per aggregate type, which listeners use as a
// cursor.
package eventlog

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/google/uuid"
)

// Metadata travels with every persisted event.
type Metadata struct {
	EventID       uuid.UUID         `json:"event_id"`
	CorrelationID uuid.UUID         `json:"correlation_id"`
	CausationID   uuid.UUID         `json:"causation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// NewEvent is an event that has not been persisted yet.
type NewEvent struct {
	EventType    string
	EventVersion string
	Payload      json.RawMessage
	Metadata     Metadata
}

// Record is a persisted event.
type Record struct {
	ID            int64           `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Sequence      int64           `json:"sequence"`
	EventType     string          `json:"event_type"`
	EventVersion  string          `json:"event_version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Store interface {
	// Append persists events for one aggregate and returns the new version.
	Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, events []NewEvent) (int64, error)
	// Read returns the aggregate's events ordered from sequence 1.
	// An unknown aggregate yields an empty slice.
	Read(ctx context.Context, aggregateID string) ([]Record, error)
	// ReadSince lazily yields events of aggregateType with ID > after, in ID
	// order, up to limit records. An empty aggregateType matches every type.
	ReadSince(ctx context.Context, aggregateType string, after int64, limit int) iter.Seq2[Record, error]
	// Version returns the number of persisted events for the aggregate.
	Version(ctx context.Context, aggregateID string) (int64, error)
}

// Notifier is implemented by stores that can push append notifications.
// The returned channel receives a value after appends to aggregateType and
// is closed when ctx is done.
type Notifier interface {
	Watch(ctx context.Context, aggregateType string) (<-chan struct{}, error)
}

// CursorStore is implemented by stores that persist listener positions.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, position int64) error
}

// Collect drains a ReadSince sequence into a slice.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
