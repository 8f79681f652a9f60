// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	notifyChannel       = "event_log"
	pgUniqueViolation   = "23505"
	selectRecordColumns = `id, aggregate_id, aggregate_type, sequence, event_type, event_version, payload, metadata, created_at`
)

// EventStore is the Postgres eventlog.Store. Appends to one aggregate type
// are serialized by a transaction-scoped advisory lock so global ids commit
// in increasing order, which keeps listener cursors from skipping rows.
type EventStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ eventlog.Store       = (*EventStore)(nil)
	_ eventlog.Notifier    = (*EventStore)(nil)
	_ eventlog.CursorStore = (*EventStore)(nil)
)

func NewEventStore(pool *pgxpool.Pool, logger *slog.Logger) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventStore{
		pool:   pool,
		logger: logger,
	}
}

func (s *EventStore) Append(
	ctx context.Context,
	aggregateID string,
	aggregateType string,
	expectedVersion int64,
	events []eventlog.NewEvent,
) (int64, error) {
	if err := eventlog.ValidateAppend(aggregateID, aggregateType, expectedVersion); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return s.checkVersion(ctx, aggregateID, aggregateType, expectedVersion)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin append tx failed", "aggregate_id", aggregateID, "error", err)
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateType); err != nil {
		return 0, fmt.Errorf("lock aggregate type %s: %w", aggregateType, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO aggregates (aggregate_id, aggregate_type, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (aggregate_id) DO NOTHING
	`, aggregateID, aggregateType); err != nil {
		return 0, fmt.Errorf("register aggregate %s: %w", aggregateID, err)
	}

	var (
		storedType string
		current    int64
	)
	if err := tx.QueryRow(ctx, `
		SELECT aggregate_type, version
		FROM aggregates
		WHERE aggregate_id=$1
		FOR UPDATE
	`, aggregateID).Scan(&storedType, &current); err != nil {
		return 0, fmt.Errorf("lock aggregate %s: %w", aggregateID, err)
	}

	if storedType != aggregateType {
		return 0, &eventlog.TypeMismatchError{AggregateID: aggregateID, Stored: storedType, Requested: aggregateType}
	}
	if current != expectedVersion {
		return 0, &eventlog.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}

	for i, ev := range events {
		metadata, err := json.Marshal(ev.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata for %s: %w", aggregateID, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO events (aggregate_id, aggregate_type, event_type, event_version, payload, metadata, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			aggregateID,
			aggregateType,
			ev.EventType,
			ev.EventVersion,
			payloadOrEmpty(ev.Payload),
			metadata,
			expectedVersion+int64(i)+1,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return 0, &eventlog.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: expectedVersion + int64(i) + 1}
			}
			s.logger.Error("insert event failed",
				"aggregate_id", aggregateID,
				"sequence", expectedVersion+int64(i)+1,
				"error", err,
			)
			return 0, err
		}
	}

	newVersion := expectedVersion + int64(len(events))
	if _, err := tx.Exec(ctx, `
		UPDATE aggregates
		SET version=$2, updated_at=NOW()
		WHERE aggregate_id=$1
	`, aggregateID, newVersion); err != nil {
		return 0, fmt.Errorf("bump aggregate version %s: %w", aggregateID, err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, aggregateType); err != nil {
		return 0, fmt.Errorf("notify append %s: %w", aggregateID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit append tx failed", "aggregate_id", aggregateID, "error", err)
		return 0, err
	}

	return newVersion, nil
}

func (s *EventStore) checkVersion(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64) (int64, error) {
	var (
		storedType string
		current    int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT aggregate_type, version
		FROM aggregates
		WHERE aggregate_id=$1
	`, aggregateID).Scan(&storedType, &current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		storedType, current = aggregateType, 0
	case err != nil:
		return 0, err
	}

	if storedType != aggregateType {
		return 0, &eventlog.TypeMismatchError{AggregateID: aggregateID, Stored: storedType, Requested: aggregateType}
	}
	if current != expectedVersion {
		return 0, &eventlog.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}
	return current, nil
}

func (s *EventStore) Read(ctx context.Context, aggregateID string) ([]eventlog.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectRecordColumns+`
		FROM events
		WHERE aggregate_id=$1
		ORDER BY sequence ASC
	`, aggregateID)
	if err != nil {
		s.logger.Error("read events query failed", "aggregate_id", aggregateID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]eventlog.Record, 0, 16)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Error("scan event row failed", "aggregate_id", aggregateID, "error", err)
			return nil, err
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("events rows iteration failed", "aggregate_id", aggregateID, "error", err)
		return nil, err
	}

	return out, nil
}

func (s *EventStore) ReadSince(ctx context.Context, aggregateType string, after int64, limit int) iter.Seq2[eventlog.Record, error] {
	return func(yield func(eventlog.Record, error) bool) {
		rows, err := s.pool.Query(ctx, `
			SELECT `+selectRecordColumns+`
			FROM events
			WHERE id > $1
			  AND ($2::text = '' OR aggregate_type = $2::text)
			ORDER BY id ASC
			LIMIT NULLIF($3::bigint, 0)
		`, after, aggregateType, int64(limit))
		if err != nil {
			yield(eventlog.Record{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(eventlog.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(eventlog.Record{}, err)
		}
	}
}

func (s *EventStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM aggregates WHERE aggregate_id=$1`, aggregateID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

// Watch holds a dedicated connection in LISTEN mode until ctx is done.
// If the connection drops, the channel is closed and callers fall back to
// polling.
func (s *EventStore) Watch(ctx context.Context, aggregateType string) (<-chan struct{}, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer conn.Release()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("event notification wait failed", "aggregate_type", aggregateType, "error", err)
				}
				if !conn.Conn().IsClosed() {
					_, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+notifyChannel)
				}
				return
			}
			if aggregateType != "" && n.Payload != aggregateType {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	return wake, nil
}

func (s *EventStore) LoadCursor(ctx context.Context, name string) (int64, error) {
	var position int64
	err := s.pool.QueryRow(ctx, `SELECT position FROM listener_cursors WHERE name=$1`, name).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return position, err
}

func (s *EventStore) SaveCursor(ctx context.Context, name string, position int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO listener_cursors (name, position)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
		SET position=EXCLUDED.position, updated_at=NOW()
	`, name, position)
	if err != nil {
		s.logger.Error("save listener cursor failed", "listener", name, "position", position, "error", err)
	}
	return err
}

func scanRecord(rows pgx.Rows) (eventlog.Record, error) {
	var (
		rec      eventlog.Record
		payload  []byte
		metadata []byte
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.AggregateID,
		&rec.AggregateType,
		&rec.Sequence,
		&rec.EventType,
		&rec.EventVersion,
		&payload,
		&metadata,
		&rec.CreatedAt,
	); err != nil {
		return eventlog.Record{}, err
	}

	rec.Payload = json.RawMessage(payload)
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return eventlog.Record{}, fmt.Errorf("decode metadata of event %d: %w", rec.ID, err)
	}
	return rec, nil
}

func payloadOrEmpty(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte(`{}`)
	}
	return payload
}
