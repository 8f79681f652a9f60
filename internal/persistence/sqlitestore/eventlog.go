// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore is a single-file eventlog.Store for development and
// single-node deployments. SQLite admits one writer at a time, so global
// ids are always committed in increasing order.
package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS aggregates (
	aggregate_id   TEXT PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	version        INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	aggregate_id   TEXT NOT NULL REFERENCES aggregates (aggregate_id),
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_version  TEXT NOT NULL,
	payload        TEXT NOT NULL,
	metadata       TEXT NOT NULL,
	sequence       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	UNIQUE (aggregate_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_events_aggregate_sequence ON events (aggregate_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_type_id ON events (aggregate_type, id);

CREATE TABLE IF NOT EXISTS listener_cursors (
	name       TEXT PRIMARY KEY,
	position   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const selectRecordColumns = `id, aggregate_id, aggregate_type, sequence, event_type, event_version, payload, metadata, created_at`

var errStopIteration = errors.New("sqlitestore: iteration stopped")

type Config struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

type EventStore struct {
	pool   *pool
	logger *slog.Logger
	notify *eventlog.Broadcaster
}

var (
	_ eventlog.Store       = (*EventStore)(nil)
	_ eventlog.Notifier    = (*EventStore)(nil)
	_ eventlog.CursorStore = (*EventStore)(nil)
)

// Open creates the database file if needed and applies the schema on every
// new connection.
func Open(cfg Config) (*EventStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p, err := openPool(poolConfig{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	return &EventStore{
		pool:   p,
		logger: logger,
		notify: eventlog.NewBroadcaster(),
	}, nil
}

func (s *EventStore) Close() error {
	return s.pool.close()
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

	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	version, err := s.appendTx(conn, aggregateID, aggregateType, expectedVersion, events)
	if err != nil {
		return 0, err
	}

	if len(events) > 0 {
		s.notify.Publish(aggregateType)
	}
	return version, nil
}

func (s *EventStore) appendTx(
	conn *sqlite.Conn,
	aggregateID string,
	aggregateType string,
	expectedVersion int64,
	events []eventlog.NewEvent,
) (version int64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: begin append: %w", err)
	}
	defer endTransaction(&err)

	var (
		storedType string
		current    int64
		found      bool
	)
	err = sqlitex.Execute(conn, `SELECT aggregate_type, version FROM aggregates WHERE aggregate_id = ?`, &sqlitex.ExecOptions{
		Args: []any{aggregateID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			storedType = stmt.ColumnText(0)
			current = stmt.ColumnInt64(1)
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: load aggregate %s: %w", aggregateID, err)
	}

	if found && storedType != aggregateType {
		return 0, &eventlog.TypeMismatchError{AggregateID: aggregateID, Stored: storedType, Requested: aggregateType}
	}
	if current != expectedVersion {
		return 0, &eventlog.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}
	if len(events) == 0 {
		return current, nil
	}

	now := time.Now().UTC().UnixNano()
	if !found {
		err = sqlitex.Execute(conn, `
			INSERT INTO aggregates (aggregate_id, aggregate_type, version, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{aggregateID, aggregateType, now, now},
		})
		if err != nil {
			return 0, fmt.Errorf("sqlitestore: register aggregate %s: %w", aggregateID, err)
		}
	}

	for i, ev := range events {
		metadata, merr := json.Marshal(ev.Metadata)
		if merr != nil {
			return 0, fmt.Errorf("sqlitestore: encode metadata for %s: %w", aggregateID, merr)
		}
		payload := string(ev.Payload)
		if payload == "" {
			payload = "{}"
		}

		err = sqlitex.Execute(conn, `
			INSERT INTO events (aggregate_id, aggregate_type, event_type, event_version, payload, metadata, sequence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{
				aggregateID,
				aggregateType,
				ev.EventType,
				ev.EventVersion,
				payload,
				string(metadata),
				expectedVersion + int64(i) + 1,
				now,
			},
		})
		if err != nil {
			if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
				return 0, &eventlog.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: expectedVersion + int64(i) + 1}
			}
			return 0, fmt.Errorf("sqlitestore: insert event %s#%d: %w", aggregateID, expectedVersion+int64(i)+1, err)
		}
	}

	version = expectedVersion + int64(len(events))
	err = sqlitex.Execute(conn, `UPDATE aggregates SET version = ?, updated_at = ? WHERE aggregate_id = ?`, &sqlitex.ExecOptions{
		Args: []any{version, now, aggregateID},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: bump version %s: %w", aggregateID, err)
	}

	return version, nil
}

func (s *EventStore) Read(ctx context.Context, aggregateID string) ([]eventlog.Record, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	out := make([]eventlog.Record, 0, 16)
	err = sqlitex.Execute(conn, `SELECT `+selectRecordColumns+` FROM events WHERE aggregate_id = ? ORDER BY sequence ASC`, &sqlitex.ExecOptions{
		Args: []any{aggregateID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		},
	})
	if err != nil {
		s.logger.Error("read events failed", "aggregate_id", aggregateID, "error", err)
		return nil, err
	}
	return out, nil
}

// ReadSince streams rows straight out of the statement; the connection is
// held until the consumer stops ranging.
func (s *EventStore) ReadSince(ctx context.Context, aggregateType string, after int64, limit int) iter.Seq2[eventlog.Record, error] {
	return func(yield func(eventlog.Record, error) bool) {
		conn, err := s.pool.take(ctx)
		if err != nil {
			yield(eventlog.Record{}, err)
			return
		}
		defer s.pool.put(conn)

		sqlLimit := int64(limit)
		if sqlLimit <= 0 {
			sqlLimit = -1
		}

		stopped := false
		err = sqlitex.Execute(conn, `
			SELECT `+selectRecordColumns+`
			FROM events
			WHERE id > ? AND (? = '' OR aggregate_type = ?)
			ORDER BY id ASC
			LIMIT ?`, &sqlitex.ExecOptions{
			Args: []any{after, aggregateType, aggregateType, sqlLimit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				if !yield(rec, nil) {
					stopped = true
					return errStopIteration
				}
				return nil
			},
		})
		if err != nil && !stopped {
			yield(eventlog.Record{}, err)
		}
	}
}

func (s *EventStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	var version int64
	err = sqlitex.Execute(conn, `SELECT version FROM aggregates WHERE aggregate_id = ?`, &sqlitex.ExecOptions{
		Args: []any{aggregateID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	})
	return version, err
}

// Watch only observes appends made through this process.
func (s *EventStore) Watch(ctx context.Context, aggregateType string) (<-chan struct{}, error) {
	return s.notify.Subscribe(ctx, aggregateType), nil
}

func (s *EventStore) LoadCursor(ctx context.Context, name string) (int64, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	var position int64
	err = sqlitex.Execute(conn, `SELECT position FROM listener_cursors WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			position = stmt.ColumnInt64(0)
			return nil
		},
	})
	return position, err
}

func (s *EventStore) SaveCursor(ctx context.Context, name string, position int64) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO listener_cursors (name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
		Args: []any{name, position, time.Now().UTC().UnixNano()},
	})
	if err != nil {
		s.logger.Error("save listener cursor failed", "listener", name, "position", position, "error", err)
	}
	return err
}

func scanRecord(stmt *sqlite.Stmt) (eventlog.Record, error) {
	rec := eventlog.Record{
		ID:            stmt.ColumnInt64(0),
		AggregateID:   stmt.ColumnText(1),
		AggregateType: stmt.ColumnText(2),
		Sequence:      stmt.ColumnInt64(3),
		EventType:     stmt.ColumnText(4),
		EventVersion:  stmt.ColumnText(5),
		Payload:       json.RawMessage(stmt.ColumnText(6)),
		CreatedAt:     time.Unix(0, stmt.ColumnInt64(8)).UTC(),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &rec.Metadata); err != nil {
		return eventlog.Record{}, fmt.Errorf("sqlitestore: decode metadata of event %d: %w", rec.ID, err)
	}
	return rec, nil
}
