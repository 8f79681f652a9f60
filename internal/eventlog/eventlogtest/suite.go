// SPDX-License-Identifier: Apache-2.0

// Package eventlogtest holds the behavioural contract every eventlog.Store
// implementation must satisfy.
package eventlogtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Aggregate ids used by the suite are
// unique per call, so factories may share a backing database.
type Factory func(t *testing.T) eventlog.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("append and read", func(t *testing.T) { testAppendAndRead(t, newStore(t)) })
	t.Run("stale version conflicts", func(t *testing.T) { testStaleVersion(t, newStore(t)) })
	t.Run("version ahead conflicts", func(t *testing.T) { testVersionAhead(t, newStore(t)) })
	t.Run("empty batch", func(t *testing.T) { testEmptyBatch(t, newStore(t)) })
	t.Run("type mismatch", func(t *testing.T) { testTypeMismatch(t, newStore(t)) })
	t.Run("invalid arguments", func(t *testing.T) { testInvalidArguments(t, newStore(t)) })
	t.Run("read since", func(t *testing.T) { testReadSince(t, newStore(t)) })
	t.Run("racing appends", func(t *testing.T) { testRacingAppends(t, newStore(t)) })
	t.Run("cursors", func(t *testing.T) { testCursors(t, newStore(t)) })
	t.Run("notifications", func(t *testing.T) { testNotifications(t, newStore(t)) })
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Events builds n test events with distinct payloads.
func Events(n int) []eventlog.NewEvent {
	out := make([]eventlog.NewEvent, n)
	for i := range out {
		out[i] = eventlog.NewEvent{
			EventType:    "test.happened",
			EventVersion: "1.0",
			Payload:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata: eventlog.Metadata{
				EventID:       uuid.New(),
				CorrelationID: uuid.New(),
				Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
				Extra:         map[string]string{"index": fmt.Sprint(i)},
			},
		}
	}
	return out
}

func testAppendAndRead(t *testing.T, store eventlog.Store) {
	ctx := context.Background()
	id := uniqueID("agg")

	events := Events(3)
	version, err := store.Append(ctx, id, "suite", 0, events)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	records, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.NoError(t, eventlog.Verify(id, records))

	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Sequence)
		assert.Equal(t, id, rec.AggregateID)
		assert.Equal(t, "suite", rec.AggregateType)
		assert.Equal(t, "test.happened", rec.EventType)
		assert.Equal(t, "1.0", rec.EventVersion)
		assert.JSONEq(t, string(events[i].Payload), string(rec.Payload))
		assert.Equal(t, events[i].Metadata.EventID, rec.Metadata.EventID)
		assert.Equal(t, events[i].Metadata.CorrelationID, rec.Metadata.CorrelationID)
		assert.True(t, events[i].Metadata.Timestamp.Equal(rec.Metadata.Timestamp))
		assert.Equal(t, events[i].Metadata.Extra, rec.Metadata.Extra)
		assert.Positive(t, rec.ID)
		if i > 0 {
			assert.Greater(t, rec.ID, records[i-1].ID)
		}
	}

	version, err = store.Append(ctx, id, "suite", 3, Events(1))
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)

	got, err := store.Version(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got)

	unknown, err := store.Read(ctx, uniqueID("missing"))
	require.NoError(t, err)
	assert.Empty(t, unknown)

	missingVersion, err := store.Version(ctx, uniqueID("missing"))
	require.NoError(t, err)
	assert.Zero(t, missingVersion)
}

func testStaleVersion(t *testing.T, store eventlog.Store) {
	ctx := context.Background()
	id := uniqueID("stale")

	_, err := store.Append(ctx, id, "suite", 0, Events(2))
	require.NoError(t, err)

	_, err = store.Append(ctx, id, "suite", 1, Events(3))
	require.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)

	var conflict *eventlog.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, id, conflict.AggregateID)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	records, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, records, 2, "a conflicting append must not land partially")
}

func testVersionAhead(t *testing.T, store eventlog.Store) {
	ctx := context.Background()
	id := uniqueID("ahead")

	_, err := store.Append(ctx, id, "suite", 5, Events(1))
	require.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)

	records, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testEmptyBatch(t *testing.T, store eventlog.Store) {
	ctx := context.Background()
	id := uniqueID("empty")

	version, err := store.Append(ctx, id, "suite", 0, nil)
	require.NoError(t, err)
	assert.Zero(t, version)

	_, err = store.Append(ctx, id, "suite", 0, Events(2))
	require.NoError(t, err)

	version, err = store.Append(ctx, id, "suite", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	_, err = store.Append(ctx, id, "suite", 1, nil)
	require.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)

	records, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func testTypeMismatch(t *testing.T, store eventlog.Store) {
	ctx := context.Background()
	id := uniqueID("typed")

	_, err := store.Append(ctx, id, "planner", 0, Events(1))
	require.NoError(t, err)

	_, err = store.Append(ctx, id, "worker", 1, Events(1))
	require.ErrorIs(t, err, eventlog.ErrTypeMismatch)

	version, err := store.Version(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func testInvalidArguments(t *testing.T, store eventlog.Store) {
	ctx := context.Background()

	_, err := store.Append(ctx, "", "suite", 0, Events(1))
	require.ErrorIs(t, err, eventlog.ErrInvalidAggregate)

	_, err = store.Append(ctx, uniqueID("untyped"), "", 0, Events(1))
	require.ErrorIs(t, err, eventlog.ErrInvalidAggregate)

	_, err = store.Append(ctx, uniqueID("negative"), "suite", -1, Events(1))
	require.ErrorIs(t, err, eventlog.ErrInvalidAggregate)
}

func testReadSince(t *testing.T, store eventlog.Store) {
	ctx := context.Background()
	kind := uniqueID("kind")
	other := uniqueID("other")
	a := uniqueID("a")
	b := uniqueID("b")
	c := uniqueID("c")

	_, err := store.Append(ctx, a, kind, 0, Events(2))
	require.NoError(t, err)
	_, err = store.Append(ctx, c, other, 0, Events(1))
	require.NoError(t, err)
	_, err = store.Append(ctx, b, kind, 0, Events(1))
	require.NoError(t, err)
	_, err = store.Append(ctx, a, kind, 2, Events(1))
	require.NoError(t, err)

	records, err := eventlog.Collect(store.ReadSince(ctx, kind, 0, 0))
	require.NoError(t, err)
	require.Len(t, records, 4)

	var order []string
	for i, rec := range records {
		assert.Equal(t, kind, rec.AggregateType)
		if i > 0 {
			assert.Greater(t, rec.ID, records[i-1].ID)
		}
		order = append(order, fmt.Sprintf("%s#%d", rec.AggregateID, rec.Sequence))
	}
	assert.Equal(t, []string{a + "#1", a + "#2", b + "#1", a + "#3"}, order)

	limited, err := eventlog.Collect(store.ReadSince(ctx, kind, 0, 2))
	require.NoError(t, err)
	require.Len(t, limited, 2)

	rest, err := eventlog.Collect(store.ReadSince(ctx, kind, limited[1].ID, 0))
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, b, rest[0].AggregateID)

	var seen int
	for _, err := range store.ReadSince(ctx, kind, 0, 0) {
		require.NoError(t, err)
		seen++
		if seen == 1 {
			break
		}
	}
	assert.Equal(t, 1, seen)
}

func testRacingAppends(t *testing.T, store eventlog.Store) {
	ctx := context.Background()
	id := uniqueID("race")

	_, err := store.Append(ctx, id, "suite", 0, Events(1))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, id, "suite", 1, Events(2))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, eventlog.ErrConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("unexpected append error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)

	records, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.NoError(t, eventlog.Verify(id, records))
}

func testCursors(t *testing.T, store eventlog.Store) {
	cursors, ok := store.(eventlog.CursorStore)
	if !ok {
		t.Skip("store does not persist cursors")
	}
	ctx := context.Background()
	name := uniqueID("listener")

	pos, err := cursors.LoadCursor(ctx, name)
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, cursors.SaveCursor(ctx, name, 42))
	require.NoError(t, cursors.SaveCursor(ctx, name, 57))

	pos, err = cursors.LoadCursor(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(57), pos)
}

func testNotifications(t *testing.T, store eventlog.Store) {
	notifier, ok := store.(eventlog.Notifier)
	if !ok {
		t.Skip("store does not push notifications")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kind := uniqueID("watched")
	wake, err := notifier.Watch(ctx, kind)
	require.NoError(t, err)

	// LISTEN registration may be asynchronous; keep appending until woken.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	id := uniqueID("watched-agg")
	var version int64
	for {
		version, err = store.Append(ctx, id, kind, version, Events(1))
		require.NoError(t, err)

		select {
		case <-wake:
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("expected a wake-up after append")
		}
	}
}
