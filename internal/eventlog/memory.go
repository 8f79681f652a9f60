// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"
)

type memoryAggregate struct {
	aggregateType string
	records       []Record
}

// MemoryStore is an in-process Store. It implements Notifier and
// CursorStore, which makes it a drop-in replacement for the durable stores
// in tests and single-process development runs.
type MemoryStore struct {
	mu         sync.RWMutex
	aggregates map[string]*memoryAggregate
	log        []Record
	cursors    map[string]int64
	notify     *Broadcaster
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates: make(map[string]*memoryAggregate),
		cursors:    make(map[string]int64),
		notify:     NewBroadcaster(),
		now:        time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int64, events []NewEvent) (int64, error) {
	if err := ValidateAppend(aggregateID, aggregateType, expectedVersion); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()

	agg, ok := s.aggregates[aggregateID]
	var current int64
	if ok {
		if agg.aggregateType != aggregateType {
			s.mu.Unlock()
			return 0, &TypeMismatchError{AggregateID: aggregateID, Stored: agg.aggregateType, Requested: aggregateType}
		}
		current = int64(len(agg.records))
	}
	if current != expectedVersion {
		s.mu.Unlock()
		return 0, &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}
	if len(events) == 0 {
		s.mu.Unlock()
		return current, nil
	}

	if !ok {
		agg = &memoryAggregate{aggregateType: aggregateType}
		s.aggregates[aggregateID] = agg
	}

	now := s.now().UTC()
	for i, ev := range events {
		rec := Record{
			ID:            int64(len(s.log) + 1),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Sequence:      expectedVersion + int64(i) + 1,
			EventType:     ev.EventType,
			EventVersion:  ev.EventVersion,
			Payload:       slices.Clone(ev.Payload),
			Metadata:      ev.Metadata,
			CreatedAt:     now,
		}
		agg.records = append(agg.records, rec)
		s.log = append(s.log, rec)
	}
	version := int64(len(agg.records))
	s.mu.Unlock()

	s.notify.Publish(aggregateType)
	return version, nil
}

func (s *MemoryStore) Read(ctx context.Context, aggregateID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[aggregateID]
	if !ok {
		return []Record{}, nil
	}
	return slices.Clone(agg.records), nil
}

func (s *MemoryStore) ReadSince(ctx context.Context, aggregateType string, after int64, limit int) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Record{}, err)
			return
		}

		s.mu.RLock()
		start := max(after, 0)
		var batch []Record
		for i := start; i < int64(len(s.log)); i++ {
			rec := s.log[i]
			if aggregateType != "" && rec.AggregateType != aggregateType {
				continue
			}
			batch = append(batch, rec)
			if limit > 0 && len(batch) >= limit {
				break
			}
		}
		s.mu.RUnlock()

		for _, rec := range batch {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if agg, ok := s.aggregates[aggregateID]; ok {
		return int64(len(agg.records)), nil
	}
	return 0, nil
}

func (s *MemoryStore) Watch(ctx context.Context, aggregateType string) (<-chan struct{}, error) {
	return s.notify.Subscribe(ctx, aggregateType), nil
}

func (s *MemoryStore) LoadCursor(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SaveCursor(ctx context.Context, name string, position int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = position
	return nil
}

// Inject stores a raw record without any validation. It exists so that
// corruption handling can be exercised against the in-memory store.
func (s *MemoryStore) Inject(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[rec.AggregateID]
	if !ok {
		agg = &memoryAggregate{aggregateType: rec.AggregateType}
		s.aggregates[rec.AggregateID] = agg
	}
	rec.ID = int64(len(s.log) + 1)
	agg.records = append(agg.records, rec)
	s.log = append(s.log, rec)
}
