// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultBatchSize       = 256
	defaultMaxConcurrency  = 16
	defaultMaxPollFailures = 5
)

// EventHandler reacts to persisted events. Reactions may perform I/O and
// issue new commands; they never touch state directly.
type EventHandler[E EventPayload] interface {
	Handle(ctx context.Context, env Envelope[E]) error
}

type EventHandlerFunc[E EventPayload] func(ctx context.Context, env Envelope[E]) error

func (f EventHandlerFunc[E]) Handle(ctx context.Context, env Envelope[E]) error {
	return f(ctx, env)
}

// Named is optionally implemented by EventHandlers to label logs and metrics.
type Named interface {
	Name() string
}

func handlerName(h any) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

type ListenerOptions struct {
	// Name keys the durable cursor. Defaults to the aggregate type.
	Name            string
	PollInterval    time.Duration
	BatchSize       int
	MaxConcurrency  int
	MaxPollFailures int
	Logger          *slog.Logger
}

// Listener polls one aggregate type from a global cursor and dispatches
// each batch: aggregates concurrently, events of one aggregate in sequence
// order, every handler of one event concurrently.
type Listener[E EventPayload] struct {
	store         eventlog.Store
	aggregateType string
	handlers      []EventHandler[E]
	name          string
	interval      time.Duration
	batchSize     int
	concurrency   int
	maxFailures   int
	logger        *slog.Logger
	cursor        atomic.Int64
}

func NewListener[E EventPayload](store eventlog.Store, aggregateType string, handlers []EventHandler[E], opts ListenerOptions) *Listener[E] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener[E]{
		store:         store,
		aggregateType: aggregateType,
		handlers:      handlers,
		name:          opts.Name,
		interval:      opts.PollInterval,
		batchSize:     opts.BatchSize,
		concurrency:   opts.MaxConcurrency,
		maxFailures:   opts.MaxPollFailures,
	}
	if l.name == "" {
		l.name = aggregateType
	}
	if l.interval <= 0 {
		l.interval = defaultPollInterval
	}
	if l.batchSize <= 0 {
		l.batchSize = defaultBatchSize
	}
	if l.concurrency <= 0 {
		l.concurrency = defaultMaxConcurrency
	}
	if l.maxFailures <= 0 {
		l.maxFailures = defaultMaxPollFailures
	}
	l.logger = logger.With("listener", l.name, "aggregate_type", aggregateType)
	return l
}

// Cursor is the global id of the last dispatched event.
func (l *Listener[E]) Cursor() int64 {
	return l.cursor.Load()
}

// Run polls until ctx is done. Reactions run under reactCtx so a stop
// request lets the current batch finish. Only repeated store failures end
// Run with an error.
func (l *Listener[E]) Run(ctx context.Context, reactCtx context.Context) error {
	cursors, durable := l.store.(eventlog.CursorStore)
	if durable {
		pos, err := cursors.LoadCursor(ctx, l.name)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: load cursor %s: %w", ErrStoreUnavailable, l.name, err)
		}
		l.cursor.Store(pos)
	}

	var wake <-chan struct{}
	if notifier, ok := l.store.(eventlog.Notifier); ok {
		ch, err := notifier.Watch(ctx, l.aggregateType)
		if err != nil {
			l.logger.Warn("append notifications unavailable, polling only", "error", err)
		} else {
			wake = ch
		}
	}

	l.logger.Info("listener started", "cursor", l.cursor.Load(), "poll_interval", l.interval.String())

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	failures := 0
	for {
		n, err := l.pollOnce(ctx, reactCtx, cursors, durable)
		if ctx.Err() != nil {
			l.logger.Info("listener stopped", "cursor", l.cursor.Load())
			return nil
		}
		if err != nil {
			failures++
			metrics.IncPollFailure(l.aggregateType)
			l.logger.Warn("listener poll failed", "consecutive_failures", failures, "error", err)
			if failures >= l.maxFailures {
				return fmt.Errorf("%w: %d consecutive poll failures: %w", ErrStoreUnavailable, failures, err)
			}
		} else {
			failures = 0
			if n >= l.batchSize {
				continue
			}
		}

		select {
		case <-ctx.Done():
			l.logger.Info("listener stopped", "cursor", l.cursor.Load())
			return nil
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

func (l *Listener[E]) pollOnce(ctx, reactCtx context.Context, cursors eventlog.CursorStore, durable bool) (int, error) {
	batch, err := eventlog.Collect(l.store.ReadSince(ctx, l.aggregateType, l.cursor.Load(), l.batchSize))
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	l.dispatch(reactCtx, batch)

	last := batch[len(batch)-1].ID
	l.cursor.Store(last)
	if durable {
		if err := cursors.SaveCursor(reactCtx, l.name, last); err != nil {
			l.logger.Warn("listener cursor checkpoint failed", "cursor", last, "error", err)
		}
	}
	return len(batch), nil
}

func (l *Listener[E]) dispatch(ctx context.Context, batch []eventlog.Record) {
	order := make([]string, 0, len(batch))
	groups := make(map[string][]eventlog.Record, len(batch))
	for _, rec := range batch {
		if _, ok := groups[rec.AggregateID]; !ok {
			order = append(order, rec.AggregateID)
		}
		groups[rec.AggregateID] = append(groups[rec.AggregateID], rec)
	}

	var g errgroup.Group
	g.SetLimit(l.concurrency)
	for _, id := range order {
		records := groups[id]
		g.Go(func() error {
			for _, rec := range records {
				l.deliver(ctx, rec)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Listener[E]) deliver(ctx context.Context, rec eventlog.Record) {
	env, err := DecodeRecord[E](rec)
	if err != nil {
		l.logger.Error("undecodable event skipped",
			"aggregate_id", rec.AggregateID,
			"sequence", rec.Sequence,
			"event_type", rec.EventType,
			"error", err,
		)
		return
	}
	metrics.IncEventsDispatched(l.aggregateType)

	var g errgroup.Group
	for _, h := range l.handlers {
		g.Go(func() error {
			l.invoke(ctx, h, env)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Listener[E]) invoke(ctx context.Context, h EventHandler[E], env Envelope[E]) {
	name := handlerName(h)
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			metrics.IncReactionFailure(l.aggregateType, name)
			l.logger.Error("event handler panicked",
				"handler", name,
				"aggregate_id", env.AggregateID,
				"sequence", env.Sequence,
				"panic", fmt.Sprint(p),
			)
		}
	}()

	err := h.Handle(ctx, env)
	metrics.ObserveReaction(l.aggregateType, name, time.Since(started))
	if err != nil {
		metrics.IncReactionFailure(l.aggregateType, name)
		l.logger.Error("event handler failed",
			"handler", name,
			"aggregate_id", env.AggregateID,
			"sequence", env.Sequence,
			"event_type", env.Event.Type(),
			"error", err,
		)
	}
}
