// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/metrics"
	"github.com/google/uuid"
)

const defaultConflictRetries = 3

type HandlerOptions struct {
	Logger *slog.Logger
	// MaxConflictRetries bounds ExecuteWithRetry. Defaults to 3.
	MaxConflictRetries int
	// Now stamps event metadata. It is never consulted by the fold.
	Now func() time.Time
}

// Handler is the only write path for an aggregate type: load by replay,
// decide, append with the loaded version as the expected version.
type Handler[S any, C any, E EventPayload] struct {
	store      eventlog.Store
	agent      Agent[S, C, E]
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

func NewHandler[S any, C any, E EventPayload](store eventlog.Store, a Agent[S, C, E], opts HandlerOptions) *Handler[S, C, E] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := opts.MaxConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Handler[S, C, E]{
		store:      store,
		agent:      a,
		logger:     logger.With("aggregate_type", a.Type()),
		maxRetries: retries,
		now:        now,
	}
}

func (h *Handler[S, C, E]) Type() string {
	return h.agent.Type()
}

// Load rebuilds the aggregate's state from its full history.
func (h *Handler[S, C, E]) Load(ctx context.Context, aggregateID string) (*State[S], error) {
	state, _, err := h.load(ctx, aggregateID)
	return state, err
}

// History returns the aggregate's decoded events.
func (h *Handler[S, C, E]) History(ctx context.Context, aggregateID string) ([]Envelope[E], error) {
	_, envelopes, err := h.load(ctx, aggregateID)
	return envelopes, err
}

func (h *Handler[S, C, E]) load(ctx context.Context, aggregateID string) (*State[S], []Envelope[E], error) {
	records, err := h.store.Read(ctx, aggregateID)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", aggregateID, err)
	}

	state, envelopes, err := Fold(h.agent, aggregateID, records)
	if err != nil {
		h.logger.Error("aggregate load failed", "aggregate_id", aggregateID, "error", err)
		return nil, nil, err
	}
	return state, envelopes, nil
}

func (h *Handler[S, C, E]) Execute(ctx context.Context, aggregateID string, cmd Command[C]) ([]Envelope[E], error) {
	return h.ExecuteWithMetadata(ctx, aggregateID, cmd, CommandMetadata{})
}

// ExecuteWithMetadata runs one command. It either appends every event the
// command produces or none. A lost race surfaces as
// eventlog.ErrConcurrencyConflict; it is never retried here.
func (h *Handler[S, C, E]) ExecuteWithMetadata(ctx context.Context, aggregateID string, cmd Command[C], meta CommandMetadata) ([]Envelope[E], error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: empty aggregate id", eventlog.ErrInvalidAggregate)
	}

	state, err := h.Load(ctx, aggregateID)
	if err != nil {
		metrics.IncCommand(h.agent.Type(), cmd.Name(), metrics.OutcomeError)
		return nil, err
	}
	expected := state.Version

	events, err := h.decide(ctx, state, cmd)
	if err != nil {
		metrics.IncCommand(h.agent.Type(), cmd.Name(), metrics.OutcomeRejected)
		h.logger.Info("command rejected",
			"aggregate_id", aggregateID,
			"command", cmd.Name(),
			"error", err,
		)
		return nil, &DomainError{AggregateID: aggregateID, Command: cmd.Name(), Err: err}
	}
	if len(events) == 0 {
		metrics.IncCommand(h.agent.Type(), cmd.Name(), metrics.OutcomeAccepted)
		return nil, nil
	}

	if meta.CorrelationID == uuid.Nil {
		meta.CorrelationID = uuid.New()
	}
	stamp := h.now().UTC()

	pending := make([]eventlog.NewEvent, 0, len(events))
	for _, ev := range events {
		encoded, err := ev.encode()
		if err != nil {
			metrics.IncCommand(h.agent.Type(), cmd.Name(), metrics.OutcomeError)
			return nil, err
		}
		encoded.Metadata = eventlog.Metadata{
			EventID:       uuid.New(),
			CorrelationID: meta.CorrelationID,
			CausationID:   meta.CausationID,
			Timestamp:     stamp,
			Extra:         maps.Clone(meta.Extra),
		}
		pending = append(pending, encoded)
	}

	if _, err := h.store.Append(ctx, aggregateID, h.agent.Type(), expected, pending); err != nil {
		if errors.Is(err, eventlog.ErrConcurrencyConflict) {
			metrics.IncCommand(h.agent.Type(), cmd.Name(), metrics.OutcomeConflict)
			metrics.IncConcurrencyConflict(h.agent.Type())
			h.logger.Warn("append lost race",
				"aggregate_id", aggregateID,
				"command", cmd.Name(),
				"expected_version", expected,
			)
			return nil, err
		}
		metrics.IncCommand(h.agent.Type(), cmd.Name(), metrics.OutcomeError)
		h.logger.Error("append failed", "aggregate_id", aggregateID, "command", cmd.Name(), "error", err)
		return nil, err
	}

	metrics.IncCommand(h.agent.Type(), cmd.Name(), metrics.OutcomeAccepted)
	metrics.AddEventsAppended(h.agent.Type(), len(pending))

	out := make([]Envelope[E], len(events))
	for i, ev := range events {
		out[i] = Envelope[E]{
			AggregateID:   aggregateID,
			AggregateType: h.agent.Type(),
			Sequence:      expected + int64(i) + 1,
			Event:         ev,
			Metadata:      pending[i].Metadata,
			CreatedAt:     stamp,
		}
	}

	h.logger.Debug("command applied",
		"aggregate_id", aggregateID,
		"command", cmd.Name(),
		"events", len(out),
		"version", expected+int64(len(out)),
	)
	return out, nil
}

// ExecuteWithRetry reloads and re-decides after a concurrency conflict, up
// to the configured budget. Domain errors are never retried.
func (h *Handler[S, C, E]) ExecuteWithRetry(ctx context.Context, aggregateID string, cmd Command[C], meta CommandMetadata) ([]Envelope[E], error) {
	var lastErr error
	for attempt := 1; attempt <= h.maxRetries+1; attempt++ {
		out, err := h.ExecuteWithMetadata(ctx, aggregateID, cmd, meta)
		if err == nil || !errors.Is(err, eventlog.ErrConcurrencyConflict) {
			return out, err
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
	return nil, fmt.Errorf("retry budget of %d exhausted: %w", h.maxRetries, lastErr)
}

func (h *Handler[S, C, E]) decide(ctx context.Context, state *State[S], cmd Command[C]) ([]Event[E], error) {
	switch {
	case cmd.SendRequest != nil:
		if state.Done {
			return nil, fmt.Errorf("%w: aggregate is finished", ErrInvalidState)
		}
		if !state.Ready() {
			return nil, ErrNotReady
		}
		return []Event[E]{{RequestIssued: &RequestIssued{Content: cmd.SendRequest.Content}}}, nil

	case cmd.Complete != nil:
		if state.Done || !state.Awaiting {
			return nil, fmt.Errorf("%w: no completion requested", ErrInvalidState)
		}
		if cmd.Complete.Request != state.LastRequest {
			return nil, fmt.Errorf("%w: completion answers request %d, latest is %d",
				ErrInvalidState, cmd.Complete.Request, state.LastRequest)
		}
		return completionEvents[E](cmd.Complete.Completion)

	case cmd.SubmitToolResults != nil:
		return h.decideToolResults(ctx, state, cmd.SubmitToolResults.Results)

	case cmd.Abort != nil:
		if state.Done {
			return nil, fmt.Errorf("%w: aggregate is finished", ErrInvalidState)
		}
		reason := strings.TrimSpace(cmd.Abort.Reason)
		if reason == "" {
			return nil, fmt.Errorf("%w: abort reason is required", ErrInvalidState)
		}
		return []Event[E]{{Aborted: &Aborted{Reason: reason}}}, nil

	case cmd.Agent != nil:
		if state.Done {
			return nil, fmt.Errorf("%w: aggregate is finished", ErrInvalidState)
		}
		return h.agent.HandleCommand(ctx, state, *cmd.Agent)

	default:
		return nil, fmt.Errorf("%w: empty command", ErrInvalidState)
	}
}

func completionEvents[E EventPayload](completion domain.Completion) ([]Event[E], error) {
	seen := make(map[string]struct{}, len(completion.ToolCalls))
	for _, call := range completion.ToolCalls {
		if call.ID == "" {
			return nil, fmt.Errorf("%w: %w", ErrInvalidState, domain.ErrEmptyToolCallID)
		}
		if _, dup := seen[call.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tool call id %q", ErrInvalidState, call.ID)
		}
		seen[call.ID] = struct{}{}
	}

	events := make([]Event[E], 0, 1+len(completion.ToolCalls))
	events = append(events, Event[E]{ResponseReceived: &ResponseReceived{Completion: completion}})
	for _, call := range completion.ToolCalls {
		events = append(events, Event[E]{ToolCallRequested: &ToolCallRequested{Call: call}})
	}
	return events, nil
}

// decideToolResults records results against pending calls and, once the
// round is complete, hands the merged results to the agent.
func (h *Handler[S, C, E]) decideToolResults(ctx context.Context, state *State[S], results []domain.ToolResult) ([]Event[E], error) {
	if state.Done {
		return nil, fmt.Errorf("%w: aggregate is finished", ErrInvalidState)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no tool results", ErrInvalidState)
	}

	seen := make(map[string]struct{}, len(results))
	events := make([]Event[E], 0, len(results)+1)
	for _, result := range results {
		slot, ok := state.Slot(result.CallID)
		if !ok {
			return nil, &UnexpectedToolError{CallID: result.CallID}
		}
		if _, dup := seen[result.CallID]; dup || slot.Result != nil {
			return nil, fmt.Errorf("%w: call %q", ErrDuplicateToolResult, result.CallID)
		}
		seen[result.CallID] = struct{}{}
		if result.Name == "" {
			result.Name = slot.Call.Name
		}
		events = append(events, Event[E]{ToolResultReceived: &ToolResultReceived{Result: result}})
	}

	// decide against the state these events would produce
	for _, ev := range events {
		apply(h.agent, state, ev)
	}
	if !state.Ready() {
		return events, nil
	}

	more, err := h.agent.HandleToolResults(ctx, state, state.Results())
	if err != nil {
		return nil, err
	}
	return append(events, more...), nil
}
