// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
)

// Receipt acknowledges an accepted command.
type Receipt struct {
	AggregateID   string   `json:"aggregate_id"`
	AggregateType string   `json:"aggregate_type"`
	Version       int64    `json:"version"`
	EventTypes    []string `json:"event_types"`
}

// Summary is a type-erased view of a folded aggregate for transports.
type Summary struct {
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Version       int64             `json:"version"`
	Awaiting      bool              `json:"awaiting"`
	Done          bool              `json:"done"`
	Failure       string            `json:"failure,omitempty"`
	PendingCalls  []domain.ToolCall `json:"pending_calls,omitempty"`
	History       []domain.Message  `json:"history,omitempty"`
	Agent         any               `json:"agent"`
}

// SendMessage issues SendRequest with the default conflict retry budget.
func (h *Handler[S, C, E]) SendMessage(ctx context.Context, aggregateID, content string, meta CommandMetadata) (Receipt, error) {
	out, err := h.ExecuteWithRetry(ctx, aggregateID, Send[C](content), meta)
	if err != nil {
		return Receipt{}, err
	}
	return h.receipt(ctx, aggregateID, out)
}

func (h *Handler[S, C, E]) AbortAggregate(ctx context.Context, aggregateID, reason string, meta CommandMetadata) (Receipt, error) {
	out, err := h.ExecuteWithRetry(ctx, aggregateID, AbortWith[C](reason), meta)
	if err != nil {
		return Receipt{}, err
	}
	return h.receipt(ctx, aggregateID, out)
}

func (h *Handler[S, C, E]) receipt(ctx context.Context, aggregateID string, out []Envelope[E]) (Receipt, error) {
	r := Receipt{
		AggregateID:   aggregateID,
		AggregateType: h.agent.Type(),
		EventTypes:    make([]string, 0, len(out)),
	}
	for _, env := range out {
		r.EventTypes = append(r.EventTypes, env.Event.Type())
		r.Version = env.Sequence
	}
	if len(out) == 0 {
		version, err := h.store.Version(ctx, aggregateID)
		if err != nil {
			return Receipt{}, err
		}
		r.Version = version
	}
	return r, nil
}

func (h *Handler[S, C, E]) Summary(ctx context.Context, aggregateID string) (Summary, error) {
	state, err := h.Load(ctx, aggregateID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		AggregateID:   aggregateID,
		AggregateType: h.agent.Type(),
		Version:       state.Version,
		Awaiting:      state.Awaiting,
		Done:          state.Done,
		Failure:       state.Failure,
		PendingCalls:  state.Pending(),
		History:       state.History,
		Agent:         state.Agent,
	}, nil
}

// Events returns raw records with sequence greater than after.
func (h *Handler[S, C, E]) Events(ctx context.Context, aggregateID string, after int64) ([]eventlog.Record, error) {
	records, err := h.store.Read(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if err := eventlog.Verify(aggregateID, records); err != nil {
		return nil, err
	}
	if len(records) > 0 && records[0].AggregateType != h.agent.Type() {
		return nil, &eventlog.TypeMismatchError{AggregateID: aggregateID, Stored: records[0].AggregateType, Requested: h.agent.Type()}
	}
	if after < 0 {
		after = 0
	}
	if after >= int64(len(records)) {
		return []eventlog.Record{}, nil
	}
	return records[after:], nil
}
