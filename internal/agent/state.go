// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"fmt"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
)

// CallSlot is one tool call of the current round; Result is nil while the
// call is pending.
type CallSlot struct {
	Call   domain.ToolCall    `json:"call"`
	Result *domain.ToolResult `json:"result,omitempty"`
}

// State is the folded view of one aggregate. It is a derived cache and never
// authoritative: it is rebuilt from the log on every load.
type State[S any] struct {
	Agent    S                `json:"agent"`
	Calls    []CallSlot       `json:"calls,omitempty"`
	History  []domain.Message `json:"history,omitempty"`
	Awaiting bool             `json:"awaiting"`
	// LastRequest is the sequence of the latest RequestIssued.
	LastRequest int64  `json:"last_request,omitempty"`
	Done        bool   `json:"done"`
	Failure     string `json:"failure,omitempty"`
	Version     int64  `json:"version"`
}

// Ready reports whether every call of the current round has a result.
func (s *State[S]) Ready() bool {
	for _, slot := range s.Calls {
		if slot.Result == nil {
			return false
		}
	}
	return true
}

func (s *State[S]) Pending() []domain.ToolCall {
	var out []domain.ToolCall
	for _, slot := range s.Calls {
		if slot.Result == nil {
			out = append(out, slot.Call)
		}
	}
	return out
}

func (s *State[S]) Slot(callID string) (CallSlot, bool) {
	for _, slot := range s.Calls {
		if slot.Call.ID == callID {
			return slot, true
		}
	}
	return CallSlot{}, false
}

// Results returns the recorded results of the current round in call order.
func (s *State[S]) Results() []domain.ToolResult {
	out := make([]domain.ToolResult, 0, len(s.Calls))
	for _, slot := range s.Calls {
		if slot.Result != nil {
			out = append(out, *slot.Result)
		}
	}
	return out
}

func applyShared[S any, E EventPayload](s *State[S], ev Event[E]) {
	switch {
	case ev.RequestIssued != nil:
		if len(ev.RequestIssued.ToolResults) > 0 {
			s.History = append(s.History, domain.ToolResultsMessage(ev.RequestIssued.ToolResults))
		}
		if ev.RequestIssued.Content != "" {
			s.History = append(s.History, domain.UserMessage(ev.RequestIssued.Content))
		}
		s.Calls = nil
		s.Awaiting = true
		s.LastRequest = s.Version + 1
	case ev.ResponseReceived != nil:
		s.History = append(s.History, ev.ResponseReceived.Completion.Message())
		s.Awaiting = false
	case ev.ToolCallRequested != nil:
		s.Calls = append(s.Calls, CallSlot{Call: ev.ToolCallRequested.Call})
	case ev.ToolResultReceived != nil:
		result := ev.ToolResultReceived.Result
		for i := range s.Calls {
			if s.Calls[i].Call.ID == result.CallID {
				s.Calls[i].Result = &result
				break
			}
		}
	case ev.Aborted != nil:
		s.Done = true
		s.Awaiting = false
		s.Failure = ev.Aborted.Reason
	}
}

func apply[S any, C any, E EventPayload](a Agent[S, C, E], s *State[S], ev Event[E]) {
	applyShared(s, ev)
	a.ApplyEvent(s, ev)
	s.Version++
}

// Replay folds decoded envelopes, in order, onto the empty state.
func Replay[S any, C any, E EventPayload](a Agent[S, C, E], envelopes []Envelope[E]) *State[S] {
	state := new(State[S])
	for _, env := range envelopes {
		apply(a, state, env.Event)
	}
	return state
}

// Fold verifies and decodes an aggregate's records and folds them.
// A gap, a foreign record or an undecodable event fails the whole load.
func Fold[S any, C any, E EventPayload](a Agent[S, C, E], aggregateID string, records []eventlog.Record) (*State[S], []Envelope[E], error) {
	if err := eventlog.Verify(aggregateID, records); err != nil {
		return nil, nil, err
	}

	envelopes := make([]Envelope[E], 0, len(records))
	for _, rec := range records {
		if rec.AggregateType != a.Type() {
			return nil, nil, &eventlog.TypeMismatchError{AggregateID: aggregateID, Stored: rec.AggregateType, Requested: a.Type()}
		}
		env, err := DecodeRecord[E](rec)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", eventlog.ErrCorruptLog, err)
		}
		envelopes = append(envelopes, env)
	}

	return Replay(a, envelopes), envelopes, nil
}
