// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
)

// EventPayload is implemented by agent-specific event types.
// EventType must be stable: it is the persisted discriminator.
type EventPayload interface {
	EventType() string
	EventVersion() string
}

const (
	EventRequestIssued      = "request.issued"
	EventResponseReceived   = "response.received"
	EventToolCallRequested  = "tool_call.requested"
	EventToolResultReceived = "tool_result.received"
	EventAborted            = "aborted"

	sharedEventVersion = "1.0"
)

// RequestIssued opens a completion round. ToolResults carries the results of
// the previous round when the conversation continues after tool use.
type RequestIssued struct {
	Content     string              `json:"content,omitempty"`
	ToolResults []domain.ToolResult `json:"tool_results,omitempty"`
}

type ResponseReceived struct {
	Completion domain.Completion `json:"completion"`
}

type ToolCallRequested struct {
	Call domain.ToolCall `json:"call"`
}

type ToolResultReceived struct {
	Result domain.ToolResult `json:"result"`
}

type Aborted struct {
	Reason string `json:"reason"`
}

// Event is the tagged union of shared and agent-specific events. Exactly one
// field is set.
type Event[E EventPayload] struct {
	RequestIssued      *RequestIssued
	ResponseReceived   *ResponseReceived
	ToolCallRequested  *ToolCallRequested
	ToolResultReceived *ToolResultReceived
	Aborted            *Aborted
	Agent              *E
}

// Specific wraps an agent-specific event.
func Specific[E EventPayload](e E) Event[E] {
	return Event[E]{Agent: &e}
}

func (e Event[E]) Type() string {
	switch {
	case e.RequestIssued != nil:
		return EventRequestIssued
	case e.ResponseReceived != nil:
		return EventResponseReceived
	case e.ToolCallRequested != nil:
		return EventToolCallRequested
	case e.ToolResultReceived != nil:
		return EventToolResultReceived
	case e.Aborted != nil:
		return EventAborted
	case e.Agent != nil:
		return (*e.Agent).EventType()
	default:
		return ""
	}
}

func (e Event[E]) Version() string {
	if e.Agent != nil {
		return (*e.Agent).EventVersion()
	}
	return sharedEventVersion
}

func isSharedEventType(t string) bool {
	switch t {
	case EventRequestIssued, EventResponseReceived, EventToolCallRequested, EventToolResultReceived, EventAborted:
		return true
	}
	return false
}

func (e Event[E]) encode() (eventlog.NewEvent, error) {
	var body any
	switch {
	case e.RequestIssued != nil:
		body = e.RequestIssued
	case e.ResponseReceived != nil:
		body = e.ResponseReceived
	case e.ToolCallRequested != nil:
		body = e.ToolCallRequested
	case e.ToolResultReceived != nil:
		body = e.ToolResultReceived
	case e.Aborted != nil:
		body = e.Aborted
	case e.Agent != nil:
		t := (*e.Agent).EventType()
		if t == "" || isSharedEventType(t) {
			return eventlog.NewEvent{}, fmt.Errorf("%w: agent event type %q is reserved or empty", ErrUnknownEvent, t)
		}
		body = e.Agent
	default:
		return eventlog.NewEvent{}, fmt.Errorf("%w: empty event", ErrUnknownEvent)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return eventlog.NewEvent{}, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	return eventlog.NewEvent{
		EventType:    e.Type(),
		EventVersion: e.Version(),
		Payload:      payload,
	}, nil
}

// DecodeEvent rebuilds an event from its persisted type and payload.
func DecodeEvent[E EventPayload](eventType string, payload json.RawMessage) (Event[E], error) {
	var ev Event[E]
	var err error

	switch eventType {
	case EventRequestIssued:
		ev.RequestIssued = new(RequestIssued)
		err = json.Unmarshal(payload, ev.RequestIssued)
	case EventResponseReceived:
		ev.ResponseReceived = new(ResponseReceived)
		err = json.Unmarshal(payload, ev.ResponseReceived)
	case EventToolCallRequested:
		ev.ToolCallRequested = new(ToolCallRequested)
		err = json.Unmarshal(payload, ev.ToolCallRequested)
	case EventToolResultReceived:
		ev.ToolResultReceived = new(ToolResultReceived)
		err = json.Unmarshal(payload, ev.ToolResultReceived)
	case EventAborted:
		ev.Aborted = new(Aborted)
		err = json.Unmarshal(payload, ev.Aborted)
	default:
		var specific E
		if err := json.Unmarshal(payload, &specific); err != nil {
			return Event[E]{}, fmt.Errorf("decode %s: %w", eventType, err)
		}
		if specific.EventType() != eventType {
			return Event[E]{}, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
		}
		ev.Agent = &specific
	}
	if err != nil {
		return Event[E]{}, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return ev, nil
}

// Envelope is a decoded event with its position in the log.
// Envelopes returned by Handler.Execute have ID zero: the global id is only
// known once the event is read back.
type Envelope[E EventPayload] struct {
	ID            int64
	AggregateID   string
	AggregateType string
	Sequence      int64
	Event         Event[E]
	Metadata      eventlog.Metadata
	CreatedAt     time.Time
}

func DecodeRecord[E EventPayload](rec eventlog.Record) (Envelope[E], error) {
	ev, err := DecodeEvent[E](rec.EventType, rec.Payload)
	if err != nil {
		return Envelope[E]{}, fmt.Errorf("event %s#%d: %w", rec.AggregateID, rec.Sequence, err)
	}
	return Envelope[E]{
		ID:            rec.ID,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		Sequence:      rec.Sequence,
		Event:         ev,
		Metadata:      rec.Metadata,
		CreatedAt:     rec.CreatedAt,
	}, nil
}
