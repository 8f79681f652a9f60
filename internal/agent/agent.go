// SPDX-License-Identifier: Apache-2.0

// Package agent is the event-sourced agent runtime: a pure fold from events
// to state, a Handler that turns commands into appended events, a Listener
// that feeds new events to side-effecting EventHandlers, and Links that
// translate one runtime's events into another runtime's commands.
package agent

import (
	"context"

	"github.com/adiadia/agent-orchestrator/internal/domain"
)

// Agent specializes the runtime for one aggregate type.
//
// HandleCommand and HandleToolResults decide; they read state and return
// events but never mutate it. ApplyEvent is the agent's half of the fold and
// must be pure. Clients and credentials live on the implementing value and
// reach every call through the receiver; they never enter State.
type Agent[S any, C any, E EventPayload] interface {
	Type() string
	HandleCommand(ctx context.Context, state *State[S], cmd C) ([]Event[E], error)
	// HandleToolResults runs once every pending call of the current round
	// has a result. results holds all of them in request order.
	HandleToolResults(ctx context.Context, state *State[S], results []domain.ToolResult) ([]Event[E], error)
	ApplyEvent(state *State[S], event Event[E])
}

// NoEvent is the event type of agents without specific events.
type NoEvent struct{}

func (NoEvent) EventType() string    { return "" }
func (NoEvent) EventVersion() string { return "" }

// NoCommand is the command type of agents without specific commands.
type NoCommand struct{}
