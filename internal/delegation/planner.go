// SPDX-License-Identifier: Apache-2.0

// Package delegation implements a planner that hands tasks to workers
// through a send_task tool, and the Link that carries tasks and results
// between the two runtimes.
package delegation

import (
	"context"
	"fmt"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/domain"
)

const (
	PlannerType  = "planner"
	SendTaskTool = "send_task"
)

type SendTaskArgs struct {
	Description string `json:"description"`
}

func SendTaskSpec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        SendTaskTool,
		Description: "Delegate a self-contained task to a worker. The result is the worker's summary.",
		Parameters: domain.ObjectSchema(map[string]any{
			"description": map[string]any{
				"type":        "string",
				"description": "Everything the worker needs to know to complete the task.",
			},
		}, "description"),
	}
}

type PlannerState struct {
	Delegated int `json:"delegated"`
	Completed int `json:"completed"`
}

// Planner has no commands or events of its own. It keeps the conversation
// going after every tool round.
type Planner struct{}

func (Planner) Type() string { return PlannerType }

func (Planner) HandleCommand(context.Context, *agent.State[PlannerState], agent.NoCommand) ([]agent.Event[agent.NoEvent], error) {
	return nil, fmt.Errorf("%w: planner has no commands", agent.ErrInvalidState)
}

func (Planner) HandleToolResults(_ context.Context, _ *agent.State[PlannerState], results []domain.ToolResult) ([]agent.Event[agent.NoEvent], error) {
	return []agent.Event[agent.NoEvent]{{RequestIssued: &agent.RequestIssued{ToolResults: results}}}, nil
}

func (Planner) ApplyEvent(state *agent.State[PlannerState], ev agent.Event[agent.NoEvent]) {
	switch {
	case ev.ToolCallRequested != nil && ev.ToolCallRequested.Call.Name == SendTaskTool:
		state.Agent.Delegated++
	case ev.ToolResultReceived != nil && ev.ToolResultReceived.Result.Name == SendTaskTool && !ev.ToolResultReceived.Result.IsError:
		state.Agent.Completed++
	}
}
