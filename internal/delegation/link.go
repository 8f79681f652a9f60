// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/domain"
)

const (
	ExtraParentID     = "parent_id"
	ExtraParentCallID = "parent_call_id"
)

// PlannerWorkerLink turns send_task calls into worker Grabs and worker
// outcomes into the planner's tool results.
type PlannerWorkerLink struct {
	// MintID names the worker for a send_task call. Defaults to
	// "task_" + call id.
	MintID func(parentID string, call domain.ToolCall) string
}

func (l PlannerWorkerLink) workerID(parentID string, call domain.ToolCall) string {
	if l.MintID != nil {
		return l.MintID(parentID, call)
	}
	return "task_" + call.ID
}

func (l PlannerWorkerLink) Forward(env agent.Envelope[agent.NoEvent]) (agent.Route[WorkerCommand], bool) {
	req := env.Event.ToolCallRequested
	if req == nil || req.Call.Name != SendTaskTool {
		return agent.Route[WorkerCommand]{}, false
	}

	return agent.Route[WorkerCommand]{
		AggregateID: l.workerID(env.AggregateID, req.Call),
		Command: agent.SpecificCommand(WorkerCommand{Grab: &Grab{
			ParentID: env.AggregateID,
			Call:     req.Call,
		}}),
		Extra: map[string]string{
			ExtraParentID:     env.AggregateID,
			ExtraParentCallID: req.Call.ID,
		},
	}, true
}

func (l PlannerWorkerLink) Backward(env agent.Envelope[WorkerEvent]) (agent.Route[agent.NoCommand], bool) {
	switch {
	case env.Event.Agent != nil && env.Event.Agent.Finished != nil:
		f := env.Event.Agent.Finished
		return agent.Route[agent.NoCommand]{
			AggregateID: f.ParentID,
			Command: agent.ToolResults[agent.NoCommand](domain.ToolResult{
				CallID:  f.CallID,
				Name:    SendTaskTool,
				Content: f.Result,
			}),
		}, true

	case env.Event.Aborted != nil:
		parentID := env.Metadata.Extra[ExtraParentID]
		callID := env.Metadata.Extra[ExtraParentCallID]
		if parentID == "" || callID == "" {
			return agent.Route[agent.NoCommand]{}, false
		}
		return agent.Route[agent.NoCommand]{
			AggregateID: parentID,
			Command: agent.ToolResults[agent.NoCommand](domain.ToolResult{
				CallID:  callID,
				Name:    SendTaskTool,
				Content: "worker aborted: " + env.Event.Aborted.Reason,
				IsError: true,
			}),
		}, true
	}
	return agent.Route[agent.NoCommand]{}, false
}
