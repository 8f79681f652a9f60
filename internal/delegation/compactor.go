// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"fmt"
	"strings"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/sandbox"
)

const (
	CompactorType = "compactor"

	EventCompactorStarted  = "compactor.started"
	EventCompactorFinished = "compactor.finished"

	compactorEventVersion = "1.0"

	ExtraCompactParentID     = "compact_parent_id"
	ExtraCompactParentCallID = "compact_parent_call_id"

	DefaultCompactorPreamble = "You shorten verbose tool output for another agent. Keep what identifies the problem: " +
		"error kinds, file paths with line numbers, and the root cause. Drop repeated stack frames and noise. " +
		"Call done with the compacted text as the summary."
)

// Compact asks a compactor to shorten one tool result of a worker.
type Compact struct {
	ParentID string
	CallID   string
	Tool     string
	Text     string
	Limit    int
}

type CompactorCommand struct {
	Compact *Compact
}

type CompactionStarted struct {
	ParentID string `json:"parent_id"`
	CallID   string `json:"call_id"`
	Limit    int    `json:"limit"`
}

type CompactionFinished struct {
	ParentID string `json:"parent_id"`
	CallID   string `json:"call_id"`
	Result   string `json:"result"`
}

type CompactorEvent struct {
	Started  *CompactionStarted  `json:"started,omitempty"`
	Finished *CompactionFinished `json:"finished,omitempty"`
}

func (e CompactorEvent) EventType() string {
	switch {
	case e.Started != nil:
		return EventCompactorStarted
	case e.Finished != nil:
		return EventCompactorFinished
	}
	return ""
}

func (CompactorEvent) EventVersion() string { return compactorEventVersion }

type CompactorState struct {
	ParentID string `json:"parent_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Result   string `json:"result,omitempty"`
}

// Compactor is a single-shot specialist: one Compact, then done.
type Compactor struct{}

func (Compactor) Type() string { return CompactorType }

func (Compactor) HandleCommand(_ context.Context, state *agent.State[CompactorState], cmd CompactorCommand) ([]agent.Event[CompactorEvent], error) {
	if cmd.Compact == nil {
		return nil, fmt.Errorf("%w: empty compactor command", agent.ErrInvalidState)
	}
	if state.Agent.CallID != "" {
		return nil, fmt.Errorf("%w: already compacting call %s", agent.ErrInvalidState, state.Agent.CallID)
	}
	c := cmd.Compact
	if c.CallID == "" {
		return nil, domain.ErrEmptyToolCallID
	}
	if strings.TrimSpace(c.Text) == "" {
		return nil, fmt.Errorf("%w: nothing to compact", agent.ErrInvalidState)
	}

	return []agent.Event[CompactorEvent]{
		agent.Specific(CompactorEvent{Started: &CompactionStarted{
			ParentID: c.ParentID,
			CallID:   c.CallID,
			Limit:    c.Limit,
		}}),
		{RequestIssued: &agent.RequestIssued{Content: CompactionPrompt(c.Tool, c.Limit, c.Text)}},
	}, nil
}

func (Compactor) HandleToolResults(_ context.Context, state *agent.State[CompactorState], results []domain.ToolResult) ([]agent.Event[CompactorEvent], error) {
	for _, r := range results {
		if r.Name != sandbox.DoneTool || r.IsError || !strings.HasPrefix(r.Content, sandbox.DoneSuccessPrefix) {
			continue
		}
		return []agent.Event[CompactorEvent]{agent.Specific(CompactorEvent{Finished: &CompactionFinished{
			ParentID: state.Agent.ParentID,
			CallID:   state.Agent.CallID,
			Result:   strings.TrimPrefix(r.Content, sandbox.DoneSuccessPrefix),
		}})}, nil
	}
	return []agent.Event[CompactorEvent]{{RequestIssued: &agent.RequestIssued{ToolResults: results}}}, nil
}

func (Compactor) ApplyEvent(state *agent.State[CompactorState], ev agent.Event[CompactorEvent]) {
	if ev.Agent == nil {
		return
	}
	switch {
	case ev.Agent.Started != nil:
		state.Agent.ParentID = ev.Agent.Started.ParentID
		state.Agent.CallID = ev.Agent.Started.CallID
		state.Agent.Limit = ev.Agent.Started.Limit
	case ev.Agent.Finished != nil:
		state.Agent.Result = ev.Agent.Finished.Result
		state.Done = true
		state.Awaiting = false
	}
}

func CompactionPrompt(tool string, limit int, text string) string {
	if tool == "" {
		tool = "tool"
	}
	return fmt.Sprintf("Compact this %s output to under %d characters:\n\n%s", tool, limit, text)
}

// CompactorCatalogue holds the only tool a compactor may call.
func CompactorCatalogue() *sandbox.Catalogue {
	return sandbox.NewCatalogue(sandbox.Done())
}

type CompactorRuntime = agent.Runtime[CompactorState, CompactorCommand, CompactorEvent]

func NewCompactorRuntime(store eventlog.Store, opts agent.Options) *CompactorRuntime {
	return agent.NewRuntime[CompactorState, CompactorCommand, CompactorEvent](store, Compactor{}, opts)
}

// CompactorID names the compactor for one call of one worker. It is
// deterministic so a redelivered request lands on the same aggregate.
func CompactorID(workerID, callID string) string {
	return "compact_" + workerID + "_" + callID
}

// WorkerCompactorLink sends oversized worker tool results to a compactor
// and brings the compacted text back.
type WorkerCompactorLink struct{}

func (WorkerCompactorLink) Forward(env agent.Envelope[WorkerEvent]) (agent.Route[CompactorCommand], bool) {
	if env.Event.Agent == nil || env.Event.Agent.CompactionRequested == nil {
		return agent.Route[CompactorCommand]{}, false
	}
	req := env.Event.Agent.CompactionRequested

	return agent.Route[CompactorCommand]{
		AggregateID: CompactorID(env.AggregateID, req.CallID),
		Command: agent.SpecificCommand(CompactorCommand{Compact: &Compact{
			ParentID: env.AggregateID,
			CallID:   req.CallID,
			Tool:     req.Tool,
			Text:     req.Text,
			Limit:    req.Limit,
		}}),
		Extra: map[string]string{
			ExtraCompactParentID:     env.AggregateID,
			ExtraCompactParentCallID: req.CallID,
		},
	}, true
}

// Backward returns the compacted text, or on abort lets the worker keep
// the original result.
func (WorkerCompactorLink) Backward(env agent.Envelope[CompactorEvent]) (agent.Route[WorkerCommand], bool) {
	switch {
	case env.Event.Agent != nil && env.Event.Agent.Finished != nil:
		f := env.Event.Agent.Finished
		return agent.Route[WorkerCommand]{
			AggregateID: f.ParentID,
			Command: agent.SpecificCommand(WorkerCommand{ApplyCompaction: &ApplyCompaction{
				CallID:  f.CallID,
				Content: f.Result,
			}}),
		}, true

	case env.Event.Aborted != nil:
		parentID := env.Metadata.Extra[ExtraCompactParentID]
		callID := env.Metadata.Extra[ExtraCompactParentCallID]
		if parentID == "" || callID == "" {
			return agent.Route[WorkerCommand]{}, false
		}
		return agent.Route[WorkerCommand]{
			AggregateID: parentID,
			Command:     agent.SpecificCommand(WorkerCommand{ApplyCompaction: &ApplyCompaction{CallID: callID}}),
		}, true
	}
	return agent.Route[WorkerCommand]{}, false
}

// ConnectCompactor links a worker runtime to a compactor runtime.
func ConnectCompactor(worker *WorkerRuntime, compactor *CompactorRuntime, link WorkerCompactorLink) error {
	return agent.Connect[WorkerState, WorkerCommand, WorkerEvent, CompactorState, CompactorCommand, CompactorEvent](worker, compactor, link)
}
