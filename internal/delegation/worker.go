// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/sandbox"
)

const (
	WorkerType = "worker"

	EventWorkerGrabbed             = "worker.grabbed"
	EventWorkerFinished            = "worker.finished"
	EventWorkerCompactionRequested = "worker.compaction_requested"
	EventWorkerCompacted           = "worker.compacted"

	workerEventVersion = "1.0"
)

// Grab assigns the task behind a planner's send_task call to a worker.
type Grab struct {
	ParentID string
	Call     domain.ToolCall
}

// ApplyCompaction replaces an oversized tool result with its compacted
// form. An empty Content keeps the original result.
type ApplyCompaction struct {
	CallID  string
	Content string
}

type WorkerCommand struct {
	Grab            *Grab
	ApplyCompaction *ApplyCompaction
}

type Grabbed struct {
	ParentID string `json:"parent_id"`
	CallID   string `json:"call_id"`
	Task     string `json:"task"`
}

type Finished struct {
	ParentID string `json:"parent_id"`
	CallID   string `json:"call_id"`
	Result   string `json:"result"`
}

// CompactionRequested holds a tool result back from the model until a
// compactor has shortened it below Limit.
type CompactionRequested struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Text   string `json:"text"`
	Limit  int    `json:"limit"`
}

type Compacted struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

type WorkerEvent struct {
	Grabbed             *Grabbed             `json:"grabbed,omitempty"`
	Finished            *Finished            `json:"finished,omitempty"`
	CompactionRequested *CompactionRequested `json:"compaction_requested,omitempty"`
	Compacted           *Compacted           `json:"compacted,omitempty"`
}

func (e WorkerEvent) EventType() string {
	switch {
	case e.Grabbed != nil:
		return EventWorkerGrabbed
	case e.Finished != nil:
		return EventWorkerFinished
	case e.CompactionRequested != nil:
		return EventWorkerCompactionRequested
	case e.Compacted != nil:
		return EventWorkerCompacted
	}
	return ""
}

func (WorkerEvent) EventVersion() string { return workerEventVersion }

type WorkerState struct {
	ParentID string `json:"parent_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Task     string `json:"task,omitempty"`
	Result   string `json:"result,omitempty"`

	// Compacting lists calls of the current round waiting on a compactor;
	// Compacted holds the replacements received so far.
	Compacting []string          `json:"compacting,omitempty"`
	Compacted  map[string]string `json:"compacted,omitempty"`
}

func (s WorkerState) Grabbed() bool {
	return s.CallID != ""
}

// Worker works one task until the model calls done successfully.
type Worker struct {
	// CompactAbove sends tool results longer than this many bytes through a
	// compactor before the model sees them. Zero disables compaction.
	CompactAbove int
}

func (Worker) Type() string { return WorkerType }

func (Worker) HandleCommand(_ context.Context, state *agent.State[WorkerState], cmd WorkerCommand) ([]agent.Event[WorkerEvent], error) {
	switch {
	case cmd.Grab != nil:
		return grabTask(state, *cmd.Grab)
	case cmd.ApplyCompaction != nil:
		return applyCompaction(state, *cmd.ApplyCompaction)
	default:
		return nil, fmt.Errorf("%w: empty worker command", agent.ErrInvalidState)
	}
}

func grabTask(state *agent.State[WorkerState], g Grab) ([]agent.Event[WorkerEvent], error) {
	if state.Agent.Grabbed() {
		return nil, fmt.Errorf("%w: task %s already grabbed", agent.ErrInvalidState, state.Agent.CallID)
	}
	if g.Call.ID == "" {
		return nil, domain.ErrEmptyToolCallID
	}

	var args SendTaskArgs
	if err := g.Call.DecodeArguments(&args); err != nil {
		return nil, err
	}
	task := strings.TrimSpace(args.Description)
	if task == "" {
		return nil, fmt.Errorf("%w: task description is empty", agent.ErrInvalidState)
	}

	return []agent.Event[WorkerEvent]{
		agent.Specific(WorkerEvent{Grabbed: &Grabbed{
			ParentID: g.ParentID,
			CallID:   g.Call.ID,
			Task:     task,
		}}),
		{RequestIssued: &agent.RequestIssued{Content: task}},
	}, nil
}

// applyCompaction records one compacted result and, once the last pending
// compaction lands, continues the conversation with the merged round.
func applyCompaction(state *agent.State[WorkerState], c ApplyCompaction) ([]agent.Event[WorkerEvent], error) {
	if !slices.Contains(state.Agent.Compacting, c.CallID) {
		return nil, fmt.Errorf("%w: no compaction pending for call %q", agent.ErrInvalidState, c.CallID)
	}
	slot, ok := state.Slot(c.CallID)
	if !ok || slot.Result == nil {
		return nil, fmt.Errorf("%w: call %q has no result to compact", agent.ErrInvalidState, c.CallID)
	}

	content := strings.TrimSpace(c.Content)
	if content == "" {
		content = slot.Result.Content
	}
	events := []agent.Event[WorkerEvent]{
		agent.Specific(WorkerEvent{Compacted: &Compacted{CallID: c.CallID, Content: content}}),
	}
	if len(state.Agent.Compacting) > 1 {
		return events, nil
	}

	results := state.Results()
	for i := range results {
		if replaced, ok := state.Agent.Compacted[results[i].CallID]; ok {
			results[i].Content = replaced
		}
		if results[i].CallID == c.CallID {
			results[i].Content = content
		}
	}
	return append(events, agent.Event[WorkerEvent]{RequestIssued: &agent.RequestIssued{ToolResults: results}}), nil
}

func (w Worker) HandleToolResults(_ context.Context, state *agent.State[WorkerState], results []domain.ToolResult) ([]agent.Event[WorkerEvent], error) {
	for _, r := range results {
		if r.Name != sandbox.DoneTool || r.IsError || !strings.HasPrefix(r.Content, sandbox.DoneSuccessPrefix) {
			continue
		}
		return []agent.Event[WorkerEvent]{agent.Specific(WorkerEvent{Finished: &Finished{
			ParentID: state.Agent.ParentID,
			CallID:   state.Agent.CallID,
			Result:   strings.TrimPrefix(r.Content, sandbox.DoneSuccessPrefix),
		}})}, nil
	}
	if events := w.compactions(results); len(events) > 0 {
		return events, nil
	}
	return []agent.Event[WorkerEvent]{{RequestIssued: &agent.RequestIssued{ToolResults: results}}}, nil
}

func (w Worker) compactions(results []domain.ToolResult) []agent.Event[WorkerEvent] {
	if w.CompactAbove <= 0 {
		return nil
	}
	var events []agent.Event[WorkerEvent]
	for _, r := range results {
		if r.Name == sandbox.DoneTool || len(r.Content) <= w.CompactAbove {
			continue
		}
		events = append(events, agent.Specific(WorkerEvent{CompactionRequested: &CompactionRequested{
			CallID: r.CallID,
			Tool:   r.Name,
			Text:   r.Content,
			Limit:  w.CompactAbove,
		}}))
	}
	return events
}

func (Worker) ApplyEvent(state *agent.State[WorkerState], ev agent.Event[WorkerEvent]) {
	if ev.RequestIssued != nil {
		state.Agent.Compacting = nil
		state.Agent.Compacted = nil
		return
	}
	if ev.Agent == nil {
		return
	}
	switch {
	case ev.Agent.Grabbed != nil:
		state.Agent.ParentID = ev.Agent.Grabbed.ParentID
		state.Agent.CallID = ev.Agent.Grabbed.CallID
		state.Agent.Task = ev.Agent.Grabbed.Task
	case ev.Agent.Finished != nil:
		state.Agent.Result = ev.Agent.Finished.Result
		state.Done = true
		state.Awaiting = false
	case ev.Agent.CompactionRequested != nil:
		state.Agent.Compacting = append(state.Agent.Compacting, ev.Agent.CompactionRequested.CallID)
	case ev.Agent.Compacted != nil:
		c := ev.Agent.Compacted
		state.Agent.Compacting = slices.DeleteFunc(state.Agent.Compacting, func(id string) bool { return id == c.CallID })
		if state.Agent.Compacted == nil {
			state.Agent.Compacted = make(map[string]string)
		}
		state.Agent.Compacted[c.CallID] = c.Content
	}
}
