// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/llm"
	"github.com/adiadia/agent-orchestrator/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendTask(id, description string) domain.ToolCall {
	args, _ := json.Marshal(SendTaskArgs{Description: description})
	return domain.ToolCall{ID: id, Name: SendTaskTool, Arguments: args}
}

func grab(parentID string, call domain.ToolCall) agent.Command[WorkerCommand] {
	return agent.SpecificCommand(WorkerCommand{Grab: &Grab{ParentID: parentID, Call: call}})
}

func TestWorkerGrabStartsConversation(t *testing.T) {
	ctx := context.Background()
	h := NewWorkerRuntime(eventlog.NewMemoryStore(), agent.Options{}).Handler()

	out, err := h.Execute(ctx, "w1", grab("t1", sendTask("call-1", "count the files")))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, EventWorkerGrabbed, out[0].Event.Type())
	assert.Equal(t, "count the files", out[1].Event.RequestIssued.Content)

	state, err := h.Load(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "t1", state.Agent.ParentID)
	assert.Equal(t, "call-1", state.Agent.CallID)
	assert.True(t, state.Awaiting)

	_, err = h.Execute(ctx, "w1", grab("t2", sendTask("call-2", "something else")))
	assert.ErrorIs(t, err, agent.ErrInvalidState)
}

func TestWorkerRejectsEmptyTask(t *testing.T) {
	h := NewWorkerRuntime(eventlog.NewMemoryStore(), agent.Options{}).Handler()

	_, err := h.Execute(context.Background(), "w1", grab("t1", sendTask("call-1", "   ")))
	assert.ErrorIs(t, err, agent.ErrInvalidState)
}

func doneCall(id, summary string) domain.ToolCall {
	args, _ := json.Marshal(map[string]string{"summary": summary})
	return domain.ToolCall{ID: id, Name: sandbox.DoneTool, Arguments: args}
}

func TestWorkerFinishesOnlyAfterSuccessfulDone(t *testing.T) {
	ctx := context.Background()
	h := NewWorkerRuntime(eventlog.NewMemoryStore(), agent.Options{}).Handler()

	_, err := h.Execute(ctx, "w1", grab("t1", sendTask("call-1", "task")))
	require.NoError(t, err)

	_, err = h.Execute(ctx, "w1", agent.CompleteWith[WorkerCommand](2, domain.Completion{ToolCalls: []domain.ToolCall{doneCall("d1", "")}}))
	require.NoError(t, err)
	out, err := h.Execute(ctx, "w1", agent.ToolResults[WorkerCommand](domain.ToolResult{
		CallID: "d1", Content: "done: summary is required", IsError: true,
	}))
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotNil(t, out[1].Event.RequestIssued, "a failed done continues the conversation")

	_, err = h.Execute(ctx, "w1", agent.CompleteWith[WorkerCommand](out[1].Sequence, domain.Completion{ToolCalls: []domain.ToolCall{doneCall("d2", "counted 3 files")}}))
	require.NoError(t, err)
	out, err = h.Execute(ctx, "w1", agent.ToolResults[WorkerCommand](domain.ToolResult{
		CallID: "d2", Content: sandbox.DoneSuccessPrefix + "counted 3 files",
	}))
	require.NoError(t, err)
	require.Len(t, out, 2)
	finished := out[1].Event.Agent.Finished
	require.NotNil(t, finished)
	assert.Equal(t, Finished{ParentID: "t1", CallID: "call-1", Result: "counted 3 files"}, *finished)

	state, err := h.Load(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.Equal(t, "counted 3 files", state.Agent.Result)

	_, err = h.Execute(ctx, "w1", agent.Send[WorkerCommand]("more?"))
	assert.ErrorIs(t, err, agent.ErrInvalidState)
}

func TestLinkForwardRoutesSendTask(t *testing.T) {
	link := PlannerWorkerLink{}
	call := sendTask("call-9", "do it")

	route, ok := link.Forward(agent.Envelope[agent.NoEvent]{
		AggregateID: "t1",
		Event:       agent.Event[agent.NoEvent]{ToolCallRequested: &agent.ToolCallRequested{Call: call}},
	})
	require.True(t, ok)
	assert.Equal(t, "task_call-9", route.AggregateID)
	require.NotNil(t, route.Command.Agent)
	assert.Equal(t, "t1", route.Command.Agent.Grab.ParentID)
	assert.Equal(t, map[string]string{ExtraParentID: "t1", ExtraParentCallID: "call-9"}, route.Extra)

	_, ok = link.Forward(agent.Envelope[agent.NoEvent]{
		AggregateID: "t1",
		Event: agent.Event[agent.NoEvent]{ToolCallRequested: &agent.ToolCallRequested{Call: domain.ToolCall{
			ID: "x", Name: sandbox.ReadFileTool,
		}}},
	})
	assert.False(t, ok)

	_, ok = link.Forward(agent.Envelope[agent.NoEvent]{
		Event: agent.Event[agent.NoEvent]{RequestIssued: &agent.RequestIssued{Content: "hi"}},
	})
	assert.False(t, ok)
}

func TestLinkBackwardReportsOutcome(t *testing.T) {
	link := PlannerWorkerLink{}

	route, ok := link.Backward(agent.Envelope[WorkerEvent]{
		AggregateID: "w1",
		Event: agent.Specific(WorkerEvent{Finished: &Finished{
			ParentID: "t1", CallID: "call-1", Result: "all good",
		}}),
	})
	require.True(t, ok)
	assert.Equal(t, "t1", route.AggregateID)
	require.NotNil(t, route.Command.SubmitToolResults)
	assert.Equal(t, []domain.ToolResult{{CallID: "call-1", Name: SendTaskTool, Content: "all good"}}, route.Command.SubmitToolResults.Results)

	route, ok = link.Backward(agent.Envelope[WorkerEvent]{
		AggregateID: "w1",
		Event:       agent.Event[WorkerEvent]{Aborted: &agent.Aborted{Reason: "completion failed"}},
		Metadata: eventlog.Metadata{Extra: map[string]string{
			ExtraParentID: "t1", ExtraParentCallID: "call-1",
		}},
	})
	require.True(t, ok)
	result := route.Command.SubmitToolResults.Results[0]
	assert.True(t, result.IsError)
	assert.Equal(t, "worker aborted: completion failed", result.Content)

	_, ok = link.Backward(agent.Envelope[WorkerEvent]{
		Event: agent.Event[WorkerEvent]{Aborted: &agent.Aborted{Reason: "operator"}},
	})
	assert.False(t, ok, "an abort without parent metadata has nowhere to go")
}

func TestPlannerDelegatesToWorker(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	base := t.TempDir()
	sandboxes, err := sandbox.NewLocalManager(sandbox.LocalOptions{BaseDir: base})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sandboxes.Close() })

	plannerLLM := llm.NewScripted(
		domain.Completion{ToolCalls: []domain.ToolCall{sendTask("call-1", "write hello.txt")}},
		domain.Completion{Text: "task complete"},
	)
	workerLLM := llm.NewScripted(
		domain.Completion{ToolCalls: []domain.ToolCall{{
			ID: "wc-1", Name: sandbox.WriteFileTool,
			Arguments: json.RawMessage(`{"path":"hello.txt","content":"hello"}`),
		}}},
		domain.Completion{ToolCalls: []domain.ToolCall{doneCall("wc-2", "wrote hello.txt")}},
	)

	team, err := NewTeam(TeamOptions{
		Store:           store,
		PlannerProvider: plannerLLM,
		WorkerProvider:  workerLLM,
		Sandboxes:       sandboxes,
		Runtime:         agent.Options{PollInterval: 10 * time.Millisecond, GracePeriod: time.Second},
		Retry:           agent.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Link: PlannerWorkerLink{MintID: func(string, domain.ToolCall) string {
			return "w1"
		}},
		LogEvents: true,
	})
	require.NoError(t, err)
	require.NoError(t, team.Start(ctx))
	t.Cleanup(func() { _ = team.Stop(ctx) })

	_, err = team.Planner.Handler().SendMessage(ctx, "t1", "please write hello.txt", agent.CommandMetadata{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := team.Planner.Handler().Load(ctx, "t1")
		if err != nil || state.Awaiting || len(state.History) == 0 {
			return false
		}
		return state.History[len(state.History)-1].Content == "task complete"
	}, 5*time.Second, 10*time.Millisecond)

	planner, err := team.Planner.Handler().Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, PlannerState{Delegated: 1, Completed: 1}, planner.Agent)
	toolMsg := planner.History[2]
	require.Equal(t, domain.RoleTool, toolMsg.Role)
	assert.Equal(t, "wrote hello.txt", toolMsg.ToolResults[0].Content)

	worker, err := team.Worker.Handler().Load(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, worker.Done)
	assert.Equal(t, "t1", worker.Agent.ParentID)

	data, err := os.ReadFile(filepath.Join(sandboxes.Dir("w1"), "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	plannerRecords, err := store.Read(ctx, "t1")
	require.NoError(t, err)
	workerRecords, err := store.Read(ctx, "w1")
	require.NoError(t, err)
	correlation := plannerRecords[0].Metadata.CorrelationID
	for _, rec := range append(plannerRecords, workerRecords...) {
		assert.Equal(t, correlation, rec.Metadata.CorrelationID, "%s#%d", rec.AggregateID, rec.Sequence)
	}
	assert.Equal(t, "t1", workerRecords[0].Metadata.Extra[ExtraParentID])
}

func applyCompactionCmd(callID, content string) agent.Command[WorkerCommand] {
	return agent.SpecificCommand(WorkerCommand{ApplyCompaction: &ApplyCompaction{CallID: callID, Content: content}})
}

func TestWorkerHoldsOversizedResultsForCompaction(t *testing.T) {
	ctx := context.Background()
	h := Worker{CompactAbove: 10}.Runtime(eventlog.NewMemoryStore(), agent.Options{}).Handler()

	out, err := h.Execute(ctx, "w1", grab("t1", sendTask("call-1", "read both files")))
	require.NoError(t, err)
	_, err = h.Execute(ctx, "w1", agent.CompleteWith[WorkerCommand](out[1].Sequence, domain.Completion{ToolCalls: []domain.ToolCall{
		{ID: "r1", Name: sandbox.ReadFileTool},
		{ID: "r2", Name: sandbox.ReadFileTool},
		{ID: "r3", Name: sandbox.ListFilesTool},
	}}))
	require.NoError(t, err)

	out, err = h.Execute(ctx, "w1", agent.ToolResults[WorkerCommand](
		domain.ToolResult{CallID: "r1", Name: sandbox.ReadFileTool, Content: strings.Repeat("a", 50)},
		domain.ToolResult{CallID: "r2", Name: sandbox.ReadFileTool, Content: strings.Repeat("b", 50)},
		domain.ToolResult{CallID: "r3", Name: sandbox.ListFilesTool, Content: "short"},
	))
	require.NoError(t, err)
	require.Len(t, out, 5)
	requested := out[3].Event.Agent.CompactionRequested
	require.NotNil(t, requested)
	assert.Equal(t, CompactionRequested{CallID: "r1", Tool: sandbox.ReadFileTool, Text: strings.Repeat("a", 50), Limit: 10}, *requested)

	state, err := h.Load(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, state.Agent.Compacting)
	assert.False(t, state.Awaiting, "the model waits for the compactor")

	_, err = h.Execute(ctx, "w1", applyCompactionCmd("r3", "nope"))
	assert.ErrorIs(t, err, agent.ErrInvalidState)

	out, err = h.Execute(ctx, "w1", applyCompactionCmd("r1", ""))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, strings.Repeat("a", 50), out[0].Event.Agent.Compacted.Content, "empty content keeps the original")

	out, err = h.Execute(ctx, "w1", applyCompactionCmd("r2", "B"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	results := out[1].Event.RequestIssued.ToolResults
	require.Len(t, results, 3)
	assert.Equal(t, strings.Repeat("a", 50), results[0].Content)
	assert.Equal(t, "B", results[1].Content)
	assert.Equal(t, "short", results[2].Content)

	_, err = h.Execute(ctx, "w1", applyCompactionCmd("r2", "B"))
	assert.ErrorIs(t, err, agent.ErrInvalidState, "redelivery is rejected")

	state, err = h.Load(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, state.Agent.Compacting)
	assert.Empty(t, state.Agent.Compacted)
	assert.True(t, state.Awaiting)
}

func TestCompactorRunsOnce(t *testing.T) {
	ctx := context.Background()
	h := NewCompactorRuntime(eventlog.NewMemoryStore(), agent.Options{}).Handler()
	compact := agent.SpecificCommand(CompactorCommand{Compact: &Compact{
		ParentID: "w1", CallID: "r1", Tool: sandbox.ReadFileTool, Text: "long output", Limit: 5,
	}})

	out, err := h.Execute(ctx, "compact_w1_r1", compact)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, CompactionPrompt(sandbox.ReadFileTool, 5, "long output"), out[1].Event.RequestIssued.Content)

	_, err = h.Execute(ctx, "compact_w1_r1", compact)
	assert.ErrorIs(t, err, agent.ErrInvalidState)

	_, err = h.Execute(ctx, "compact_w1_r1", agent.CompleteWith[CompactorCommand](out[1].Sequence, domain.Completion{
		ToolCalls: []domain.ToolCall{doneCall("d1", "short")},
	}))
	require.NoError(t, err)
	out, err = h.Execute(ctx, "compact_w1_r1", agent.ToolResults[CompactorCommand](domain.ToolResult{
		CallID: "d1", Name: sandbox.DoneTool, Content: sandbox.DoneSuccessPrefix + "short",
	}))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, CompactionFinished{ParentID: "w1", CallID: "r1", Result: "short"}, *out[1].Event.Agent.Finished)

	state, err := h.Load(ctx, "compact_w1_r1")
	require.NoError(t, err)
	assert.True(t, state.Done)
}

func TestWorkerCompactorLinkRoutes(t *testing.T) {
	link := WorkerCompactorLink{}

	route, ok := link.Forward(agent.Envelope[WorkerEvent]{
		AggregateID: "w1",
		Event: agent.Specific(WorkerEvent{CompactionRequested: &CompactionRequested{
			CallID: "r1", Tool: sandbox.ReadFileTool, Text: "lots", Limit: 3,
		}}),
	})
	require.True(t, ok)
	assert.Equal(t, CompactorID("w1", "r1"), route.AggregateID)
	assert.Equal(t, "w1", route.Command.Agent.Compact.ParentID)
	assert.Equal(t, map[string]string{ExtraCompactParentID: "w1", ExtraCompactParentCallID: "r1"}, route.Extra)

	_, ok = link.Forward(agent.Envelope[WorkerEvent]{Event: agent.Specific(WorkerEvent{Grabbed: &Grabbed{}})})
	assert.False(t, ok)

	back, ok := link.Backward(agent.Envelope[CompactorEvent]{
		Event: agent.Specific(CompactorEvent{Finished: &CompactionFinished{ParentID: "w1", CallID: "r1", Result: "l"}}),
	})
	require.True(t, ok)
	assert.Equal(t, "w1", back.AggregateID)
	assert.Equal(t, ApplyCompaction{CallID: "r1", Content: "l"}, *back.Command.Agent.ApplyCompaction)

	back, ok = link.Backward(agent.Envelope[CompactorEvent]{
		Event:    agent.Event[CompactorEvent]{Aborted: &agent.Aborted{Reason: "completion failed"}},
		Metadata: eventlog.Metadata{Extra: map[string]string{ExtraCompactParentID: "w1", ExtraCompactParentCallID: "r1"}},
	})
	require.True(t, ok)
	assert.Equal(t, ApplyCompaction{CallID: "r1"}, *back.Command.Agent.ApplyCompaction, "an aborted compactor keeps the original")

	_, ok = link.Backward(agent.Envelope[CompactorEvent]{
		Event: agent.Event[CompactorEvent]{Aborted: &agent.Aborted{Reason: "operator"}},
	})
	assert.False(t, ok)
}

func TestDelegationChainThroughCompactor(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	sandboxes, err := sandbox.NewLocalManager(sandbox.LocalOptions{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sandboxes.Close() })

	noisy, err := json.Marshal(map[string]string{"path": "build.log", "content": strings.Repeat("warning: noisy line\n", 20)})
	require.NoError(t, err)

	plannerLLM := llm.NewScripted(
		domain.Completion{ToolCalls: []domain.ToolCall{sendTask("call-1", "check build.log")}},
		domain.Completion{Text: "build checked"},
	)
	workerLLM := llm.NewScripted(
		domain.Completion{ToolCalls: []domain.ToolCall{{ID: "wc-1", Name: sandbox.WriteFileTool, Arguments: noisy}}},
		domain.Completion{ToolCalls: []domain.ToolCall{{ID: "wc-2", Name: sandbox.ReadFileTool, Arguments: json.RawMessage(`{"path":"build.log"}`)}}},
		domain.Completion{ToolCalls: []domain.ToolCall{doneCall("wc-3", "only warnings")}},
	)
	compactorLLM := llm.NewScripted(
		domain.Completion{ToolCalls: []domain.ToolCall{doneCall("cc-1", "20 identical warnings")}},
	)

	team, err := NewTeam(TeamOptions{
		Store:             store,
		PlannerProvider:   plannerLLM,
		WorkerProvider:    workerLLM,
		CompactorProvider: compactorLLM,
		CompactAbove:      100,
		Sandboxes:         sandboxes,
		Runtime:           agent.Options{PollInterval: 10 * time.Millisecond, GracePeriod: time.Second},
		Retry:             agent.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Link: PlannerWorkerLink{MintID: func(string, domain.ToolCall) string {
			return "w1"
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, team.Compactor)
	require.NoError(t, team.Start(ctx))
	t.Cleanup(func() { _ = team.Stop(ctx) })

	_, err = team.Planner.Handler().SendMessage(ctx, "t1", "is the build clean?", agent.CommandMetadata{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := team.Planner.Handler().Load(ctx, "t1")
		if err != nil || state.Awaiting || len(state.History) == 0 {
			return false
		}
		return state.History[len(state.History)-1].Content == "build checked"
	}, 5*time.Second, 10*time.Millisecond)

	compactorID := CompactorID("w1", "wc-2")
	compactor, err := team.Compactor.Handler().Load(ctx, compactorID)
	require.NoError(t, err)
	assert.True(t, compactor.Done)
	assert.Equal(t, "20 identical warnings", compactor.Agent.Result)

	reqs := workerLLM.Requests()
	require.Len(t, reqs, 3)
	last := reqs[2].History[len(reqs[2].History)-1]
	require.Equal(t, domain.RoleTool, last.Role)
	assert.Equal(t, "20 identical warnings", last.ToolResults[0].Content, "the model only sees the compacted text")

	worker, err := team.Worker.Handler().Load(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, worker.Done)
	assert.Equal(t, "only warnings", worker.Agent.Result)

	var all []eventlog.Record
	for _, id := range []string{"t1", "w1", compactorID} {
		records, err := store.Read(ctx, id)
		require.NoError(t, err)
		require.NotEmpty(t, records, id)
		all = append(all, records...)
	}
	correlation := all[0].Metadata.CorrelationID
	for _, rec := range all {
		assert.Equal(t, correlation, rec.Metadata.CorrelationID, "%s#%d", rec.AggregateID, rec.Sequence)
	}

	compactorRecords, err := store.Read(ctx, compactorID)
	require.NoError(t, err)
	assert.Equal(t, "w1", compactorRecords[0].Metadata.Extra[ExtraCompactParentID])
	assert.Equal(t, "t1", compactorRecords[0].Metadata.Extra[ExtraParentID], "the outer delegation survives the inner one")
}

// workerPollFailingStore refuses the worker listener's polls.
type workerPollFailingStore struct {
	eventlog.Store
}

func (s workerPollFailingStore) ReadSince(ctx context.Context, aggregateType string, after int64, limit int) iter.Seq2[eventlog.Record, error] {
	if aggregateType != WorkerType {
		return s.Store.ReadSince(ctx, aggregateType, after, limit)
	}
	return func(yield func(eventlog.Record, error) bool) {
		yield(eventlog.Record{}, errors.New("connection reset"))
	}
}

func TestTeamDoneWhenOneRuntimeFails(t *testing.T) {
	ctx := context.Background()
	sandboxes, err := sandbox.NewLocalManager(sandbox.LocalOptions{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sandboxes.Close() })

	team, err := NewTeam(TeamOptions{
		Store:           workerPollFailingStore{Store: eventlog.NewMemoryStore()},
		PlannerProvider: llm.Echo{},
		WorkerProvider:  llm.Echo{},
		Sandboxes:       sandboxes,
		Runtime:         agent.Options{PollInterval: 10 * time.Millisecond, GracePeriod: time.Second, MaxPollFailures: 1},
	})
	require.NoError(t, err)
	require.NoError(t, team.Start(ctx))
	t.Cleanup(func() { _ = team.Stop(ctx) })

	select {
	case <-team.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("team kept running after the worker runtime failed")
	}
	assert.ErrorIs(t, team.Err(), agent.ErrStoreUnavailable)

	select {
	case <-team.Planner.Done():
		t.Fatal("planner should still be running")
	default:
	}
}
