// SPDX-License-Identifier: Apache-2.0

package reactors_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/agent/reactors"
	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/llm"
	"github.com/adiadia/agent-orchestrator/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chat struct{}

// chatAgent keeps talking to the model after every tool round.
type chatAgent struct{}

func (chatAgent) Type() string { return "chat" }

func (chatAgent) HandleCommand(context.Context, *agent.State[chat], agent.NoCommand) ([]agent.Event[agent.NoEvent], error) {
	return nil, agent.ErrInvalidState
}

func (chatAgent) HandleToolResults(_ context.Context, _ *agent.State[chat], results []domain.ToolResult) ([]agent.Event[agent.NoEvent], error) {
	return []agent.Event[agent.NoEvent]{{RequestIssued: &agent.RequestIssued{ToolResults: results}}}, nil
}

func (chatAgent) ApplyEvent(*agent.State[chat], agent.Event[agent.NoEvent]) {}

type chatHandler = agent.Handler[chat, agent.NoCommand, agent.NoEvent]

func fastRetry() agent.RetryPolicy {
	return agent.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newSandboxes(t *testing.T) *sandbox.LocalManager {
	t.Helper()
	m, err := sandbox.NewLocalManager(sandbox.LocalOptions{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func startChat(t *testing.T, provider llm.Provider) *agent.Runtime[chat, agent.NoCommand, agent.NoEvent] {
	t.Helper()
	ctx := context.Background()
	rt := agent.NewRuntime[chat, agent.NoCommand, agent.NoEvent](eventlog.NewMemoryStore(), chatAgent{}, agent.Options{
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  time.Second,
	})
	sandboxes := newSandboxes(t)

	require.NoError(t, rt.Register(
		reactors.NewLLM(rt.Handler(), reactors.LLMConfig{
			Provider: provider,
			Tools:    sandboxes.Catalogue().Specs(),
			Retry:    fastRetry(),
		}),
		reactors.NewTool(rt.Handler(), reactors.ToolConfig{
			Sandboxes: sandboxes,
			Catalogue: sandboxes.Catalogue(),
			Retry:     fastRetry(),
		}),
		reactors.NewLog[agent.NoEvent](nil),
	))
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { _ = rt.Stop(ctx) })
	return rt
}

func TestConversationRunsToolsAndContinues(t *testing.T) {
	ctx := context.Background()
	provider := llm.NewScripted(
		domain.Completion{ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: sandbox.WriteFileTool, Arguments: json.RawMessage(`{"path":"a.txt","content":"hi"}`)},
			{ID: "c2", Name: sandbox.ReadFileTool, Arguments: json.RawMessage(`{"path":"missing.txt"}`)},
		}},
		domain.Completion{Text: "all done"},
	)
	rt := startChat(t, provider)

	_, err := rt.Handler().SendMessage(ctx, "c-1", "write a file", agent.CommandMetadata{})
	require.NoError(t, err)

	var state *agent.State[chat]
	require.Eventually(t, func() bool {
		loaded, err := rt.Handler().Load(ctx, "c-1")
		if err != nil {
			return false
		}
		state = loaded
		return len(state.History) == 4 && !state.Awaiting
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.RoleUser, state.History[0].Role)
	assert.Len(t, state.History[1].ToolCalls, 2)

	results := state.History[2].ToolResults
	require.Len(t, results, 2)
	assert.Equal(t, "wrote a.txt", results[0].Content)
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "all done", state.History[3].Content)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].History, 3)
	assert.NotEmpty(t, reqs[0].Tools)
}

func TestExhaustedCompletionAbortsAggregate(t *testing.T) {
	ctx := context.Background()
	provider := llm.NewScripted()
	rt := startChat(t, provider)

	_, err := rt.Handler().SendMessage(ctx, "c-1", "hello", agent.CommandMetadata{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := rt.Handler().Load(ctx, "c-1")
		return err == nil && state.Done
	}, 3*time.Second, 10*time.Millisecond)

	state, err := rt.Handler().Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Contains(t, state.Failure, "completion failed")
	assert.Len(t, provider.Requests(), 2)
}

func newChatHandler() *chatHandler {
	return agent.NewHandler[chat, agent.NoCommand, agent.NoEvent](eventlog.NewMemoryStore(), chatAgent{}, agent.HandlerOptions{})
}

func TestLLMSkipsAnsweredRequests(t *testing.T) {
	ctx := context.Background()
	h := newChatHandler()
	provider := llm.NewScripted()
	reactor := reactors.NewLLM(h, reactors.LLMConfig{Provider: provider, Retry: fastRetry()})

	issued, err := h.Execute(ctx, "c-1", agent.Send[agent.NoCommand]("hi"))
	require.NoError(t, err)
	_, err = h.Execute(ctx, "c-1", agent.CompleteWith[agent.NoCommand](1, domain.Completion{Text: "hello"}))
	require.NoError(t, err)

	require.NoError(t, reactor.Handle(ctx, issued[0]))
	assert.Empty(t, provider.Requests())
}

// gatedProvider holds its first completion until release is closed.
type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedProvider) Name() string { return "gated" }

func (g *gatedProvider) Complete(ctx context.Context, req llm.Request) (domain.Completion, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return llm.Echo{}.Complete(ctx, req)
}

func TestLLMDropsCompletionOvertakenByNewerRequest(t *testing.T) {
	ctx := context.Background()
	h := newChatHandler()
	provider := &gatedProvider{entered: make(chan struct{}), release: make(chan struct{})}
	reactor := reactors.NewLLM(h, reactors.LLMConfig{Provider: provider, Retry: fastRetry()})

	first, err := h.Execute(ctx, "c-1", agent.Send[agent.NoCommand]("first"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- reactor.Handle(ctx, first[0]) }()
	<-provider.entered

	second, err := h.Execute(ctx, "c-1", agent.Send[agent.NoCommand]("second"))
	require.NoError(t, err)
	close(provider.release)
	require.NoError(t, <-done)

	state, err := h.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, state.Awaiting, "the newer request is still open")
	assert.Equal(t, second[0].Sequence, state.LastRequest)
	assert.Len(t, state.History, 2)

	require.NoError(t, reactor.Handle(ctx, second[0]))
	state, err = h.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, state.History, 3)
	assert.Equal(t, "echo: second", state.History[2].Content)
	assert.False(t, state.Awaiting)
}

func TestToolReactorIgnoresForeignAndResolvedCalls(t *testing.T) {
	ctx := context.Background()
	h := newChatHandler()
	sandboxes := newSandboxes(t)
	reactor := reactors.NewTool(h, reactors.ToolConfig{
		Sandboxes: sandboxes,
		Catalogue: sandboxes.Catalogue(),
		Retry:     fastRetry(),
	})

	_, err := h.Execute(ctx, "c-1", agent.Send[agent.NoCommand]("go"))
	require.NoError(t, err)
	out, err := h.Execute(ctx, "c-1", agent.CompleteWith[agent.NoCommand](1, domain.Completion{ToolCalls: []domain.ToolCall{
		{ID: "t1", Name: "send_task", Arguments: json.RawMessage(`{"description":"x"}`)},
		{ID: "t2", Name: sandbox.DoneTool, Arguments: json.RawMessage(`{"summary":"ok"}`)},
	}}))
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.NoError(t, reactor.Handle(ctx, out[1]))
	state, err := h.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, state.Pending(), 2, "send_task is not catalogued")

	require.NoError(t, reactor.Handle(ctx, out[2]))
	require.NoError(t, reactor.Handle(ctx, out[2]))

	state, err = h.Load(ctx, "c-1")
	require.NoError(t, err)
	slot, ok := state.Slot("t2")
	require.True(t, ok)
	require.NotNil(t, slot.Result)
	assert.Equal(t, "success: ok", slot.Result.Content)
	assert.Equal(t, int64(5), state.Version, "redelivery adds nothing")
}

// refusingStore rejects any batch whose payload contains marker, the way a
// jsonb column rejects an escaped NUL.
type refusingStore struct {
	eventlog.Store
	marker string
}

func (s *refusingStore) Append(ctx context.Context, aggregateID, aggregateType string, expected int64, events []eventlog.NewEvent) (int64, error) {
	for _, ev := range events {
		if strings.Contains(string(ev.Payload), s.marker) {
			return 0, errors.New("unsupported Unicode escape sequence")
		}
	}
	return s.Store.Append(ctx, aggregateID, aggregateType, expected, events)
}

func requestRead(t *testing.T, h *chatHandler, path string) agent.Envelope[agent.NoEvent] {
	t.Helper()
	ctx := context.Background()
	_, err := h.Execute(ctx, "c-1", agent.Send[agent.NoCommand]("read it"))
	require.NoError(t, err)
	out, err := h.Execute(ctx, "c-1", agent.CompleteWith[agent.NoCommand](1, domain.Completion{ToolCalls: []domain.ToolCall{
		{ID: "r1", Name: sandbox.ReadFileTool, Arguments: json.RawMessage(`{"path":"` + path + `"}`)},
	}}))
	require.NoError(t, err)
	require.Len(t, out, 2)
	return out[1]
}

func lastToolResult(t *testing.T, state *agent.State[chat]) domain.ToolResult {
	t.Helper()
	require.NotEmpty(t, state.History)
	last := state.History[len(state.History)-1]
	require.Equal(t, domain.RoleTool, last.Role)
	require.Len(t, last.ToolResults, 1)
	return last.ToolResults[0]
}

func TestToolReactorStoresBinaryOutputAsText(t *testing.T) {
	ctx := context.Background()
	store := &refusingStore{Store: eventlog.NewMemoryStore(), marker: `\u0000`}
	h := agent.NewHandler[chat, agent.NoCommand, agent.NoEvent](store, chatAgent{}, agent.HandlerOptions{})
	sandboxes := newSandboxes(t)
	sb, err := sandboxes.Sandbox(ctx, "c-1")
	require.NoError(t, err)
	_, err = sb.CallTool(ctx, sandbox.WriteFileTool, json.RawMessage(`{"path":"blob.bin","content":"a\u0000b"}`))
	require.NoError(t, err)

	reactor := reactors.NewTool(h, reactors.ToolConfig{Sandboxes: sandboxes, Catalogue: sandboxes.Catalogue(), Retry: fastRetry()})
	require.NoError(t, reactor.Handle(ctx, requestRead(t, h, "blob.bin")))

	state, err := h.Load(ctx, "c-1")
	require.NoError(t, err)
	result := lastToolResult(t, state)
	assert.False(t, result.IsError)
	assert.Equal(t, "a\uFFFDb", result.Content)
}

func TestToolReactorRecordsStoreRefusalAsError(t *testing.T) {
	ctx := context.Background()
	store := &refusingStore{Store: eventlog.NewMemoryStore(), marker: "FORBIDDEN"}
	h := agent.NewHandler[chat, agent.NoCommand, agent.NoEvent](store, chatAgent{}, agent.HandlerOptions{})
	sandboxes := newSandboxes(t)
	sb, err := sandboxes.Sandbox(ctx, "c-1")
	require.NoError(t, err)
	_, err = sb.CallTool(ctx, sandbox.WriteFileTool, json.RawMessage(`{"path":"x.txt","content":"FORBIDDEN"}`))
	require.NoError(t, err)

	reactor := reactors.NewTool(h, reactors.ToolConfig{Sandboxes: sandboxes, Catalogue: sandboxes.Catalogue(), Retry: fastRetry()})
	require.NoError(t, reactor.Handle(ctx, requestRead(t, h, "x.txt")))

	state, err := h.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, state.Awaiting, "the round completed and the conversation moved on")
	result := lastToolResult(t, state)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "could not be recorded")
}

func TestLLMAbortsWhenStoreRefusesCompletion(t *testing.T) {
	ctx := context.Background()
	store := &refusingStore{Store: eventlog.NewMemoryStore(), marker: "FORBIDDEN"}
	h := agent.NewHandler[chat, agent.NoCommand, agent.NoEvent](store, chatAgent{}, agent.HandlerOptions{})
	reactor := reactors.NewLLM(h, reactors.LLMConfig{
		Provider: llm.NewScripted(domain.Completion{Text: "FORBIDDEN"}),
		Retry:    fastRetry(),
	})

	issued, err := h.Execute(ctx, "c-1", agent.Send[agent.NoCommand]("hi"))
	require.NoError(t, err)
	require.NoError(t, reactor.Handle(ctx, issued[0]))

	state, err := h.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, state.Done)
	assert.False(t, state.Awaiting)
	assert.True(t, strings.HasPrefix(state.Failure, "record completion:"), state.Failure)
}

func TestLLMCleansCompletionText(t *testing.T) {
	ctx := context.Background()
	store := &refusingStore{Store: eventlog.NewMemoryStore(), marker: `\u0000`}
	h := agent.NewHandler[chat, agent.NoCommand, agent.NoEvent](store, chatAgent{}, agent.HandlerOptions{})
	reactor := reactors.NewLLM(h, reactors.LLMConfig{
		Provider: llm.NewScripted(domain.Completion{Text: "nul\x00here"}),
		Retry:    fastRetry(),
	})

	issued, err := h.Execute(ctx, "c-1", agent.Send[agent.NoCommand]("hi"))
	require.NoError(t, err)
	require.NoError(t, reactor.Handle(ctx, issued[0]))

	state, err := h.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, state.History, 2)
	assert.Equal(t, "nul\uFFFDhere", state.History[1].Content)
}

func TestLogReactorWritesEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := newChatHandler()

	out, err := h.Execute(context.Background(), "c-1", agent.Send[agent.NoCommand]("hi"))
	require.NoError(t, err)

	require.NoError(t, reactors.NewLog[agent.NoEvent](logger).Handle(context.Background(), out[0]))
	assert.Contains(t, buf.String(), `"event_type":"request.issued"`)
	assert.Contains(t, buf.String(), `"aggregate_id":"c-1"`)
}
