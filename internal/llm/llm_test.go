// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("rate limited")

	s := NewScripted(domain.Completion{Text: "first"})
	s.Fail(boom)
	s.Push(domain.Completion{Text: "third"})

	got, err := s.Complete(ctx, Request{History: []domain.Message{domain.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Text)

	_, err = s.Complete(ctx, Request{})
	require.ErrorIs(t, err, boom)

	got, err = s.Complete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "third", got.Text)

	_, err = s.Complete(ctx, Request{})
	require.ErrorIs(t, err, ErrScriptExhausted)

	reqs := s.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "hi", reqs[0].History[0].Content)
}

func TestEchoRepeatsLastUserMessage(t *testing.T) {
	got, err := Echo{}.Complete(context.Background(), Request{History: []domain.Message{
		domain.UserMessage("first"),
		{Role: domain.RoleAssistant, Content: "ok"},
		domain.UserMessage("second"),
	}})
	require.NoError(t, err)
	assert.Equal(t, "echo: second", got.Text)
	assert.False(t, got.HasToolCalls())
}

func TestParamsMerge(t *testing.T) {
	defaults := Params{Model: "m", Temperature: 0.2, MaxTokens: 100, Preamble: "be brief"}

	assert.Equal(t, defaults, Params{}.Merge(defaults))
	assert.Equal(t,
		Params{Model: "custom", Temperature: 0.2, MaxTokens: 7, Preamble: "be brief"},
		Params{Model: "custom", MaxTokens: 7}.Merge(defaults),
	)
}

func conversation() []domain.Message {
	return []domain.Message{
		domain.UserMessage("list the files"),
		{
			Role:    domain.RoleAssistant,
			Content: "checking",
			ToolCalls: []domain.ToolCall{
				{ID: "c1", Name: "list_files", Arguments: json.RawMessage(`{}`)},
				{ID: "c2", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)},
			},
		},
		domain.ToolResultsMessage([]domain.ToolResult{
			{CallID: "c1", Content: "a"},
			{CallID: "c2", Content: "missing", IsError: true},
		}),
		domain.UserMessage("and now?"),
	}
}

func TestAnthropicMessagesMergeUserTurns(t *testing.T) {
	msgs := anthropicMessages(conversation())

	require.Len(t, msgs, 3)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
	require.Len(t, msgs[1].Content, 3)
	assert.NotNil(t, msgs[1].Content[0].OfText)
	assert.NotNil(t, msgs[1].Content[1].OfToolUse)

	// tool results and the follow-up question share one user turn
	assert.Equal(t, "user", string(msgs[2].Role))
	require.Len(t, msgs[2].Content, 3)
	require.NotNil(t, msgs[2].Content[0].OfToolResult)
	assert.Equal(t, "c1", msgs[2].Content[0].OfToolResult.ToolUseID)
	assert.NotNil(t, msgs[2].Content[2].OfText)
}

func TestAnthropicToolsCarrySchema(t *testing.T) {
	tools := anthropicTools([]domain.ToolSpec{{
		Name:        "read_file",
		Description: "read",
		Parameters: domain.ObjectSchema(map[string]any{
			"path": map[string]any{"type": "string"},
		}, "path"),
	}})

	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "read_file", tools[0].OfTool.Name)
	assert.Equal(t, []string{"path"}, tools[0].OfTool.InputSchema.Required)
}

func TestOpenAIMessagesExpandToolResults(t *testing.T) {
	msgs := openAIMessages("system prompt", conversation())

	require.Len(t, msgs, 6)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 2)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
	assert.NotNil(t, msgs[4].OfTool)
	assert.NotNil(t, msgs[5].OfUser)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields(map[string]any{"required": []string{"a"}}))
	assert.Equal(t, []string{"a", "b"}, requiredFields(map[string]any{"required": []any{"a", 1, "b"}}))
	assert.Nil(t, requiredFields(map[string]any{}))
}
