// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/metrics"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

type AnthropicOptions struct {
	APIKey   string
	Defaults Params
}

// Anthropic calls the Messages API.
type Anthropic struct {
	client   *anthropic.Client
	defaults Params
}

func NewAnthropic(opts AnthropicOptions) *Anthropic {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Anthropic{
		client: &client,
		defaults: opts.Defaults.withDefaults(Params{
			Model:       string(anthropic.ModelClaude3_5Sonnet20241022),
			Temperature: 0.7,
			MaxTokens:   4096,
		}),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, req Request) (domain.Completion, error) {
	p := req.Params.withDefaults(a.defaults)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.Model),
		Messages:    anthropicMessages(req.History),
		MaxTokens:   p.MaxTokens,
		Temperature: anthropic.Float(p.Temperature),
	}
	if p.Preamble != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.Preamble}}
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	started := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		metrics.ObserveCompletion(a.Name(), metrics.OutcomeError, time.Since(started))
		return domain.Completion{}, fmt.Errorf("anthropic api error: %w", err)
	}
	metrics.ObserveCompletion(a.Name(), metrics.OutcomeAccepted, time.Since(started))

	var out domain.Completion
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			tool := block.AsToolUse()
			args, err := json.Marshal(tool.Input)
			if err != nil {
				return domain.Completion{}, fmt.Errorf("encode tool input for %s: %w", tool.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        tool.ID,
				Name:      tool.Name,
				Arguments: args,
			})
		}
	}
	out.FinishReason = string(resp.StopReason)
	return out, nil
}

// anthropicMessages maps history onto alternating user/assistant turns.
// Tool results travel as user turns; consecutive user entries are merged.
func anthropicMessages(history []domain.Message) []anthropic.MessageParam {
	var (
		messages []anthropic.MessageParam
		userTurn []anthropic.ContentBlockParamUnion
	)
	flushUser := func() {
		if len(userTurn) > 0 {
			messages = append(messages, anthropic.NewUserMessage(userTurn...))
			userTurn = nil
		}
	}

	for _, msg := range history {
		switch msg.Role {
		case domain.RoleAssistant:
			flushUser()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, rawArguments(call.Arguments), call.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		case domain.RoleTool:
			for _, result := range msg.ToolResults {
				userTurn = append(userTurn, anthropic.NewToolResultBlock(result.CallID, result.Content, result.IsError))
			}
		case domain.RoleSystem:
			// carried by the preamble
		default:
			if msg.Content != "" {
				userTurn = append(userTurn, anthropic.NewTextBlock(msg.Content))
			}
		}
	}
	flushUser()
	return messages
}

func anthropicTools(specs []domain.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(specs))
	for i, spec := range specs {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if props, ok := spec.Parameters["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(spec.Parameters)

		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if tool.OfTool != nil && spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools[i] = tool
	}
	return tools
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func rawArguments(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}
