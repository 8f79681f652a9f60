// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/metrics"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAIOptions struct {
	APIKey   string
	BaseURL  string
	Defaults Params
}

// OpenAI calls the Chat Completions API.
type OpenAI struct {
	client   *openai.Client
	defaults Params
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{
		client: &client,
		defaults: opts.Defaults.withDefaults(Params{
			Model:       openai.ChatModelGPT4oMini,
			Temperature: 0.7,
			MaxTokens:   4096,
		}),
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, req Request) (domain.Completion, error) {
	p := req.Params.withDefaults(o.defaults)

	params := openai.ChatCompletionNewParams{
		Messages:            openAIMessages(p.Preamble, req.History),
		Model:               p.Model,
		Temperature:         openai.Float(p.Temperature),
		MaxCompletionTokens: openai.Int(p.MaxTokens),
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, spec := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  spec.Parameters,
				},
			}
		}
		params.Tools = tools
	}

	started := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.ObserveCompletion(o.Name(), metrics.OutcomeError, time.Since(started))
		return domain.Completion{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.ObserveCompletion(o.Name(), metrics.OutcomeError, time.Since(started))
		return domain.Completion{}, ErrNoChoices
	}
	metrics.ObserveCompletion(o.Name(), metrics.OutcomeAccepted, time.Since(started))

	choice := resp.Choices[0]
	out := domain.Completion{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out, nil
}

func openAIMessages(preamble string, history []domain.Message) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if preamble != "" {
		messages = append(messages, openai.SystemMessage(preamble))
	}

	for _, msg := range history {
		switch msg.Role {
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case domain.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, call := range msg.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(rawArguments(call.Arguments)),
					},
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: calls,
				},
			})
		case domain.RoleTool:
			for _, result := range msg.ToolResults {
				messages = append(messages, openai.ToolMessage(result.Content, result.CallID))
			}
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	return messages
}
