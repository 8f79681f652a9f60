// SPDX-License-Identifier: Apache-2.0

package reactors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/sandbox"
)

type ToolConfig struct {
	Sandboxes sandbox.Manager
	// Catalogue decides which calls this reactor owns. Calls to other
	// tools are left to other handlers, such as Links.
	Catalogue *sandbox.Catalogue
	Retry     agent.RetryPolicy
	Logger    *slog.Logger
}

// Tool runs requested tool calls in the aggregate's sandbox and submits
// the result.
type Tool[S any, C any, E agent.EventPayload] struct {
	handler *agent.Handler[S, C, E]
	cfg     ToolConfig
	logger  *slog.Logger
}

func NewTool[S any, C any, E agent.EventPayload](h *agent.Handler[S, C, E], cfg ToolConfig) *Tool[S, C, E] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool[S, C, E]{
		handler: h,
		cfg:     cfg,
		logger:  logger.With("reactor", "tool"),
	}
}

func (r *Tool[S, C, E]) Name() string { return "tool" }

func (r *Tool[S, C, E]) Handle(ctx context.Context, env agent.Envelope[E]) error {
	if env.Event.ToolCallRequested == nil {
		return nil
	}
	call := env.Event.ToolCallRequested.Call
	if !r.cfg.Catalogue.Has(call.Name) {
		return nil
	}

	state, err := r.handler.Load(ctx, env.AggregateID)
	if err != nil {
		return err
	}
	if state.Done {
		return nil
	}
	if slot, ok := state.Slot(call.ID); !ok || slot.Result != nil {
		return nil
	}

	var output string
	err = agent.Retry(ctx, r.cfg.Retry, func(ctx context.Context) error {
		sb, err := r.cfg.Sandboxes.Sandbox(ctx, env.AggregateID)
		if err != nil {
			return err
		}
		out, err := sb.CallTool(ctx, call.Name, call.Arguments)
		if err != nil {
			if sandbox.IsToolError(err) {
				return agent.Permanent(err)
			}
			r.logger.Warn("tool attempt failed", "aggregate_id", env.AggregateID, "tool", call.Name, "error", err)
			return err
		}
		output = out
		return nil
	})

	result := domain.ToolResult{CallID: call.ID, Name: call.Name, Content: output}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		result.Content = err.Error()
		result.IsError = true
		r.logger.Info("tool call failed", "aggregate_id", env.AggregateID, "tool", call.Name, "call_id", call.ID, "error", err)
	}

	result.Content = domain.CleanText(result.Content)

	meta := agent.CausedBy(env)
	_, err = r.handler.ExecuteWithRetry(ctx, env.AggregateID, agent.ToolResults[C](result), meta)
	if agent.IsDomainError(err) {
		r.logger.Info("tool result discarded", "aggregate_id", env.AggregateID, "call_id", call.ID, "error", err)
		return nil
	}
	if err == nil || !unrecordable(ctx, err) {
		return err
	}

	// The store refused the result itself; record the refusal instead so the
	// round can still complete.
	r.logger.Error("tool result rejected by store", "aggregate_id", env.AggregateID, "call_id", call.ID, "error", err)
	fallback := domain.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: "tool result could not be recorded: " + domain.CleanText(err.Error()),
		IsError: true,
	}
	_, fallbackErr := r.handler.ExecuteWithRetry(ctx, env.AggregateID, agent.ToolResults[C](fallback), meta)
	if fallbackErr == nil || agent.IsDomainError(fallbackErr) {
		return nil
	}
	return errors.Join(err, fallbackErr)
}

// unrecordable reports whether err came from the store rejecting a batch,
// as opposed to a lost race or a cancelled context.
func unrecordable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, eventlog.ErrConcurrencyConflict) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
