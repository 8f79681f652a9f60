// SPDX-License-Identifier: Apache-2.0

// Package reactors holds the built-in EventHandlers that connect an agent
// runtime to completion providers and tool sandboxes.
package reactors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/llm"
)

type LLMConfig struct {
	Provider llm.Provider
	Params   llm.Params
	// Tools are offered to the model on every request.
	Tools  []domain.ToolSpec
	Retry  agent.RetryPolicy
	Logger *slog.Logger
}

// LLM answers RequestIssued events with a completion from the provider.
type LLM[S any, C any, E agent.EventPayload] struct {
	handler *agent.Handler[S, C, E]
	cfg     LLMConfig
	logger  *slog.Logger
}

func NewLLM[S any, C any, E agent.EventPayload](h *agent.Handler[S, C, E], cfg LLMConfig) *LLM[S, C, E] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM[S, C, E]{
		handler: h,
		cfg:     cfg,
		logger:  logger.With("reactor", "llm", "provider", cfg.Provider.Name()),
	}
}

func (r *LLM[S, C, E]) Name() string { return "llm" }

func (r *LLM[S, C, E]) Handle(ctx context.Context, env agent.Envelope[E]) error {
	if env.Event.RequestIssued == nil {
		return nil
	}

	state, err := r.handler.Load(ctx, env.AggregateID)
	if err != nil {
		return err
	}
	// answered already, superseded, or aborted
	if state.Done || !state.Awaiting || state.LastRequest != env.Sequence {
		return nil
	}

	req := llm.Request{
		History: state.History,
		Tools:   r.cfg.Tools,
		Params:  r.cfg.Params,
	}

	var completion domain.Completion
	err = agent.Retry(ctx, r.cfg.Retry, func(ctx context.Context) error {
		c, err := r.cfg.Provider.Complete(ctx, req)
		if err != nil {
			r.logger.Warn("completion attempt failed", "aggregate_id", env.AggregateID, "error", err)
			return err
		}
		completion = c
		return nil
	})

	meta := agent.CausedBy(env)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		r.logger.Error("completion failed, aborting", "aggregate_id", env.AggregateID, "error", err)
		_, abortErr := r.handler.ExecuteWithRetry(ctx, env.AggregateID, agent.AbortWith[C]("completion failed: "+err.Error()), meta)
		if abortErr != nil && !agent.IsDomainError(abortErr) {
			return errors.Join(err, abortErr)
		}
		return err
	}

	_, err = r.handler.ExecuteWithRetry(ctx, env.AggregateID, agent.CompleteWith[C](env.Sequence, completion.Clean()), meta)
	if agent.IsDomainError(err) {
		r.logger.Info("completion discarded", "aggregate_id", env.AggregateID, "error", err)
		return nil
	}
	if err == nil || !unrecordable(ctx, err) {
		return err
	}

	r.logger.Error("completion rejected by store, aborting", "aggregate_id", env.AggregateID, "error", err)
	_, abortErr := r.handler.ExecuteWithRetry(ctx, env.AggregateID, agent.AbortWith[C]("record completion: "+domain.CleanText(err.Error())), meta)
	if abortErr == nil || agent.IsDomainError(abortErr) {
		return nil
	}
	return errors.Join(err, abortErr)
}
