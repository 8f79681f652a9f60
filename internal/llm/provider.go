// SPDX-License-Identifier: Apache-2.0

// Package llm adapts completion providers to the conversation vocabulary in
// internal/domain.
package llm

import (
	"context"
	"errors"

	"github.com/adiadia/agent-orchestrator/internal/domain"
)

var ErrNoChoices = errors.New("llm: provider returned no choices")

// Params are per-agent generation settings.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	Preamble    string
}

type Request struct {
	History []domain.Message
	Tools   []domain.ToolSpec
	Params  Params
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (domain.Completion, error)
}

// withDefaults fills unset params from defaults.
func (p Params) withDefaults(defaults Params) Params {
	if p.Model == "" {
		p.Model = defaults.Model
	}
	if p.Temperature == 0 {
		p.Temperature = defaults.Temperature
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = defaults.MaxTokens
	}
	if p.Preamble == "" {
		p.Preamble = defaults.Preamble
	}
	return p
}

// Merge returns p with unset fields taken from defaults.
func (p Params) Merge(defaults Params) Params {
	return p.withDefaults(defaults)
}
