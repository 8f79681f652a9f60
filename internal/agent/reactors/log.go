// SPDX-License-Identifier: Apache-2.0

package reactors

import (
	"context"
	"log/slog"

	"github.com/adiadia/agent-orchestrator/internal/agent"
)

// Log writes one line per event and issues nothing.
type Log[E agent.EventPayload] struct {
	logger *slog.Logger
}

func NewLog[E agent.EventPayload](logger *slog.Logger) *Log[E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log[E]{logger: logger.With("reactor", "log")}
}

func (r *Log[E]) Name() string { return "log" }

func (r *Log[E]) Handle(ctx context.Context, env agent.Envelope[E]) error {
	r.logger.InfoContext(ctx, "event",
		"aggregate_type", env.AggregateType,
		"aggregate_id", env.AggregateID,
		"sequence", env.Sequence,
		"event_type", env.Event.Type(),
		"correlation_id", env.Metadata.CorrelationID.String(),
	)
	return nil
}
