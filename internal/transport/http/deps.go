// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
)

// AgentAPI is the type-erased command and query surface of one agent type.
// *agent.Handler satisfies it for every specialization.
type AgentAPI interface {
	Type() string
	SendMessage(ctx context.Context, aggregateID, content string, meta agent.CommandMetadata) (agent.Receipt, error)
	AbortAggregate(ctx context.Context, aggregateID, reason string, meta agent.CommandMetadata) (agent.Receipt, error)
	Summary(ctx context.Context, aggregateID string) (agent.Summary, error)
	Events(ctx context.Context, aggregateID string, after int64) ([]eventlog.Record, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}
