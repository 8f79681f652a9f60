// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// agentSurface is the slice of *agent.Handler the CLI needs.
type agentSurface interface {
	Type() string
	SendMessage(ctx context.Context, aggregateID, content string, meta agent.CommandMetadata) (agent.Receipt, error)
	AbortAggregate(ctx context.Context, aggregateID, reason string, meta agent.CommandMetadata) (agent.Receipt, error)
	Summary(ctx context.Context, aggregateID string) (agent.Summary, error)
	Events(ctx context.Context, aggregateID string, after int64) ([]eventlog.Record, error)
}

func agentsByType(surfaces ...agentSurface) map[string]agentSurface {
	out := make(map[string]agentSurface, len(surfaces))
	for _, s := range surfaces {
		out[s.Type()] = s
	}
	return out
}

type target struct {
	agentType   string
	aggregateID string
}

func (t *target) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&t.agentType, "type", "t", "planner", "agent type")
	fs.StringVar(&t.aggregateID, "id", "", "aggregate id")
}

func (t *target) resolve(agents map[string]agentSurface) (agentSurface, error) {
	if strings.TrimSpace(t.aggregateID) == "" {
		return nil, fmt.Errorf("%w: --id is required", errUsage)
	}
	surface, ok := agents[t.agentType]
	if !ok {
		known := make([]string, 0, len(agents))
		for k := range agents {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("%w: unknown agent type %q (known: %s)", errUsage, t.agentType, strings.Join(known, ", "))
	}
	return surface, nil
}

func runSend(ctx context.Context, agents map[string]agentSurface, args []string, out io.Writer) error {
	var tgt target
	var abort bool
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	tgt.addFlags(fs)
	fs.BoolVar(&abort, "abort", false, "abort the aggregate, using MESSAGE as the reason")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	surface, err := tgt.resolve(agents)
	if err != nil {
		return err
	}
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		return fmt.Errorf("%w: MESSAGE is required", errUsage)
	}

	meta := agent.CommandMetadata{
		CorrelationID: uuid.New(),
		Extra:         map[string]string{"source": "cli"},
	}

	var receipt agent.Receipt
	if abort {
		receipt, err = surface.AbortAggregate(ctx, tgt.aggregateID, content, meta)
	} else {
		receipt, err = surface.SendMessage(ctx, tgt.aggregateID, content, meta)
	}
	if err != nil {
		return err
	}
	return writeIndented(out, receipt)
}

func runEvents(ctx context.Context, agents map[string]agentSurface, args []string, out io.Writer) error {
	var tgt target
	var after int64
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	tgt.addFlags(fs)
	fs.Int64Var(&after, "after", 0, "only print events with a higher sequence")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	surface, err := tgt.resolve(agents)
	if err != nil {
		return err
	}

	records, err := surface.Events(ctx, tgt.aggregateID, after)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func runReplay(ctx context.Context, agents map[string]agentSurface, args []string, out io.Writer) error {
	var tgt target
	fs := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	tgt.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	surface, err := tgt.resolve(agents)
	if err != nil {
		return err
	}

	summary, err := surface.Summary(ctx, tgt.aggregateID)
	if err != nil {
		return fmt.Errorf("replay %s/%s: %w", tgt.agentType, tgt.aggregateID, err)
	}
	if summary.Version == 0 {
		return fmt.Errorf("replay %s/%s: no events", tgt.agentType, tgt.aggregateID)
	}
	return writeIndented(out, summary)
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
