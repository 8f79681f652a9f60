// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"log/slog"
)

// Route addresses a command to an aggregate of another runtime.
// Extra is merged into the metadata of the routed command.
type Route[C any] struct {
	AggregateID string
	Command     Command[C]
	Extra       map[string]string
}

// Link translates between two agent vocabularies. Both directions are pure
// functions of the observed envelope; all effects go through the target's
// Handler.
type Link[EA EventPayload, CA any, EB EventPayload, CB any] interface {
	Forward(env Envelope[EA]) (Route[CB], bool)
	Backward(env Envelope[EB]) (Route[CA], bool)
}

// Connect registers a forward reactor on a and a backward reactor on b.
// Both runtimes must not have started yet.
func Connect[SA any, CA any, EA EventPayload, SB any, CB any, EB EventPayload](
	a *Runtime[SA, CA, EA],
	b *Runtime[SB, CB, EB],
	link Link[EA, CA, EB, CB],
) error {
	forward := &linkReactor[EA, SB, CB, EB]{
		name:   "link:" + a.Type() + "->" + b.Type(),
		route:  link.Forward,
		target: b.Handler(),
		logger: a.logger,
	}
	backward := &linkReactor[EB, SA, CA, EA]{
		name:   "link:" + b.Type() + "->" + a.Type(),
		route:  link.Backward,
		target: a.Handler(),
		logger: b.logger,
	}

	if err := a.Register(forward); err != nil {
		return err
	}
	return b.Register(backward)
}

// linkReactor observes events of type E and executes routed commands on a
// target handler.
type linkReactor[E EventPayload, TS any, TC any, TE EventPayload] struct {
	name   string
	route  func(Envelope[E]) (Route[TC], bool)
	target *Handler[TS, TC, TE]
	logger *slog.Logger
}

func (r *linkReactor[E, TS, TC, TE]) Name() string {
	return r.name
}

func (r *linkReactor[E, TS, TC, TE]) Handle(ctx context.Context, env Envelope[E]) error {
	route, ok := r.route(env)
	if !ok {
		return nil
	}

	meta := CausedBy(env).With(route.Extra)
	_, err := r.target.ExecuteWithRetry(ctx, route.AggregateID, route.Command, meta)
	var de *DomainError
	if errors.As(err, &de) {
		// redelivery after a restart replays links whose effect already landed
		r.logger.Info("linked command rejected",
			"link", r.name,
			"source_aggregate_id", env.AggregateID,
			"target_aggregate_id", route.AggregateID,
			"error", err,
		)
		return nil
	}
	return err
}
