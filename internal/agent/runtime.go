// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/eventlog"
)

const defaultGracePeriod = 10 * time.Second

type Options struct {
	Logger *slog.Logger

	PollInterval    time.Duration
	BatchSize       int
	MaxConcurrency  int
	MaxPollFailures int
	// ListenerName keys the durable cursor; defaults to the agent type.
	ListenerName string

	// GracePeriod bounds how long Stop lets in-flight reactions run before
	// cancelling their context.
	GracePeriod        time.Duration
	MaxConflictRetries int
	Now                func() time.Time
}

// Runtime binds one agent type to a store, a Handler and a Listener.
// Runtimes share nothing but the store.
type Runtime[S any, C any, E EventPayload] struct {
	store   eventlog.Store
	agent   Agent[S, C, E]
	handler *Handler[S, C, E]
	opts    Options
	logger  *slog.Logger

	mu          sync.Mutex
	handlers    []EventHandler[E]
	started     bool
	listener    *Listener[E]
	cancelLoop  context.CancelFunc
	cancelReact context.CancelFunc
	done        chan struct{}
	err         error
}

func NewRuntime[S any, C any, E EventPayload](store eventlog.Store, a Agent[S, C, E], opts Options) *Runtime[S, C, E] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}

	return &Runtime[S, C, E]{
		store: store,
		agent: a,
		handler: NewHandler(store, a, HandlerOptions{
			Logger:             logger,
			MaxConflictRetries: opts.MaxConflictRetries,
			Now:                opts.Now,
		}),
		opts:   opts,
		logger: logger.With("aggregate_type", a.Type()),
		done:   make(chan struct{}),
	}
}

func (r *Runtime[S, C, E]) Type() string {
	return r.agent.Type()
}

func (r *Runtime[S, C, E]) Handler() *Handler[S, C, E] {
	return r.handler
}

// Register adds EventHandlers. It fails once the runtime has started.
func (r *Runtime[S, C, E]) Register(handlers ...EventHandler[E]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRuntimeStarted
	}
	r.handlers = append(r.handlers, handlers...)
	return nil
}

// Start spawns the listener loop and returns immediately.
func (r *Runtime[S, C, E]) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRuntimeStarted
	}
	r.started = true

	r.listener = NewListener(r.store, r.agent.Type(), append([]EventHandler[E](nil), r.handlers...), ListenerOptions{
		Name:            r.opts.ListenerName,
		PollInterval:    r.opts.PollInterval,
		BatchSize:       r.opts.BatchSize,
		MaxConcurrency:  r.opts.MaxConcurrency,
		MaxPollFailures: r.opts.MaxPollFailures,
		Logger:          r.logger,
	})

	loopCtx, cancelLoop := context.WithCancel(ctx)
	reactCtx, cancelReact := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelLoop = cancelLoop
	r.cancelReact = cancelReact

	listener := r.listener
	go func() {
		err := listener.Run(loopCtx, reactCtx)
		cancelReact()
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		if err != nil {
			r.logger.Error("runtime stopped with error", "error", err)
		}
		close(r.done)
	}()

	r.logger.Info("runtime started", "handlers", len(r.handlers))
	return nil
}

// Run starts the runtime and blocks until ctx is done or the listener
// fails, then stops with the configured grace period.
func (r *Runtime[S, C, E]) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return r.Stop(context.WithoutCancel(ctx))
	}
}

// Done is closed when the listener loop has exited.
func (r *Runtime[S, C, E]) Done() <-chan struct{} {
	return r.done
}

func (r *Runtime[S, C, E]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Cursor reports the listener position, zero before Start.
func (r *Runtime[S, C, E]) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return 0
	}
	return r.listener.Cursor()
}

// Stop ends polling, waits up to the grace period (or until ctx is done)
// for in-flight reactions, then cancels them and waits for the loop.
func (r *Runtime[S, C, E]) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrRuntimeNotStarted
	}
	cancelLoop, cancelReact := r.cancelLoop, r.cancelReact
	r.mu.Unlock()

	cancelLoop()

	timer := time.NewTimer(r.opts.GracePeriod)
	defer timer.Stop()

	select {
	case <-r.done:
	case <-timer.C:
		r.logger.Warn("grace period elapsed, cancelling in-flight reactions", "grace_period", r.opts.GracePeriod.String())
		cancelReact()
		<-r.done
	case <-ctx.Done():
		cancelReact()
		<-r.done
	}

	r.logger.Info("runtime stopped")
	return r.Err()
}
