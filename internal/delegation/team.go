// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/agent/reactors"
	"github.com/adiadia/agent-orchestrator/internal/domain"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/llm"
	"github.com/adiadia/agent-orchestrator/internal/sandbox"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPlannerPreamble = "You plan work and delegate it. Split the request into self-contained tasks " +
		"and hand each one to a worker with the send_task tool. When every task has reported back, " +
		"answer the user with a short summary."
	DefaultWorkerPreamble = "You complete one task inside a private workspace using the file tools. " +
		"When the task is finished, call done with a one-line summary of the outcome."
)

type PlannerRuntime = agent.Runtime[PlannerState, agent.NoCommand, agent.NoEvent]
type WorkerRuntime = agent.Runtime[WorkerState, WorkerCommand, WorkerEvent]

func NewPlannerRuntime(store eventlog.Store, opts agent.Options) *PlannerRuntime {
	return agent.NewRuntime[PlannerState, agent.NoCommand, agent.NoEvent](store, Planner{}, opts)
}

func NewWorkerRuntime(store eventlog.Store, opts agent.Options) *WorkerRuntime {
	return Worker{}.Runtime(store, opts)
}

// Runtime binds this worker configuration to store.
func (w Worker) Runtime(store eventlog.Store, opts agent.Options) *WorkerRuntime {
	return agent.NewRuntime[WorkerState, WorkerCommand, WorkerEvent](store, w, opts)
}

// Connect links a planner runtime to a worker runtime.
func Connect(planner *PlannerRuntime, worker *WorkerRuntime, link PlannerWorkerLink) error {
	return agent.Connect[PlannerState, agent.NoCommand, agent.NoEvent, WorkerState, WorkerCommand, WorkerEvent](planner, worker, link)
}

type TeamOptions struct {
	Store eventlog.Store

	PlannerProvider llm.Provider
	PlannerParams   llm.Params
	WorkerProvider  llm.Provider
	WorkerParams    llm.Params

	// CompactAbove starts a compactor runtime and routes worker tool
	// results longer than this many bytes through it. Zero disables it.
	CompactAbove int
	// CompactorProvider defaults to WorkerProvider.
	CompactorProvider llm.Provider
	CompactorParams   llm.Params

	Sandboxes sandbox.Manager
	// Catalogue is offered to workers. Defaults to sandbox.DefaultCatalogue.
	Catalogue *sandbox.Catalogue

	Runtime   agent.Options
	Retry     agent.RetryPolicy
	Link      PlannerWorkerLink
	LogEvents bool
	// Webhook, when its URL is set, is notified as aggregates finish.
	Webhook reactors.WebhookConfig
	Logger  *slog.Logger
}

// Team is a connected planner and worker runtime pair, plus the compactor
// the worker delegates to when compaction is enabled.
type Team struct {
	Planner *PlannerRuntime
	Worker  *WorkerRuntime
	// Compactor is nil when compaction is disabled.
	Compactor *CompactorRuntime
	logger    *slog.Logger
}

type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Run(ctx context.Context) error
}

func NewTeam(opts TeamOptions) (*Team, error) {
	if opts.Store == nil {
		return nil, errors.New("delegation: store is required")
	}
	if opts.PlannerProvider == nil || opts.WorkerProvider == nil {
		return nil, errors.New("delegation: planner and worker providers are required")
	}
	if opts.Sandboxes == nil {
		return nil, errors.New("delegation: sandbox manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalogue := opts.Catalogue
	if catalogue == nil {
		catalogue = sandbox.DefaultCatalogue()
	}
	if opts.Runtime.Logger == nil {
		opts.Runtime.Logger = logger
	}

	plannerParams := opts.PlannerParams
	if plannerParams.Preamble == "" {
		plannerParams.Preamble = DefaultPlannerPreamble
	}
	workerParams := opts.WorkerParams
	if workerParams.Preamble == "" {
		workerParams.Preamble = DefaultWorkerPreamble
	}

	planner := NewPlannerRuntime(opts.Store, opts.Runtime)
	worker := Worker{CompactAbove: opts.CompactAbove}.Runtime(opts.Store, opts.Runtime)

	plannerHandlers := []agent.EventHandler[agent.NoEvent]{
		reactors.NewLLM(planner.Handler(), reactors.LLMConfig{
			Provider: opts.PlannerProvider,
			Params:   plannerParams,
			Tools:    []domain.ToolSpec{SendTaskSpec()},
			Retry:    opts.Retry,
			Logger:   logger,
		}),
	}

	workerHandlers := []agent.EventHandler[WorkerEvent]{
		reactors.NewLLM(worker.Handler(), reactors.LLMConfig{
			Provider: opts.WorkerProvider,
			Params:   workerParams,
			Tools:    catalogue.Specs(),
			Retry:    opts.Retry,
			Logger:   logger,
		}),
		reactors.NewTool(worker.Handler(), reactors.ToolConfig{
			Sandboxes: opts.Sandboxes,
			Catalogue: catalogue,
			Retry:     opts.Retry,
			Logger:    logger,
		}),
	}
	if opts.Webhook.URL != "" {
		hook := opts.Webhook
		if hook.Logger == nil {
			hook.Logger = logger
		}
		plannerHandlers = append(plannerHandlers, reactors.NewWebhook(planner.Handler(), hook))
		workerHandlers = append(workerHandlers, reactors.NewWebhook(worker.Handler(), hook))
	}
	if opts.LogEvents {
		plannerHandlers = append(plannerHandlers, reactors.NewLog[agent.NoEvent](logger))
		workerHandlers = append(workerHandlers, reactors.NewLog[WorkerEvent](logger))
	}

	if err := planner.Register(plannerHandlers...); err != nil {
		return nil, fmt.Errorf("register planner handlers: %w", err)
	}
	if err := worker.Register(workerHandlers...); err != nil {
		return nil, fmt.Errorf("register worker handlers: %w", err)
	}
	if err := Connect(planner, worker, opts.Link); err != nil {
		return nil, fmt.Errorf("connect planner to worker: %w", err)
	}

	team := &Team{Planner: planner, Worker: worker, logger: logger}
	if opts.CompactAbove > 0 {
		compactor, err := newCompactor(opts, logger)
		if err != nil {
			return nil, err
		}
		if err := ConnectCompactor(worker, compactor, WorkerCompactorLink{}); err != nil {
			return nil, fmt.Errorf("connect worker to compactor: %w", err)
		}
		team.Compactor = compactor
	}
	return team, nil
}

func newCompactor(opts TeamOptions, logger *slog.Logger) (*CompactorRuntime, error) {
	provider := opts.CompactorProvider
	params := opts.CompactorParams
	if provider == nil {
		provider = opts.WorkerProvider
		params = opts.WorkerParams
		params.Preamble = ""
	}
	if params.Preamble == "" {
		params.Preamble = DefaultCompactorPreamble
	}
	catalogue := CompactorCatalogue()

	compactor := NewCompactorRuntime(opts.Store, opts.Runtime)
	handlers := []agent.EventHandler[CompactorEvent]{
		reactors.NewLLM(compactor.Handler(), reactors.LLMConfig{
			Provider: provider,
			Params:   params,
			Tools:    catalogue.Specs(),
			Retry:    opts.Retry,
			Logger:   logger,
		}),
		reactors.NewTool(compactor.Handler(), reactors.ToolConfig{
			Sandboxes: sandbox.NewDetached(catalogue),
			Catalogue: catalogue,
			Retry:     opts.Retry,
			Logger:    logger,
		}),
	}
	if opts.LogEvents {
		handlers = append(handlers, reactors.NewLog[CompactorEvent](logger))
	}
	if err := compactor.Register(handlers...); err != nil {
		return nil, fmt.Errorf("register compactor handlers: %w", err)
	}
	return compactor, nil
}

// runtimes lists the team's runtimes, specialists first.
func (t *Team) runtimes() []lifecycle {
	out := make([]lifecycle, 0, 3)
	if t.Compactor != nil {
		out = append(out, t.Compactor)
	}
	return append(out, t.Worker, t.Planner)
}

// Start starts every runtime and returns immediately. If one fails to
// start, those already started are stopped.
func (t *Team) Start(ctx context.Context) error {
	var started []lifecycle
	for _, rt := range t.runtimes() {
		if err := rt.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start runtime: %w", err)
		}
		started = append(started, rt)
	}
	t.logger.Info("delegation team started", "runtimes", len(started))
	return nil
}

// Stop stops every runtime concurrently, each with its grace period.
func (t *Team) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, rt := range t.runtimes() {
		g.Go(func() error { return rt.Stop(ctx) })
	}
	return g.Wait()
}

// Run blocks until ctx is done or any runtime fails; a failure stops the
// others too.
func (t *Team) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range t.runtimes() {
		g.Go(func() error { return rt.Run(gctx) })
	}
	return g.Wait()
}

// Done is closed as soon as any runtime's listener loop has exited.
func (t *Team) Done() <-chan struct{} {
	done := make(chan struct{})
	chans := []<-chan struct{}{t.Planner.Done(), t.Worker.Done()}
	if t.Compactor != nil {
		chans = append(chans, t.Compactor.Done())
	}
	var once sync.Once
	for _, ch := range chans {
		go func() {
			<-ch
			once.Do(func() { close(done) })
		}()
	}
	return done
}

// Err returns the first runtime error, if any.
func (t *Team) Err() error {
	errs := []error{t.Planner.Err(), t.Worker.Err()}
	if t.Compactor != nil {
		errs = append(errs, t.Compactor.Err())
	}
	return errors.Join(errs...)
}
