// SPDX-License-Identifier: Apache-2.0

// Package app assembles stores, providers and runtimes from configuration
// for the binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/agent/reactors"
	"github.com/adiadia/agent-orchestrator/internal/config"
	"github.com/adiadia/agent-orchestrator/internal/delegation"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/llm"
	"github.com/adiadia/agent-orchestrator/internal/logging"
	"github.com/adiadia/agent-orchestrator/internal/persistence/postgres"
	"github.com/adiadia/agent-orchestrator/internal/persistence/sqlitestore"
	"github.com/adiadia/agent-orchestrator/internal/sandbox"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderEcho      = "echo"
)

var ErrUnknownProvider = errors.New("app: unknown llm provider")

// Backend is an opened event store and its lifecycle hooks.
type Backend struct {
	Store eventlog.Store
	// Ready backs the readiness probe.
	Ready   func(ctx context.Context) error
	closers []func()
}

func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// OpenStore opens the backend selected by cfg.EventStore.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logging.Component(logger, "eventlog")

	switch cfg.EventStore {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres %s: %w", postgres.MaskURL(cfg.DatabaseURL), err)
		}
		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, fmt.Errorf("ensure schema: %w", err)
			}
		}
		logger.Info("event store opened",
			"backend", config.StorePostgres,
			"database_url", postgres.MaskURL(cfg.DatabaseURL),
			"auto_migrate", cfg.AutoMigrate,
		)
		return &Backend{
			Store:   postgres.NewEventStore(pool, logger),
			Ready:   postgres.NewSchemaHealthChecker(pool).Check,
			closers: []func(){pool.Close},
		}, nil

	case config.StoreSQLite:
		store, err := sqlitestore.Open(sqlitestore.Config{
			Path:   cfg.SQLitePath,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("event store opened", "backend", config.StoreSQLite, "path", cfg.SQLitePath)
		return &Backend{
			Store: store,
			Ready: func(ctx context.Context) error {
				_, err := store.Version(ctx, "readiness")
				return err
			},
			closers: []func(){func() {
				if err := store.Close(); err != nil {
					logger.Error("close sqlite store failed", "error", err)
				}
			}},
		}, nil

	case config.StoreMemory:
		logger.Warn("using in-memory event store, history is lost on exit")
		return &Backend{
			Store: eventlog.NewMemoryStore(),
			Ready: func(context.Context) error { return nil },
		}, nil

	default:
		return nil, fmt.Errorf("app: unknown event store %q", cfg.EventStore)
	}
}

// NewProvider builds the completion provider a profile names.
func NewProvider(profile config.Profile, cfg config.LLMConfig) (llm.Provider, llm.Params, error) {
	params := llm.Params{
		Model:       profile.Model,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
		Preamble:    profile.Preamble,
	}

	switch profile.Provider {
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, llm.Params{}, fmt.Errorf("app: ANTHROPIC_API_KEY is required for provider %q", profile.Provider)
		}
		return llm.NewAnthropic(llm.AnthropicOptions{APIKey: cfg.AnthropicAPIKey}), params, nil
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
			return nil, llm.Params{}, fmt.Errorf("app: OPENAI_API_KEY or OPENAI_BASE_URL is required for provider %q", profile.Provider)
		}
		return llm.NewOpenAI(llm.OpenAIOptions{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		}), params, nil
	case ProviderEcho:
		return llm.Echo{}, params, nil
	default:
		return nil, llm.Params{}, fmt.Errorf("%w: %q", ErrUnknownProvider, profile.Provider)
	}
}

func RuntimeOptions(cfg config.RuntimeConfig, logger *slog.Logger) agent.Options {
	return agent.Options{
		Logger:             logger,
		PollInterval:       cfg.PollInterval,
		BatchSize:          cfg.BatchSize,
		MaxConcurrency:     cfg.MaxConcurrency,
		MaxPollFailures:    cfg.MaxPollFailures,
		GracePeriod:        cfg.GracePeriod,
		MaxConflictRetries: cfg.ConflictRetries,
	}
}

func RetryPolicy(cfg config.RetryConfig) agent.RetryPolicy {
	return agent.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
}

// Team is a planner/worker pair plus the sandboxes it owns.
type Team struct {
	*delegation.Team
	Sandboxes *sandbox.LocalManager
}

func (t *Team) Close() error {
	return t.Sandboxes.Close()
}

// Runtimes are the agent runtimes a process exposes for commands and reads.
type Runtimes struct {
	Planner   *delegation.PlannerRuntime
	Worker    *delegation.WorkerRuntime
	Compactor *delegation.CompactorRuntime
}

// CommandRuntimes builds unstarted runtimes for processes that only submit
// commands and read state; no provider or sandbox is needed.
func CommandRuntimes(cfg config.Config, store eventlog.Store, logger *slog.Logger) Runtimes {
	opts := RuntimeOptions(cfg.Runtime, logger)
	return Runtimes{
		Planner:   delegation.NewPlannerRuntime(store, opts),
		Worker:    delegation.Worker{CompactAbove: cfg.Sandbox.CompactAbove}.Runtime(store, opts),
		Compactor: delegation.NewCompactorRuntime(store, opts),
	}
}

// Use swaps in the team's started runtimes. The compactor stays
// command-only when compaction is disabled.
func (r *Runtimes) Use(t *Team) {
	r.Planner = t.Planner
	r.Worker = t.Worker
	if t.Compactor != nil {
		r.Compactor = t.Compactor
	}
}

// BuildTeam wires the planner and worker runtimes over store.
func BuildTeam(cfg config.Config, store eventlog.Store, logger *slog.Logger) (*Team, error) {
	if logger == nil {
		logger = slog.Default()
	}

	plannerProvider, plannerParams, err := NewProvider(cfg.Profile(delegation.PlannerType), cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("planner provider: %w", err)
	}
	workerProvider, workerParams, err := NewProvider(cfg.Profile(delegation.WorkerType), cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("worker provider: %w", err)
	}

	var compactorProvider llm.Provider
	var compactorParams llm.Params
	if cfg.Sandbox.CompactAbove > 0 {
		compactorProvider, compactorParams, err = NewProvider(cfg.Profile(delegation.CompactorType), cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("compactor provider: %w", err)
		}
	}

	catalogue := sandbox.DefaultCatalogue()
	sandboxes, err := sandbox.NewLocalManager(sandbox.LocalOptions{
		BaseDir:   cfg.Sandbox.WorkspaceDir,
		Catalogue: catalogue,
		Timeout:   cfg.Sandbox.ToolTimeout,
		MaxOutput: cfg.Sandbox.MaxOutput,
		Logger:    logging.Component(logger, "sandbox"),
	})
	if err != nil {
		return nil, err
	}

	team, err := delegation.NewTeam(delegation.TeamOptions{
		Store:             store,
		PlannerProvider:   plannerProvider,
		PlannerParams:     plannerParams,
		WorkerProvider:    workerProvider,
		WorkerParams:      workerParams,
		CompactAbove:      cfg.Sandbox.CompactAbove,
		CompactorProvider: compactorProvider,
		CompactorParams:   compactorParams,
		Sandboxes:         sandboxes,
		Catalogue:         catalogue,
		Runtime:           RuntimeOptions(cfg.Runtime, logger),
		Retry:             RetryPolicy(cfg.Retry),
		LogEvents:         cfg.Env != "prod",
		Webhook: reactors.WebhookConfig{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Retry:  RetryPolicy(cfg.Retry),
		},
		Logger: logger,
	})
	if err != nil {
		_ = sandboxes.Close()
		return nil, err
	}

	logger.Info("team assembled",
		"planner_provider", plannerProvider.Name(),
		"worker_provider", workerProvider.Name(),
		"workspace_dir", cfg.Sandbox.WorkspaceDir,
		"compact_above", cfg.Sandbox.CompactAbove,
	)
	return &Team{Team: team, Sandboxes: sandboxes}, nil
}
