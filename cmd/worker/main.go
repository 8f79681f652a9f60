// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/app"
	"github.com/adiadia/agent-orchestrator/internal/config"
	"github.com/adiadia/agent-orchestrator/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("event store: %v", err)
	}
	defer backend.Close()

	team, err := app.BuildTeam(cfg, backend.Store, logger)
	if err != nil {
		log.Fatalf("build team: %v", err)
	}
	defer func() { _ = team.Close() }()

	logger.Info("worker started",
		"event_store", cfg.EventStore,
		"poll_interval", cfg.Runtime.PollInterval.String(),
	)

	if err := team.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrStoreUnavailable) {
			logger.Error("event store unavailable, exiting", "error", err)
		} else {
			logger.Error("worker stopped with error", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
