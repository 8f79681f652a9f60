// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/app"
	"github.com/adiadia/agent-orchestrator/internal/config"
	"github.com/adiadia/agent-orchestrator/internal/logging"
	httptransport "github.com/adiadia/agent-orchestrator/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	runtimes := app.CommandRuntimes(cfg, backend.Store, logger)

	var team *app.Team
	if cfg.RunRuntimes {
		team, err = app.BuildTeam(cfg, backend.Store, logger)
		if err != nil {
			log.Fatalf("build team: %v", err)
		}
		defer func() { _ = team.Close() }()
		if err := team.Start(ctx); err != nil {
			log.Fatalf("start team: %v", err)
		}
		runtimes.Use(team)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Agents: []httptransport.AgentAPI{
			runtimes.Planner.Handler(),
			runtimes.Worker.Handler(),
			runtimes.Compactor.Handler(),
		},
		Health:          httptransport.HealthCheckFunc(backend.Ready),
		Logger:          logger,
		AuthToken:       cfg.AuthToken,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"event_store", cfg.EventStore,
			"run_runtimes", cfg.RunRuntimes,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	var teamDone <-chan struct{}
	if team != nil {
		teamDone = team.Done()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case <-teamDone:
		logger.Error("agent runtimes stopped, shutting down server", "error", team.Err())
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Runtime.GracePeriod+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if team != nil {
		if err := team.Stop(shutdownCtx); err != nil {
			logger.Error("team shutdown error", "error", err)
		}
	}
	if exitCode != 0 {
		_ = team.Close()
		backend.Close()
		os.Exit(exitCode)
	}
}
