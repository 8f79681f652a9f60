// SPDX-License-Identifier: Apache-2.0

// Command cli submits commands to agents and inspects their event logs
// without going through the HTTP API.
//
//	cli send --type planner --id t1 "write hello.txt"
//	cli events --type planner --id t1 --after 2
//	cli replay --type worker --id task_c1
//	cli validate
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/agent-orchestrator/internal/app"
	"github.com/adiadia/agent-orchestrator/internal/config"
	"github.com/adiadia/agent-orchestrator/internal/logging"
)

var errUsage = errors.New("usage")

func main() {
	logger := logging.New(os.Stderr, os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(ctx, logger)
		if err == nil {
			logger.Info("validation passed")
		}
	case "send", "events", "replay":
		err = runAgentCommand(ctx, logger, os.Args[1], os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func runAgentCommand(ctx context.Context, logger *slog.Logger, name string, args []string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	runtimes := app.CommandRuntimes(cfg, backend.Store, logger)
	agents := agentsByType(runtimes.Planner.Handler(), runtimes.Worker.Handler(), runtimes.Compactor.Handler())

	switch name {
	case "send":
		return runSend(ctx, agents, args, out)
	case "events":
		return runEvents(ctx, agents, args, out)
	default:
		return runReplay(ctx, agents, args, out)
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `usage: cli <command> [flags]

commands:
  send      --type T --id ID [--abort] MESSAGE   submit a message (or abort) to an aggregate
  events    --type T --id ID [--after N]         print stored events as JSON lines
  replay    --type T --id ID                     verify, fold and print the aggregate state
  validate                                       run gofmt, go vet and the test suites`)
}
