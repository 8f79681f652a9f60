// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process logger writing to stdout.
// - env=prod: JSON lines, no source locations
// - otherwise: text with source locations
// LOG_LEVEL selects the level (debug/info/warn/error), default info.
func NewLogger(env string) *slog.Logger {
	return New(os.Stdout, env, os.Getenv("LOG_LEVEL"))
}

// New builds the logger on w. The CLI points it at stderr so command
// output stays machine-readable.
func New(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	opts.AddSource = true
	return slog.New(slog.NewTextHandler(w, opts))
}

// Component tags every record with the subsystem that produced it.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
