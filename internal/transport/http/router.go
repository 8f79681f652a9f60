// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/adiadia/agent-orchestrator/internal/metrics"
	"github.com/adiadia/agent-orchestrator/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultAbortReason = "aborted via API"
	maxBodyBytes       = 1 << 20
	streamPollInterval = 500 * time.Millisecond
)

type sendMessageRequest struct {
	Content string `json:"content"`
}

type abortRequest struct {
	Reason string `json:"reason"`
}

type Deps struct {
	Agents          []AgentAPI
	Health          HealthChecker
	Logger          *slog.Logger
	AuthToken       string
	RateLimitPerMin int
	Version         string
	Commit          string
	BuildDate       string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	agents := make(map[string]AgentAPI, len(deps.Agents))
	for _, a := range deps.Agents {
		agents[a.Type()] = a
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	if deps.AuthToken != "" {
		r.Use(middleware.TokenAuth(deps.AuthToken, logger))
	}

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	r.Route("/agents/{type}/{id}", func(r chi.Router) {
		limited := r.With(middleware.RateLimit(deps.RateLimitPerMin, aggregateKey, logger))

		// ---------------- SEND MESSAGE ----------------

		limited.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
			api, aggregateID, ok := resolveAgent(w, r, agents)
			if !ok {
				return
			}

			var req sendMessageRequest
			if err := decodeJSONBody(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			req.Content = strings.TrimSpace(req.Content)
			if req.Content == "" {
				http.Error(w, "content is required", http.StatusBadRequest)
				return
			}

			receipt, err := api.SendMessage(r.Context(), aggregateID, req.Content, commandMetadata(r.Context()))
			if err != nil {
				writeCommandError(w, logger, api.Type(), aggregateID, "send message", err)
				return
			}

			logger.Info("message accepted via API",
				"aggregate_type", api.Type(),
				"aggregate_id", aggregateID,
				"version", receipt.Version,
			)
			writeJSON(w, http.StatusAccepted, receipt)
		})

		// ---------------- ABORT ----------------

		limited.Post("/abort", func(w http.ResponseWriter, r *http.Request) {
			api, aggregateID, ok := resolveAgent(w, r, agents)
			if !ok {
				return
			}

			var req abortRequest
			if err := decodeJSONBody(r, &req); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			req.Reason = valueOrDefault(req.Reason, defaultAbortReason)

			receipt, err := api.AbortAggregate(r.Context(), aggregateID, req.Reason, commandMetadata(r.Context()))
			if err != nil {
				writeCommandError(w, logger, api.Type(), aggregateID, "abort", err)
				return
			}

			logger.Info("aggregate aborted via API",
				"aggregate_type", api.Type(),
				"aggregate_id", aggregateID,
				"reason", req.Reason,
			)
			writeJSON(w, http.StatusAccepted, receipt)
		})

		// ---------------- GET SUMMARY ----------------

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			api, aggregateID, ok := resolveAgent(w, r, agents)
			if !ok {
				return
			}

			summary, err := api.Summary(r.Context(), aggregateID)
			if err != nil {
				writeCommandError(w, logger, api.Type(), aggregateID, "load summary", err)
				return
			}
			if summary.Version == 0 {
				http.Error(w, "aggregate not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, summary)
		})

		// ---------------- LIST EVENTS ----------------

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			api, aggregateID, ok := resolveAgent(w, r, agents)
			if !ok {
				return
			}

			after, err := parseAfter(r.URL.Query().Get("after"))
			if err != nil {
				http.Error(w, "invalid after", http.StatusBadRequest)
				return
			}

			records, err := api.Events(r.Context(), aggregateID, after)
			if err != nil {
				writeCommandError(w, logger, api.Type(), aggregateID, "list events", err)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				AggregateID   string            `json:"aggregate_id"`
				AggregateType string            `json:"aggregate_type"`
				Events        []eventlog.Record `json:"events"`
			}{
				AggregateID:   aggregateID,
				AggregateType: api.Type(),
				Events:        records,
			})
		})

		// ---------------- STREAM EVENTS (SSE) ----------------

		r.Get("/events/stream", func(w http.ResponseWriter, r *http.Request) {
			api, aggregateID, ok := resolveAgent(w, r, agents)
			if !ok {
				return
			}

			cursor, err := parseAfter(r.URL.Query().Get("after"))
			if err != nil {
				http.Error(w, "invalid after", http.StatusBadRequest)
				return
			}

			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			writeEvents := func() error {
				records, err := api.Events(r.Context(), aggregateID, cursor)
				if err != nil {
					return err
				}
				for _, rec := range records {
					payload, err := json.Marshal(rec)
					if err != nil {
						return err
					}
					if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Sequence, rec.EventType, payload); err != nil {
						return err
					}
					flusher.Flush()
					cursor = rec.Sequence
				}
				return nil
			}

			if err := writeEvents(); err != nil {
				logger.Error("sse initial write failed", "aggregate_id", aggregateID, "error", err)
				return
			}

			ticker := time.NewTicker(streamPollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					if err := writeEvents(); err != nil {
						logger.Error("sse write failed", "aggregate_id", aggregateID, "error", err)
						return
					}
				}
			}
		})
	})

	return r
}

func aggregateKey(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if id == "" {
		return ""
	}
	return chi.URLParam(r, "type") + "/" + id
}

func resolveAgent(w http.ResponseWriter, r *http.Request, agents map[string]AgentAPI) (AgentAPI, string, bool) {
	api, ok := agents[chi.URLParam(r, "type")]
	if !ok {
		http.Error(w, "unknown agent type", http.StatusNotFound)
		return nil, "", false
	}
	aggregateID := strings.TrimSpace(chi.URLParam(r, "id"))
	if aggregateID == "" {
		http.Error(w, "invalid aggregate ID", http.StatusBadRequest)
		return nil, "", false
	}
	return api, aggregateID, true
}

// writeCommandError maps agent and event log failures onto status codes.
func writeCommandError(w http.ResponseWriter, logger *slog.Logger, agentType, aggregateID, op string, err error) {
	switch {
	case agent.IsDomainError(err):
		logger.Info(op+" rejected", "aggregate_type", agentType, "aggregate_id", aggregateID, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, eventlog.ErrConcurrencyConflict):
		logger.Warn(op+" conflicted", "aggregate_type", agentType, "aggregate_id", aggregateID, "error", err)
		http.Error(w, "concurrent modification, retry", http.StatusConflict)
	case errors.Is(err, eventlog.ErrTypeMismatch):
		http.Error(w, "aggregate belongs to another agent type", http.StatusConflict)
	case errors.Is(err, eventlog.ErrInvalidAggregate):
		http.Error(w, "invalid aggregate", http.StatusBadRequest)
	default:
		logger.Error(op+" failed", "aggregate_type", agentType, "aggregate_id", aggregateID, "error", err)
		http.Error(w, "failed to "+op, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSONBody accepts an empty body and otherwise exactly one object.
func decodeJSONBody(r *http.Request, v any) error {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

func parseAfter(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if after < 0 {
		return 0, errors.New("negative after")
	}
	return after, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
