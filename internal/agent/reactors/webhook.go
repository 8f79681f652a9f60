// SPDX-License-Identifier: Apache-2.0

package reactors

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/google/uuid"
)

const (
	WebhookHeaderSig = "X-Signature"

	StatusFinished = "finished"
	StatusAborted  = "aborted"

	defaultWebhookTimeout = 10 * time.Second
)

type WebhookConfig struct {
	URL string
	// Secret signs the body with HMAC-SHA256 when set.
	Secret string
	Client *http.Client
	Retry  agent.RetryPolicy
	Logger *slog.Logger
}

// TerminalPayload is posted once per aggregate when it finishes.
type TerminalPayload struct {
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Status        string    `json:"status"`
	Failure       string    `json:"failure,omitempty"`
	Version       int64     `json:"version"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Webhook notifies an HTTP endpoint when an aggregate reaches Done.
type Webhook[S any, C any, E agent.EventPayload] struct {
	handler *agent.Handler[S, C, E]
	cfg     WebhookConfig
	logger  *slog.Logger
}

func NewWebhook[S any, C any, E agent.EventPayload](h *agent.Handler[S, C, E], cfg WebhookConfig) *Webhook[S, C, E] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &Webhook[S, C, E]{
		handler: h,
		cfg:     cfg,
		logger:  logger.With("reactor", "webhook"),
	}
}

func (r *Webhook[S, C, E]) Name() string { return "webhook" }

func (r *Webhook[S, C, E]) Handle(ctx context.Context, env agent.Envelope[E]) error {
	if strings.TrimSpace(r.cfg.URL) == "" {
		return nil
	}

	state, err := r.handler.Load(ctx, env.AggregateID)
	if err != nil {
		return err
	}
	// only the event that finished the aggregate triggers delivery
	if !state.Done || state.Version != env.Sequence {
		return nil
	}

	payload := TerminalPayload{
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Status:        StatusFinished,
		Failure:       state.Failure,
		Version:       state.Version,
		CorrelationID: env.Metadata.CorrelationID,
		FinishedAt:    env.Metadata.Timestamp,
	}
	if state.Failure != "" {
		payload.Status = StatusAborted
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	signature := SignPayload(r.cfg.Secret, body)

	attempt := 0
	err = agent.Retry(ctx, r.cfg.Retry, func(ctx context.Context) error {
		attempt++
		return r.post(ctx, body, signature, env.AggregateID, attempt)
	})
	if err != nil {
		r.logger.Error("webhook retries exhausted",
			"aggregate_id", env.AggregateID,
			"status", payload.Status,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *Webhook[S, C, E]) post(ctx context.Context, body []byte, signature, aggregateID string, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return agent.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(WebhookHeaderSig, signature)
	}

	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		r.logger.Warn("webhook failure", "aggregate_id", aggregateID, "attempt", attempt, "error", err)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		r.logger.Warn("webhook failure", "aggregate_id", aggregateID, "attempt", attempt, "response_status", resp.StatusCode)
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}

	r.logger.Info("webhook success", "aggregate_id", aggregateID, "attempt", attempt, "response_status", resp.StatusCode)
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload, or "" without a secret.
func SignPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
