// SPDX-License-Identifier: Apache-2.0

package reactors_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/adiadia/agent-orchestrator/internal/agent/reactors"
	"github.com/adiadia/agent-orchestrator/internal/eventlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
	}
}

// abortedChat returns a handler over a store holding one aborted aggregate
// and the envelope of the abort.
func abortedChat(t *testing.T) (*chatHandler, agent.Envelope[agent.NoEvent], []agent.Envelope[agent.NoEvent]) {
	t.Helper()
	ctx := context.Background()
	h := agent.NewHandler[chat, agent.NoCommand, agent.NoEvent](eventlog.NewMemoryStore(), chatAgent{}, agent.HandlerOptions{})

	correlation := uuid.New()
	_, err := h.SendMessage(ctx, "c-1", "hi", agent.CommandMetadata{CorrelationID: correlation})
	require.NoError(t, err)
	_, err = h.AbortAggregate(ctx, "c-1", "operator stop", agent.CommandMetadata{CorrelationID: correlation})
	require.NoError(t, err)

	history, err := h.History(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	return h, history[1], history
}

func TestWebhookRetriesAndSigns(t *testing.T) {
	h, abort, _ := abortedChat(t)
	secret := "super-secret"

	var attempts int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if got, want := r.Header.Get(reactors.WebhookHeaderSig), reactors.SignPayload(secret, body); got != want {
			return nil, errors.New("bad signature")
		}

		var payload reactors.TerminalPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		if payload.Status != reactors.StatusAborted || payload.Failure != "operator stop" || payload.Version != 2 {
			return nil, errors.New("unexpected payload")
		}

		if current < 2 {
			return response(http.StatusInternalServerError), nil
		}
		return response(http.StatusOK), nil
	})}

	wh := reactors.NewWebhook(h, reactors.WebhookConfig{
		URL:    "http://webhook.local/callback",
		Secret: secret,
		Client: client,
		Retry:  fastRetry(),
	})

	require.NoError(t, wh.Handle(context.Background(), abort))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestWebhookStopsAfterRetryLimit(t *testing.T) {
	h, abort, _ := abortedChat(t)

	var attempts int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return response(http.StatusBadGateway), nil
	})}

	wh := reactors.NewWebhook(h, reactors.WebhookConfig{
		URL:    "http://webhook.local/callback",
		Client: client,
		Retry:  fastRetry(),
	})

	err := wh.Handle(context.Background(), abort)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestWebhookIgnoresNonTerminalEvents(t *testing.T) {
	h, _, history := abortedChat(t)

	var attempts int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return response(http.StatusOK), nil
	})}

	wh := reactors.NewWebhook(h, reactors.WebhookConfig{URL: "http://webhook.local/callback", Client: client})
	require.NoError(t, wh.Handle(context.Background(), history[0]))

	disabled := reactors.NewWebhook(h, reactors.WebhookConfig{Client: client})
	require.NoError(t, disabled.Handle(context.Background(), history[1]))

	assert.Equal(t, int32(0), atomic.LoadInt32(&attempts))
}

func TestSignPayload(t *testing.T) {
	assert.Empty(t, reactors.SignPayload("  ", []byte("x")))
	sig := reactors.SignPayload("k", []byte("body"))
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, reactors.SignPayload("k", []byte("body")))
	assert.NotEqual(t, sig, reactors.SignPayload("k2", []byte("body")))
}
