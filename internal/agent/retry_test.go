// SPDX-License-Identifier: Apache-2.0

package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adiadia/agent-orchestrator/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelayDoublesUpToCap(t *testing.T) {
	p := agent.DefaultRetryPolicy()

	want := []time.Duration{
		300 * time.Millisecond,
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		4800 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
}

func fastPolicy(attempts int) agent.RetryPolicy {
	return agent.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := agent.Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := agent.Retry(context.Background(), fastPolicy(2), func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	require.EqualError(t, err, "still down")
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	cause := errors.New("bad arguments")
	calls := 0
	err := agent.Retry(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return agent.Permanent(cause)
	})
	require.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
	assert.Nil(t, agent.Permanent(nil))
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := agent.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := agent.Retry(ctx, policy, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
