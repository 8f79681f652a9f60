// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

var (
	initOnce sync.Once

	commandsTotalCounter        *prometheus.CounterVec
	eventsAppendedCounter       *prometheus.CounterVec
	concurrencyConflictsCounter *prometheus.CounterVec
	eventsDispatchedCounter     *prometheus.CounterVec
	listenerPollFailuresCounter *prometheus.CounterVec
	reactionDurationMetric      *prometheus.HistogramVec
	reactionFailuresCounter     *prometheus.CounterVec
	completionDurationMetric    *prometheus.HistogramVec
	completionsTotalCounter     *prometheus.CounterVec
	toolCallsTotalCounter       *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		commandsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_commands_total",
				Help: "Total number of executed commands by agent type, command and outcome.",
			},
			[]string{"agent_type", "command", "outcome"},
		)

		eventsAppendedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventlog_events_appended_total",
				Help: "Total number of events appended to the log.",
			},
			[]string{"agent_type"},
		)

		concurrencyConflictsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventlog_concurrency_conflicts_total",
				Help: "Total number of appends rejected by the expected-version check.",
			},
			[]string{"agent_type"},
		)

		eventsDispatchedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listener_events_dispatched_total",
				Help: "Total number of events dispatched to event handlers.",
			},
			[]string{"agent_type"},
		)

		listenerPollFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listener_poll_failures_total",
				Help: "Total number of failed listener polls.",
			},
			[]string{"agent_type"},
		)

		reactionDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reaction_duration_seconds",
				Help:    "Duration of event handler invocations in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_type", "handler"},
		)

		reactionFailuresCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reaction_failures_total",
				Help: "Total number of failed or panicked event handler invocations.",
			},
			[]string{"agent_type", "handler"},
		)

		completionDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_completion_duration_seconds",
				Help:    "Latency of completion provider calls in seconds.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		)

		completionsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_completions_total",
				Help: "Total number of completion provider calls by outcome.",
			},
			[]string{"provider", "outcome"},
		)

		toolCallsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_calls_total",
				Help: "Total number of sandbox tool calls by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		)

		prometheus.MustRegister(
			commandsTotalCounter,
			eventsAppendedCounter,
			concurrencyConflictsCounter,
			eventsDispatchedCounter,
			listenerPollFailuresCounter,
			reactionDurationMetric,
			reactionFailuresCounter,
			completionDurationMetric,
			completionsTotalCounter,
			toolCallsTotalCounter,
		)
	})
}

func IncCommand(agentType, command, outcome string) {
	Init()
	commandsTotalCounter.WithLabelValues(agentType, command, outcome).Inc()
}

func AddEventsAppended(agentType string, n int) {
	Init()
	eventsAppendedCounter.WithLabelValues(agentType).Add(float64(n))
}

func IncConcurrencyConflict(agentType string) {
	Init()
	concurrencyConflictsCounter.WithLabelValues(agentType).Inc()
}

func IncEventsDispatched(agentType string) {
	Init()
	eventsDispatchedCounter.WithLabelValues(agentType).Inc()
}

func IncPollFailure(agentType string) {
	Init()
	listenerPollFailuresCounter.WithLabelValues(agentType).Inc()
}

func ObserveReaction(agentType, handler string, d time.Duration) {
	Init()
	reactionDurationMetric.WithLabelValues(agentType, handler).Observe(d.Seconds())
}

func IncReactionFailure(agentType, handler string) {
	Init()
	reactionFailuresCounter.WithLabelValues(agentType, handler).Inc()
}

func ObserveCompletion(provider, outcome string, d time.Duration) {
	Init()
	completionDurationMetric.WithLabelValues(provider).Observe(d.Seconds())
	completionsTotalCounter.WithLabelValues(provider, outcome).Inc()
}

func IncToolCall(tool, outcome string) {
	Init()
	toolCallsTotalCounter.WithLabelValues(tool, outcome).Inc()
}
