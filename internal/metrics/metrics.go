// Package metrics exposes the process-wide Prometheus collectors shared by
// the orchestrator, sandbox, and deploy registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_turns_total",
		Help: "Completed conversation turns by outcome.",
	}, []string{"outcome"}) // completed, cancelled, error

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceagent_turn_duration_seconds",
		Help:    "Wall-clock duration of a turn from onTurn to TTS_DONE/CANCELLED/ERROR.",
		Buckets: prometheus.DefBuckets,
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_tool_calls_total",
		Help: "Sandbox tool invocations by outcome.",
	}, []string{"tool", "outcome"}) // ok, error, timeout, unknown

	SandboxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceagent_sandbox_timeouts_total",
		Help: "Sandbox executions that hit the hard wall-clock timeout.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voiceagent_sessions_active",
		Help: "Currently open browser voice sessions.",
	})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_client_reconnects_total",
		Help: "Client-session reconnect attempts by outcome.",
	}, []string{"outcome"}) // scheduled, succeeded, exhausted

	DeploysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_deploys_total",
		Help: "Bundle deploys by outcome.",
	}, []string{"outcome"}) // ok, rejected
)
