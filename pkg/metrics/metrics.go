// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's instruments. A single instance is
// created at startup and passed to the subsystems that record into it.
type Metrics struct {
	AgentsSpawned       prometheus.Counter
	AgentsTerminal      *prometheus.CounterVec
	ActiveAgents        prometheus.Gauge
	TasksCreated        prometheus.Counter
	HealthScans         prometheus.Counter
	DeadSessionsFound   prometheus.Counter
	ReviewsFinalized    *prometheus.CounterVec
	PhaseTransitions    *prometheus.CounterVec
}

// New registers the instrument set against a registry. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AgentsSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_agents_spawned_total",
			Help: "Agents spawned since process start.",
		}),
		AgentsTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmux_agents_terminal_total",
			Help: "Agent terminal transitions by status.",
		}, []string{"status"}),
		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentmux_active_agents",
			Help: "Agents currently in an active status.",
		}),
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_tasks_created_total",
			Help: "Tasks created since process start.",
		}),
		HealthScans: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_health_scans_total",
			Help: "Health daemon scans completed.",
		}),
		DeadSessionsFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentmux_dead_sessions_total",
			Help: "Dead multiplexer sessions detected by the health daemon.",
		}),
		ReviewsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmux_reviews_finalized_total",
			Help: "Reviews finalized by final verdict.",
		}, []string{"verdict"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmux_phase_transitions_total",
			Help: "Phase transitions by target status.",
		}, []string{"to"}),
	}
}
