// Package metrics exposes Prometheus instrumentation for the supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aviary_agents_by_status",
		Help: "Number of agents per persisted status.",
	}, []string{"status"})
	AgentStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aviary_agent_starts_total",
		Help: "Total number of successful agent starts.",
	})
	AgentStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aviary_agent_stops_total",
		Help: "Total number of agent stops.",
	})
	AgentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aviary_agent_restarts_total",
		Help: "Total number of agent restarts by trigger.",
	}, []string{"trigger"})
	AgentCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aviary_agent_crashes_total",
		Help: "Total number of unexpected worker exits.",
	})
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aviary_heartbeats_total",
		Help: "Total number of heartbeats received from workers.",
	})
	StaleAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aviary_stale_agents",
		Help: "Number of running agents with a stale heartbeat at the last sweep.",
	})
	WorkerMemoryRSS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aviary_worker_memory_rss_bytes",
		Help: "Resident set size reported by each worker.",
	}, []string{"agent"})
	StartDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aviary_agent_start_duration_seconds",
		Help:    "Time from start intent to the worker reporting ready.",
		Buckets: prometheus.DefBuckets,
	})
)
