package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FabricMetrics holds the process-wide Prometheus metrics for the
// coordination fabric. Registered once; shared by all components.
type FabricMetrics struct {
	// Memory store
	MemoryRecordsStored  prometheus.Counter
	MemoryQueriesTotal   prometheus.Counter
	MemoryQueryDuration  prometheus.Histogram
	MemoryDegradedEvents prometheus.Counter
	MemoryRecordsEvicted prometheus.Counter

	// Router / fan-out
	RouterRetrievals   prometheus.Counter
	RouterCacheHits    prometheus.Counter
	FanoutEventsTotal  *prometheus.CounterVec
	FanoutNotifyTotal  prometheus.Counter
	FanoutMemoriesMade prometheus.Counter

	// Coordinator
	DecisionsTotal    prometheus.Counter
	DecisionsExecuted prometheus.Counter
	DecisionDuration  prometheus.Histogram
	ConsensusScore    prometheus.Histogram
	PhaseFailures     *prometheus.CounterVec

	// Registry / agents
	ActiveAgents    prometheus.Gauge
	UnhealthyAgents prometheus.Gauge
	AgentSteps      *prometheus.CounterVec
	AgentErrors     *prometheus.CounterVec

	// Runtime
	TasksSubmitted prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	MaxConcurrent  prometheus.Gauge
	HostCPUPercent prometheus.Gauge
	HostMemPercent prometheus.Gauge
}

// Singleton instance to avoid Prometheus duplicate-registration panics
// when multiple components are constructed in one process (or test binary).
var (
	fabricMetricsInstance *FabricMetrics
	fabricMetricsOnce     sync.Once
)

// Fabric returns the process-wide metrics instance
func Fabric() *FabricMetrics {
	fabricMetricsOnce.Do(func() {
		fabricMetricsInstance = &FabricMetrics{
			MemoryRecordsStored: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_memory_records_stored_total",
				Help: "Total memory records persisted",
			}),
			MemoryQueriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_memory_queries_total",
				Help: "Total similarity queries against the memory store",
			}),
			MemoryQueryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "fabric_memory_query_duration_seconds",
				Help:    "Duration of memory store similarity queries",
				Buckets: prometheus.DefBuckets,
			}),
			MemoryDegradedEvents: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_memory_degraded_transitions_total",
				Help: "Transitions of memory subsystems into degraded mode",
			}),
			MemoryRecordsEvicted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_memory_records_evicted_total",
				Help: "Records removed by the retention compactor",
			}),
			RouterRetrievals: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_router_retrievals_total",
				Help: "Memory retrieval requests served by the input router",
			}),
			RouterCacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_router_cache_hits_total",
				Help: "Input router retrievals served from cache",
			}),
			FanoutEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fabric_fanout_events_total",
				Help: "Agent events processed by the output fan-out, by class",
			}, []string{"class"}),
			FanoutNotifyTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_fanout_notifications_total",
				Help: "Cross-agent notifications enqueued by the fan-out",
			}),
			FanoutMemoriesMade: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_fanout_memories_total",
				Help: "Memory records created from important agent events",
			}),
			DecisionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_coordinator_decisions_total",
				Help: "Trading decisions synthesized by the coordinator",
			}),
			DecisionsExecuted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_coordinator_decisions_executed_total",
				Help: "Decisions recorded for execution after cycle ranking",
			}),
			DecisionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "fabric_coordinator_decision_duration_seconds",
				Help:    "Duration of per-symbol decision pipelines",
				Buckets: prometheus.DefBuckets,
			}),
			ConsensusScore: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "fabric_coordinator_consensus_score",
				Help:    "Weighted consensus scores of synthesized decisions",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			}),
			PhaseFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fabric_coordinator_phase_failures_total",
				Help: "Pipeline phase failures (error, timeout, panic), by phase",
			}, []string{"phase"}),
			ActiveAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "fabric_registry_active_agents",
				Help: "Number of registered agents in active state",
			}),
			UnhealthyAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "fabric_registry_unhealthy_agents",
				Help: "Number of agents currently marked unhealthy",
			}),
			AgentSteps: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fabric_agent_steps_total",
				Help: "Agent process-loop steps, by agent",
			}, []string{"agent"}),
			AgentErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fabric_agent_errors_total",
				Help: "Errors caught by agent outer loops, by agent",
			}, []string{"agent"}),
			TasksSubmitted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_runtime_tasks_submitted_total",
				Help: "Tasks submitted to the runtime agent queue",
			}),
			TasksCompleted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_runtime_tasks_completed_total",
				Help: "Tasks completed by the runtime agent",
			}),
			TasksFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fabric_runtime_tasks_failed_total",
				Help: "Tasks that exhausted retries or were cancelled",
			}),
			MaxConcurrent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "fabric_runtime_max_concurrent_tasks",
				Help: "Current adaptive concurrency cap of the runtime agent",
			}),
			HostCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "fabric_runtime_host_cpu_percent",
				Help: "Last sampled host CPU utilization",
			}),
			HostMemPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "fabric_runtime_host_mem_percent",
				Help: "Last sampled host memory utilization",
			}),
		}
	})
	return fabricMetricsInstance
}
