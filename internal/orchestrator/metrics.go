package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics is the Prometheus-backed MetricsSink.
type PromMetrics struct {
	stageDuration *prometheus.HistogramVec
	executions    *prometheus.CounterVec
	agentFailures prometheus.Counter
	retries       prometheus.Counter
	agentsActive  prometheus.Gauge
}

// MustNewPromMetrics registers the collectors with reg (the default
// registerer when nil). Registration conflicts reuse the existing collector,
// mirroring promauto semantics, so tests and repeated wiring do not panic on
// duplicates.
func MustNewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentfleet",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of orchestration stages and agent runs.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	executions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "orchestrator",
			Name:      "executions_total",
			Help:      "Completed executions by terminal status.",
		},
		[]string{"status"},
	)
	agentFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "orchestrator",
			Name:      "agent_failures_total",
			Help:      "Agent runs that ended failed after retries.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentfleet",
			Subsystem: "orchestrator",
			Name:      "agent_retries_total",
			Help:      "Agent run retries.",
		},
	)
	agentsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentfleet",
			Subsystem: "orchestrator",
			Name:      "agents_active",
			Help:      "Agents currently running.",
		},
	)

	m := &PromMetrics{
		stageDuration: stageDuration,
		executions:    executions,
		agentFailures: agentFailures,
		retries:       retries,
		agentsActive:  agentsActive,
	}

	for _, c := range []prometheus.Collector{stageDuration, executions, agentFailures, retries, agentsActive} {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch c {
				case stageDuration:
					m.stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case executions:
					m.executions = already.ExistingCollector.(*prometheus.CounterVec)
				case agentFailures:
					m.agentFailures = already.ExistingCollector.(prometheus.Counter)
				case retries:
					m.retries = already.ExistingCollector.(prometheus.Counter)
				case agentsActive:
					m.agentsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}
	return m
}

func (m *PromMetrics) ObserveStage(stage string, status string, d time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *PromMetrics) RecordExecution(em ExecutionMetrics) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(em.Status)).Inc()
	m.agentFailures.Add(float64(em.AgentsFailed))
	m.retries.Add(float64(em.Retries))
}

func (m *PromMetrics) SetActiveAgents(n int) {
	if m == nil || m.agentsActive == nil {
		return
	}
	m.agentsActive.Set(float64(n))
}
