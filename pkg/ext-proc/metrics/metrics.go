// Package metrics exports the session lifecycle of the load balancer to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/loadbalancer"
)

const Subsystem = "disagg_gateway"

var (
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: Subsystem,
			Name:      "active_sessions",
			Help:      "Sessions that have not reached a terminal state.",
		},
	)

	// StateDurationSeconds records how long sessions stay in each non-terminal state.
	StateDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: Subsystem,
			Name:      "session_state_duration_seconds",
			Help:      "Time spent by sessions in a state before leaving it.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"state"},
	)

	HandoffRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: Subsystem,
			Name:      "kv_handoff_retries_total",
			Help:      "KV handoffs that failed or timed out and were retried on another decode worker.",
		},
		[]string{"decode_worker"},
	)

	WorkersHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: Subsystem,
			Name:      "workers_healthy",
			Help:      "Healthy routable workers per role.",
		},
		[]string{"role"},
	)
)

// GetCollectors returns all collectors of the gateway.
func GetCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		SessionTransitions,
		ActiveSessions,
		StateDurationSeconds,
		HandoffRetries,
		WorkersHealthy,
	}
}

var registerOnce sync.Once

// Register registers the collectors with r once.
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(GetCollectors()...)
	})
}

// Observer implements loadbalancer.Observer on the package collectors.
type Observer struct{}

func (Observer) ObserveTransition(from, to loadbalancer.State, elapsed time.Duration) {
	SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	if from == "" {
		ActiveSessions.Inc()
		return
	}
	StateDurationSeconds.WithLabelValues(string(from)).Observe(elapsed.Seconds())
	if to.Terminal() {
		ActiveSessions.Dec()
	}
}

func (Observer) ObserveHandoffRetry(decode backend.Worker, _ error) {
	HandoffRetries.WithLabelValues(decode.ID).Inc()
}

// WorkerLister lists the healthy workers of a role.
type WorkerLister interface {
	ListHealthy(role backend.Role) []*backend.WorkerState
}

// RecordWorkers sets the healthy worker gauges from wl.
func RecordWorkers(wl WorkerLister) {
	for _, role := range []backend.Role{backend.RolePrefill, backend.RoleDecode, backend.RoleDP} {
		WorkersHealthy.WithLabelValues(string(role)).Set(float64(len(wl.ListHealthy(role))))
	}
}
