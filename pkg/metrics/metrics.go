// Package metrics defines the prometheus collectors exposed at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reqd",
			Subsystem: "executions",
			Name:      "total",
			Help:      "total number of request executions by outcome",
		},
		[]string{"status"},
	)

	MetricExecutionSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reqd",
			Subsystem: "executions",
			Name:      "seconds_total",
			Help:      "total number of seconds spent executing requests",
		},
	)

	MetricSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reqd",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "current number of live sessions",
		},
	)

	MetricFlowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reqd",
			Subsystem: "flows",
			Name:      "active",
			Help:      "current number of live flows",
		},
	)

	MetricWsSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reqd",
			Subsystem: "ws_sessions",
			Name:      "active",
			Help:      "current number of owned upstream websocket sessions",
		},
	)

	MetricSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reqd",
			Subsystem: "event_subscribers",
			Name:      "active",
			Help:      "current number of SSE event subscribers",
		},
	)

	MetricScriptRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reqd",
			Subsystem: "script_runs",
			Name:      "total",
			Help:      "total number of spawned script and test runs",
		},
		[]string{"kind"},
	)
)

// Register registers every collector on the given registry.
func Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		MetricExecutionsTotal,
		MetricExecutionSecondsTotal,
		MetricSessionsActive,
		MetricFlowsActive,
		MetricWsSessionsActive,
		MetricSubscribersActive,
		MetricScriptRunsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
