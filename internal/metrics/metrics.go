// Package metrics collects counters for a credwrap run. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"credwrap/internal/datastore"
)

const namespace = "credwrap"

// Outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeNotFound  = "not_found"
	OutcomeMalformed = "malformed"
	OutcomeError     = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	StoreOps     *prometheus.CounterVec
	StoreLatency *prometheus.HistogramVec
	Runs         *prometheus.CounterVec
	ChildExit    prometheus.Gauge
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Control-channel requests by action and outcome",
		}, []string{"action", "outcome"}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Encrypted store operations by operation and outcome",
		}, []string{"op", "outcome"}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_seconds",
			Help:      "Encrypted store operation latency including crypto",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_runs_total",
			Help:      "Child process runs by outcome",
		}, []string{"outcome"}),
		ChildExit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "child_exit_code",
			Help:      "Exit code of the most recent child process",
		}),
	}
	m.registry.MustRegister(
		m.Requests, m.StoreOps, m.StoreLatency, m.Runs, m.ChildExit,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveRequest(action, outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ObserveStoreOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		outcome = OutcomeNotFound
	case err != nil:
		outcome = OutcomeError
	}
	m.StoreOps.WithLabelValues(op, outcome).Inc()
	m.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveExit(code int) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if code != 0 {
		outcome = "exit_" + strconv.Itoa(code)
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.ChildExit.Set(float64(code))
}

// WriteTextfile writes the current values in the node-exporter textfile
// format, replacing path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
