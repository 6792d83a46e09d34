// Package metrics collects the counters and gauges the status API exposes
// for operators: active listeners, packets routed, SI table churn, tuner
// lock state, and write errors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the daemon publishes. All fields are
// pre-registered against Registry and safe for concurrent use, matching
// prometheus.Counter/Gauge's own concurrency guarantees.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveListeners prometheus.Gauge
	PacketsRouted   prometheus.Counter
	PacketsDropped  prometheus.Counter
	TableChanges    *prometheus.CounterVec
	TunerLocked     prometheus.Gauge
	WriteErrors     prometheus.Counter
	RecordingActive prometheus.Gauge
	ScheduledNext   prometheus.Gauge
}

// New creates a fresh registry and registers every collector against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		ActiveListeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvbrecorder",
			Name:      "active_listeners",
			Help:      "Number of listeners currently registered on the fan-out fabric.",
		}),
		PacketsRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dvbrecorder",
			Name:      "packets_routed_total",
			Help:      "Transport stream packets delivered to at least one listener.",
		}),
		PacketsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dvbrecorder",
			Name:      "packets_dropped_total",
			Help:      "Transport stream packets no registered listener's filter matched.",
		}),
		TableChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvbrecorder",
			Name:      "table_changes_total",
			Help:      "PSI/SI table change events observed, by table (pat, pmt, sdt, eit).",
		}, []string{"table"}),
		TunerLocked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvbrecorder",
			Name:      "tuner_locked",
			Help:      "1 if the frontend reports FE_HAS_LOCK, else 0.",
		}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dvbrecorder",
			Name:      "record_write_errors_total",
			Help:      "Write errors that aborted an in-progress recording.",
		}),
		RecordingActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvbrecorder",
			Name:      "recording_active",
			Help:      "1 if a recording is currently in progress, else 0.",
		}),
		ScheduledNext: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvbrecorder",
			Name:      "scheduled_next_unix",
			Help:      "Unix time of the next scheduled timed action, or 0 if none.",
		}),
	}
	return m
}

// SetTunerLocked records the frontend's current lock state.
func (m *Metrics) SetTunerLocked(locked bool) {
	if locked {
		m.TunerLocked.Set(1)
	} else {
		m.TunerLocked.Set(0)
	}
}

// SetRecordingActive records whether a recording is currently in progress.
func (m *Metrics) SetRecordingActive(active bool) {
	if active {
		m.RecordingActive.Set(1)
	} else {
		m.RecordingActive.Set(0)
	}
}
