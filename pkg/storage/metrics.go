// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the storage and retention metrics.
type Metrics struct {
	// RecordingsClosed counts recordings closed and persisted, per camera.
	RecordingsClosed *prometheus.CounterVec

	// RecordingsDeleted counts recordings deleted by retention, per camera.
	RecordingsDeleted *prometheus.CounterVec

	// BytesDeleted counts raw sample bytes deleted by retention, per camera.
	BytesDeleted *prometheus.CounterVec

	// RetainedBytes tracks the total closed-recording bytes per camera
	// after the last sweep.
	RetainedBytes *prometheus.GaugeVec

	// SweepErrors counts retention sweeps that failed and will be retried.
	SweepErrors prometheus.Counter
}

// NewMetrics creates and registers metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates and registers metrics with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordingsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "storage",
				Name:      "recordings_closed_total",
				Help:      "Number of recordings closed and persisted.",
			},
			[]string{"camera"},
		),
		RecordingsDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "retention",
				Name:      "recordings_deleted_total",
				Help:      "Number of recordings deleted to enforce the retention budget.",
			},
			[]string{"camera"},
		),
		BytesDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "retention",
				Name:      "bytes_deleted_total",
				Help:      "Raw sample bytes deleted to enforce the retention budget.",
			},
			[]string{"camera"},
		),
		RetainedBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "retention",
				Name:      "retained_bytes",
				Help:      "Total closed-recording bytes per camera after the last sweep.",
			},
			[]string{"camera"},
		),
		SweepErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sentinel",
				Subsystem: "retention",
				Name:      "sweep_errors_total",
				Help:      "Retention sweeps that failed and will be retried.",
			},
		),
	}
}
