// Package metrics definiert die Prometheus-Zähler des PID-Providers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Registrations zählt Registrierungen nach record_status (created, updated, retrieved, error).
	Registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pid_provider_registrations_total",
			Help: "Total number of XML registrations by outcome.",
		},
		[]string{"status"},
	)

	// MintCollisions zählt generierte PIDs, die bereits vergeben waren.
	MintCollisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pid_provider_mint_collisions_total",
			Help: "Total number of minted PIDs that collided with an issued PID.",
		},
		[]string{"type"},
	)

	// Conflicts zählt abgelehnte Registrierungen nach Fehlertyp.
	Conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pid_provider_conflicts_total",
			Help: "Total number of rejected registrations by error type.",
		},
		[]string{"error_type"},
	)

	// Fetches zählt register_by_uri-Aufrufe nach Ergebnis.
	Fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pid_provider_fetches_total",
			Help: "Total number of register-by-uri executions by status.",
		},
		[]string{"status"},
	)

	// CoreSyncs zählt Übertragungen an den zentralen PID-Provider.
	CoreSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pid_provider_core_sync_total",
			Help: "Total number of records pushed to the upstream pid provider.",
		},
		[]string{"result"},
	)

	// RegisterDuration misst die Dauer einer Registrierung.
	RegisterDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pid_provider_register_duration_seconds",
			Help:    "Duration of a single XML registration.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(Registrations, MintCollisions, Conflicts, Fetches, CoreSyncs, RegisterDuration)
}
