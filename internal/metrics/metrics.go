// Package metrics exposes prometheus instrumentation for ingestion and
// balance activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	registry *prometheus.Registry

	IngestDays           *prometheus.CounterVec
	RateLimitedProviders prometheus.Counter
	RepairRuns           *prometheus.CounterVec
	PollerRows           *prometheus.CounterVec
	BalanceQueries       prometheus.Counter
	PaymentsRecorded     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IngestDays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltara_ingest_days_total",
			Help: "Site-days processed by outcome.",
		}, []string{"outcome"}),
		RateLimitedProviders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voltara_ingest_rate_limited_providers_total",
			Help: "Providers whose quota was exhausted mid-run.",
		}),
		RepairRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltara_repair_runs_total",
			Help: "Repair scanner runs by result.",
		}, []string{"result"}),
		PollerRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltara_poller_rows_total",
			Help: "Rows written by the live and transaction pollers.",
		}, []string{"worker"}),
		BalanceQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voltara_balance_queries_total",
			Help: "Balance computations served.",
		}),
		PaymentsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voltara_payments_recorded_total",
			Help: "Payment snapshots appended.",
		}),
	}

	m.registry.MustRegister(
		m.IngestDays,
		m.RateLimitedProviders,
		m.RepairRuns,
		m.PollerRows,
		m.BalanceQueries,
		m.PaymentsRecorded,
	)
	return m
}

// Registry returns the dedicated registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)
