package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "coinledger"
	subsystemOperation = "operation"
	subsystemReconcile = "reconcile"
	replayedLabelTrue  = "true"
	replayedLabelFalse = "false"
)

// Metrics counts ledger operations and records reconciliation results.
type Metrics struct {
	registry            *prometheus.Registry
	operationsTotal     *prometheus.CounterVec
	reconcileRunsTotal  *prometheus.CounterVec
	walletsChecked      prometheus.Gauge
	walletsDrifted      prometheus.Gauge
	driftAppliedTotal   prometheus.Counter
	reconcileLastRunUTC prometheus.Gauge
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemOperation,
				Name:      "total",
				Help:      "Ledger operations partitioned by operation, outcome kind and replay.",
			},
			[]string{"operation", "kind", "replayed"},
		),
		reconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemReconcile,
				Name:      "runs_total",
				Help:      "Reconciliation runs partitioned by result.",
			},
			[]string{"result"},
		),
		walletsChecked: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemReconcile,
				Name:      "wallets_checked",
				Help:      "Wallets examined by the most recent reconciliation run.",
			},
		),
		walletsDrifted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemReconcile,
				Name:      "wallets_drifted",
				Help:      "Wallets whose cached balance disagreed with the ledger in the most recent run.",
			},
		),
		driftAppliedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemReconcile,
				Name:      "corrections_total",
				Help:      "Cached balances rewritten by reconciliation.",
			},
		),
		reconcileLastRunUTC: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemReconcile,
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
	}
}

// Registry exposes the private registry for exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if m == nil {
		return
	}
	kind := "ok"
	if entry.Error != nil {
		kind = ledger.Describe(entry.Error).Kind
	}
	replayed := replayedLabelFalse
	if entry.Replayed {
		replayed = replayedLabelTrue
	}
	m.operationsTotal.WithLabelValues(entry.Operation, kind, replayed).Inc()
}

// ObserveReconcile records the outcome of a reconciliation run.
func (m *Metrics) ObserveReconcile(report ledger.ReconcileReport, err error) {
	if m == nil {
		return
	}
	m.reconcileLastRunUTC.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.reconcileRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.walletsChecked.Set(float64(report.WalletsChecked))
	m.walletsDrifted.Set(float64(len(report.Drifts)))
	if report.Applied {
		m.driftAppliedTotal.Add(float64(len(report.Drifts)))
	}
	if report.Clean() {
		m.reconcileRunsTotal.WithLabelValues("clean").Inc()
		return
	}
	m.reconcileRunsTotal.WithLabelValues("drift").Inc()
}

// WriteTextfile dumps every metric in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
