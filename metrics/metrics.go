// Package metrics exposes Prometheus metrics for the certificate services and
// the HTTP server that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of the application. A nil *Metrics is
// valid and records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	IssuanceTotal     *prometheus.CounterVec
	IssuanceDuration  prometheus.Histogram
	LedgerSubmissions *prometheus.CounterVec
	ReconcileTotal    *prometheus.CounterVec
	AnchorOps         *prometheus.CounterVec
	VerifyTotal       *prometheus.CounterVec
	IndexWriteErrors  prometheus.Counter
	IndexHeadBlock    prometheus.Gauge
	LedgerHeadBlock   prometheus.Gauge
}

// New creates and registers all metrics in a dedicated registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IssuanceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issuance_total",
			Help:      "Issuance workflows by outcome",
		}, []string{"outcome"}),
		IssuanceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "issuance_duration_seconds",
			Help:      "Duration of issuance workflows from anchoring to index write",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		LedgerSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_submissions_total",
			Help:      "Ledger submissions by operation and outcome",
		}, []string{"op", "outcome"}),
		ReconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconciliation queries after ambiguous submissions, by outcome",
		}, []string{"outcome"}),
		AnchorOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchor_operations_total",
			Help:      "Anchor produce/resolve calls by scheme and outcome",
		}, []string{"op", "scheme", "outcome"}),
		VerifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_total",
			Help:      "Verification requests by status",
		}, []string{"status"}),
		IndexWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_write_errors_total",
			Help:      "Local index writes that failed after a confirmed mint",
		}),
		IndexHeadBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_head_block",
			Help:      "Last ledger block applied to the local index",
		}),
		LedgerHeadBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_head_block",
			Help:      "Latest ledger block observed by the index syncer",
		}),
	}
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveIssuance(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.IssuanceTotal.WithLabelValues(outcome).Inc()
	m.IssuanceDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncLedgerSubmission(op, outcome string) {
	if m == nil {
		return
	}
	m.LedgerSubmissions.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncReconcile(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAnchorOp(op, scheme, outcome string) {
	if m == nil {
		return
	}
	m.AnchorOps.WithLabelValues(op, scheme, outcome).Inc()
}

func (m *Metrics) IncVerify(status string) {
	if m == nil {
		return
	}
	m.VerifyTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncIndexWriteError() {
	if m == nil {
		return
	}
	m.IndexWriteErrors.Inc()
}

func (m *Metrics) SetHeads(indexed, ledger uint64) {
	if m == nil {
		return
	}
	m.IndexHeadBlock.Set(float64(indexed))
	m.LedgerHeadBlock.Set(float64(ledger))
}

// MetricsServer serves /metrics for a Metrics registry.
type MetricsServer struct {
	srv *http.Server
}

// NewServer creates the metrics HTTP server listening on addr.
func NewServer(m *Metrics, addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
