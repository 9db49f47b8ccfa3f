package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics of the supply-chain client.
type PrometheusMetrics struct {
	// Transaction counters
	TxTotal *prometheus.CounterVec

	// Gauges
	Workers   *prometheus.GaugeVec
	RunStatus *prometheus.GaugeVec

	// Histograms
	ConfirmLatency *prometheus.HistogramVec
	GasUsed        *prometheus.HistogramVec
	QueryLatency   prometheus.Histogram

	// Ledger and artifact traffic
	RPCRetries     *prometheus.CounterVec
	ArtifactOps    *prometheus.CounterVec
	ReliabilityHit *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supplychain_transactions_total",
				Help: "Transactions by status and contract operation",
			},
			[]string{"status", "op"},
		),

		Workers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "supplychain_workers",
				Help: "Load-test workers by phase",
			},
			[]string{"phase"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "supplychain_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		ConfirmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "supplychain_confirmation_latency_seconds",
				Help:    "Submission to receipt latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 80},
			},
			[]string{"op"},
		),

		GasUsed: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "supplychain_gas_used",
				Help:    "Gas used per confirmed transaction",
				Buckets: prometheus.ExponentialBuckets(25_000, 2, 8),
			},
			[]string{"op"},
		),

		QueryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "supplychain_reliability_query_seconds",
				Help:    "Duration of a full dependency reliability check",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		RPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supplychain_rpc_retries_total",
				Help: "Ledger RPC retries by method",
			},
			[]string{"method"},
		),

		ArtifactOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supplychain_artifact_operations_total",
				Help: "Artifact store operations by kind and result",
			},
			[]string{"op", "status"},
		),

		ReliabilityHit: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supplychain_reliability_reports_total",
				Help: "Reliability reports counted by level",
			},
			[]string{"level"},
		),
	}
}

// RecordSubmitted records a transaction accepted by the node.
func (m *PrometheusMetrics) RecordSubmitted(op string) {
	m.TxTotal.WithLabelValues("submitted", op).Inc()
}

// RecordConfirmed records a successful receipt.
func (m *PrometheusMetrics) RecordConfirmed(op string, gasUsed uint64, latency time.Duration) {
	m.TxTotal.WithLabelValues("confirmed", op).Inc()
	m.GasUsed.WithLabelValues(op).Observe(float64(gasUsed))
	m.ConfirmLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// RecordRejected records a contract-level refusal.
func (m *PrometheusMetrics) RecordRejected(op string) {
	m.TxTotal.WithLabelValues("rejected", op).Inc()
}

// knownRPCMethods is a fixed set of RPC methods to prevent cardinality explosion.
var knownRPCMethods = map[string]bool{
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_blockNumber":           true,
	"eth_chainId":               true,
	"eth_getCode":               true,
	"eth_gasPrice":              true,
	"eth_getBalance":            true,
	"eth_getTransactionReceipt": true,
	"eth_call":                  true,
	"eth_estimateGas":           true,
}

// RecordRPCRetry records one retried RPC call.
func (m *PrometheusMetrics) RecordRPCRetry(method string) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	m.RPCRetries.WithLabelValues(method).Inc()
}

// RecordArtifact records an artifact upload or download.
func (m *PrometheusMetrics) RecordArtifact(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ArtifactOps.WithLabelValues(op, status).Inc()
}

// RecordReliability records one counted reliability report.
func (m *PrometheusMetrics) RecordReliability(level string) {
	m.ReliabilityHit.WithLabelValues(level).Inc()
}

// RecordQuery records the duration of a reliability check.
func (m *PrometheusMetrics) RecordQuery(d time.Duration) {
	m.QueryLatency.Observe(d.Seconds())
}

// SetWorkers sets the number of workers per phase.
func (m *PrometheusMetrics) SetWorkers(phases map[string]int) {
	m.Workers.Reset()
	for phase, n := range phases {
		m.Workers.WithLabelValues(phase).Set(float64(n))
	}
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range []string{"idle", "preparing", "running", "completed", "error"} {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}
