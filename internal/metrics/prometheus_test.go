package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_Transactions(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordSubmitted("addLibrary")
	m.RecordSubmitted("addLibrary")
	m.RecordConfirmed("addLibrary", 250_000, 2*time.Second)
	m.RecordRejected("addLibrary")

	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("submitted", "addLibrary")); got != 2 {
		t.Errorf("submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("confirmed", "addLibrary")); got != 1 {
		t.Errorf("confirmed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("rejected", "addLibrary")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RPCRetryCardinality(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordRPCRetry("eth_call")
	m.RecordRPCRetry("debug_traceTransaction")
	m.RecordRPCRetry("whatever")

	if got := testutil.ToFloat64(m.RPCRetries.WithLabelValues("eth_call")); got != 1 {
		t.Errorf("eth_call retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RPCRetries.WithLabelValues("other")); got != 2 {
		t.Errorf("other retries = %v, want 2", got)
	}
}

func TestPrometheusMetrics_ArtifactsAndStatus(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordArtifact("upload", nil)
	m.RecordArtifact("download", errors.New("boom"))
	m.SetRunStatus("running")
	m.SetWorkers(map[string]int{"running": 3, "done": 1})
	m.SetWorkers(map[string]int{"done": 4})

	if got := testutil.ToFloat64(m.ArtifactOps.WithLabelValues("upload", "success")); got != 1 {
		t.Errorf("upload success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ArtifactOps.WithLabelValues("download", "error")); got != 1 {
		t.Errorf("download error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunStatus.WithLabelValues("running")); got != 1 {
		t.Errorf("running status = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunStatus.WithLabelValues("idle")); got != 0 {
		t.Errorf("idle status = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.Workers); got != 1 {
		t.Errorf("worker series = %d, want 1 after reset", got)
	}
}
