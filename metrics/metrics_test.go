package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New("test")

	m.ObserveIssuance("success", time.Now())
	m.ObserveIssuance("success", time.Now())
	m.IncVerify("valid")
	m.IncIndexWriteError()
	m.SetHeads(3, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IssuanceTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerifyTotal.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexWriteErrors))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.LedgerHeadBlock))

	// A second instance uses its own registry.
	other := New("test")
	assert.Equal(t, 0.0, testutil.ToFloat64(other.IssuanceTotal.WithLabelValues("success")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIssuance("success", time.Now())
		m.IncLedgerSubmission("mint", "accepted")
		m.IncReconcile("found")
		m.IncAnchorOp("produce", "data", "ok")
		m.IncVerify("valid")
		m.IncIndexWriteError()
		m.SetHeads(1, 1)
	})
}
