package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineCountsByOutcome(t *testing.T) {
	e := NewEngine(prometheus.NewRegistry())

	e.Observe("negotiate", "success", "", 12*time.Millisecond)
	e.Observe("negotiate", "success", "", 8*time.Millisecond)
	e.Observe("negotiate", "rejected", "INVALID_SEQUENCE", time.Millisecond)
	e.Observe("create", "error", "INTERNAL_ERROR", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(e.invocations.WithLabelValues("negotiate", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.invocations.WithLabelValues("negotiate", "rejected", "INVALID_SEQUENCE")))
	assert.Equal(t, 3, testutil.CollectAndCount(e.invocations))
	assert.Equal(t, 2, testutil.CollectAndCount(e.duration))
}

func TestEngineHandlerServesMetrics(t *testing.T) {
	e := NewEngine(nil)
	e.Observe("bulk_accept", "success", "", time.Millisecond)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `offerflow_engine_invocations_total{code="",operation="bulk_accept",outcome="success"} 1`)
	assert.Contains(t, string(body), "offerflow_engine_duration_seconds_bucket")
}
