package common

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsHandler(t *testing.T) {
	t.Parallel()

	reg := NewMetricsRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ackpine_test_total", Help: "test counter"})
	reg.MustRegister(c)
	c.Inc()

	ready := new(atomic.Bool)
	h := NewOpsHandler(reg, ready)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ackpine_test_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusOK, get("/v1/liveness").Code)

	rec = get("/v1/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready"}`, rec.Body.String())

	ready.Store(true)
	rec = get("/v1/readiness")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}
