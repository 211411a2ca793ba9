package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-soa/metrics"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsEndpoints(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.RecordRequest("Echo.1.0.ping.producer", 100, 5*time.Millisecond)
	reg.RecordSuccess("Echo.1.0.ping.producer")
	reg.RecordRequest("Arith.1.0.Add.producer", 40, time.Millisecond)
	reg.RecordFailure("Arith.1.0.Add.producer")
	h := NewHandler(reg, nil, nil)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var all []metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "Arith.1.0.Add.producer", all[0].Key)
	assert.Equal(t, int64(1), all[0].Failed)

	rec = get(t, h, "/metrics/Echo.1.0.ping.producer")
	require.Equal(t, http.StatusOK, rec.Code)
	var one metrics.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, int64(1), one.Succeeded)
	assert.Equal(t, int64(100), one.RequestFlow)
	assert.Equal(t, 5*time.Millisecond, one.MaxTime)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics/Nope.1.0.x.producer").Code)
}

func TestMetricsEmpty(t *testing.T) {
	rec := get(t, NewHandler(metrics.NewRegistry(), nil, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	var down error
	h := NewHandler(metrics.NewRegistry(), func() error { return down }, nil)

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down = errors.New("shutting down")
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")
}
