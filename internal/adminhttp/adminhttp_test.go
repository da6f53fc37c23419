package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace/agent/internal/dictionary"
)

func TestHealthzReportsUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	dict := dictionary.New()
	h := New(reg, dict, func() time.Duration { return 42 * time.Second })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(42), body["uptime_secs"])
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	dict := dictionary.New()
	h := New(reg, dict, func() time.Duration { return 0 })

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugSchemaReturnsDictionarySnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	dict := dictionary.New()
	_, err := dict.Register("custom_field")
	require.NoError(t, err)

	h := New(reg, dict, func() time.Duration { return 0 })

	req := httptest.NewRequest(http.MethodGet, "/debug/schema", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var schema map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schema))
	assert.Contains(t, schema, "custom_field")
}
