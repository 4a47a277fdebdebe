package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/audio-ingest/pkg/metrics"
)

func TestHealthz(t *testing.T) {
	router := newRouter(metrics.NewRegistry(), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestReadyz(t *testing.T) {
	checks := map[string]CheckFunc{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	}
	router := newRouter(metrics.NewRegistry(), checks)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())
}

func TestReadyzReportsFailures(t *testing.T) {
	checks := map[string]CheckFunc{
		"database": func(context.Context) error { return nil },
		"qdrant":   func(context.Context) error { return errors.New("connection refused") },
	}
	router := newRouter(metrics.NewRegistry(), checks)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "qdrant")
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	m.MessagesTotal.Inc()
	m.DuplicatesTotal.Inc()

	router := newRouter(reg, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "audio_ingest_messages_total 1")
	assert.Contains(t, body, "audio_ingest_duplicates_total 1")
}

func TestMetricsRegistryHasRuntimeCollectors(t *testing.T) {
	router := newRouter(metrics.NewRegistry(), nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), "go_goroutines")
}
