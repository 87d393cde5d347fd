package common

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestHealthServer(t *testing.T) {
	ready := &atomic.Bool{}
	var dbErr error
	hs := NewHealthServer(":0", ready, func(context.Context) error { return dbErr })
	h := hs.Handler()

	code, _ := probe(t, h, "/v1/health")
	assert.Equal(t, http.StatusOK, code)

	code, body := probe(t, h, "/v1/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "not ready")

	ready.Store(true)
	code, body = probe(t, h, "/v1/readiness")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ready"}`, body)

	dbErr = errors.New("connection refused")
	code, body = probe(t, h, "/v1/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "connection refused")
}

func TestMetricsServer(t *testing.T) {
	srv, err := NewMetricsServer(":0")
	require.NoError(t, err)

	code, body := probe(t, srv.Handler, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")
}
