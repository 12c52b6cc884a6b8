package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLivenessAlwaysHealthy(t *testing.T) {
	hc := NewHealthCheck(nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hc.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestReadinessAllProbesHealthy(t *testing.T) {
	hc := NewHealthCheck(map[string]Probe{
		"redis":    func(ctx context.Context) error { return nil },
		"postgres": func(ctx context.Context) error { return nil },
	}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	hc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"redis":"healthy","postgres":"healthy"}}`, rec.Body.String())
}

func TestReadinessFailingProbe(t *testing.T) {
	hc := NewHealthCheck(map[string]Probe{
		"redis":    func(ctx context.Context) error { return nil },
		"postgres": func(ctx context.Context) error { return errors.New("connection refused") },
	}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	hc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not_ready","checks":{"redis":"healthy","postgres":"unhealthy"}}`, rec.Body.String())
}
