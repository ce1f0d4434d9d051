package analyzer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

func newHealthServer(t *testing.T, status int, body string) config.AnalyzerConfig {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	return config.AnalyzerConfig{
		BaseURL:    "ws" + strings.TrimPrefix(server.URL, "http"),
		StreamPath: "/ws/stream",
		HealthPath: "/health",
	}
}

func TestClient_HealthReady(t *testing.T) {
	cfg := newHealthServer(t, http.StatusOK, `{"status":"ok","detector_loaded":true}`)
	client := NewClient(cfg, time.Second, logger.NewNopLogger())

	assert.True(t, strings.HasPrefix(client.HealthURL(), "http://"))

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Ready())
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestClient_DetectorNotLoaded(t *testing.T) {
	cfg := newHealthServer(t, http.StatusOK, `{"status":"ok","detector_loaded":false}`)
	client := NewClient(cfg, time.Second, logger.NewNopLogger())

	err := client.HealthCheck(context.Background())
	assert.ErrorContains(t, err, "detector_loaded=false")
}

func TestClient_HealthErrors(t *testing.T) {
	cfg := newHealthServer(t, http.StatusServiceUnavailable, "loading")
	client := NewClient(cfg, time.Second, logger.NewNopLogger())
	_, err := client.Health(context.Background())
	assert.ErrorContains(t, err, "status 503")

	cfg = newHealthServer(t, http.StatusOK, "{")
	client = NewClient(cfg, time.Second, logger.NewNopLogger())
	_, err = client.Health(context.Background())
	assert.ErrorContains(t, err, "failed to parse response")

	client = NewClient(config.AnalyzerConfig{BaseURL: "ws://127.0.0.1:1", HealthPath: "/health"}, 200*time.Millisecond, logger.NewNopLogger())
	_, err = client.Health(context.Background())
	assert.Error(t, err)
}
