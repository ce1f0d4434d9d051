package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

// Health is the analyzer's health report
type Health struct {
	Status         string `json:"status"`
	DetectorLoaded bool   `json:"detector_loaded"`
}

// Ready reports whether the analyzer can serve sessions
func (h *Health) Ready() bool {
	return h.Status == "ok" && h.DetectorLoaded
}

// Client is an HTTP client for the analyzer's health endpoint
type Client struct {
	healthURL  string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new analyzer client
func NewClient(cfg config.AnalyzerConfig, timeout time.Duration, log *logger.Logger) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		healthURL: cfg.AnalyzerHealthURL(),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}
}

// HealthURL returns the probed endpoint
func (c *Client) HealthURL() string {
	return c.healthURL
}

// Health fetches the analyzer's health report
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer health check failed: status %d: %s", resp.StatusCode, string(body))
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug(
		"Analyzer health",
		"status", health.Status,
		"detector_loaded", health.DetectorLoaded,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	return &health, nil
}

// HealthCheck returns an error unless the analyzer is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if !health.Ready() {
		return fmt.Errorf("analyzer not ready: status=%s detector_loaded=%t", health.Status, health.DetectorLoaded)
	}
	return nil
}
